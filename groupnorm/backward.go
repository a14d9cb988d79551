// Copyright 2025 go-groupnorm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package groupnorm

import (
	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// internalGradients fills the per-(n, c) statistics the backward stages share:
// ds[i] = sum over HxW of dy*x and db[i] = sum over HxW of dy, one parallel
// task per (n, c) pair. Vector partial sums with a single trailing horizontal
// reduction, like BaseRowwiseMoments.
func internalGradients[T hwy.Floats](pool *workerpool.Pool,
	dy, x []T, n, c, hxw int, ds, db []T) {
	forEachIndex(pool, n*c, func(i int) {
		lanes := hwy.MaxLanes[T]()
		dyRow := dy[i*hxw:]
		xRow := x[i*hxw:]
		dsAcc := hwy.Zero[T]()
		dbAcc := hwy.Zero[T]()
		var j int
		for ; j+lanes <= hxw; j += lanes {
			vdy := hwy.Load(dyRow[j:])
			vx := hwy.Load(xRow[j:])
			dsAcc = hwy.MulAdd(vdy, vx, dsAcc)
			dbAcc = hwy.Add(dbAcc, vdy)
		}
		if rem := hxw - j; rem > 0 {
			mask := hwy.TailMask[T](rem)
			vdy := hwy.MaskLoad(mask, dyRow[j:])
			vx := hwy.MaskLoad(mask, xRow[j:])
			dsAcc = hwy.MulAdd(vdy, vx, dsAcc)
			dbAcc = hwy.Add(dbAcc, vdy)
		}
		ds[i] = hwy.ReduceSum(dsAcc)
		db[i] = hwy.ReduceSum(dbAcc)
	})
}

// foldGroupSums reduces one group's D-channel slices of ds and db to two
// scalars, weighting each channel by gamma when present.
func foldGroupSums[T hwy.Floats](ds, db, gamma []T, d int) (dsVal, dbVal T) {
	lanes := hwy.MaxLanes[T]()
	dsAcc := hwy.Zero[T]()
	dbAcc := hwy.Zero[T]()
	var j int
	for ; j+lanes <= d; j += lanes {
		vds := hwy.Load(ds[j:])
		vdb := hwy.Load(db[j:])
		if gamma != nil {
			vg := hwy.Load(gamma[j:])
			dsAcc = hwy.MulAdd(vds, vg, dsAcc)
			dbAcc = hwy.MulAdd(vdb, vg, dbAcc)
		} else {
			dsAcc = hwy.Add(dsAcc, vds)
			dbAcc = hwy.Add(dbAcc, vdb)
		}
	}
	if rem := d - j; rem > 0 {
		mask := hwy.TailMask[T](rem)
		vds := hwy.MaskLoad(mask, ds[j:])
		vdb := hwy.MaskLoad(mask, db[j:])
		if gamma != nil {
			vg := hwy.MaskLoad(mask, gamma[j:])
			dsAcc = hwy.MulAdd(vds, vg, dsAcc)
			dbAcc = hwy.MulAdd(vdb, vg, dbAcc)
		} else {
			dsAcc = hwy.Add(dsAcc, vds)
			dbAcc = hwy.Add(dbAcc, vdb)
		}
	}
	return hwy.ReduceSum(dsAcc), hwy.ReduceSum(dbAcc)
}

// applyInputGrad writes dx[k] = c1*dy[k] + c2*x[k] + c3 over one channel's
// HxW run. A single affine recombination per element, no reduction.
func applyInputGrad[T hwy.Floats](dx, dy, x []T, c1, c2, c3 T, n int) {
	lanes := hwy.MaxLanes[T]()
	vc1 := hwy.Set(c1)
	vc2 := hwy.Set(c2)
	vc3 := hwy.Set(c3)
	var i int
	for ; i+lanes <= n; i += lanes {
		vdy := hwy.Load(dy[i:])
		vx := hwy.Load(x[i:])
		hwy.Store(hwy.MulAdd(vdy, vc1, hwy.MulAdd(vx, vc2, vc3)), dx[i:])
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[T](rem)
		vdy := hwy.MaskLoad(mask, dy[i:])
		vx := hwy.MaskLoad(mask, x[i:])
		hwy.MaskStore(mask, hwy.MulAdd(vdy, vc1, hwy.MulAdd(vx, vc2, vc3)), dx[i:])
	}
}

// inputBackward derives dX from the aggregated ds/db statistics, one parallel
// task per (n, g) group. With s = 1/(D*HxW), the closed-form coefficients are
//
//	c2 = (db*mean - ds) * rstd^3 * s
//	c3 = -c2*mean - db*rstd*s
//
// where ds/db are the group's gamma-weighted folds, and per channel
// c1 = rstd*gamma[c].
func inputBackward[T hwy.Floats](pool *workerpool.Pool,
	dy, x, mean, rstd, gamma, ds, db []T, n, c, hxw, groups int, dx []T) {
	d := c / groups
	s := T(1) / T(d*hxw)
	forEachIndex(pool, n*groups, func(i int) {
		g := i % groups
		var gammaRow []T
		if gamma != nil {
			gammaRow = gamma[g*d : g*d+d]
		}
		dsVal, dbVal := foldGroupSums(ds[i*d:i*d+d], db[i*d:i*d+d], gammaRow, d)

		r := rstd[i]
		c2 := (dbVal*mean[i] - dsVal) * r * r * r * s
		c3 := -c2*mean[i] - dbVal*r*s

		for j := range d {
			ch := g*d + j
			c1 := r
			if gamma != nil {
				c1 = r * gamma[ch]
			}
			off := (i*d + j) * hxw
			applyInputGrad(dx[off:], dy[off:], x[off:], c1, c2, c3, hxw)
		}
	})
}

// gammaBackward accumulates dgamma[c] += (ds[n,c] - db[n,c]*mean[n,g]) *
// rstd[n,g] over the batch. Parallelized over the channel offset within a
// group with vector-width grain; every task owns its [start, end) column
// range across all groups, so zeroing and accumulation are race-free.
func gammaBackward[T hwy.Floats](pool *workerpool.Pool,
	mean, rstd, ds, db []T, n, c, groups int, dgamma []T) {
	d := c / groups
	forEachRange(pool, d, hwy.MaxLanes[T](), func(start, end int) {
		for g := range groups {
			clear(dgamma[g*d+start : g*d+end])
		}
		for i := 0; i < n*groups; i++ {
			g := i % groups
			dsRow := ds[i*d:]
			dbRow := db[i*d:]
			for j := start; j < end; j++ {
				dgamma[g*d+j] += (dsRow[j] - dbRow[j]*mean[i]) * rstd[i]
			}
		}
	})
}

// betaBackward accumulates dbeta[c] += sum over n of db[n,c], parallelized
// over channel ranges with vector-width grain.
func betaBackward[T hwy.Floats](pool *workerpool.Pool, db []T, n, c int, dbeta []T) {
	forEachRange(pool, c, hwy.MaxLanes[T](), func(start, end int) {
		clear(dbeta[start:end])
		for i := range n {
			row := db[i*c:]
			for j := start; j < end; j++ {
				dbeta[j] += row[j]
			}
		}
	})
}
