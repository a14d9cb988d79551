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

// BackwardBF16 is Backward for BFloat16 data. dy, x and dx are BFloat16;
// mean, rstd, gamma and the parameter gradients are float32, and all
// reductions and coefficients are computed in float32. Only dx is demoted.
// The ds/db internal gradients are float32, so the gamma and beta stages are
// the generic ones.
func BackwardBF16(pool *workerpool.Pool,
	dy, x []hwy.BFloat16, mean, rstd, gamma []float32, n, c, hxw, groups int,
	dx []hwy.BFloat16, dgamma, dbeta []float32) error {
	if err := checkBackwardShapes(len(dy), len(x), len(mean), len(rstd),
		len(gamma), gamma == nil, len(dx), dx == nil,
		len(dgamma), dgamma == nil, len(dbeta), dbeta == nil,
		n, c, hxw, groups); err != nil {
		return err
	}
	if dx == nil && dgamma == nil && dbeta == nil {
		return nil
	}

	ds := make([]float32, n*c)
	db := make([]float32, n*c)
	internalGradientsBF16(pool, dy, x, n, c, hxw, ds, db)

	if dx != nil {
		inputBackwardBF16(pool, dy, x, mean, rstd, gamma, ds, db, n, c, hxw, groups, dx)
	}
	if dgamma != nil {
		gammaBackward(pool, mean, rstd, ds, db, n, c, groups, dgamma)
	}
	if dbeta != nil {
		betaBackward(pool, db, n, c, dbeta)
	}
	return nil
}

func internalGradientsBF16(pool *workerpool.Pool,
	dy, x []hwy.BFloat16, n, c, hxw int, ds, db []float32) {
	forEachIndex(pool, n*c, func(i int) {
		lanes := hwy.MaxLanes[hwy.BFloat16]()
		dyRow := dy[i*hxw:]
		xRow := x[i*hxw:]
		dsAcc := hwy.Zero[float32]()
		dbAcc := hwy.Zero[float32]()
		var j int
		for ; j+lanes <= hxw; j += lanes {
			bdy := hwy.Load(dyRow[j:])
			bx := hwy.Load(xRow[j:])
			dyLo := hwy.PromoteLowerBF16ToF32(bdy)
			dyHi := hwy.PromoteUpperBF16ToF32(bdy)
			dsAcc = hwy.MulAdd(dyLo, hwy.PromoteLowerBF16ToF32(bx), dsAcc)
			dsAcc = hwy.MulAdd(dyHi, hwy.PromoteUpperBF16ToF32(bx), dsAcc)
			dbAcc = hwy.Add(dbAcc, hwy.Add(dyLo, dyHi))
		}
		if rem := hxw - j; rem > 0 {
			mask := hwy.TailMask[hwy.BFloat16](rem)
			bdy := hwy.MaskLoad(mask, dyRow[j:])
			bx := hwy.MaskLoad(mask, xRow[j:])
			dyLo := hwy.PromoteLowerBF16ToF32(bdy)
			dyHi := hwy.PromoteUpperBF16ToF32(bdy)
			dsAcc = hwy.MulAdd(dyLo, hwy.PromoteLowerBF16ToF32(bx), dsAcc)
			dsAcc = hwy.MulAdd(dyHi, hwy.PromoteUpperBF16ToF32(bx), dsAcc)
			dbAcc = hwy.Add(dbAcc, hwy.Add(dyLo, dyHi))
		}
		ds[i] = hwy.ReduceSum(dsAcc)
		db[i] = hwy.ReduceSum(dbAcc)
	})
}

// applyInputGradBF16 writes dx[k] = c1*dy[k] + c2*x[k] + c3 with BFloat16
// data and float32 coefficients, demoting only the final result.
func applyInputGradBF16(dx, dy, x []hwy.BFloat16, c1, c2, c3 float32, n int) {
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	vc1 := hwy.Set(c1)
	vc2 := hwy.Set(c2)
	vc3 := hwy.Set(c3)
	var i int
	for ; i+lanes <= n; i += lanes {
		bdy := hwy.Load(dy[i:])
		bx := hwy.Load(x[i:])
		outLo := hwy.MulAdd(hwy.PromoteLowerBF16ToF32(bdy), vc1,
			hwy.MulAdd(hwy.PromoteLowerBF16ToF32(bx), vc2, vc3))
		outHi := hwy.MulAdd(hwy.PromoteUpperBF16ToF32(bdy), vc1,
			hwy.MulAdd(hwy.PromoteUpperBF16ToF32(bx), vc2, vc3))
		hwy.Store(hwy.DemoteTwoF32ToBF16(outLo, outHi), dx[i:])
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[hwy.BFloat16](rem)
		bdy := hwy.MaskLoad(mask, dy[i:])
		bx := hwy.MaskLoad(mask, x[i:])
		outLo := hwy.MulAdd(hwy.PromoteLowerBF16ToF32(bdy), vc1,
			hwy.MulAdd(hwy.PromoteLowerBF16ToF32(bx), vc2, vc3))
		outHi := hwy.MulAdd(hwy.PromoteUpperBF16ToF32(bdy), vc1,
			hwy.MulAdd(hwy.PromoteUpperBF16ToF32(bx), vc2, vc3))
		hwy.MaskStore(mask, hwy.DemoteTwoF32ToBF16(outLo, outHi), dx[i:])
	}
}

func inputBackwardBF16(pool *workerpool.Pool,
	dy, x []hwy.BFloat16, mean, rstd, gamma, ds, db []float32,
	n, c, hxw, groups int, dx []hwy.BFloat16) {
	d := c / groups
	s := 1 / float32(d*hxw)
	forEachIndex(pool, n*groups, func(i int) {
		g := i % groups
		var gammaRow []float32
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
			applyInputGradBF16(dx[off:], dy[off:], x[off:], c1, c2, c3, hxw)
		}
	})
}
