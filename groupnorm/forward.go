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

// forwardChannelsFirst handles the contiguous layout: group i = n*groups+g
// owns the block x[i*D*HxW : (i+1)*D*HxW]. One parallel task per group.
func forwardChannelsFirst[T hwy.Floats](pool *workerpool.Pool,
	x, gamma, beta []T, n, c, hxw, groups int, eps T,
	y, mean, rstd []T) {
	d := c / groups
	inner := d * hxw
	forEachIndex(pool, n*groups, func(i int) {
		xg := x[i*inner:]
		m, v := BaseRowwiseMoments(xg, inner)
		r := reciprocalStd(v, eps)
		if gamma == nil && beta == nil {
			BaseScaleBiasUniform(y[i*inner:], xg, r, -r*m, inner)
		} else {
			g := i % groups
			for j := range d {
				ch := g*d + j
				scale := r
				if gamma != nil {
					scale = r * gamma[ch]
				}
				bias := -scale * m
				if beta != nil {
					bias += beta[ch]
				}
				off := (i*d + j) * hxw
				BaseScaleBiasUniform(y[off:], x[off:], scale, bias, hxw)
			}
		}
		mean[i] = m
		rstd[i] = r
	})
}

// forwardChannelsLastByGroup handles channels-last with a small spatial
// extent: one parallel task per (n, g) group, strided column reduction, then
// a per-group scale/bias pair applied across all HxW rows. The scale/bias
// scratch is allocated once for the whole call; task i writes only its own
// 2*D slice.
func forwardChannelsLastByGroup[T hwy.Floats](pool *workerpool.Pool,
	x, gamma, beta []T, n, c, hxw, groups int, eps T,
	y, mean, rstd []T) {
	d := c / groups
	scratch := make([]T, n*groups*2*d)
	forEachIndex(pool, n*groups, func(i int) {
		nIdx := i / groups
		g := i % groups
		base := nIdx*hxw*c + g*d
		m, v := BaseColumnwiseMoments(x[base:], hxw, c, d)
		r := reciprocalStd(v, eps)
		mean[i] = m
		rstd[i] = r

		scale := scratch[i*2*d : i*2*d+d]
		bias := scratch[i*2*d+d : (i+1)*2*d]
		fillScaleBias(scale, bias, gamma, beta, m, r, g, d)

		for row := range hxw {
			off := base + row*c
			BaseScaleBias(y[off:], x[off:], scale, bias, d)
		}
	})
}

// forwardChannelsLastByRow handles channels-last with a large spatial extent
// in four passes: (1) row-parallel accumulation of sum(x) and sum(x^2) into
// worker-private (N, 2C) buffers, (2) sequential cross-worker reduction to
// per-group statistics, (3) expansion of the (N, groups) statistics and
// (groups, D) parameters into (N, C) scale/bias rows, (4) row-parallel
// application along the contiguous C dimension.
//
// The row space is pre-chunked into at most poolWorkers contiguous chunks and
// each chunk index owns one buffer slice, so pass 1 needs no locks or
// atomics; the fork-join barrier of the parallel-for orders pass 1 before
// pass 2. Parallelizing over rows instead of (n, g, row) keeps the full C
// dimension for vectorization even when D is below the vector width.
func forwardChannelsLastByRow[T hwy.Floats](pool *workerpool.Pool,
	x, gamma, beta []T, n, c, hxw, groups int, eps T,
	y, mean, rstd []T) {
	d := c / groups
	rows := n * hxw
	chunks := min(poolWorkers(pool), rows)
	chunkSize := (rows + chunks - 1) / chunks
	buf := make([]T, chunks*n*2*c)
	stats := make([]T, n*2*groups)
	s := T(1) / T(d*hxw)

	// Pass 1: chunk-private accumulation.
	forEachIndex(pool, chunks, func(t int) {
		start := t * chunkSize
		end := min(start+chunkSize, rows)
		local := buf[t*n*2*c:]
		for row := start; row < end; row++ {
			nIdx := row / hxw
			sum := local[nIdx*2*c : nIdx*2*c+c]
			sumsq := local[nIdx*2*c+c : (nIdx+1)*2*c]
			accumulateMoments(sum, sumsq, x[row*c:], c)
		}
	})

	// Pass 2: reduce chunk buffers to per-group mean/rstd, with the same
	// bias-corrected, clamped variance rule as the moment estimators.
	for nIdx := range n {
		for g := range groups {
			var sum, sumsq T
			for t := range chunks {
				local := buf[t*n*2*c+nIdx*2*c:]
				for j := range d {
					sum += local[g*d+j]
					sumsq += local[c+g*d+j]
				}
			}
			m := sum * s
			v := sumsq*s - m*m
			stats[nIdx*2*groups+2*g] = m
			stats[nIdx*2*groups+2*g+1] = reciprocalStd(v, eps)
		}
	}

	// Pass 3: expand statistics and parameters into (N, C) scale/bias rows
	// so pass 4 can vectorize purely along C. The front of buf is reused;
	// pass 2 has already consumed it.
	for nIdx := range n {
		scale := buf[nIdx*2*c : nIdx*2*c+c]
		bias := buf[nIdx*2*c+c : (nIdx+1)*2*c]
		for g := range groups {
			m := stats[nIdx*2*groups+2*g]
			r := stats[nIdx*2*groups+2*g+1]
			mean[nIdx*groups+g] = m
			rstd[nIdx*groups+g] = r
			fillScaleBias(scale[g*d:], bias[g*d:], gamma, beta, m, r, g, d)
		}
	}

	// Pass 4: apply along C, one task per batch of rows.
	forEachRange(pool, rows, rowBatch, func(start, end int) {
		for row := start; row < end; row++ {
			nIdx := row / hxw
			scale := buf[nIdx*2*c : nIdx*2*c+c]
			bias := buf[nIdx*2*c+c : (nIdx+1)*2*c]
			BaseScaleBias(y[row*c:], x[row*c:], scale, bias, c)
		}
	})
}

// fillScaleBias materializes one group's per-channel coefficients:
// scale = rstd*gamma[c] and bias = -scale*mean + beta[c], with gamma/beta
// treated as 1 and 0 when absent.
func fillScaleBias[T hwy.Floats](scale, bias, gamma, beta []T, mean, rstd T, g, d int) {
	for j := range d {
		ch := g*d + j
		s := rstd
		if gamma != nil {
			s = rstd * gamma[ch]
		}
		b := -s * mean
		if beta != nil {
			b += beta[ch]
		}
		scale[j] = s
		bias[j] = b
	}
}
