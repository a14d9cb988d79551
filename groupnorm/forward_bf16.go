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
	"fmt"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// ForwardBF16 is Forward for BFloat16 data. x and y are BFloat16; parameters,
// statistics and all intermediate arithmetic are float32. The structure
// mirrors the generic kernel: the same per-layout strategies, with BFloat16
// values promoted on load and demoted on store.
func ForwardBF16(pool *workerpool.Pool, layout Layout,
	x []hwy.BFloat16, gamma, beta []float32, n, c, hxw, groups int, eps float32,
	y []hwy.BFloat16, mean, rstd []float32) error {
	if err := checkForwardShapes(len(x), len(y), len(gamma), gamma == nil,
		len(beta), beta == nil, len(mean), len(rstd), n, c, hxw, groups); err != nil {
		return err
	}
	switch layout {
	case ChannelsFirst:
		forwardChannelsFirstBF16(pool, x, gamma, beta, n, c, hxw, groups, eps, y, mean, rstd)
	case ChannelsLast:
		if hxw < spatialThreshold {
			forwardChannelsLastByGroupBF16(pool, x, gamma, beta, n, c, hxw, groups, eps, y, mean, rstd)
		} else {
			forwardChannelsLastByRowBF16(pool, x, gamma, beta, n, c, hxw, groups, eps, y, mean, rstd)
		}
	default:
		return fmt.Errorf("groupnorm: unsupported layout %v, supports only channels-first and channels-last", layout)
	}
	return nil
}

func forwardChannelsFirstBF16(pool *workerpool.Pool,
	x []hwy.BFloat16, gamma, beta []float32, n, c, hxw, groups int, eps float32,
	y []hwy.BFloat16, mean, rstd []float32) {
	d := c / groups
	inner := d * hxw
	forEachIndex(pool, n*groups, func(i int) {
		xg := x[i*inner:]
		m, v := BaseRowwiseMomentsBF16(xg, inner)
		r := reciprocalStd(v, eps)
		if gamma == nil && beta == nil {
			BaseScaleBiasUniformBF16(y[i*inner:], xg, r, -r*m, inner)
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
				BaseScaleBiasUniformBF16(y[off:], x[off:], scale, bias, hxw)
			}
		}
		mean[i] = m
		rstd[i] = r
	})
}

func forwardChannelsLastByGroupBF16(pool *workerpool.Pool,
	x []hwy.BFloat16, gamma, beta []float32, n, c, hxw, groups int, eps float32,
	y []hwy.BFloat16, mean, rstd []float32) {
	d := c / groups
	scratch := make([]float32, n*groups*2*d)
	forEachIndex(pool, n*groups, func(i int) {
		nIdx := i / groups
		g := i % groups
		base := nIdx*hxw*c + g*d
		m, v := BaseColumnwiseMomentsBF16(x[base:], hxw, c, d)
		r := reciprocalStd(v, eps)
		mean[i] = m
		rstd[i] = r

		scale := scratch[i*2*d : i*2*d+d]
		bias := scratch[i*2*d+d : (i+1)*2*d]
		fillScaleBias(scale, bias, gamma, beta, m, r, g, d)

		for row := range hxw {
			off := base + row*c
			BaseScaleBiasBF16(y[off:], x[off:], scale, bias, d)
		}
	})
}

func forwardChannelsLastByRowBF16(pool *workerpool.Pool,
	x []hwy.BFloat16, gamma, beta []float32, n, c, hxw, groups int, eps float32,
	y []hwy.BFloat16, mean, rstd []float32) {
	d := c / groups
	rows := n * hxw
	chunks := min(poolWorkers(pool), rows)
	chunkSize := (rows + chunks - 1) / chunks
	buf := make([]float32, chunks*n*2*c)
	stats := make([]float32, n*2*groups)
	s := 1 / float32(d*hxw)

	forEachIndex(pool, chunks, func(t int) {
		start := t * chunkSize
		end := min(start+chunkSize, rows)
		local := buf[t*n*2*c:]
		for row := start; row < end; row++ {
			nIdx := row / hxw
			sum := local[nIdx*2*c : nIdx*2*c+c]
			sumsq := local[nIdx*2*c+c : (nIdx+1)*2*c]
			accumulateMomentsBF16(sum, sumsq, x[row*c:], c)
		}
	})

	for nIdx := range n {
		for g := range groups {
			var sum, sumsq float32
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

	forEachRange(pool, rows, rowBatch, func(start, end int) {
		for row := start; row < end; row++ {
			nIdx := row / hxw
			scale := buf[nIdx*2*c : nIdx*2*c+c]
			bias := buf[nIdx*2*c+c : (nIdx+1)*2*c]
			BaseScaleBiasBF16(y[row*c:], x[row*c:], scale, bias, c)
		}
	})
}
