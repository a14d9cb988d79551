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

import "github.com/ajroetker/go-highway/hwy"

// BaseScaleBias writes y[i] = x[i]*scale[i] + bias[i] for i in [0, n).
// The tail of n%lanes elements goes through masked load/store instead of a
// scalar fallback loop. y may alias x.
func BaseScaleBias[T hwy.Floats](y, x, scale, bias []T, n int) {
	lanes := hwy.MaxLanes[T]()
	var i int
	for ; i+lanes <= n; i += lanes {
		v := hwy.Load(x[i:])
		s := hwy.Load(scale[i:])
		b := hwy.Load(bias[i:])
		hwy.Store(hwy.MulAdd(v, s, b), y[i:])
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[T](rem)
		v := hwy.MaskLoad(mask, x[i:])
		s := hwy.MaskLoad(mask, scale[i:])
		b := hwy.MaskLoad(mask, bias[i:])
		hwy.MaskStore(mask, hwy.MulAdd(v, s, b), y[i:])
	}
}

// BaseScaleBiasUniform writes y[i] = x[i]*scale + bias for i in [0, n) with
// scalar coefficients shared by the whole run. This is the per-channel
// application of the channels-first kernel; with scale = rstd and
// bias = -rstd*mean it is also the plain normalization y = (x-mean)*rstd.
func BaseScaleBiasUniform[T hwy.Floats](y, x []T, scale, bias T, n int) {
	lanes := hwy.MaxLanes[T]()
	vs := hwy.Set(scale)
	vb := hwy.Set(bias)
	var i int
	for ; i+lanes <= n; i += lanes {
		v := hwy.Load(x[i:])
		hwy.Store(hwy.MulAdd(v, vs, vb), y[i:])
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[T](rem)
		v := hwy.MaskLoad(mask, x[i:])
		hwy.MaskStore(mask, hwy.MulAdd(v, vs, vb), y[i:])
	}
}

// accumulateMoments adds x[i] into sum[i] and x[i]^2 into sumsq[i] along one
// channels-last row of c elements. Each worker of the row-parallel strategy
// calls this against its own private buffer slice, so there is no cross-row
// dependency and no synchronization.
func accumulateMoments[T hwy.Floats](sum, sumsq, x []T, c int) {
	lanes := hwy.MaxLanes[T]()
	var i int
	for ; i+lanes <= c; i += lanes {
		v := hwy.Load(x[i:])
		hwy.Store(hwy.Add(hwy.Load(sum[i:]), v), sum[i:])
		hwy.Store(hwy.MulAdd(v, v, hwy.Load(sumsq[i:])), sumsq[i:])
	}
	if rem := c - i; rem > 0 {
		mask := hwy.TailMask[T](rem)
		v := hwy.MaskLoad(mask, x[i:])
		hwy.MaskStore(mask, hwy.Add(hwy.MaskLoad(mask, sum[i:]), v), sum[i:])
		hwy.MaskStore(mask, hwy.MulAdd(v, v, hwy.MaskLoad(mask, sumsq[i:])), sumsq[i:])
	}
}
