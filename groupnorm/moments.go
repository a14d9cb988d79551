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
	stdmath "math"

	"github.com/ajroetker/go-highway/hwy"
)

// BaseRowwiseMoments computes the mean and biased variance of the n
// contiguous elements x[0:n].
//
// Both sum(x) and sum(x^2) are accumulated with vector-width partial sums,
// the remainder is folded in through a masked load, and each accumulator is
// horizontally reduced exactly once at the end; reducing per element would
// dominate the loop. Variance is sum(x^2)/n - mean^2, which can come out
// slightly negative under cancellation when the true variance is near zero;
// callers clamp it (see reciprocalStd).
func BaseRowwiseMoments[T hwy.Floats](x []T, n int) (mean, variance T) {
	lanes := hwy.MaxLanes[T]()
	acc0 := hwy.Zero[T]()
	acc1 := hwy.Zero[T]()
	var i int
	for ; i+lanes <= n; i += lanes {
		v := hwy.Load(x[i:])
		acc0 = hwy.Add(acc0, v)
		acc1 = hwy.MulAdd(v, v, acc1)
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[T](rem)
		v := hwy.MaskLoad(mask, x[i:])
		acc0 = hwy.Add(acc0, v)
		acc1 = hwy.MulAdd(v, v, acc1)
	}
	invN := T(1) / T(n)
	mean = hwy.ReduceSum(acc0) * invN
	variance = hwy.ReduceSum(acc1)*invN - mean*mean
	return mean, variance
}

// BaseColumnwiseMoments computes the mean and biased variance of a strided
// block: hxw rows of width d, each row c elements apart, starting at x[0].
// This is the shape of one group in a channels-last tensor.
//
// The accumulators live across the whole block and are reduced once at the
// end, like BaseRowwiseMoments; each row's tail of d%lanes elements is folded
// in with a masked load.
func BaseColumnwiseMoments[T hwy.Floats](x []T, hxw, c, d int) (mean, variance T) {
	lanes := hwy.MaxLanes[T]()
	full := d / lanes * lanes
	acc0 := hwy.Zero[T]()
	acc1 := hwy.Zero[T]()
	for m := range hxw {
		row := x[m*c:]
		var j int
		for ; j < full; j += lanes {
			v := hwy.Load(row[j:])
			acc0 = hwy.Add(acc0, v)
			acc1 = hwy.MulAdd(v, v, acc1)
		}
		if rem := d - j; rem > 0 {
			mask := hwy.TailMask[T](rem)
			v := hwy.MaskLoad(mask, row[j:])
			acc0 = hwy.Add(acc0, v)
			acc1 = hwy.MulAdd(v, v, acc1)
		}
	}
	s := T(1) / T(d*hxw)
	mean = hwy.ReduceSum(acc0) * s
	variance = hwy.ReduceSum(acc1)*s - mean*mean
	return mean, variance
}

// reciprocalStd turns a biased variance into 1/sqrt(max(var, 0)+eps).
// The clamp keeps the square root in domain when the two-pass variance
// formula cancels to a small negative value.
func reciprocalStd[T hwy.Floats](variance, eps T) T {
	return T(1 / stdmath.Sqrt(stdmath.Max(float64(variance), 0)+float64(eps)))
}
