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

// BFloat16 moment estimators. A BFloat16 vector carries twice the lanes of a
// float32 vector, so each load is promoted to a lower and an upper float32
// half and both halves feed float32 accumulators. Masked-off lanes promote to
// zero and contribute nothing to either sum.

// BaseRowwiseMomentsBF16 is BaseRowwiseMoments for BFloat16 storage with
// float32 accumulation.
func BaseRowwiseMomentsBF16(x []hwy.BFloat16, n int) (mean, variance float32) {
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	acc0 := hwy.Zero[float32]()
	acc1 := hwy.Zero[float32]()
	var i int
	for ; i+lanes <= n; i += lanes {
		b := hwy.Load(x[i:])
		lo := hwy.PromoteLowerBF16ToF32(b)
		hi := hwy.PromoteUpperBF16ToF32(b)
		acc0 = hwy.Add(acc0, hwy.Add(lo, hi))
		acc1 = hwy.MulAdd(lo, lo, acc1)
		acc1 = hwy.MulAdd(hi, hi, acc1)
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[hwy.BFloat16](rem)
		b := hwy.MaskLoad(mask, x[i:])
		lo := hwy.PromoteLowerBF16ToF32(b)
		hi := hwy.PromoteUpperBF16ToF32(b)
		acc0 = hwy.Add(acc0, hwy.Add(lo, hi))
		acc1 = hwy.MulAdd(lo, lo, acc1)
		acc1 = hwy.MulAdd(hi, hi, acc1)
	}
	invN := 1 / float32(n)
	mean = hwy.ReduceSum(acc0) * invN
	variance = hwy.ReduceSum(acc1)*invN - mean*mean
	return mean, variance
}

// BaseColumnwiseMomentsBF16 is BaseColumnwiseMoments for BFloat16 storage
// with float32 accumulation.
func BaseColumnwiseMomentsBF16(x []hwy.BFloat16, hxw, c, d int) (mean, variance float32) {
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	full := d / lanes * lanes
	acc0 := hwy.Zero[float32]()
	acc1 := hwy.Zero[float32]()
	for m := range hxw {
		row := x[m*c:]
		var j int
		for ; j < full; j += lanes {
			b := hwy.Load(row[j:])
			lo := hwy.PromoteLowerBF16ToF32(b)
			hi := hwy.PromoteUpperBF16ToF32(b)
			acc0 = hwy.Add(acc0, hwy.Add(lo, hi))
			acc1 = hwy.MulAdd(lo, lo, acc1)
			acc1 = hwy.MulAdd(hi, hi, acc1)
		}
		if rem := d - j; rem > 0 {
			mask := hwy.TailMask[hwy.BFloat16](rem)
			b := hwy.MaskLoad(mask, row[j:])
			lo := hwy.PromoteLowerBF16ToF32(b)
			hi := hwy.PromoteUpperBF16ToF32(b)
			acc0 = hwy.Add(acc0, hwy.Add(lo, hi))
			acc1 = hwy.MulAdd(lo, lo, acc1)
			acc1 = hwy.MulAdd(hi, hi, acc1)
		}
	}
	s := 1 / float32(d*hxw)
	mean = hwy.ReduceSum(acc0) * s
	variance = hwy.ReduceSum(acc1)*s - mean*mean
	return mean, variance
}
