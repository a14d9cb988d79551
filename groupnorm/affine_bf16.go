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

// BFloat16 scale/bias applicators. Input is promoted to float32 on load, the
// multiply-add runs in float32 against float32 coefficients, and the result
// is demoted back on store. One BFloat16 vector spans two float32 vectors, so
// coefficients are read as a lower and an upper half.

// BaseScaleBiasBF16 writes y[i] = x[i]*scale[i] + bias[i] for i in [0, n),
// with BFloat16 data and float32 coefficients.
func BaseScaleBiasBF16(y, x []hwy.BFloat16, scale, bias []float32, n int) {
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	half := lanes / 2
	var i int
	for ; i+lanes <= n; i += lanes {
		b := hwy.Load(x[i:])
		lo := hwy.PromoteLowerBF16ToF32(b)
		hi := hwy.PromoteUpperBF16ToF32(b)
		outLo := hwy.MulAdd(lo, hwy.Load(scale[i:]), hwy.Load(bias[i:]))
		outHi := hwy.MulAdd(hi, hwy.Load(scale[i+half:]), hwy.Load(bias[i+half:]))
		hwy.Store(hwy.DemoteTwoF32ToBF16(outLo, outHi), y[i:])
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[hwy.BFloat16](rem)
		b := hwy.MaskLoad(mask, x[i:])
		lo := hwy.PromoteLowerBF16ToF32(b)
		hi := hwy.PromoteUpperBF16ToF32(b)
		loN := min(rem, half)
		maskLo := hwy.TailMask[float32](loN)
		outLo := hwy.MulAdd(lo, hwy.MaskLoad(maskLo, scale[i:]), hwy.MaskLoad(maskLo, bias[i:]))
		outHi := hwy.Zero[float32]()
		if hiN := rem - loN; hiN > 0 {
			maskHi := hwy.TailMask[float32](hiN)
			outHi = hwy.MulAdd(hi, hwy.MaskLoad(maskHi, scale[i+half:]), hwy.MaskLoad(maskHi, bias[i+half:]))
		}
		hwy.MaskStore(mask, hwy.DemoteTwoF32ToBF16(outLo, outHi), y[i:])
	}
}

// BaseScaleBiasUniformBF16 writes y[i] = x[i]*scale + bias for i in [0, n)
// with scalar float32 coefficients.
func BaseScaleBiasUniformBF16(y, x []hwy.BFloat16, scale, bias float32, n int) {
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	vs := hwy.Set(scale)
	vb := hwy.Set(bias)
	var i int
	for ; i+lanes <= n; i += lanes {
		b := hwy.Load(x[i:])
		outLo := hwy.MulAdd(hwy.PromoteLowerBF16ToF32(b), vs, vb)
		outHi := hwy.MulAdd(hwy.PromoteUpperBF16ToF32(b), vs, vb)
		hwy.Store(hwy.DemoteTwoF32ToBF16(outLo, outHi), y[i:])
	}
	if rem := n - i; rem > 0 {
		mask := hwy.TailMask[hwy.BFloat16](rem)
		b := hwy.MaskLoad(mask, x[i:])
		outLo := hwy.MulAdd(hwy.PromoteLowerBF16ToF32(b), vs, vb)
		outHi := hwy.MulAdd(hwy.PromoteUpperBF16ToF32(b), vs, vb)
		hwy.MaskStore(mask, hwy.DemoteTwoF32ToBF16(outLo, outHi), y[i:])
	}
}

// accumulateMomentsBF16 is accumulateMoments for BFloat16 rows against
// float32 accumulator halves.
func accumulateMomentsBF16(sum, sumsq []float32, x []hwy.BFloat16, c int) {
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	half := lanes / 2
	var i int
	for ; i+lanes <= c; i += lanes {
		b := hwy.Load(x[i:])
		lo := hwy.PromoteLowerBF16ToF32(b)
		hi := hwy.PromoteUpperBF16ToF32(b)
		hwy.Store(hwy.Add(hwy.Load(sum[i:]), lo), sum[i:])
		hwy.Store(hwy.Add(hwy.Load(sum[i+half:]), hi), sum[i+half:])
		hwy.Store(hwy.MulAdd(lo, lo, hwy.Load(sumsq[i:])), sumsq[i:])
		hwy.Store(hwy.MulAdd(hi, hi, hwy.Load(sumsq[i+half:])), sumsq[i+half:])
	}
	if rem := c - i; rem > 0 {
		mask := hwy.TailMask[hwy.BFloat16](rem)
		b := hwy.MaskLoad(mask, x[i:])
		lo := hwy.PromoteLowerBF16ToF32(b)
		hi := hwy.PromoteUpperBF16ToF32(b)
		loN := min(rem, half)
		maskLo := hwy.TailMask[float32](loN)
		hwy.MaskStore(maskLo, hwy.Add(hwy.MaskLoad(maskLo, sum[i:]), lo), sum[i:])
		hwy.MaskStore(maskLo, hwy.MulAdd(lo, lo, hwy.MaskLoad(maskLo, sumsq[i:])), sumsq[i:])
		if hiN := rem - loN; hiN > 0 {
			maskHi := hwy.TailMask[float32](hiN)
			hwy.MaskStore(maskHi, hwy.Add(hwy.MaskLoad(maskHi, sum[i+half:]), hi), sum[i+half:])
			hwy.MaskStore(maskHi, hwy.MulAdd(hi, hi, hwy.MaskLoad(maskHi, sumsq[i+half:])), sumsq[i+half:])
		}
	}
}
