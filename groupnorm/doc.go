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

// Package groupnorm provides SIMD-accelerated Group Normalization kernels
// for CPU, built on go-highway vectors and its worker pool.
//
// Group Normalization splits the C channels of an (N, C, HxW) tensor into
// groups of D = C/groups channels and normalizes each (n, group) block by its
// own mean and variance:
//
//	y = (x - mean) / sqrt(var + eps) * gamma[c] + beta[c]
//
// # Supported Operations
//
// Forward pass:
//   - Forward - float32/float64 storage, channels-first or channels-last
//   - ForwardBF16 - BFloat16 storage with float32 parameters and statistics
//
// Backward pass (channels-first data):
//   - Backward - gradients for input, gamma and beta; each optional
//   - BackwardBF16 - BFloat16 storage, float32 parameters and statistics
//
// Building blocks, exported for reuse and direct testing:
//   - BaseRowwiseMoments / BaseColumnwiseMoments - one-pass mean/variance
//   - BaseScaleBias / BaseScaleBiasUniform - fused y = x*scale + bias
//
// # Layouts
//
// Channels-first keeps one group's D*HxW elements contiguous; the kernel
// parallelizes over the N*groups groups. Channels-last stores C as the
// fastest-varying dimension, so a group forms HxW strided chunks of width D;
// the kernel picks one of two strategies by spatial size (see Forward).
//
// # Precision
//
// float32 and float64 storage accumulate in the storage type. BFloat16
// storage is the narrow path: values are promoted to float32 on load,
// all arithmetic and statistics stay in float32, and results are demoted
// on store. Variance uses the biased estimator sum(x^2)/n - mean^2 and is
// clamped at zero before eps is added, in every path.
//
// # Example Usage
//
//	import (
//	    "github.com/ajroetker/go-groupnorm/groupnorm"
//	    "github.com/ajroetker/go-highway/hwy/contrib/workerpool"
//	)
//
//	pool := workerpool.New(0)
//	defer pool.Close()
//
//	y := make([]float32, n*c*hxw)
//	mean := make([]float32, n*groups)
//	rstd := make([]float32, n*groups)
//	err := groupnorm.Forward(pool, groupnorm.ChannelsFirst,
//	    x, gamma, beta, n, c, hxw, groups, 1e-5, y, mean, rstd)
package groupnorm
