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

// Layout describes the physical memory order of an (N, C, HxW) tensor.
type Layout int

const (
	// ChannelsFirst stores each channel's HxW elements contiguously, so one
	// group occupies a contiguous block of D*HxW elements.
	ChannelsFirst Layout = iota
	// ChannelsLast stores C as the fastest-varying dimension, i.e. the data
	// is physically (N, HxW, C).
	ChannelsLast
)

func (l Layout) String() string {
	switch l {
	case ChannelsFirst:
		return "channels-first"
	case ChannelsLast:
		return "channels-last"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// spatialThreshold selects between the two channels-last strategies.
//
// Below the threshold the kernel parallelizes over the N*groups groups with
// strided column reductions: one parallel session, no extra buffer, but
// non-contiguous access per task. At or above it, the kernel parallelizes
// over the N*HxW rows with worker-private accumulators, which keeps every
// memory access contiguous along C at the cost of a (workers, N, 2C) scratch
// buffer. This is a performance heuristic, not a correctness boundary: both
// strategies produce the same results and the constant can be retuned.
const spatialThreshold = 1024

// rowBatch is the number of channels-last rows handed to a worker per grab
// in the application pass.
const rowBatch = 4

// Forward computes Group Normalization over x, writing the normalized result
// to y and the per-group statistics to mean and rstd (each indexed n*groups+g,
// rstd being 1/sqrt(var+eps)). gamma and beta are optional per-channel scale
// and shift parameters of length c; pass nil to skip either. x and y hold
// n*c*hxw elements in the given layout, and mean/rstd hold n*groups elements.
//
// groups must divide c evenly; like eps > 0, this is the caller's invariant
// and is not re-checked here. All shape checks happen before any parallel
// work is dispatched. pool may be nil, in which case the kernel runs on the
// calling goroutine.
func Forward[T hwy.Floats](pool *workerpool.Pool, layout Layout,
	x, gamma, beta []T, n, c, hxw, groups int, eps T,
	y, mean, rstd []T) error {
	if err := checkForwardShapes(len(x), len(y), len(gamma), gamma == nil,
		len(beta), beta == nil, len(mean), len(rstd), n, c, hxw, groups); err != nil {
		return err
	}
	switch layout {
	case ChannelsFirst:
		forwardChannelsFirst(pool, x, gamma, beta, n, c, hxw, groups, eps, y, mean, rstd)
	case ChannelsLast:
		if hxw < spatialThreshold {
			forwardChannelsLastByGroup(pool, x, gamma, beta, n, c, hxw, groups, eps, y, mean, rstd)
		} else {
			forwardChannelsLastByRow(pool, x, gamma, beta, n, c, hxw, groups, eps, y, mean, rstd)
		}
	default:
		return fmt.Errorf("groupnorm: unsupported layout %v, supports only channels-first and channels-last", layout)
	}
	return nil
}

// Backward computes the gradients of Group Normalization given the output
// gradient dy, the original input x and the forward pass's mean and rstd.
// gamma is the optional per-channel scale used in the forward pass.
//
// Each of dx, dgamma and dbeta is computed only if non-nil; a nil output is
// skipped entirely. dy, x and dx are channels-first (N, C, HxW) data; mean
// and rstd hold n*groups elements and dgamma/dbeta hold c elements.
func Backward[T hwy.Floats](pool *workerpool.Pool,
	dy, x, mean, rstd, gamma []T, n, c, hxw, groups int,
	dx, dgamma, dbeta []T) error {
	if err := checkBackwardShapes(len(dy), len(x), len(mean), len(rstd),
		len(gamma), gamma == nil, len(dx), dx == nil,
		len(dgamma), dgamma == nil, len(dbeta), dbeta == nil,
		n, c, hxw, groups); err != nil {
		return err
	}
	if dx == nil && dgamma == nil && dbeta == nil {
		return nil
	}

	ds := make([]T, n*c)
	db := make([]T, n*c)
	internalGradients(pool, dy, x, n, c, hxw, ds, db)

	if dx != nil {
		inputBackward(pool, dy, x, mean, rstd, gamma, ds, db, n, c, hxw, groups, dx)
	}
	if dgamma != nil {
		gammaBackward(pool, mean, rstd, ds, db, n, c, groups, dgamma)
	}
	if dbeta != nil {
		betaBackward(pool, db, n, c, dbeta)
	}
	return nil
}

func checkForwardShapes(xLen, yLen, gammaLen int, gammaNil bool,
	betaLen int, betaNil bool, meanLen, rstdLen, n, c, hxw, groups int) error {
	numel := n * c * hxw
	if xLen != numel {
		return fmt.Errorf("groupnorm: input has %d elements, want N*C*HxW = %d", xLen, numel)
	}
	if yLen != numel {
		return fmt.Errorf("groupnorm: output has %d elements, want N*C*HxW = %d", yLen, numel)
	}
	if !gammaNil && gammaLen != c {
		return fmt.Errorf("groupnorm: gamma has %d elements, want C = %d", gammaLen, c)
	}
	if !betaNil && betaLen != c {
		return fmt.Errorf("groupnorm: beta has %d elements, want C = %d", betaLen, c)
	}
	if meanLen != n*groups {
		return fmt.Errorf("groupnorm: mean has %d elements, want N*groups = %d", meanLen, n*groups)
	}
	if rstdLen != n*groups {
		return fmt.Errorf("groupnorm: rstd has %d elements, want N*groups = %d", rstdLen, n*groups)
	}
	return nil
}

func checkBackwardShapes(dyLen, xLen, meanLen, rstdLen, gammaLen int, gammaNil bool,
	dxLen int, dxNil bool, dgammaLen int, dgammaNil bool, dbetaLen int, dbetaNil bool,
	n, c, hxw, groups int) error {
	numel := n * c * hxw
	if dyLen != numel {
		return fmt.Errorf("groupnorm: output gradient has %d elements, want N*C*HxW = %d", dyLen, numel)
	}
	if xLen != numel {
		return fmt.Errorf("groupnorm: input has %d elements, want N*C*HxW = %d", xLen, numel)
	}
	if meanLen != n*groups {
		return fmt.Errorf("groupnorm: mean has %d elements, want N*groups = %d", meanLen, n*groups)
	}
	if rstdLen != n*groups {
		return fmt.Errorf("groupnorm: rstd has %d elements, want N*groups = %d", rstdLen, n*groups)
	}
	if !gammaNil && gammaLen != c {
		return fmt.Errorf("groupnorm: gamma has %d elements, want C = %d", gammaLen, c)
	}
	if !dxNil && dxLen != numel {
		return fmt.Errorf("groupnorm: input gradient has %d elements, want N*C*HxW = %d", dxLen, numel)
	}
	if !dgammaNil && dgammaLen != c {
		return fmt.Errorf("groupnorm: gamma gradient has %d elements, want C = %d", dgammaLen, c)
	}
	if !dbetaNil && dbetaLen != c {
		return fmt.Errorf("groupnorm: beta gradient has %d elements, want C = %d", dbetaLen, c)
	}
	return nil
}

// forEachIndex runs fn once per index in [0, n), in parallel when a pool is
// available. Used for group-level loops where one index is enough work to
// amortize scheduling (grain 1).
func forEachIndex(pool *workerpool.Pool, n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if pool == nil {
		for i := range n {
			fn(i)
		}
		return
	}
	pool.ParallelForAtomic(n, fn)
}

// forEachRange runs fn over contiguous index ranges covering [0, n) with the
// given minimum batch per grab. Used for channel-range loops, where the grain
// keeps SIMD lanes aligned across task boundaries.
func forEachRange(pool *workerpool.Pool, n, grain int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if pool == nil {
		fn(0, n)
		return
	}
	pool.ParallelForAtomicBatched(n, grain, fn)
}

// poolWorkers reports the worker count used for sizing worker-private
// buffers. A nil pool runs sequentially and owns a single buffer slice.
func poolWorkers(pool *workerpool.Pool) int {
	if pool == nil {
		return 1
	}
	return pool.NumWorkers()
}
