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
	stdmath "math"
	"runtime"
	"testing"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

func fillTestInput(x []float32) {
	for i := range x {
		x[i] = float32(stdmath.Sin(float64(i)*0.7))*2 + float32(i%5)*0.3
	}
}

func TestForwardChannelsFirst(t *testing.T) {
	tests := []struct {
		name              string
		n, c, hxw, g      int
		useGamma, useBeta bool
	}{
		{"N=2/C=6/HxW=3/G=2", 2, 6, 3, 2, false, false},
		{"N=2/C=6/HxW=3/G=2/affine", 2, 6, 3, 2, true, true},
		{"G=1_layernorm_like", 2, 8, 10, 1, true, true},
		{"G=C_instancenorm_like", 2, 8, 10, 8, true, true},
		{"HxW=1_single_element", 3, 12, 1, 4, false, false},
		{"gamma_only", 2, 6, 7, 3, true, false},
		{"beta_only", 2, 6, 7, 3, false, true},
		{"tail_sizes", 1, 10, 13, 2, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := make([]float32, tt.n*tt.c*tt.hxw)
			fillTestInput(x)

			var gamma, beta []float32
			if tt.useGamma {
				gamma = make([]float32, tt.c)
				for i := range gamma {
					gamma[i] = 0.5 + float32(i)*0.1
				}
			}
			if tt.useBeta {
				beta = make([]float32, tt.c)
				for i := range beta {
					beta[i] = float32(i)*0.05 - 0.2
				}
			}

			y := make([]float32, len(x))
			mean := make([]float32, tt.n*tt.g)
			rstd := make([]float32, tt.n*tt.g)
			if err := Forward(nil, ChannelsFirst, x, gamma, beta,
				tt.n, tt.c, tt.hxw, tt.g, 1e-5, y, mean, rstd); err != nil {
				t.Fatal(err)
			}

			checkForwardAgainstScalar(t, ChannelsFirst, x, gamma, beta,
				tt.n, tt.c, tt.hxw, tt.g, y, mean, rstd, 1e-4)
		})
	}
}

func TestForwardNormalizesWithoutAffine(t *testing.T) {
	n, c, hxw, g := 2, 6, 37, 2
	d := c / g
	x := make([]float32, n*c*hxw)
	fillTestInput(x)

	y := make([]float32, len(x))
	mean := make([]float32, n*g)
	rstd := make([]float32, n*g)
	if err := Forward(nil, ChannelsFirst, x, nil, nil, n, c, hxw, g, 1e-5, y, mean, rstd); err != nil {
		t.Fatal(err)
	}

	// Each group of the output should have mean ~0 and variance ~1.
	inner := d * hxw
	for i := 0; i < n*g; i++ {
		var m float64
		for j := 0; j < inner; j++ {
			m += float64(y[i*inner+j])
		}
		m /= float64(inner)
		if stdmath.Abs(m) > 1e-4 {
			t.Errorf("group %d: output mean = %v, want ~0", i, m)
		}

		var v float64
		for j := 0; j < inner; j++ {
			diff := float64(y[i*inner+j]) - m
			v += diff * diff
		}
		v /= float64(inner)
		if stdmath.Abs(v-1) > 1e-3 {
			t.Errorf("group %d: output variance = %v, want ~1", i, v)
		}
	}
}

func TestForwardChannelsLastByGroup(t *testing.T) {
	// hxw below the spatial threshold selects the group-parallel strategy.
	n, c, hxw, g := 2, 12, 9, 3
	runChannelsLastCase(t, n, c, hxw, g)
}

func TestForwardChannelsLastByRow(t *testing.T) {
	// hxw at the spatial threshold selects the row-parallel strategy.
	n, c, hxw, g := 2, 8, spatialThreshold, 2
	runChannelsLastCase(t, n, c, hxw, g)
}

func runChannelsLastCase(t *testing.T, n, c, hxw, g int) {
	t.Helper()
	x := make([]float32, n*c*hxw)
	fillTestInput(x)
	gamma := make([]float32, c)
	beta := make([]float32, c)
	for i := range gamma {
		gamma[i] = 1 + float32(i)*0.02
		beta[i] = float32(i) * 0.01
	}

	y := make([]float32, len(x))
	mean := make([]float32, n*g)
	rstd := make([]float32, n*g)
	if err := Forward(nil, ChannelsLast, x, gamma, beta, n, c, hxw, g, 1e-5, y, mean, rstd); err != nil {
		t.Fatal(err)
	}
	checkForwardAgainstScalar(t, ChannelsLast, x, gamma, beta, n, c, hxw, g, y, mean, rstd, 1e-3)
}

func TestForwardLayoutEquivalence(t *testing.T) {
	// The same logical tensor through both layouts must produce the same
	// statistics and, after transposition, the same output. Covers both
	// channels-last strategies via the spatial extent.
	for _, hxw := range []int{16, 4096} {
		t.Run(fmt.Sprintf("hxw=%d", hxw), func(t *testing.T) {
			n, c, g := 2, 6, 2
			cf := make([]float32, n*c*hxw)
			fillTestInput(cf)

			// Transpose (N, C, HxW) to (N, HxW, C).
			cl := make([]float32, len(cf))
			for nIdx := 0; nIdx < n; nIdx++ {
				for ch := 0; ch < c; ch++ {
					for m := 0; m < hxw; m++ {
						cl[nIdx*hxw*c+m*c+ch] = cf[(nIdx*c+ch)*hxw+m]
					}
				}
			}

			gamma := make([]float32, c)
			beta := make([]float32, c)
			for i := range gamma {
				gamma[i] = 0.8 + float32(i)*0.05
				beta[i] = float32(i) * 0.02
			}

			yCF := make([]float32, len(cf))
			yCL := make([]float32, len(cf))
			meanCF := make([]float32, n*g)
			meanCL := make([]float32, n*g)
			rstdCF := make([]float32, n*g)
			rstdCL := make([]float32, n*g)

			if err := Forward(nil, ChannelsFirst, cf, gamma, beta, n, c, hxw, g, 1e-5, yCF, meanCF, rstdCF); err != nil {
				t.Fatal(err)
			}
			if err := Forward(nil, ChannelsLast, cl, gamma, beta, n, c, hxw, g, 1e-5, yCL, meanCL, rstdCL); err != nil {
				t.Fatal(err)
			}

			for i := range meanCF {
				if stdmath.Abs(float64(meanCF[i]-meanCL[i])) > 2e-3 {
					t.Errorf("mean[%d]: channels-first %v, channels-last %v", i, meanCF[i], meanCL[i])
				}
				if stdmath.Abs(float64(rstdCF[i]-rstdCL[i])) > 2e-3 {
					t.Errorf("rstd[%d]: channels-first %v, channels-last %v", i, rstdCF[i], rstdCL[i])
				}
			}
			for nIdx := 0; nIdx < n; nIdx++ {
				for ch := 0; ch < c; ch++ {
					for m := 0; m < hxw; m++ {
						a := yCF[(nIdx*c+ch)*hxw+m]
						b := yCL[nIdx*hxw*c+m*c+ch]
						if stdmath.Abs(float64(a-b)) > 2e-3 {
							t.Fatalf("y[n=%d c=%d m=%d]: channels-first %v, channels-last %v", nIdx, ch, m, a, b)
						}
					}
				}
			}
		})
	}
}

func TestForwardPooledMatchesSequential(t *testing.T) {
	pool := workerpool.New(runtime.NumCPU())
	defer pool.Close()

	for _, layout := range []Layout{ChannelsFirst, ChannelsLast} {
		for _, hxw := range []int{21, spatialThreshold} {
			t.Run(fmt.Sprintf("%v/hxw=%d", layout, hxw), func(t *testing.T) {
				n, c, g := 3, 8, 4
				x := make([]float32, n*c*hxw)
				fillTestInput(x)
				gamma := make([]float32, c)
				for i := range gamma {
					gamma[i] = 1 + float32(i)*0.03
				}

				ySeq := make([]float32, len(x))
				yPar := make([]float32, len(x))
				meanSeq := make([]float32, n*g)
				meanPar := make([]float32, n*g)
				rstdSeq := make([]float32, n*g)
				rstdPar := make([]float32, n*g)

				if err := Forward(nil, layout, x, gamma, nil, n, c, hxw, g, 1e-5, ySeq, meanSeq, rstdSeq); err != nil {
					t.Fatal(err)
				}
				if err := Forward(pool, layout, x, gamma, nil, n, c, hxw, g, 1e-5, yPar, meanPar, rstdPar); err != nil {
					t.Fatal(err)
				}

				// The pooled row-parallel strategy sums in a different
				// order than the single-chunk sequential run, so allow
				// for float32 reassociation error.
				for i := range meanSeq {
					if stdmath.Abs(float64(meanSeq[i]-meanPar[i])) > 1e-4 {
						t.Errorf("mean[%d]: sequential %v, pooled %v", i, meanSeq[i], meanPar[i])
					}
				}
				for i := range ySeq {
					if stdmath.Abs(float64(ySeq[i]-yPar[i])) > 1e-4 {
						t.Fatalf("y[%d]: sequential %v, pooled %v", i, ySeq[i], yPar[i])
					}
				}
			})
		}
	}
}

// checkForwardAgainstScalar recomputes the whole forward pass with scalar
// float64 arithmetic and compares element by element.
func checkForwardAgainstScalar(t *testing.T, layout Layout,
	x, gamma, beta []float32, n, c, hxw, g int,
	y, mean, rstd []float32, tol float64) {
	t.Helper()
	d := c / g
	for i := 0; i < n*g; i++ {
		nIdx := i / g
		gIdx := i % g

		var sum, sumsq float64
		for j := 0; j < d; j++ {
			ch := gIdx*d + j
			for m := 0; m < hxw; m++ {
				v := float64(at(layout, x, n, c, hxw, nIdx, ch, m))
				sum += v
				sumsq += v * v
			}
		}
		cnt := float64(d * hxw)
		wantMean := sum / cnt
		wantVar := stdmath.Max(sumsq/cnt-wantMean*wantMean, 0)
		wantRstd := 1 / stdmath.Sqrt(wantVar+1e-5)

		if stdmath.Abs(float64(mean[i])-wantMean) > tol {
			t.Errorf("mean[%d] = %v, want %v", i, mean[i], wantMean)
		}
		if stdmath.Abs(float64(rstd[i])-wantRstd) > tol*wantRstd {
			t.Errorf("rstd[%d] = %v, want %v", i, rstd[i], wantRstd)
		}

		for j := 0; j < d; j++ {
			ch := gIdx*d + j
			scale := wantRstd
			if gamma != nil {
				scale *= float64(gamma[ch])
			}
			bias := -scale * wantMean
			if beta != nil {
				bias += float64(beta[ch])
			}
			for m := 0; m < hxw; m++ {
				want := float64(at(layout, x, n, c, hxw, nIdx, ch, m))*scale + bias
				got := float64(at(layout, y, n, c, hxw, nIdx, ch, m))
				if stdmath.Abs(got-want) > tol*(1+stdmath.Abs(want)) {
					t.Fatalf("y[n=%d c=%d m=%d] = %v, want %v", nIdx, ch, m, got, want)
				}
			}
		}
	}
}

// at indexes a logical (n, c, m) element in either physical layout.
func at(layout Layout, data []float32, n, c, hxw, nIdx, ch, m int) float32 {
	if layout == ChannelsFirst {
		return data[(nIdx*c+ch)*hxw+m]
	}
	return data[nIdx*hxw*c+m*c+ch]
}

func BenchmarkForward(b *testing.B) {
	pool := workerpool.New(runtime.NumCPU())
	defer pool.Close()

	n, c, g := 8, 64, 8
	for _, hxw := range []int{196, 3136} {
		x := make([]float32, n*c*hxw)
		fillTestInput(x)
		gamma := make([]float32, c)
		beta := make([]float32, c)
		for i := range gamma {
			gamma[i] = 1
		}
		y := make([]float32, len(x))
		mean := make([]float32, n*g)
		rstd := make([]float32, n*g)

		for _, layout := range []Layout{ChannelsFirst, ChannelsLast} {
			b.Run(fmt.Sprintf("%v/hxw=%d", layout, hxw), func(b *testing.B) {
				for i := 0; i < b.N; i++ {
					Forward(pool, layout, x, gamma, beta, n, c, hxw, g, 1e-5, y, mean, rstd)
				}
			})
		}
	}
}
