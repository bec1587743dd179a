// Copyright (C) 2021 Dominique Fouchez
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package fit

import (
	"math"
	"testing"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
)

func pcaTestKernel(t *testing.T, weights map[[2]int32]float64) *kernel.Kernel {
	t.Helper()
	k, err:=kernel.New(3, 3)
	if err!=nil { t.Fatalf("kernel: %s", err.Error()) }
	for pos, w:=range weights { k.Set(pos[0], pos[1], w) }
	return k
}

func TestKernelPcaEigenKernels(t *testing.T) {
	p:=NewKernelPca(3, 3)

	// ensemble varying along two directions: right and bottom neighbor
	pcaTestEnsemble(t, p)
	if p.NImages()!=4 { t.Fatalf("ensemble has %d kernels; want 4", p.NImages()) }

	if err:=p.SubtractMean(); err!=nil { t.Fatalf("mean: %s", err.Error()) }
	if err:=p.Analyze(); err!=nil { t.Fatalf("analyze: %s", err.Error()) }

	vals:=p.EigenValues()
	if len(vals)<2 { t.Fatalf("got %d eigenvalues; want >=2", len(vals)) }
	for i:=1; i<len(vals); i++ {
		if vals[i]>vals[i-1]+1e-12 { t.Errorf("eigenvalues not descending: %v", vals) }
	}
	// the two genuine directions of variation dominate
	if vals[0]<=0 || vals[1]<=0 { t.Errorf("leading eigenvalues %g %g; want >0", vals[0], vals[1]) }
	if len(vals)>2 && vals[2]>vals[0]*1e-9 {
		t.Errorf("third eigenvalue %g not negligible vs %g", vals[2], vals[0])
	}

	basis, err:=p.EigenKernels(2)
	if err!=nil { t.Fatalf("eigen kernels: %s", err.Error()) }
	// mean kernel plus leading components
	if len(basis)<2 { t.Fatalf("basis has %d kernels; want >=2", len(basis)) }

	// the mean of unit-sum kernels keeps unit sum; centered eigen kernels are zero-sum
	if s:=basis[0].Sum(); math.Abs(s-1)>1e-9 { t.Errorf("mean kernel sum=%f; want 1", s) }
	for i, k:=range basis[1:] {
		if s:=k.Sum(); math.Abs(s)>1e-9 { t.Errorf("eigen kernel %d sum=%g; want 0", i+1, s) }
		if m:=math.Abs(k.MaxAbs()); math.Abs(m-1)>1e-9 { t.Errorf("eigen kernel %d max=%g; want 1", i+1, m) }
	}
}

func pcaTestEnsemble(t *testing.T, p *KernelPca) {
	t.Helper()
	for _, ab:=range [][2]float64{{0, 0}, {0.2, 0}, {0, 0.2}, {0.2, 0.2}} {
		k:=pcaTestKernel(t, map[[2]int32]float64{
			{1, 1}: 1.0-ab[0]-ab[1],
			{2, 1}: ab[0],
			{1, 2}: ab[1],
		})
		if err:=p.AddKernel(k); err!=nil { t.Fatalf("add: %s", err.Error()) }
	}
}

func eigenValueShare(vals []float64) float64 {
	total:=0.0
	for _, v:=range vals { total+=v }
	return vals[0]/total
}

// subtracting the ensemble mean moves the common structure out of the
// decomposition, so the leading eigenvalue explains strictly less of the
// remaining variance than it does for the raw ensemble
func TestKernelPcaMeanSubtractionSpreadsVariance(t *testing.T) {
	raw:=NewKernelPca(3, 3)
	pcaTestEnsemble(t, raw)
	if err:=raw.Analyze(); err!=nil { t.Fatalf("raw analyze: %s", err.Error()) }
	rawShare:=eigenValueShare(raw.EigenValues())

	centered:=NewKernelPca(3, 3)
	pcaTestEnsemble(t, centered)
	if err:=centered.SubtractMean(); err!=nil { t.Fatalf("mean: %s", err.Error()) }
	if err:=centered.Analyze(); err!=nil { t.Fatalf("centered analyze: %s", err.Error()) }
	centeredShare:=eigenValueShare(centered.EigenValues())

	if !(centeredShare<rawShare) {
		t.Errorf("leading eigenvalue share %f after mean subtraction; want < %f", centeredShare, rawShare)
	}
}

func TestKernelPcaRejectsZeroSum(t *testing.T) {
	p:=NewKernelPca(3, 3)
	k:=pcaTestKernel(t, map[[2]int32]float64{{1, 1}: 1.0, {2, 1}: -1.0})
	if err:=p.AddKernel(k); err==nil { t.Errorf("zero-sum kernel accepted") }
}

func TestKernelPcaRejectsWrongSize(t *testing.T) {
	p:=NewKernelPca(3, 3)
	k, _:=kernel.New(5, 5)
	k.Set(2, 2, 1)
	if err:=p.AddKernel(k); err==nil { t.Errorf("wrong-size kernel accepted") }
}

func TestKernelPcaOrderOfOperations(t *testing.T) {
	p:=NewKernelPca(3, 3)
	if err:=p.SubtractMean(); err==nil { t.Errorf("mean of empty ensemble accepted") }
	if _, err:=p.EigenKernels(1); err==nil { t.Errorf("eigen kernels before analysis accepted") }
}
