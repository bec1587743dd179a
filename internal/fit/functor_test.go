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
	"errors"
	"math"
	"testing"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
)

// structured template stamp with enough variation to constrain a delta basis
func makeTemplateStamp(width, height int32) []float32 {
	data:=make([]float32, width*height)
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			data[y*width+x]=float32(10+
				5*math.Sin(float64(x)*0.7)+
				4*math.Cos(float64(y)*1.1)+
				3*math.Sin(float64(x*y)*0.13))
		}
	}
	return data
}

func onesF32(n int32) []float32 {
	v:=make([]float32, n)
	for i:=range v { v[i]=1 }
	return v
}

func TestFunctorRecoversIdentityKernel(t *testing.T) {
	width, height:=int32(16), int32(16)
	tmpl:=makeTemplateStamp(width, height)

	// science is the template plus a constant background offset
	sci:=make([]float32, len(tmpl))
	for i, v:=range tmpl { sci[i]=v+17.0 }

	basis, err:=kernel.DeltaFunctionBasis(3, 3)
	if err!=nil { t.Fatalf("basis: %s", err.Error()) }
	f, err:=NewFunctor(basis)
	if err!=nil { t.Fatalf("functor: %s", err.Error()) }

	if err:=f.Apply(tmpl, sci, onesF32(width*height), width); err!=nil {
		t.Fatalf("apply: %s", err.Error())
	}
	k, bg, err:=f.Kernel()
	if err!=nil { t.Fatalf("kernel: %s", err.Error()) }

	if math.Abs(bg-17.0)>1e-6 { t.Errorf("background=%f; want 17", bg) }
	if math.Abs(k.Sum()-1.0)>1e-6 { t.Errorf("kernel sum=%f; want 1", k.Sum()) }
	if math.Abs(k.At(k.CtrX, k.CtrY)-1.0)>1e-6 {
		t.Errorf("center weight=%f; want 1", k.At(k.CtrX, k.CtrY))
	}
}

func TestFunctorRecoversShiftedKernel(t *testing.T) {
	width, height:=int32(16), int32(16)
	tmpl:=makeTemplateStamp(width, height)

	// science samples the right neighbor of each template pixel
	sci:=make([]float32, len(tmpl))
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width-1; x++ {
			sci[y*width+x]=tmpl[y*width+x+1]
		}
	}

	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	f, _:=NewFunctor(basis)
	if err:=f.Apply(tmpl, sci, onesF32(width*height), width); err!=nil {
		t.Fatalf("apply: %s", err.Error())
	}
	k, bg, err:=f.Kernel()
	if err!=nil { t.Fatalf("kernel: %s", err.Error()) }

	if math.Abs(bg)>1e-6 { t.Errorf("background=%f; want 0", bg) }
	if math.Abs(k.At(k.CtrX+1, k.CtrY)-1.0)>1e-6 {
		t.Errorf("shifted weight=%f; want 1", k.At(k.CtrX+1, k.CtrY))
	}
	if math.Abs(k.Sum()-1.0)>1e-6 { t.Errorf("kernel sum=%f; want 1", k.Sum()) }
}

func TestFunctorUncertainty(t *testing.T) {
	width, height:=int32(16), int32(16)
	tmpl:=makeTemplateStamp(width, height)
	sci:=make([]float32, len(tmpl))
	for i, v:=range tmpl { sci[i]=v*1.1+3 }

	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	f, _:=NewFunctor(basis)
	if _, _, err:=f.Uncertainty(); !errors.Is(err, ErrNoKernel) {
		t.Errorf("uncertainty before fit: %v; want ErrNoKernel", err)
	}
	if err:=f.Apply(tmpl, sci, onesF32(width*height), width); err!=nil {
		t.Fatalf("apply: %s", err.Error())
	}
	ku, bgu, err:=f.Uncertainty()
	if err!=nil { t.Fatalf("uncertainty: %s", err.Error()) }
	if bgu<=0 { t.Errorf("background sigma=%f; want >0", bgu) }
	for i, v:=range ku.Data {
		if v<=0 { t.Errorf("kernel sigma %d=%f; want >0", i, v) }
	}
}

func TestGetAndClearMB(t *testing.T) {
	width, height:=int32(16), int32(16)
	tmpl:=makeTemplateStamp(width, height)
	sci:=make([]float32, len(tmpl))
	for i, v:=range tmpl { sci[i]=v+1 }

	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	f, _:=NewFunctor(basis)

	if _, _, err:=f.GetAndClearMB(); !errors.Is(err, ErrNoKernel) {
		t.Errorf("GetAndClearMB before fit: %v; want ErrNoKernel", err)
	}

	if err:=f.Apply(tmpl, sci, onesF32(width*height), width); err!=nil {
		t.Fatalf("apply: %s", err.Error())
	}
	m, b, err:=f.GetAndClearMB()
	if err!=nil { t.Fatalf("GetAndClearMB: %s", err.Error()) }
	if m==nil || b==nil { t.Fatalf("got nil system") }
	nr, nc:=m.Dims()
	if nr!=10 || nc!=10 || len(b)!=10 { t.Errorf("system is %dx%d with %d rhs; want 10", nr, nc, len(b)) }

	// state is cleared: the system moved to the caller
	if _, _, err:=f.GetAndClearMB(); !errors.Is(err, ErrNoKernel) {
		t.Errorf("second GetAndClearMB: %v; want ErrNoKernel", err)
	}
	if _, _, err:=f.Kernel(); !errors.Is(err, ErrNoKernel) {
		t.Errorf("Kernel after clear: %v; want ErrNoKernel", err)
	}
}

func TestFunctorClone(t *testing.T) {
	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	f, _:=NewFunctor(basis)

	width, height:=int32(16), int32(16)
	tmpl:=makeTemplateStamp(width, height)
	if err:=f.Apply(tmpl, tmpl, onesF32(width*height), width); err!=nil {
		t.Fatalf("apply: %s", err.Error())
	}

	// clones share the basis but start with fresh fit state
	c:=f.Clone()
	if _, _, err:=c.Kernel(); !errors.Is(err, ErrNoKernel) {
		t.Errorf("clone carries fit state: %v; want ErrNoKernel", err)
	}
	if len(c.BasisList())!=len(f.BasisList()) { t.Errorf("clone basis differs") }
}

func TestRegularizedFunctorDimensionCheck(t *testing.T) {
	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	h, err:=kernel.FiniteDifferenceRegularization(3, 3, 2)
	if err!=nil { t.Fatalf("regularization: %s", err.Error()) }
	if _, err:=NewRegularizedFunctor(basis, h, 1e-4); err!=nil {
		t.Errorf("matching regularization rejected: %s", err.Error())
	}
	hBad, _:=kernel.FiniteDifferenceRegularization(5, 5, 2)
	if _, err:=NewRegularizedFunctor(basis, hBad, 1e-4); err==nil {
		t.Errorf("mismatched regularization accepted")
	}
}

// zero-mean decorrelated stamp: shifted copies of it are near orthogonal,
// which keeps the squared normal equations of the regularized fit well
// conditioned. Smooth stamps do not, and amplify the regularization bias
func makeNoiseStamp(width, height int32) []float32 {
	data:=make([]float32, width*height)
	seed:=uint32(0x2545f491)
	for i:=range data {
		seed=seed*1664525+1013904223
		data[i]=float32(seed>>8)/float32(1<<24)-0.5
	}
	return data
}

func TestRegularizedFunctorFit(t *testing.T) {
	width, height:=int32(16), int32(16)
	tmpl:=makeNoiseStamp(width, height)
	sci:=make([]float32, len(tmpl))
	for i, v:=range tmpl { sci[i]=v+2 }

	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	h, _:=kernel.FiniteDifferenceRegularization(3, 3, 2)
	f, err:=NewRegularizedFunctor(basis, h, 1e-6)
	if err!=nil { t.Fatalf("functor: %s", err.Error()) }

	if err:=f.Apply(tmpl, sci, onesF32(width*height), width); err!=nil {
		t.Fatalf("apply: %s", err.Error())
	}
	k, bg, err:=f.Kernel()
	if err!=nil { t.Fatalf("kernel: %s", err.Error()) }
	// weak regularization must not distort an exactly representable solution much
	if math.Abs(k.Sum()-1.0)>1e-2 { t.Errorf("kernel sum=%f; want near 1", k.Sum()) }
	if math.Abs(k.At(k.CtrX, k.CtrY)-1.0)>1e-2 {
		t.Errorf("center weight=%f; want near 1", k.At(k.CtrX, k.CtrY))
	}
	if math.Abs(bg-2)>0.1 { t.Errorf("background=%f; want near 2", bg) }
}
