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
	"io"
	"math"
	"testing"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
	"gonum.org/v1/gonum/mat"
)

// attaches an identity system whose solution is the given coefficient
// vector plus background to a fresh candidate
func candidateWithSolution(t *testing.T, id int, x, y float32, soln []float64, basis kernel.BasisList) *Candidate {
	t.Helper()
	c:=makeCandidate(t, id, x, y, 10)
	n:=len(soln)
	m:=mat.NewDense(n, n, nil)
	for i:=0; i<n; i++ { m.Set(i, i, 1) }
	b:=make([]float64, n)
	copy(b, soln)
	if err:=c.SetMB(m, b); err!=nil { t.Fatalf("candidate %d MB: %s", id, err.Error()) }
	k, err:=kernel.LinearCombination(basis, soln[:len(basis)])
	if err!=nil { t.Fatalf("candidate %d kernel: %s", id, err.Error()) }
	c.SetKernel(k, soln[len(basis)])
	c.SetStatus(StatusGood)
	return c
}

func spatialTestConfig(constantFirstTerm bool) *Config {
	cfg:=DefaultConfig()
	cfg.SpatialKernelOrder=0
	cfg.SpatialBgOrder=0
	cfg.ConstantFirstTerm=constantFirstTerm
	return cfg
}

func TestSpatialFitConstantField(t *testing.T) {
	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	soln:=make([]float64, len(basis)+1)
	soln[4]=1.0  // identity kernel
	soln[0]=0.1  // plus some structure
	soln[9]=7.0  // background

	for _, constFirst:=range []bool{true, false} {
		cfg:=spatialTestConfig(constFirst)
		v, err:=NewBuildSpatialKernelVisitor(basis, cfg, io.Discard)
		if err!=nil { t.Fatalf("visitor: %s", err.Error()) }
		v.Reset()

		// candidates at different positions agreeing on one kernel
		for i, pos:=range [][2]float32{{100, 100}, {900, 150}, {500, 800}} {
			c:=candidateWithSolution(t, i, pos[0], pos[1], soln, basis)
			if err:=v.ProcessCandidate(c); err!=nil { t.Fatalf("process %d: %s", i, err.Error()) }
		}
		if v.NProcessed()!=3 { t.Fatalf("processed %d; want 3", v.NProcessed()) }

		if err:=v.SolveLinearEquation(); err!=nil { t.Fatalf("constFirst=%v solve: %s", constFirst, err.Error()) }
		sk, bg, err:=v.SpatialModel()
		if err!=nil { t.Fatalf("model: %s", err.Error()) }

		k, ksum, err:=sk.RealizeAt(400, 300)
		if err!=nil { t.Fatalf("realize: %s", err.Error()) }
		if math.Abs(ksum-1.1)>1e-9 { t.Errorf("constFirst=%v ksum=%f; want 1.1", constFirst, ksum) }
		if math.Abs(k.At(1, 1)-1.0)>1e-9 { t.Errorf("constFirst=%v center=%f; want 1", constFirst, k.At(1, 1)) }
		if math.Abs(k.At(0, 0)-0.1)>1e-9 { t.Errorf("constFirst=%v corner=%f; want 0.1", constFirst, k.At(0, 0)) }
		if math.Abs(bg.Eval(400, 300)-7.0)>1e-9 { t.Errorf("constFirst=%v background=%f; want 7", constFirst, bg.Eval(400, 300)) }
	}
}

func TestSpatialParameterCount(t *testing.T) {
	basis, _:=kernel.DeltaFunctionBasis(3, 3) // 9 kernels
	cfg:=DefaultConfig()
	cfg.SpatialKernelOrder=1 // 3 terms
	cfg.SpatialBgOrder=0     // 1 term

	cfg.ConstantFirstTerm=true
	v, err:=NewBuildSpatialKernelVisitor(basis, cfg, io.Discard)
	if err!=nil { t.Fatalf("visitor: %s", err.Error()) }
	if v.NParameters()!=1+8*3+1 { t.Errorf("got %d parameters; want 26", v.NParameters()) }

	cfg.ConstantFirstTerm=false
	v, err=NewBuildSpatialKernelVisitor(basis, cfg, io.Discard)
	if err!=nil { t.Fatalf("visitor: %s", err.Error()) }
	if v.NParameters()!=9*3+1 { t.Errorf("got %d parameters; want 28", v.NParameters()) }
}

func TestSpatialFitRequiresCandidates(t *testing.T) {
	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	v, _:=NewBuildSpatialKernelVisitor(basis, spatialTestConfig(true), io.Discard)
	v.Reset()
	if err:=v.SolveLinearEquation(); err==nil { t.Errorf("empty spatial system solved") }
}

func TestSpatialFitSkipsUnfittedCandidates(t *testing.T) {
	basis, _:=kernel.DeltaFunctionBasis(3, 3)
	v, _:=NewBuildSpatialKernelVisitor(basis, spatialTestConfig(true), io.Discard)
	v.Reset()
	c:=makeCandidate(t, 0, 100, 100, 10)
	if err:=v.ProcessCandidate(c); err!=nil { t.Fatalf("process: %s", err.Error()) }
	if v.NProcessed()!=0 { t.Errorf("unfitted candidate counted") }
}
