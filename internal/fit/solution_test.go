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

	"gonum.org/v1/gonum/mat"
)

// deterministic SPD test system A = G^T G + I
func makeSPDSystem(n int) (*mat.Dense, []float64) {
	g:=mat.NewDense(n, n, nil)
	seed:=uint64(12345)
	for i:=0; i<n; i++ {
		for j:=0; j<n; j++ {
			seed=seed*6364136223846793005+1442695040888963407
			g.Set(i, j, float64(seed>>33)/float64(1<<31)-0.5)
		}
	}
	var a mat.Dense
	a.Mul(g.T(), g)
	for i:=0; i<n; i++ { a.Set(i, i, a.At(i, i)+1) }

	b:=make([]float64, n)
	for i:=range b { b[i]=float64(i+1) }
	return &a, b
}

func residualNorm(a *mat.Dense, x, b []float64) float64 {
	n:=len(b)
	norm:=0.0
	for i:=0; i<n; i++ {
		r:=-b[i]
		for j:=0; j<n; j++ { r+=a.At(i, j)*x[j] }
		norm+=r*r
	}
	return math.Sqrt(norm)
}

func TestSolveSPD(t *testing.T) {
	a, b:=makeSPDSystem(12)
	x, err:=Solve(a, b)
	if err!=nil { t.Fatalf("solve: %s", err.Error()) }
	if r:=residualNorm(a, x, b); r>1e-9 { t.Errorf("residual norm=%g; want <1e-9", r) }
}

func TestSolveCascadeConsistency(t *testing.T) {
	// every tier of the cascade must agree on a well-conditioned system
	a, b:=makeSPDSystem(8)
	n:=len(b)

	ldl:=solveLDL(a, b)
	if !finiteAll(ldl) { t.Fatalf("LDL breakdown on SPD system") }

	var chol mat.Cholesky
	if !chol.Factorize(denseToSym(a)) { t.Fatalf("cholesky breakdown on SPD system") }
	xc:=mat.NewVecDense(n, nil)
	if err:=chol.SolveVecTo(xc, mat.NewVecDense(n, b)); err!=nil { t.Fatalf("cholesky solve: %s", err.Error()) }

	var lu mat.LU
	lu.Factorize(a)
	xl:=mat.NewVecDense(n, nil)
	if err:=lu.SolveVecTo(xl, false, mat.NewVecDense(n, b)); err!=nil { t.Fatalf("lu solve: %s", err.Error()) }

	var eig mat.EigenSym
	if !eig.Factorize(denseToSym(a), true) { t.Fatalf("eigen breakdown on SPD system") }
	xe:=solveEigenPseudoInverse(&eig, b)

	for i:=0; i<n; i++ {
		if math.Abs(ldl[i]-xc.AtVec(i))>1e-9 { t.Errorf("x[%d]: LDL %g vs cholesky %g", i, ldl[i], xc.AtVec(i)) }
		if math.Abs(ldl[i]-xl.AtVec(i))>1e-9 { t.Errorf("x[%d]: LDL %g vs LU %g", i, ldl[i], xl.AtVec(i)) }
		if math.Abs(ldl[i]-xe[i])>1e-9 { t.Errorf("x[%d]: LDL %g vs eigen %g", i, ldl[i], xe[i]) }
	}
}

func TestSolveSingularFallsBackToPseudoInverse(t *testing.T) {
	// rank-deficient system: solvable only via the eigen pseudo-inverse
	a:=mat.NewDense(3, 3, []float64{
		2, 0, 0,
		0, 3, 0,
		0, 0, 0,
	})
	b:=[]float64{4, 9, 0}
	x, err:=Solve(a, b)
	if err!=nil { t.Fatalf("solve: %s", err.Error()) }
	if math.Abs(x[0]-2)>1e-12 || math.Abs(x[1]-3)>1e-12 || math.Abs(x[2])>1e-12 {
		t.Errorf("x=%v; want [2 3 0]", x)
	}
}

func TestSolveDimensionMismatch(t *testing.T) {
	a:=mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	if _, err:=Solve(a, []float64{1, 2, 3}); err==nil { t.Errorf("dimension mismatch accepted") }
}

func TestUncertainties(t *testing.T) {
	m:=mat.NewDense(2, 2, []float64{2, 0, 0, 2})
	errs, err:=Uncertainties(m)
	if err!=nil { t.Fatalf("uncertainties: %s", err.Error()) }
	// (M^T M)^-1 = diag(1/4), sigma = 1/2
	for i, e:=range errs {
		if math.Abs(e-0.5)>1e-12 { t.Errorf("sigma[%d]=%f; want 0.5", i, e) }
	}
}

func TestSolveLDLRejectsSingular(t *testing.T) {
	a:=mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	if x:=solveLDL(a, []float64{1, 1}); x!=nil { t.Errorf("LDL accepted singular system") }
}
