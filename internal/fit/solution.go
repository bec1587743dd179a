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

	"gonum.org/v1/gonum/mat"
)

// Returned when every solver in the cascade fails on a linear system
var ErrUnsolvable = errors.New("fit: linear system not solvable by any method")

// Returned when kernel or background parameters are requested before a
// successful fit
var ErrNoKernel = errors.New("fit: no kernel fitted yet")

// Solves the symmetric system M x = B with a cascade of increasingly robust
// methods: LDL^T, Cholesky LL^T, LU with partial pivoting, and finally a
// pseudo-inverse from the symmetric eigendecomposition that inverts only
// nonzero eigenvalues. Returns ErrUnsolvable if all of them fail
func Solve(m *mat.Dense, b []float64) ([]float64, error) {
	n, cols:=m.Dims()
	if n!=cols || n!=len(b) {
		return nil, errors.New("fit: system dimensions mismatch")
	}

	if x:=solveLDL(m, b); finiteAll(x) { return x, nil }

	sym:=denseToSym(m)
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		x:=mat.NewVecDense(n, nil)
		if err:=chol.SolveVecTo(x, mat.NewVecDense(n, b)); err==nil && finiteAll(x.RawVector().Data) {
			return x.RawVector().Data, nil
		}
	}

	var lu mat.LU
	lu.Factorize(m)
	x:=mat.NewVecDense(n, nil)
	if err:=lu.SolveVecTo(x, false, mat.NewVecDense(n, b)); err==nil && finiteAll(x.RawVector().Data) {
		return x.RawVector().Data, nil
	}

	var eig mat.EigenSym
	if eig.Factorize(sym, true) {
		if x:=solveEigenPseudoInverse(&eig, b); finiteAll(x) { return x, nil }
	}

	return nil, ErrUnsolvable
}

// Solves M x = B via M = L D L^T. Returns nil on breakdown
func solveLDL(m *mat.Dense, b []float64) []float64 {
	n:=len(b)
	l:=make([]float64, n*n) // unit lower triangular
	d:=make([]float64, n)

	for j:=0; j<n; j++ {
		dj:=m.At(j, j)
		for k:=0; k<j; k++ {
			ljk:=l[j*n+k]
			dj-=ljk*ljk*d[k]
		}
		if math.Abs(dj)<1e-300 || math.IsNaN(dj) { return nil }
		d[j]=dj
		l[j*n+j]=1
		for i:=j+1; i<n; i++ {
			v:=m.At(i, j)
			for k:=0; k<j; k++ {
				v-=l[i*n+k]*l[j*n+k]*d[k]
			}
			l[i*n+j]=v/dj
		}
	}

	// forward substitution L y = b
	y:=make([]float64, n)
	for i:=0; i<n; i++ {
		v:=b[i]
		for k:=0; k<i; k++ { v-=l[i*n+k]*y[k] }
		y[i]=v
	}
	// diagonal and back substitution L^T x = D^-1 y
	x:=make([]float64, n)
	for i:=n-1; i>=0; i-- {
		v:=y[i]/d[i]
		for k:=i+1; k<n; k++ { v-=l[k*n+i]*x[k] }
		x[i]=v
	}
	return x
}

// Pseudo-inverse solve from a symmetric eigendecomposition: project b onto
// the eigenvectors and invert only eigenvalues above a relative threshold
func solveEigenPseudoInverse(eig *mat.EigenSym, b []float64) []float64 {
	n:=len(b)
	vals:=eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxVal:=0.0
	for _, v:=range vals {
		if math.Abs(v)>maxVal { maxVal=math.Abs(v) }
	}
	if maxVal==0 { return nil }
	threshold:=maxVal*1e-12

	x:=make([]float64, n)
	for e:=0; e<n; e++ {
		if math.Abs(vals[e])<=threshold { continue }
		dot:=0.0
		for i:=0; i<n; i++ { dot+=vecs.At(i, e)*b[i] }
		dot/=vals[e]
		for i:=0; i<n; i++ { x[i]+=vecs.At(i, e)*dot }
	}
	return x
}

// Parameter uncertainties as sqrt of the diagonal of (M^T M)^-1, inverted
// via Cholesky with an LU fallback
func Uncertainties(m *mat.Dense) ([]float64, error) {
	n, _:=m.Dims()
	var mtm mat.Dense
	mtm.Mul(m.T(), m)

	var inv mat.Dense
	var chol mat.Cholesky
	if chol.Factorize(denseToSym(&mtm)) {
		var symInv mat.SymDense
		if err:=chol.InverseTo(&symInv); err!=nil { return nil, err }
		inv.CloneFrom(&symInv)
	} else {
		if err:=inv.Inverse(&mtm); err!=nil { return nil, err }
	}

	res:=make([]float64, n)
	for i:=0; i<n; i++ {
		v:=inv.At(i, i)
		if v<0 || math.IsNaN(v) {
			return nil, errors.New("fit: non-positive variance estimate for fit parameters")
		}
		res[i]=math.Sqrt(v)
	}
	return res, nil
}

// Copies the upper triangle of a dense matrix into a symmetric matrix
func denseToSym(m *mat.Dense) *mat.SymDense {
	n, _:=m.Dims()
	sym:=mat.NewSymDense(n, nil)
	for i:=0; i<n; i++ {
		for j:=i; j<n; j++ {
			sym.SetSym(i, j, m.At(i, j))
		}
	}
	return sym
}

func finiteAll(xs []float64) bool {
	if xs==nil { return false }
	for _, x:=range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) { return false }
	}
	return true
}
