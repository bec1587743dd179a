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
	"fmt"
	"math"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
	"gonum.org/v1/gonum/mat"
)

// Builds and solves the variance-weighted normal equations of a single
// PSF-matching kernel fit: one column per basis kernel convolved with the
// image to convolve, plus a constant column for the differential background.
// The basis list and optional regularization are shared and read-only; the
// accumulated system M, B and its solution are per-fit state
type Functor struct {
	basis   kernel.BasisList
	h       *mat.Dense // regularization matrix, nil if unregularized
	hScale  float64    // lambda scaling factor

	m    *mat.Dense
	b    []float64
	soln []float64
}

// Creates a functor over the given basis list
func NewFunctor(basis kernel.BasisList) (*Functor, error) {
	if len(basis)==0 { return nil, errors.New("fit: empty basis list") }
	return &Functor{basis: basis}, nil
}

// Creates a functor over the given basis list with Tikhonov regularization.
// h must be sized len(basis)+1 to cover the background term
func NewRegularizedFunctor(basis kernel.BasisList, h *mat.Dense, scaling float64) (*Functor, error) {
	f, err:=NewFunctor(basis)
	if err!=nil { return nil, err }
	hr, hc:=h.Dims()
	if hr!=len(basis)+1 || hc!=len(basis)+1 {
		return nil, fmt.Errorf("fit: regularization is %dx%d for %d basis kernels", hr, hc, len(basis))
	}
	f.h, f.hScale=h, scaling
	return f, nil
}

// Returns a functor sharing the basis list and regularization, with fresh
// fit state. Used to run independent candidate fits concurrently
func (f *Functor) Clone() *Functor {
	return &Functor{basis: f.basis, h: f.h, hScale: f.hScale}
}

func (f *Functor) BasisList() kernel.BasisList { return f.basis }
func (f *Functor) NParameters() int            { return len(f.basis)+1 }

// Builds and solves the normal equations for one candidate: convolves the
// template stamp with each basis kernel, weights by inverse variance over
// the region unaffected by edges, and solves for the kernel coefficients
// and background. Images are row-major with the given width
func (f *Functor) Apply(toConvolve, toNotConvolve, variance []float32, width int32) error {
	if len(toConvolve)!=len(toNotConvolve) || len(toConvolve)!=len(variance) {
		return errors.New("fit: image plane dimensions mismatch")
	}
	height:=int32(len(toConvolve))/width
	region, err:=kernel.ValidRegion(width, height, f.basis[0])
	if err!=nil { return err }

	nParams:=len(f.basis)+1
	nPix:=int(region.Width())*int(region.Height())

	// basis-convolved template columns plus the constant background column
	c:=mat.NewDense(nPix, nParams, nil)
	for ki, k:=range f.basis {
		conv:=kernel.Convolve(toConvolve, width, k)
		row:=0
		for y:=region.StartRow; y<region.EndRow; y++ {
			for x:=region.StartCol; x<region.EndCol; x++ {
				c.Set(row, ki, float64(conv[y*width+x]))
				row++
			}
		}
	}
	for row:=0; row<nPix; row++ {
		c.Set(row, nParams-1, 1.0)
	}

	// inverse variance weights and science pixels over the same region
	wc:=mat.NewDense(nPix, nParams, nil)
	ws:=make([]float64, nPix)
	row:=0
	for y:=region.StartRow; y<region.EndRow; y++ {
		for x:=region.StartCol; x<region.EndCol; x++ {
			w:=0.0
			if v:=variance[y*width+x]; v>0 { w=1.0/float64(v) }
			for p:=0; p<nParams; p++ {
				wc.Set(row, p, w*c.At(row, p))
			}
			ws[row]=w*float64(toNotConvolve[y*width+x])
			row++
		}
	}

	m:=mat.NewDense(nParams, nParams, nil)
	m.Mul(c.T(), wc)
	b:=make([]float64, nParams)
	for p:=0; p<nParams; p++ {
		sum:=0.0
		for r:=0; r<nPix; r++ { sum+=c.At(r, p)*ws[r] }
		b[p]=sum
	}

	if f.h!=nil {
		m, b=f.regularize(m, b)
	}

	soln, err:=Solve(m, b)
	if err!=nil { return err }

	f.m, f.b, f.soln=m, b, soln
	return nil
}

// Conditions the system with the shared regularization: M <- M^T M + lambda H,
// B <- M^T B, with lambda = tr(M^T M)/tr(H) times the configured scaling
func (f *Functor) regularize(m *mat.Dense, b []float64) (*mat.Dense, []float64) {
	nParams:=len(b)

	var mtm mat.Dense
	mtm.Mul(m.T(), m)

	trMtm, trH:=0.0, 0.0
	for i:=0; i<nParams; i++ {
		trMtm+=mtm.At(i, i)
		trH+=f.h.At(i, i)
	}
	lambda:=0.0
	if trH!=0 { lambda=trMtm/trH*f.hScale }

	mReg:=mat.NewDense(nParams, nParams, nil)
	for i:=0; i<nParams; i++ {
		for j:=0; j<nParams; j++ {
			mReg.Set(i, j, mtm.At(i, j)+lambda*f.h.At(i, j))
		}
	}
	bReg:=make([]float64, nParams)
	bVec:=mat.NewVecDense(nParams, b)
	bRegVec:=mat.NewVecDense(nParams, bReg)
	bRegVec.MulVec(m.T(), bVec)
	return mReg, bReg
}

// Returns the fitted kernel and differential background. Errors if no fit
// has been run or the solution contains non-finite values
func (f *Functor) Kernel() (*kernel.Kernel, float64, error) {
	if f.soln==nil { return nil, 0, ErrNoKernel }
	coeffs:=f.soln[:len(f.basis)]
	bg:=f.soln[len(f.basis)]
	if !finiteAll(f.soln) {
		return nil, 0, errors.New("fit: non-finite kernel solution")
	}
	k, err:=kernel.LinearCombination(f.basis, coeffs)
	if err!=nil { return nil, 0, err }
	return k, bg, nil
}

// Returns 1-sigma uncertainties of the kernel weights and the background,
// derived from the Cholesky inverse of the accumulated system
func (f *Functor) Uncertainty() (*kernel.Kernel, float64, error) {
	if f.m==nil { return nil, 0, ErrNoKernel }
	errs, err:=Uncertainties(f.m)
	if err!=nil { return nil, 0, err }
	k, err:=kernel.LinearCombination(f.basis, errs[:len(f.basis)])
	if err!=nil { return nil, 0, err }
	return k, errs[len(f.basis)], nil
}

// Transfers ownership of the accumulated M and B to the caller and clears
// the fit state, so a subsequent Apply starts from scratch and the caller's
// matrices cannot be overwritten
func (f *Functor) GetAndClearMB() (*mat.Dense, []float64, error) {
	if f.m==nil { return nil, nil, ErrNoKernel }
	m, b:=f.m, f.b
	f.m, f.b, f.soln=nil, nil, nil
	return m, b, nil
}

// Guards against NaN poisoning of downstream spatial fits
func validMB(m *mat.Dense, b []float64) bool {
	if m==nil || b==nil { return false }
	n, _:=m.Dims()
	for i:=0; i<n; i++ {
		for j:=0; j<n; j++ {
			if math.IsNaN(m.At(i, j)) { return false }
		}
	}
	return finiteAll(b)
}
