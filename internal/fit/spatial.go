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
	"io"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
	"gonum.org/v1/gonum/mat"
)

// Aggregates per-candidate normal equations into one global system for the
// spatially varying kernel and background. Each candidate's M,B is expanded
// by the outer products of its spatial polynomial terms evaluated at the
// candidate position. With constantFirstTerm the first basis kernel gets a
// single spatially constant coefficient, conserving the kernel sum across
// the field when the remaining basis kernels are zero-sum
type BuildSpatialKernelVisitor struct {
	basis     kernel.BasisList
	cfg       *Config
	logWriter io.Writer

	nkt, nbt, nt int // kernel terms, background terms, total parameters

	m    *mat.Dense
	b    []float64
	soln []float64

	nProcessed int
}

func NewBuildSpatialKernelVisitor(basis kernel.BasisList, cfg *Config, logWriter io.Writer) (*BuildSpatialKernelVisitor, error) {
	if len(basis)==0 { return nil, errors.New("fit: empty basis list") }
	v:=&BuildSpatialKernelVisitor{basis: basis, cfg: cfg, logWriter: logWriter}
	v.nkt=kernel.NumPolyTerms(cfg.SpatialKernelOrder)
	v.nbt=kernel.NumPolyTerms(cfg.SpatialBgOrder)
	if cfg.ConstantFirstTerm {
		v.nt=1+(len(basis)-1)*v.nkt+v.nbt
	} else {
		v.nt=len(basis)*v.nkt+v.nbt
	}
	v.Reset()
	return v, nil
}

func (v *BuildSpatialKernelVisitor) Reset() {
	v.m=mat.NewDense(v.nt, v.nt, nil)
	v.b=make([]float64, v.nt)
	v.soln=nil
	v.nProcessed=0
}

func (v *BuildSpatialKernelVisitor) NProcessed() int { return v.nProcessed }
func (v *BuildSpatialKernelVisitor) NParameters() int { return v.nt }

// Offset of basis term i (0..nbases, where nbases denotes the background
// block) in the global parameter vector, and the number of its parameters
func (v *BuildSpatialKernelVisitor) termBlock(i int) (offset, length int) {
	nbases:=len(v.basis)
	if i==nbases { return v.nt-v.nbt, v.nbt }
	if !v.cfg.ConstantFirstTerm { return i*v.nkt, v.nkt }
	if i==0 { return 0, 1 }
	return 1+(i-1)*v.nkt, v.nkt
}

func (v *BuildSpatialKernelVisitor) ProcessCandidate(c *Candidate) error {
	if !c.HasKernel() { return nil }
	cm, cb, err:=c.MB()
	if err!=nil { return nil }
	nr, _:=cm.Dims()
	if nr!=len(v.basis)+1 {
		return fmt.Errorf("fit: candidate %d system has %d rows for %d basis kernels", c.ID, nr, len(v.basis))
	}
	v.nProcessed++

	x, y:=float64(c.X), float64(c.Y)
	pk:=kernel.PolyTerms(v.cfg.SpatialKernelOrder, x, y)
	pb:=kernel.PolyTerms(v.cfg.SpatialBgOrder, x, y)

	// spatial term values per basis block; the constant first term and the
	// background block use their own expansions
	one:=[]float64{1}
	terms:=func(i int) []float64 {
		if i==len(v.basis) { return pb }
		if v.cfg.ConstantFirstTerm && i==0 { return one }
		return pk
	}

	// accumulate the block-upper triangle of the expanded system
	for i:=0; i<=len(v.basis); i++ {
		ti:=terms(i)
		offI, lenI:=v.termBlock(i)
		for j:=i; j<=len(v.basis); j++ {
			tj:=terms(j)
			offJ, lenJ:=v.termBlock(j)
			q:=cm.At(i, j)
			for a:=0; a<lenI; a++ {
				for bb:=0; bb<lenJ; bb++ {
					v.m.Set(offI+a, offJ+bb, v.m.At(offI+a, offJ+bb)+q*ti[a]*tj[bb])
				}
			}
		}
		w:=cb[i]
		for a:=0; a<lenI; a++ {
			v.b[offI+a]+=w*ti[a]
		}
	}
	return nil
}

// Mirrors the accumulated upper triangle and solves the global system with
// the full cascade
func (v *BuildSpatialKernelVisitor) SolveLinearEquation() error {
	if v.nProcessed==0 {
		return errors.New("fit: no candidates contributed to the spatial fit")
	}
	for r:=0; r<v.nt; r++ {
		for c:=r+1; c<v.nt; c++ {
			v.m.Set(c, r, v.m.At(r, c))
		}
	}
	soln, err:=Solve(v.m, v.b)
	if err!=nil {
		return fmt.Errorf("fit: spatial system of %d parameters from %d candidates: %w", v.nt, v.nProcessed, err)
	}
	v.soln=soln
	return nil
}

// Repackages the flat solution vector into the spatially varying kernel and
// the background polynomial. With constantFirstTerm the single coefficient
// of the first basis kernel becomes the constant term of its polynomial
func (v *BuildSpatialKernelVisitor) SpatialModel() (*kernel.SpatialKernel, *kernel.Poly2, error) {
	if v.soln==nil { return nil, nil, ErrNoKernel }

	sk, err:=kernel.NewSpatialKernel(v.basis, v.cfg.SpatialKernelOrder)
	if err!=nil { return nil, nil, err }
	coeffs:=make([][]float64, len(v.basis))
	for i:=range coeffs {
		coeffs[i]=make([]float64, v.nkt)
		off, length:=v.termBlock(i)
		copy(coeffs[i][:length], v.soln[off:off+length])
	}
	if err:=sk.SetSpatialParameters(coeffs); err!=nil { return nil, nil, err }

	bg:=kernel.NewPoly2(v.cfg.SpatialBgOrder)
	off, length:=v.termBlock(len(v.basis))
	if err:=bg.SetCoeffs(v.soln[off : off+length]); err!=nil { return nil, nil, err }
	if length!=v.nbt {
		return nil, nil, fmt.Errorf("fit: background block has %d of %d terms", length, v.nbt)
	}
	return sk, bg, nil
}
