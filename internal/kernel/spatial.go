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


package kernel

import (
	"errors"
	"fmt"
)

// A spatially varying kernel: a linear combination of basis kernels whose
// coefficients are 2-D polynomials of image position
type SpatialKernel struct {
	Basis BasisList
	Polys []*Poly2 // one per basis kernel, all of the same order
}

// Creates a spatial kernel over the given basis with zero polynomials of
// the given spatial order
func NewSpatialKernel(basis BasisList, order int32) (*SpatialKernel, error) {
	if len(basis)==0 { return nil, errors.New("kernel: empty basis list") }
	polys:=make([]*Poly2, len(basis))
	for i:=range polys { polys[i]=NewPoly2(order) }
	return &SpatialKernel{Basis: basis, Polys: polys}, nil
}

// Replaces the spatial coefficients, one coefficient slice per basis kernel
func (s *SpatialKernel) SetSpatialParameters(coeffs [][]float64) error {
	if len(coeffs)!=len(s.Polys) {
		return fmt.Errorf("kernel: %d parameter sets for %d basis kernels", len(coeffs), len(s.Polys))
	}
	for i, c:=range coeffs {
		if err:=s.Polys[i].SetCoeffs(c); err!=nil { return err }
	}
	return nil
}

// Realizes the fixed kernel at image position (x,y), returning it along
// with its kernel sum
func (s *SpatialKernel) RealizeAt(x, y float64) (*Kernel, float64, error) {
	coeffs:=make([]float64, len(s.Basis))
	for i, p:=range s.Polys { coeffs[i]=p.Eval(x, y) }
	k, err:=LinearCombination(s.Basis, coeffs)
	if err!=nil { return nil, 0, err }
	return k, k.Sum(), nil
}

func (s *SpatialKernel) Width() int32  { return s.Basis[0].Width }
func (s *SpatialKernel) Height() int32 { return s.Basis[0].Height }
