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
	"fmt"
)

// A 2-D polynomial of given total order, used for the spatial variation of
// kernel coefficients and the differential background. Terms are ordered
// 1, x, y, x^2, xy, y^2, ...
type Poly2 struct {
	Order  int32
	Coeffs []float64
}

// Returns the number of terms of a 2-D polynomial of the given total order
func NumPolyTerms(order int32) int {
	return int((order+1)*(order+2))/2
}

// Creates a zero polynomial of the given total order
func NewPoly2(order int32) *Poly2 {
	return &Poly2{Order: order, Coeffs: make([]float64, NumPolyTerms(order))}
}

// Evaluates all terms of a polynomial of the given order at (x,y), i.e.
// the row of the design matrix for that position
func PolyTerms(order int32, x, y float64) []float64 {
	terms:=make([]float64, 0, NumPolyTerms(order))
	for _, p:=range polyTermPowers(order) {
		t:=1.0
		for i:=int32(0); i<p[0]; i++ { t*=x }
		for j:=int32(0); j<p[1]; j++ { t*=y }
		terms=append(terms, t)
	}
	return terms
}

// Evaluates the polynomial at (x,y)
func (p *Poly2) Eval(x, y float64) float64 {
	sum:=0.0
	for i, t:=range PolyTerms(p.Order, x, y) {
		sum+=p.Coeffs[i]*t
	}
	return sum
}

// Replaces the polynomial coefficients
func (p *Poly2) SetCoeffs(coeffs []float64) error {
	if len(coeffs)!=len(p.Coeffs) {
		return fmt.Errorf("kernel: %d coefficients for order %d polynomial with %d terms", len(coeffs), p.Order, len(p.Coeffs))
	}
	copy(p.Coeffs, coeffs)
	return nil
}

// Returns a deep copy of the polynomial
func (p *Poly2) Copy() *Poly2 {
	c:=make([]float64, len(p.Coeffs))
	copy(c, p.Coeffs)
	return &Poly2{Order: p.Order, Coeffs: c}
}
