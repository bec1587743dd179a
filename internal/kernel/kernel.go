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
	"math"
)

// A fixed convolution kernel: a small image of weights with a designated
// center pixel. Kernel pixel data is float64 since kernels are the product
// of least-squares fits and carry more precision than image data.
type Kernel struct {
	Width  int32     // Number of columns
	Height int32     // Number of rows
	CtrX   int32     // Center column
	CtrY   int32     // Center row
	Data   []float64 // Row-major weights, Height rows of Width
}

// An ordered set of basis kernels, shared read-only between all candidates
// and the spatial fit. All members have identical dimensions and centers.
type BasisList []*Kernel

// Creates a kernel of the given dimensions with the center at (w/2, h/2),
// all weights zero
func New(width, height int32) (*Kernel, error) {
	if width<1 || height<1 {
		return nil, fmt.Errorf("kernel: dimensions %dx%d must be positive", width, height)
	}
	return &Kernel{
		Width:  width,
		Height: height,
		CtrX:   width/2,
		CtrY:   height/2,
		Data:   make([]float64, width*height),
	}, nil
}

// Creates a kernel from existing weight data, which is not copied
func NewFromData(width, height int32, data []float64) (*Kernel, error) {
	k, err:=New(width, height)
	if err!=nil { return nil, err }
	if int32(len(data))!=width*height {
		return nil, fmt.Errorf("kernel: data length %d does not match %dx%d", len(data), width, height)
	}
	k.Data=data
	return k, nil
}

func (k *Kernel) At(x, y int32) float64     { return k.Data[y*k.Width+x] }
func (k *Kernel) Set(x, y int32, v float64) { k.Data[y*k.Width+x]=v }

// Returns the kernel sum, i.e. the total of all weights. For a PSF-matching
// kernel this approximates the flux ratio between the two images
func (k *Kernel) Sum() float64 {
	sum:=0.0
	for _, v:=range k.Data { sum+=v }
	return sum
}

// Returns a deep copy of the kernel
func (k *Kernel) Copy() *Kernel {
	data:=make([]float64, len(k.Data))
	copy(data, k.Data)
	return &Kernel{k.Width, k.Height, k.CtrX, k.CtrY, data}
}

// Scales all weights by the given factor
func (k *Kernel) Scale(s float64) {
	for i:=range k.Data { k.Data[i]*=s }
}

// Returns the weight with the largest magnitude, sign included
func (k *Kernel) MaxAbs() float64 {
	extreme:=0.0
	for _, v:=range k.Data {
		if math.Abs(v)>math.Abs(extreme) { extreme=v }
	}
	return extreme
}

// Builds the combined kernel Sum_i coeffs[i]*basis[i]
func LinearCombination(basis BasisList, coeffs []float64) (*Kernel, error) {
	if len(basis)==0 { return nil, errors.New("kernel: empty basis list") }
	if len(basis)!=len(coeffs) {
		return nil, fmt.Errorf("kernel: %d coefficients for %d basis kernels", len(coeffs), len(basis))
	}
	out:=basis[0].Copy()
	for i:=range out.Data { out.Data[i]=0 }
	for b, k:=range basis {
		c:=coeffs[b]
		for i, v:=range k.Data { out.Data[i]+=c*v }
	}
	return out, nil
}

// Generates the delta-function basis set: width*height kernels, each with a
// single unique pixel set to 1.0. A linear combination of these can represent
// any kernel of the given size
func DeltaFunctionBasis(width, height int32) (BasisList, error) {
	if width<1 || height<1 {
		return nil, fmt.Errorf("kernel: basis dimensions %dx%d must be positive", width, height)
	}
	basis:=make(BasisList, 0, width*height)
	for row:=int32(0); row<height; row++ {
		for col:=int32(0); col<width; col++ {
			k, err:=New(width, height)
			if err!=nil { return nil, err }
			k.Set(col, row, 1.0)
			basis=append(basis, k)
		}
	}
	return basis, nil
}

// Generates the Alard-Lupton basis set: Gaussians of the given sigmas, each
// modified by all 2-D polynomial terms up to the matching degree. Kernels are
// (2*halfWidth+1) pixels square. The result is renormalized so that the first
// term sums to one and all others are zero-sum with unit inner product,
// concentrating the kernel sum in the spatially constant first term
func AlardLuptonBasis(halfWidth int32, sigGauss []float64, degGauss []int32) (BasisList, error) {
	if halfWidth<1 { return nil, errors.New("kernel: halfWidth must be positive") }
	if len(sigGauss)==0 || len(sigGauss)!=len(degGauss) {
		return nil, fmt.Errorf("kernel: %d sigmas vs %d degrees", len(sigGauss), len(degGauss))
	}
	fullWidth:=2*halfWidth+1

	basis:=BasisList{}
	for g:=range sigGauss {
		sig:=sigGauss[g]
		deg:=degGauss[g]
		if sig<=0 { return nil, fmt.Errorf("kernel: gaussian sigma %g must be positive", sig) }

		gauss:=make([]float64, fullWidth*fullWidth)
		norm:=0.0
		for y:=int32(0); y<fullWidth; y++ {
			v:=float64(y-halfWidth)
			for x:=int32(0); x<fullWidth; x++ {
				u:=float64(x-halfWidth)
				g:=math.Exp(-0.5*(u*u+v*v)/(sig*sig))
				gauss[y*fullWidth+x]=g
				norm+=g
			}
		}

		// one basis kernel per polynomial term; term 0 is the plain gaussian.
		// Polynomial terms are evaluated on [-1,1] across the kernel
		for _, term:=range polyTermPowers(deg) {
			k, err:=New(fullWidth, fullWidth)
			if err!=nil { return nil, err }
			for y:=int32(0); y<fullWidth; y++ {
				v:=float64(y-halfWidth)/float64(halfWidth)
				for x:=int32(0); x<fullWidth; x++ {
					u:=float64(x-halfWidth)/float64(halfWidth)
					p:=math.Pow(u, float64(term[0]))*math.Pow(v, float64(term[1]))
					k.Data[y*fullWidth+x]=gauss[y*fullWidth+x]/norm*p
				}
			}
			basis=append(basis, k)
		}
	}
	return renormalizeBasisList(basis)
}

// Rescales a basis list for kernel sum conservation: the first kernel is
// normalized to sum 1; every subsequent kernel is normalized to sum 1, has
// the first kernel subtracted (making it zero-sum), and is rescaled to unit
// inner product
func renormalizeBasisList(in BasisList) (BasisList, error) {
	if len(in)==0 { return in, nil }

	out:=make(BasisList, 0, len(in))
	first:=in[0].Copy()
	sum:=first.Sum()
	if sum==0 { return nil, errors.New("kernel: first basis kernel has zero sum") }
	first.Scale(1.0/sum)
	out=append(out, first)

	for _, k:=range in[1:] {
		img:=k.Copy()
		if s:=img.Sum(); s!=0 { img.Scale(1.0/s) }
		for i:=range img.Data { img.Data[i]-=first.Data[i] }

		inner:=0.0
		for _, v:=range img.Data { inner+=v*v }
		if inner>0 { img.Scale(1.0/math.Sqrt(inner)) }
		out=append(out, img)
	}
	return out, nil
}

// Enumerates the powers (i,j) of all terms x^i*y^j of a 2-D polynomial with
// the given total degree, in the order 1, x, y, x^2, xy, y^2, ...
func polyTermPowers(deg int32) [][2]int32 {
	terms:=[][2]int32{}
	for q:=int32(0); q<=deg; q++ {
		for j:=int32(0); j<=q; j++ {
			terms=append(terms, [2]int32{q-j, j})
		}
	}
	return terms
}
