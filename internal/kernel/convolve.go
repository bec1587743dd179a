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

// Half-open bounds of the region where a convolution with a kernel of the
// given geometry is fully determined by image data, with no edge effects
type Region struct {
	StartCol, StartRow int32 // first valid column/row
	EndCol, EndRow     int32 // one past the last valid column/row
}

func (r Region) Width() int32  { return r.EndCol-r.StartCol }
func (r Region) Height() int32 { return r.EndRow-r.StartRow }

// Returns the valid convolution region of a width x height image for the
// given kernel. Errors if the image is too small to contain any fully
// covered pixel
func ValidRegion(width, height int32, k *Kernel) (Region, error) {
	r:=Region{
		StartCol: k.CtrX,
		StartRow: k.CtrY,
		EndCol:   width-(k.Width-k.CtrX)+1,
		EndRow:   height-(k.Height-k.CtrY)+1,
	}
	if r.EndCol<=r.StartCol || r.EndRow<=r.StartRow {
		return Region{}, fmt.Errorf("kernel: image %dx%d smaller than %dx%d kernel footprint", width, height, k.Width, k.Height)
	}
	return r, nil
}

// Convolves image data with the kernel. The result has the same dimensions
// as the input; pixels outside the valid region are left zero. The output
// pixel at (x,y) correlates kernel weights with input pixels around the
// kernel center, so a delta-function kernel at the center is the identity
func Convolve(data []float32, width int32, k *Kernel) []float32 {
	height:=int32(len(data))/width
	res:=make([]float32, len(data))
	r, err:=ValidRegion(width, height, k)
	if err!=nil { return res }

	for y:=r.StartRow; y<r.EndRow; y++ {
		for x:=r.StartCol; x<r.EndCol; x++ {
			sum:=0.0
			for j:=int32(0); j<k.Height; j++ {
				row:=(y+j-k.CtrY)*width
				krow:=j*k.Width
				for i:=int32(0); i<k.Width; i++ {
					sum+=k.Data[krow+i]*float64(data[row+x+i-k.CtrX])
				}
			}
			res[y*width+x]=float32(sum)
		}
	}
	return res
}

// Convolves variance data with the squared kernel weights, propagating
// per-pixel variances through a convolution of independent pixels
func ConvolveVariance(variance []float32, width int32, k *Kernel) []float32 {
	k2:=k.Copy()
	for i, v:=range k2.Data { k2.Data[i]=v*v }
	return Convolve(variance, width, k2)
}
