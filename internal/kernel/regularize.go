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

	"gonum.org/v1/gonum/mat"
)

// Builds the Tikhonov regularization matrix H = B^T B for a delta-function
// basis of the given kernel dimensions, penalizing finite differences of the
// kernel surface up to the given derivative order (0, 1 or 2). Differences
// are forward differences without wraparound. H is sized width*height+1 to
// cover the trailing background term, which is left unpenalized
func FiniteDifferenceRegularization(width, height, order int32) (*mat.Dense, error) {
	if width<1 || height<1 {
		return nil, fmt.Errorf("kernel: dimensions %dx%d must be positive", width, height)
	}
	if order<0 || order>2 {
		return nil, fmt.Errorf("kernel: unsupported regularization order %d", order)
	}
	n:=int(width*height)

	// difference operator rows, one stencil per applicable pixel
	rows:=[][]float64{}
	addStencil:=func(idxs []int, weights []float64) {
		row:=make([]float64, n)
		for i, idx:=range idxs { row[idx]=weights[i] }
		rows=append(rows, row)
	}
	idx:=func(x, y int32) int { return int(y*width+x) }

	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			switch order {
			case 0:
				addStencil([]int{idx(x,y)}, []float64{1})
			case 1:
				if x+1<width  { addStencil([]int{idx(x,y), idx(x+1,y)}, []float64{-1, 1}) }
				if y+1<height { addStencil([]int{idx(x,y), idx(x,y+1)}, []float64{-1, 1}) }
			case 2:
				if x+2<width  { addStencil([]int{idx(x,y), idx(x+1,y), idx(x+2,y)}, []float64{1, -2, 1}) }
				if y+2<height { addStencil([]int{idx(x,y), idx(x,y+1), idx(x,y+2)}, []float64{1, -2, 1}) }
				if x+1<width && y+1<height {
					addStencil([]int{idx(x,y), idx(x+1,y), idx(x,y+1), idx(x+1,y+1)}, []float64{1, -1, -1, 1})
				}
			}
		}
	}

	b:=mat.NewDense(len(rows), n+1, nil)
	for r, row:=range rows {
		for c, v:=range row {
			if v!=0 { b.Set(r, c, v) }
		}
	}
	h:=mat.NewDense(n+1, n+1, nil)
	h.Mul(b.T(), b)
	return h, nil
}
