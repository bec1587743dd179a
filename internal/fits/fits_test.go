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


package fits

import (
	"io"
	"math"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{5, 4}, nil)
	for i:=range img.Data { img.Data[i]=float32(i)*0.5-3 }
	img.Data[7]=float32(math.NaN())

	fileName:=filepath.Join(t.TempDir(), "roundtrip.fits")
	if err:=img.WriteFile(fileName); err!=nil { t.Fatalf("write: %s", err.Error()) }

	res, err:=NewImageFromFile(fileName, 1, io.Discard)
	if err!=nil { t.Fatalf("read: %s", err.Error()) }
	if !EqualInt32Slice(res.Naxisn, img.Naxisn) {
		t.Fatalf("dimensions %v; want %v", res.Naxisn, img.Naxisn)
	}
	if res.Pixels!=img.Pixels { t.Fatalf("pixels %d; want %d", res.Pixels, img.Pixels) }
	if res.Bitpix!=-32 { t.Errorf("bitpix %d; want -32", res.Bitpix) }
	for i, v:=range res.Data {
		want:=img.Data[i]
		if i==7 { want=0 } // NaNs are replaced on write
		if v!=want { t.Errorf("pixel %d=%f; want %f", i, v, want) }
	}
}

func TestSubImage(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{6, 5}, nil)
	for i:=range img.Data { img.Data[i]=float32(i) }
	img.Variance=make([]float32, img.Pixels)
	for i:=range img.Variance { img.Variance[i]=float32(i)+100 }

	sub, err:=img.SubImage(2, 1, 3, 2)
	if err!=nil { t.Fatalf("sub-image: %s", err.Error()) }
	if sub.Width()!=3 || sub.Height()!=2 { t.Fatalf("dimensions %s; want 3x2", sub.DimensionsToString()) }
	for y:=int32(0); y<2; y++ {
		for x:=int32(0); x<3; x++ {
			want:=float32((y+1)*6+(x+2))
			if got:=sub.Data[y*3+x]; got!=want { t.Errorf("pixel (%d,%d)=%f; want %f", x, y, got, want) }
			if got:=sub.Variance[y*3+x]; got!=want+100 { t.Errorf("variance (%d,%d)=%f; want %f", x, y, got, want+100) }
		}
	}

	// deep copy, mutations must not leak back
	sub.Data[0]=-1
	if img.Data[1*6+2]==-1 { t.Errorf("sub-image shares data with parent") }

	if _, err:=img.SubImage(4, 0, 3, 2); err==nil { t.Errorf("out-of-bounds sub-image accepted") }
	if _, err:=img.SubImage(-1, 0, 3, 2); err==nil { t.Errorf("negative origin accepted") }
}

func TestFillVarianceFromData(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{3, 1}, []float32{8, -4, 0})
	img.FillVarianceFromData(2, 3)

	// v = readNoise^2 + max(data,0)/gain
	wants:=[]float32{9+4, 9, 9}
	for i, want:=range wants {
		if got:=img.Variance[i]; got!=want { t.Errorf("variance %d=%f; want %f", i, got, want) }
	}
}
