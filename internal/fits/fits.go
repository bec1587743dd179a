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
	"fmt"
	"strings"

	"github.com/DominiqueFouchez/ip-diffim/internal/stats"
)

// A monochrome FITS image with optional variance and bad-pixel mask planes.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i]
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i]
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	Data     []float32 // The image data
	Variance []float32 // Per-pixel variance, nil if unknown
	Mask     []bool    // Per-pixel bad flag, nil if all pixels are good

	Exposure float32 // Image exposure in seconds

	Stats *stats.BasicStats // Basic image statistics: min, mean, max
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil.
// naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels:=int32(1)
	for _, naxis:=range naxisn {
		numPixels*=naxis
	}
	if data==nil {
		data=make([]float32, numPixels)
	}
	return &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bzero:  0,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...), // clone slice
		Pixels: numPixels,
		Data:   data,
	}
}

// Creates a FITS image with the geometry and metadata of the given image.
// New data, variance and mask arrays are allocated as needed
func NewImageFromImage(img *Image) *Image {
	res:=NewImageFromNaxisn(img.Naxisn, nil)
	res.ID, res.FileName, res.Exposure=img.ID, img.FileName, img.Exposure
	res.Header=img.Header
	if img.Variance!=nil { res.Variance=make([]float32, img.Pixels) }
	if img.Mask!=nil     { res.Mask    =make([]bool,    img.Pixels) }
	return res
}

func (f *Image) Width() int32  { return f.Naxisn[0] }
func (f *Image) Height() int32 { return f.Naxisn[1] }

// Extracts the sub-image [x0,x0+width) x [y0,y0+height), deep copying all
// present planes. Errors if the region extends beyond the image
func (f *Image) SubImage(x0, y0, width, height int32) (*Image, error) {
	if x0<0 || y0<0 || width<1 || height<1 || x0+width>f.Width() || y0+height>f.Height() {
		return nil, fmt.Errorf("%d: sub-image [%d,%d)x[%d,%d) outside %s image",
			f.ID, x0, x0+width, y0, y0+height, f.DimensionsToString())
	}
	res:=NewImageFromNaxisn([]int32{width, height}, nil)
	res.ID, res.FileName, res.Exposure=f.ID, f.FileName, f.Exposure
	if f.Variance!=nil { res.Variance=make([]float32, res.Pixels) }
	if f.Mask!=nil     { res.Mask    =make([]bool,    res.Pixels) }
	for y:=int32(0); y<height; y++ {
		src :=(y0+y)*f.Width()+x0
		dest:=y*width
		copy(res.Data[dest:dest+width], f.Data[src:src+width])
		if f.Variance!=nil { copy(res.Variance[dest:dest+width], f.Variance[src:src+width]) }
		if f.Mask!=nil     { copy(res.Mask[dest:dest+width],     f.Mask[src:src+width]) }
	}
	return res, nil
}

// Fills the variance plane from a simple CCD noise model: photon noise of
// the pixel values over the given gain, plus squared read noise. Negative
// pixel values contribute no photon noise
func (f *Image) FillVarianceFromData(gain, readNoise float32) {
	if gain<=0 { gain=1 }
	f.Variance=make([]float32, f.Pixels)
	rn2:=readNoise*readNoise
	for i, d:=range f.Data {
		v:=rn2
		if d>0 { v+=d/gain }
		f.Variance[i]=v
	}
}

// Returns true if the mask flags any pixel of the image as bad
func (f *Image) HasMaskedPixels() bool {
	for _, m:=range f.Mask {
		if m { return true }
	}
	return false
}

func (f *Image) DimensionsToString() string {
	b:=strings.Builder{}
	for i, naxis:=range f.Naxisn {
		if i>0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}

// Equal tells whether a and b contain the same elements.
// A nil argument is equivalent to an empty slice.
func EqualInt32Slice(a, b []int32) bool {
	if len(a)!=len(b) { return false }
	for i, v:=range a {
		if v!=b[i] { return false }
	}
	return true
}
