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
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Write a grayscale FITS image to JPG, using the given min, max and gamma
func (f *Image) WriteMonoJPGToFile(fileName string, min, max, gamma float32, quality int) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteMonoJPG(writer, min, max, gamma, quality)
}

// Write a grayscale FITS image to JPG, using the given min, max and gamma
func (f *Image) WriteMonoJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	width, height:=int(f.Naxisn[0]), int(f.Naxisn[1])
	img:=image.NewGray(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale:=1.0/(max-min)
	gammaInv:=float64(1.0/gamma)
	for y:=0; y<height; y++ {
		yoffset:=y*width
		for x:=0; x<width; x++ {
			gray:=f.Data[yoffset+x]
			gray=(gray-min)*scale
			// replace NaNs with zeros for export, else JPG output breaks
			if math.IsNaN(float64(gray)) || gray<0 { gray=0 }
			if gray>1 { gray=1 }
			if gammaInv!=1.0 {
				gray=float32(math.Pow(float64(gray), gammaInv))
			}
			img.SetGray(x, y, color.Gray{uint8(gray*255)})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Write a signed FITS image (kernel stamp, difference image) to JPG with a
// blue-white-red diverging colormap centered on zero, scaled to the given
// absolute maximum. Useful for inspecting residual structure by eye
func (f *Image) WriteSignedJPGToFile(fileName string, maxAbs float32, quality int) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteSignedJPG(writer, maxAbs, quality)
}

var divergingNeg=colorful.Color{R: 0.230, G: 0.299, B: 0.754} // cool blue
var divergingMid=colorful.Color{R: 0.950, G: 0.950, B: 0.950} // near white
var divergingPos=colorful.Color{R: 0.706, G: 0.016, B: 0.150} // warm red

// Write a signed FITS image to JPG with a diverging colormap, see above
func (f *Image) WriteSignedJPG(writer io.Writer, maxAbs float32, quality int) error {
	if maxAbs<=0 {
		for _, d:=range f.Data {
			if a:=float32(math.Abs(float64(d))); a>maxAbs { maxAbs=a }
		}
		if maxAbs==0 { maxAbs=1 }
	}

	width, height:=int(f.Naxisn[0]), int(f.Naxisn[1])
	img:=image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	for y:=0; y<height; y++ {
		yoffset:=y*width
		for x:=0; x<width; x++ {
			v:=float64(f.Data[yoffset+x]/maxAbs)
			if math.IsNaN(v) { v=0 }
			if v< -1 { v=-1 }
			if v>1 { v=1 }
			var c colorful.Color
			if v<0 {
				c=divergingMid.BlendLab(divergingNeg, -v)
			} else {
				c=divergingMid.BlendLab(divergingPos, v)
			}
			r, g, b:=c.Clamped().RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}
