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


package detect

import (
	"fmt"
	"io"

	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
	"github.com/DominiqueFouchez/ip-diffim/internal/stats"
)

// Detection tuning for kernel fit candidates
type Config struct {
	DetThreshold        float32 `json:"detThreshold"`        // detection threshold in sigmas above background
	DetThresholdMin     float32 `json:"detThresholdMin"`     // lowest threshold to scale down to
	DetThresholdScaling float32 `json:"detThresholdScaling"` // threshold multiplier per retry, <1
	FpNpixMin           int     `json:"fpNpixMin"`           // minimum footprint pixels above threshold
	FpNpixMax           int     `json:"fpNpixMax"`           // maximum footprint pixels, rejects extended sources
	FpGrowPix           int32   `json:"fpGrowPix"`           // bounding box growth in pixels, from kernel size
	MinCleanFp          int     `json:"minCleanFp"`          // target number of clean footprints
	MaxFootprints       int     `json:"maxFootprints"`       // cap on footprints kept, 0=unlimited
}

func DefaultConfig() *Config {
	return &Config{
		DetThreshold:        10.0,
		DetThresholdMin:     3.0,
		DetThresholdScaling: 0.75,
		FpNpixMin:           5,
		FpNpixMax:           500,
		FpGrowPix:           20,
		MinCleanFp:          10,
		MaxFootprints:       0,
	}
}

// A clean detection footprint: a grown bounding box around an isolated
// source, suitable for extracting kernel fit stamps
type Footprint struct {
	ID     int
	X, Y   float32 // flux-weighted centroid in image coordinates
	X0, Y0 int32   // grown bounding box, inclusive min corner
	X1, Y1 int32   // grown bounding box, exclusive max corner
	NPix   int     // pixels above threshold before growth
}

func (fp *Footprint) Width() int32  { return fp.X1-fp.X0 }
func (fp *Footprint) Height() int32 { return fp.Y1-fp.Y0 }

// Finds candidate footprints for PSF-matching kernel fits on the template
// image. Detects connected regions above a sigma threshold, rejects too
// small or too large ones, grows the bounding boxes by the kernel size, and
// drops footprints that leave the frame or touch masked pixels in either
// image. If fewer than MinCleanFp clean footprints are found, the threshold
// is scaled down and detection retried
func FindCandidateFootprints(tmpl, sci *fits.Image, cfg *Config, logWriter io.Writer) ([]Footprint, error) {
	if !fits.EqualInt32Slice(tmpl.Naxisn, sci.Naxisn) {
		return nil, fmt.Errorf("detect: image dimensions %s vs %s", tmpl.DimensionsToString(), sci.DimensionsToString())
	}

	st:=stats.CalcExtendedStats(tmpl.Data)
	sigma:=cfg.DetThreshold
	for {
		threshold:=st.Location+sigma*st.Scale
		fps:=detectAboveThreshold(tmpl, sci, cfg, threshold)
		fmt.Fprintf(logWriter, "detection threshold %.1f sigma (%.2f): %d clean footprints\n", sigma, threshold, len(fps))
		if len(fps)>=cfg.MinCleanFp {
			return fps, nil
		}
		next:=sigma*cfg.DetThresholdScaling
		if next<cfg.DetThresholdMin || next>=sigma {
			if len(fps)==0 {
				return nil, fmt.Errorf("detect: no clean footprints down to %.1f sigma", sigma)
			}
			return fps, nil
		}
		sigma=next
	}
}

// One detection pass at a fixed threshold
func detectAboveThreshold(tmpl, sci *fits.Image, cfg *Config, threshold float32) []Footprint {
	width, height:=tmpl.Width(), tmpl.Height()
	visited:=make([]bool, tmpl.Pixels)
	fps:=[]Footprint{}

	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			if cfg.MaxFootprints>0 && len(fps)>=cfg.MaxFootprints { return fps }
			i:=y*width+x
			if visited[i] || tmpl.Data[i]<threshold { continue }

			fp, ok:=growComponent(tmpl, x, y, threshold, visited)
			if !ok || fp.NPix<cfg.FpNpixMin || fp.NPix>cfg.FpNpixMax { continue }

			// grow the bounding box by the kernel footprint
			fp.X0-=cfg.FpGrowPix
			fp.Y0-=cfg.FpGrowPix
			fp.X1+=cfg.FpGrowPix
			fp.Y1+=cfg.FpGrowPix
			if fp.X0<0 || fp.Y0<0 || fp.X1>width || fp.Y1>height { continue }
			if regionMasked(tmpl, &fp) || regionMasked(sci, &fp) { continue }

			fp.ID=len(fps)
			fps=append(fps, fp)
		}
	}
	return fps
}

// Flood fills the 8-connected component above threshold starting at (x,y),
// accumulating the bounding box and flux-weighted centroid
func growComponent(img *fits.Image, x, y int32, threshold float32, visited []bool) (Footprint, bool) {
	width, height:=img.Width(), img.Height()
	fp:=Footprint{X0: x, Y0: y, X1: x+1, Y1: y+1}
	sumFlux, sumX, sumY:=float64(0), float64(0), float64(0)

	stack:=[][2]int32{{x, y}}
	visited[y*width+x]=true
	for len(stack)>0 {
		p:=stack[len(stack)-1]
		stack=stack[:len(stack)-1]
		px, py:=p[0], p[1]
		v:=float64(img.Data[py*width+px])

		fp.NPix++
		sumFlux+=v
		sumX+=v*float64(px)
		sumY+=v*float64(py)
		if px<fp.X0 { fp.X0=px }
		if py<fp.Y0 { fp.Y0=py }
		if px+1>fp.X1 { fp.X1=px+1 }
		if py+1>fp.Y1 { fp.Y1=py+1 }

		for dy:=int32(-1); dy<=1; dy++ {
			for dx:=int32(-1); dx<=1; dx++ {
				nx, ny:=px+dx, py+dy
				if nx<0 || ny<0 || nx>=width || ny>=height { continue }
				ni:=ny*width+nx
				if visited[ni] || img.Data[ni]<threshold { continue }
				visited[ni]=true
				stack=append(stack, [2]int32{nx, ny})
			}
		}
	}
	if sumFlux<=0 { return fp, false }
	fp.X=float32(sumX/sumFlux)
	fp.Y=float32(sumY/sumFlux)
	return fp, true
}

// Returns true if the image masks any pixel within the footprint box
func regionMasked(img *fits.Image, fp *Footprint) bool {
	if img.Mask==nil { return false }
	width:=img.Width()
	for y:=fp.Y0; y<fp.Y1; y++ {
		for x:=fp.X0; x<fp.X1; x++ {
			if img.Mask[y*width+x] { return true }
		}
	}
	return false
}
