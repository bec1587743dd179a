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
	"io"
	"math"
	"testing"

	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
)

// flat frame at 100 counts with a deterministic pseudo-noise pattern in
// [-3,3], giving a stable robust location and scale
func makeFrame(width, height int32) *fits.Image {
	img:=fits.NewImageFromNaxisn([]int32{width, height}, nil)
	for i:=range img.Data {
		img.Data[i]=100+float32((i*37)%7)-3
	}
	return img
}

// adds a gaussian source of the given peak amplitude and sigma 1.5
func addSource(img *fits.Image, cx, cy int32, amp float32) {
	width:=img.Width()
	for dy:=int32(-5); dy<=5; dy++ {
		for dx:=int32(-5); dx<=5; dx++ {
			r2:=float64(dx*dx+dy*dy)
			img.Data[(cy+dy)*width+cx+dx]+=amp*float32(math.Exp(-r2/(2*1.5*1.5)))
		}
	}
}

func detectTestConfig() *Config {
	cfg:=DefaultConfig()
	cfg.FpGrowPix=8
	cfg.MinCleanFp=3
	return cfg
}

func TestFindCandidateFootprints(t *testing.T) {
	tmpl:=makeFrame(128, 128)
	sci :=makeFrame(128, 128)
	centers:=[][2]int32{{32, 32}, {96, 40}, {48, 96}}
	for _, c:=range centers { addSource(tmpl, c[0], c[1], 500) }

	fps, err:=FindCandidateFootprints(tmpl, sci, detectTestConfig(), io.Discard)
	if err!=nil { t.Fatalf("detect: %s", err.Error()) }
	if len(fps)!=len(centers) { t.Fatalf("found %d footprints; want %d", len(fps), len(centers)) }

	for i, fp:=range fps {
		// footprints come out in raster order, matching none of the
		// centers is the failure mode we care about
		matched:=false
		for _, c:=range centers {
			if math.Abs(float64(fp.X)-float64(c[0]))<1.0 && math.Abs(float64(fp.Y)-float64(c[1]))<1.0 {
				matched=true
				break
			}
		}
		if !matched { t.Errorf("footprint %d centroid (%.1f,%.1f) matches no source", i, fp.X, fp.Y) }
		if fp.NPix<5 { t.Errorf("footprint %d has %d pixels", i, fp.NPix) }
		if fp.X0<0 || fp.Y0<0 || fp.X1>128 || fp.Y1>128 {
			t.Errorf("footprint %d box [%d,%d)x[%d,%d) outside frame", i, fp.X0, fp.X1, fp.Y0, fp.Y1)
		}
		if fp.Width()<17 || fp.Height()<17 {
			t.Errorf("footprint %d box %dx%d smaller than grown kernel region", i, fp.Width(), fp.Height())
		}
		if fp.ID!=i { t.Errorf("footprint %d has id %d", i, fp.ID) }
	}
}

func TestThresholdScalesDownForFaintSources(t *testing.T) {
	tmpl:=makeFrame(128, 128)
	sci :=makeFrame(128, 128)
	// too faint for the initial 10 sigma threshold
	addSource(tmpl, 64, 64, 20)

	fps, err:=FindCandidateFootprints(tmpl, sci, detectTestConfig(), io.Discard)
	if err!=nil { t.Fatalf("detect: %s", err.Error()) }
	if len(fps)!=1 { t.Fatalf("found %d footprints; want 1", len(fps)) }
	if math.Abs(float64(fps[0].X)-64)>1.0 || math.Abs(float64(fps[0].Y)-64)>1.0 {
		t.Errorf("centroid (%.1f,%.1f); want (64,64)", fps[0].X, fps[0].Y)
	}
}

func TestMaxFootprintsCapsDetections(t *testing.T) {
	tmpl:=makeFrame(128, 128)
	sci :=makeFrame(128, 128)
	for _, y:=range []int32{32, 64, 96} {
		for _, x:=range []int32{32, 64, 96} { addSource(tmpl, x, y, 500) }
	}

	cfg:=detectTestConfig()
	cfg.MaxFootprints=4
	fps, err:=FindCandidateFootprints(tmpl, sci, cfg, io.Discard)
	if err!=nil { t.Fatalf("detect: %s", err.Error()) }
	if len(fps)!=4 { t.Errorf("found %d footprints; want cap of 4", len(fps)) }
}

func TestMaskedFootprintsDropped(t *testing.T) {
	tmpl:=makeFrame(128, 128)
	sci :=makeFrame(128, 128)
	centers:=[][2]int32{{32, 32}, {96, 96}}
	for _, c:=range centers { addSource(tmpl, c[0], c[1], 500) }

	// a bad pixel in the science image within the first grown box
	sci.Mask=make([]bool, sci.Pixels)
	sci.Mask[30*128+30]=true

	cfg:=detectTestConfig()
	cfg.MinCleanFp=1
	fps, err:=FindCandidateFootprints(tmpl, sci, cfg, io.Discard)
	if err!=nil { t.Fatalf("detect: %s", err.Error()) }
	if len(fps)!=1 { t.Fatalf("found %d footprints; want 1", len(fps)) }
	if math.Abs(float64(fps[0].X)-96)>1.0 { t.Errorf("surviving footprint at (%.1f,%.1f); want (96,96)", fps[0].X, fps[0].Y) }
}

func TestDetectDimensionMismatch(t *testing.T) {
	tmpl:=makeFrame(128, 128)
	sci :=makeFrame(64, 64)
	if _, err:=FindCandidateFootprints(tmpl, sci, detectTestConfig(), io.Discard); err==nil {
		t.Errorf("mismatched dimensions accepted")
	}
}

func TestDetectNoSources(t *testing.T) {
	tmpl:=fits.NewImageFromNaxisn([]int32{64, 64}, nil)
	sci :=fits.NewImageFromNaxisn([]int32{64, 64}, nil)
	for i:=range tmpl.Data { tmpl.Data[i]=100 }
	copy(sci.Data, tmpl.Data)

	if _, err:=FindCandidateFootprints(tmpl, sci, detectTestConfig(), io.Discard); err==nil {
		t.Errorf("flat frame produced footprints")
	}
}
