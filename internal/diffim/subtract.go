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


package diffim

import (
	"fmt"
	"io"

	"github.com/DominiqueFouchez/ip-diffim/internal/detect"
	"github.com/DominiqueFouchez/ip-diffim/internal/fit"
	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
)

// Products of a full image subtraction
type Result struct {
	Diff          *fits.Image
	SpatialKernel *kernel.SpatialKernel
	Background    *kernel.Poly2
	NCandidates   int
	NGood         int
	NBad          int
}

// Runs the full PSF-matching subtraction pipeline on a co-registered
// template and science image pair: detect candidate footprints on the
// template, extract stamp pairs into spatial cells, fit the spatially
// varying kernel and background, and build the full-frame difference
// image science-minus-matched-template. Both images must carry variance
// planes
func Subtract(tmpl, sci *fits.Image, fitCfg *fit.Config, detCfg *detect.Config, logWriter io.Writer) (*Result, error) {
	if err:=fitCfg.Validate(); err!=nil { return nil, err }
	if tmpl.Variance==nil || sci.Variance==nil {
		return nil, fmt.Errorf("diffim: input images missing variance planes")
	}

	basis, err:=fitCfg.BasisList()
	if err!=nil { return nil, err }
	if detCfg.FpGrowPix<=0 {
		// stamps must comfortably contain the kernel footprint; default on
		// a copy, callers may share the config across requests
		grown:=*detCfg
		grown.FpGrowPix=basis[0].Width
		detCfg=&grown
	}

	cells, err:=BuildCandidateCells(tmpl, sci, fitCfg, detCfg, logWriter)
	if err!=nil { return nil, err }

	functor, err:=NewConfiguredFunctor(basis, fitCfg)
	if err!=nil { return nil, err }

	sk, bg, err:=fit.FitSpatialKernelFromCandidates(functor, cells, fitCfg, logWriter)
	if err!=nil { return nil, err }
	fit.LogCandidateQA(cells, logWriter)

	_, good, bad:=cells.CountStatus()
	centerK, _, err:=sk.RealizeAt(float64(tmpl.Width())/2, float64(tmpl.Height())/2)
	if err!=nil { return nil, err }
	fmt.Fprintf(logWriter, "spatial kernel sum at frame center %.4f, background %.4f\n",
		centerK.Sum(), bg.Eval(float64(tmpl.Width())/2, float64(tmpl.Height())/2))

	// difference is science minus kernel-matched template
	diff, err:=fit.ConvolveAndSubtract(tmpl, sci, sk, bg, true, fitCfg.MaxThreads)
	if err!=nil { return nil, err }

	return &Result{
		Diff:          diff,
		SpatialKernel: sk,
		Background:    bg,
		NCandidates:   good+bad,
		NGood:         good,
		NBad:          bad,
	}, nil
}

// Detects footprints and loads stamp pairs into a fresh cell set
func BuildCandidateCells(tmpl, sci *fits.Image, fitCfg *fit.Config, detCfg *detect.Config, logWriter io.Writer) (*fit.CellSet, error) {
	fps, err:=detect.FindCandidateFootprints(tmpl, sci, detCfg, logWriter)
	if err!=nil { return nil, err }

	cells, err:=fit.NewCellSet(tmpl.Width(), tmpl.Height(), fitCfg.SizeCellX, fitCfg.SizeCellY)
	if err!=nil { return nil, err }

	inserted:=0
	for _, fp:=range fps {
		tmplStamp, err:=tmpl.SubImage(fp.X0, fp.Y0, fp.Width(), fp.Height())
		if err!=nil { continue }
		sciStamp, err:=sci.SubImage(fp.X0, fp.Y0, fp.Width(), fp.Height())
		if err!=nil { continue }
		c, err:=fit.NewCandidate(fp.ID, fp.X, fp.Y, tmplStamp, sciStamp)
		if err!=nil {
			fmt.Fprintf(logWriter, "footprint %d at (%.1f,%.1f) skipped: %s\n", fp.ID, fp.X, fp.Y, err.Error())
			continue
		}
		if err:=cells.InsertCandidate(c); err!=nil {
			fmt.Fprintf(logWriter, "footprint %d at (%.1f,%.1f) skipped: %s\n", fp.ID, fp.X, fp.Y, err.Error())
			continue
		}
		inserted++
	}
	if inserted==0 {
		return nil, fmt.Errorf("diffim: no candidates could be extracted from %d footprints", len(fps))
	}
	fmt.Fprintf(logWriter, "%d kernel fit candidates in cells of %dx%d\n", inserted, fitCfg.SizeCellX, fitCfg.SizeCellY)
	return cells, nil
}

// Builds the single-kernel functor, regularized for the delta-function
// basis when configured
func NewConfiguredFunctor(basis kernel.BasisList, fitCfg *fit.Config) (*fit.Functor, error) {
	if !fitCfg.UseRegularization {
		return fit.NewFunctor(basis)
	}
	h, err:=kernel.FiniteDifferenceRegularization(fitCfg.KernelWidth, fitCfg.KernelHeight, fitCfg.RegularizationOrder)
	if err!=nil { return nil, err }
	return fit.NewRegularizedFunctor(basis, h, fitCfg.RegularizationScaling)
}
