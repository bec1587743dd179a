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


package fit

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
)

// Fits the spatially varying PSF-matching kernel and differential background
// from the candidates in the cell set. Each iteration completes the
// independent per-candidate fits, clips candidates with outlier kernel sums,
// optionally re-bases onto principal components of the fitted kernels,
// solves the global spatial system, and scores every candidate against the
// spatial model. Iteration stops when no candidate is rejected by the
// spatial model or after MaxSpatialIterations
func FitSpatialKernelFromCandidates(f *Functor, cells *CellSet, cfg *Config, logWriter io.Writer) (*kernel.SpatialKernel, *kernel.Poly2, error) {
	singleFitter:=NewBuildSingleKernelVisitor(f, cfg, logWriter)
	kSumVisitor:=NewKernelSumVisitor(cfg, logWriter)

	var sk *kernel.SpatialKernel
	var bg *kernel.Poly2
	for iter:=0; iter<cfg.MaxSpatialIterations; iter++ {
		if err:=buildSingleKernels(cells, singleFitter, cfg); err!=nil { return nil, nil, err }

		if cfg.KernelSumClipping {
			if err:=clipKernelSums(cells, singleFitter, kSumVisitor, cfg); err!=nil { return nil, nil, err }
		}

		spatialBasis:=f.BasisList()
		if cfg.UsePcaForSpatialKernel {
			var err error
			spatialBasis, err=rebaseOntoPca(cells, cfg, logWriter)
			if err!=nil { return nil, nil, err }
		}

		spatialFitter, err:=NewBuildSpatialKernelVisitor(spatialBasis, cfg, logWriter)
		if err!=nil { return nil, nil, err }
		if err:=cells.VisitCandidates(spatialFitter, cfg.NStarPerCell); err!=nil { return nil, nil, err }
		if err:=spatialFitter.SolveLinearEquation(); err!=nil { return nil, nil, err }
		sk, bg, err=spatialFitter.SpatialModel()
		if err!=nil { return nil, nil, err }

		assessor:=NewAssessSpatialKernelVisitor(sk, bg, cfg, logWriter)
		assessor.Reset()
		if err:=cells.VisitCandidates(assessor, cfg.NStarPerCell); err!=nil { return nil, nil, err }
		fmt.Fprintf(logWriter, "spatial iteration %d: %d parameters from %d candidates, %d good, %d rejected\n",
			iter+1, spatialFitter.NParameters(), spatialFitter.NProcessed(), assessor.NGood(), assessor.NRejected())
		if assessor.NRejected()==0 { break }
	}
	return sk, bg, nil
}

// Completes the per-candidate kernel fits, revisiting the cells until no
// further rejections occur so every cell falls back to its next ranked
// candidate. Candidates are independent and fitted concurrently
func buildSingleKernels(cells *CellSet, v *BuildSingleKernelVisitor, cfg *Config) error {
	for {
		v.Reset()
		cands:=cells.ActiveCandidates(cfg.NStarPerCell)
		if len(cands)==0 {
			return fmt.Errorf("fit: no usable candidates remain")
		}
		if err:=processConcurrently(cands, v, cfg.MaxThreads); err!=nil { return err }
		if v.NRejected()==0 { return nil }
	}
}

// Fans candidate fits out to a bounded number of goroutines, each running
// a worker clone of the visitor, and waits for all of them
func processConcurrently(cands []*Candidate, v *BuildSingleKernelVisitor, maxThreads int) error {
	numThreads:=maxThreads
	if numThreads<=0 { numThreads=runtime.NumCPU() }

	limiter:=make(chan bool, numThreads)
	var mu sync.Mutex
	var firstErr error
	for _, c:=range cands {
		limiter<-true
		go func(c *Candidate) {
			defer func() { <-limiter }()
			w:=v.CloneForWorker()
			if err:=w.ProcessCandidate(c); err!=nil {
				mu.Lock()
				if firstErr==nil { firstErr=err }
				mu.Unlock()
			}
		}(c)
	}
	for i:=0; i<cap(limiter); i++ { limiter<-true }
	return firstErr
}

// Rejects candidates whose kernel sum is inconsistent with the clipped
// field distribution, then rebuilds cell fallbacks and re-checks once
func clipKernelSums(cells *CellSet, singleFitter *BuildSingleKernelVisitor, v *KernelSumVisitor, cfg *Config) error {
	for pass:=0; pass<2; pass++ {
		v.Reset()
		if err:=cells.VisitCandidates(v, cfg.NStarPerCell); err!=nil { return err }
		if err:=v.ProcessKsumDistribution(); err!=nil { return err }
		v.Mode=KSumReject
		if err:=cells.VisitCandidates(v, cfg.NStarPerCell); err!=nil { return err }
		if v.NRejected()==0 { return nil }
		if err:=buildSingleKernels(cells, singleFitter, cfg); err!=nil { return err }
	}
	return nil
}

// Replaces the fitting basis with the mean kernel and leading principal
// components of the current per-candidate kernels, and refreshes every
// candidate's normal equations against that basis without overwriting the
// per-candidate kernels
func rebaseOntoPca(cells *CellSet, cfg *Config, logWriter io.Writer) (kernel.BasisList, error) {
	// ensemble of the current kernels
	var dims *kernel.Kernel
	for _, c:=range cells.ActiveCandidates(cfg.NStarPerCell) {
		if k, _, err:=c.Kernel(); err==nil { dims=k; break }
	}
	if dims==nil { return nil, fmt.Errorf("fit: no fitted kernels available for pca") }

	pca:=NewKernelPca(dims.Width, dims.Height)
	pcaVisitor:=NewKernelPcaVisitor(pca)
	pcaVisitor.Reset()
	if err:=cells.VisitCandidates(pcaVisitor, cfg.NStarPerCell); err!=nil { return nil, err }
	if err:=pca.SubtractMean(); err!=nil { return nil, err }
	if err:=pca.Analyze(); err!=nil { return nil, err }

	basis, err:=pca.EigenKernels(cfg.NEigenComponents)
	if err!=nil { return nil, err }
	fmt.Fprintf(logWriter, "pca basis of %d kernels from %d candidates, eigenvalues %v\n",
		len(basis), pcaVisitor.NProcessed(), pca.EigenValues())

	// refresh candidate normal equations against the eigen basis
	pcaFunctor, err:=NewFunctor(basis)
	if err!=nil { return nil, err }
	refitter:=NewBuildSingleKernelVisitor(pcaFunctor, cfg, logWriter)
	refitter.SkipBuilt=false
	refitter.SetCandidateKernel=false
	if err:=buildSingleKernels(cells, refitter, cfg); err!=nil { return nil, err }
	return basis, nil
}

// Builds the full-frame difference image convolve(template, kernel(x,y)) +
// background(x,y) - science. The spatially varying convolution is computed
// exactly by convolving once per basis kernel and combining per pixel with
// the spatial polynomials. Variance is propagated with the kernel realized
// at the frame center; edge pixels outside the valid region are masked.
// invert flips the sign of the difference
func ConvolveAndSubtract(toConvolve, toNotConvolve *fits.Image, sk *kernel.SpatialKernel, bg *kernel.Poly2, invert bool, maxThreads int) (*fits.Image, error) {
	if !fits.EqualInt32Slice(toConvolve.Naxisn, toNotConvolve.Naxisn) {
		return nil, fmt.Errorf("fit: image dimensions %s vs %s", toConvolve.DimensionsToString(), toNotConvolve.DimensionsToString())
	}
	width, height:=toConvolve.Width(), toConvolve.Height()
	region, err:=kernel.ValidRegion(width, height, sk.Basis[0])
	if err!=nil { return nil, err }

	// per-basis convolutions are independent, run them concurrently
	numThreads:=maxThreads
	if numThreads<=0 { numThreads=runtime.NumCPU() }
	convs:=make([][]float32, len(sk.Basis))
	limiter:=make(chan bool, numThreads)
	for i, k:=range sk.Basis {
		limiter<-true
		go func(i int, k *kernel.Kernel) {
			defer func() { <-limiter }()
			convs[i]=kernel.Convolve(toConvolve.Data, width, k)
		}(i, k)
	}
	for i:=0; i<cap(limiter); i++ { limiter<-true }

	diff:=fits.NewImageFromImage(toNotConvolve)
	if diff.Variance==nil { diff.Variance=make([]float32, diff.Pixels) }
	diff.Mask=make([]bool, diff.Pixels)

	var convVar []float32
	if toConvolve.Variance!=nil {
		centerK, _, err:=sk.RealizeAt(float64(width)/2, float64(height)/2)
		if err!=nil { return nil, err }
		convVar=kernel.ConvolveVariance(toConvolve.Variance, width, centerK)
	}

	sign:=float32(1)
	if invert { sign=-1 }
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			i:=y*width+x
			if x<region.StartCol || x>=region.EndCol || y<region.StartRow || y>=region.EndRow {
				diff.Mask[i]=true
				continue
			}
			fx, fy:=float64(x), float64(y)
			sum:=bg.Eval(fx, fy)
			for b, p:=range sk.Polys {
				sum+=p.Eval(fx, fy)*float64(convs[b][i])
			}
			diff.Data[i]=sign*(float32(sum)-toNotConvolve.Data[i])
			v:=float32(0)
			if toNotConvolve.Variance!=nil { v=toNotConvolve.Variance[i] }
			if convVar!=nil { v+=convVar[i] }
			diff.Variance[i]=v
		}
	}
	return diff, nil
}

// Writes a per-candidate diagnostics table to the log after fitting
func LogCandidateQA(cells *CellSet, logWriter io.Writer) {
	fmt.Fprintf(logWriter, "%4s %8s %8s %9s %10s %9s %-7s\n", "id", "x", "y", "ksum", "background", "chi2", "status")
	for _, c:=range cells.Candidates() {
		fmt.Fprintf(logWriter, "%4d %8.1f %8.1f %9.4f %10.4f %9.4f %-7s\n",
			c.ID, c.X, c.Y, c.KSum(), c.Background(), c.Chi2(), c.Status())
	}
}
