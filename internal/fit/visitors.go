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
	"math"
	"sync"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
	"github.com/DominiqueFouchez/ip-diffim/internal/stats"
)

// Fits a PSF-matching kernel to each candidate independently. Per-candidate
// failures mark the candidate BAD and never abort the pass. With skipBuilt,
// candidates that already carry a kernel are left untouched, so repeated
// passes only fill in cell fallbacks after rejections. With setCandidateKernel
// off, the fit only refreshes the stored normal equations, which lets a
// refit against a new basis keep the original per-candidate kernels
type BuildSingleKernelVisitor struct {
	functor   *Functor
	cfg       *Config
	logWriter io.Writer

	SkipBuilt          bool
	SetCandidateKernel bool

	counters *skCounters // shared between worker clones
}

// Shared counters of a single-kernel visitation pass; the mutex also
// serializes log output from concurrent workers
type skCounters struct {
	mu         sync.Mutex
	nProcessed int
	nRejected  int
}

func NewBuildSingleKernelVisitor(f *Functor, cfg *Config, logWriter io.Writer) *BuildSingleKernelVisitor {
	return &BuildSingleKernelVisitor{
		functor:            f,
		cfg:                cfg,
		logWriter:          logWriter,
		SkipBuilt:          true,
		SetCandidateKernel: true,
		counters:           &skCounters{},
	}
}

// Returns a visitor sharing configuration and counters with the receiver
// but running on its own functor, for concurrent candidate fits
func (v *BuildSingleKernelVisitor) CloneForWorker() *BuildSingleKernelVisitor {
	return &BuildSingleKernelVisitor{
		functor:            v.functor.Clone(),
		cfg:                v.cfg,
		logWriter:          v.logWriter,
		SkipBuilt:          v.SkipBuilt,
		SetCandidateKernel: v.SetCandidateKernel,
		counters:           v.counters,
	}
}

func (v *BuildSingleKernelVisitor) Reset() {
	v.counters.mu.Lock()
	defer v.counters.mu.Unlock()
	v.counters.nProcessed, v.counters.nRejected=0, 0
}

func (v *BuildSingleKernelVisitor) NProcessed() int {
	v.counters.mu.Lock(); defer v.counters.mu.Unlock()
	return v.counters.nProcessed
}

func (v *BuildSingleKernelVisitor) NRejected() int {
	v.counters.mu.Lock(); defer v.counters.mu.Unlock()
	return v.counters.nRejected
}

func (v *BuildSingleKernelVisitor) reject(c *Candidate, reason string) {
	c.SetStatus(StatusBad)
	v.counters.mu.Lock()
	v.counters.nRejected++
	fmt.Fprintf(v.logWriter, "candidate %d at (%.1f,%.1f) rejected: %s\n", c.ID, c.X, c.Y, reason)
	v.counters.mu.Unlock()
}

func (v *BuildSingleKernelVisitor) ProcessCandidate(c *Candidate) error {
	if v.SkipBuilt && c.HasKernel() { return nil }
	v.counters.mu.Lock()
	v.counters.nProcessed++
	v.counters.mu.Unlock()

	width:=c.ToConvolve.Width()
	variance:=v.varianceEstimate(c)

	if err:=v.functor.Apply(c.ToConvolve.Data, c.ToNotConvolve.Data, variance, width); err!=nil {
		v.reject(c, err.Error())
		return nil
	}
	k, bg, err:=v.functor.Kernel()
	if err!=nil {
		v.reject(c, err.Error())
		return nil
	}

	// refine the weights with the variance of the model difference image
	if !v.cfg.ConstantVarianceWeighting {
		for i:=0; i<v.cfg.IterateSingleKernel; i++ {
			diff, derr:=c.DifferenceImage(k, bg, false)
			if derr!=nil { break }
			if err:=v.functor.Apply(c.ToConvolve.Data, c.ToNotConvolve.Data, diff.Variance, width); err!=nil { break }
			if k2, bg2, kerr:=v.functor.Kernel(); kerr==nil { k, bg=k2, bg2 } else { break }
		}
	}

	if v.SetCandidateKernel {
		c.SetKernel(k, bg)
	}
	m, b, err:=v.functor.GetAndClearMB()
	if err!=nil {
		v.reject(c, err.Error())
		return nil
	}
	if err:=c.SetMB(m, b); err!=nil {
		v.reject(c, err.Error())
		return nil
	}

	diff, err:=c.DifferenceImage(k, bg, false)
	if err!=nil {
		v.reject(c, err.Error())
		return nil
	}
	rstats, err:=stats.CalcResidualStats(diff.Data, diff.Variance)
	if err!=nil {
		v.reject(c, err.Error())
		return nil
	}
	c.SetChi2(rstats.Chi2())

	if math.IsNaN(rstats.Mean) || math.IsNaN(rstats.RMS) {
		v.reject(c, "non-finite residual statistics")
		return nil
	}
	if v.cfg.SingleKernelClipping {
		if math.Abs(rstats.Mean)>v.cfg.CandidateResidualMeanMax {
			v.reject(c, fmt.Sprintf("residual mean %.3f beyond %.3f", rstats.Mean, v.cfg.CandidateResidualMeanMax))
			return nil
		}
		if rstats.RMS>v.cfg.CandidateResidualStdMax {
			v.reject(c, fmt.Sprintf("residual rms %.3f beyond %.3f", rstats.RMS, v.cfg.CandidateResidualStdMax))
			return nil
		}
	}
	c.SetStatus(StatusGood)
	return nil
}

// Initial per-pixel weights: unit weights, or the variance of the straight
// stamp difference, i.e. the summed template and science variance planes
func (v *BuildSingleKernelVisitor) varianceEstimate(c *Candidate) []float32 {
	variance:=make([]float32, c.ToConvolve.Pixels)
	if v.cfg.ConstantVarianceWeighting {
		for i:=range variance { variance[i]=1 }
		return variance
	}
	for i:=range variance {
		variance[i]=c.ToConvolve.Variance[i]+c.ToNotConvolve.Variance[i]
	}
	return variance
}

// Kernel sum visitation modes
type KernelSumMode int

const (
	KSumAggregate KernelSumMode = iota // collect kernel sums
	KSumReject                         // reject outliers against the distribution
)

// Enforces kernel sum consistency across the field: a first AGGREGATE pass
// collects per-candidate kernel sums, ProcessKsumDistribution derives a
// sigma-clipped mean and rejection threshold, and a second REJECT pass marks
// outliers BAD. Variable sums usually mean non-photometric conditions or
// contaminated candidates
type KernelSumVisitor struct {
	cfg       *Config
	logWriter io.Writer

	Mode KernelSumMode

	kSums     []float64
	kSumMean  float64
	kSumStd   float64
	kSumNpts  int
	dKSumMax  float64
	nRejected int
}

func NewKernelSumVisitor(cfg *Config, logWriter io.Writer) *KernelSumVisitor {
	return &KernelSumVisitor{cfg: cfg, logWriter: logWriter, dKSumMax: math.Inf(1)}
}

func (v *KernelSumVisitor) Reset() {
	v.Mode=KSumAggregate
	v.kSums=v.kSums[:0]
	v.kSumMean, v.kSumStd, v.kSumNpts=0, 0, 0
	v.dKSumMax=math.Inf(1)
	v.nRejected=0
}

func (v *KernelSumVisitor) NRejected() int                         { return v.nRejected }
func (v *KernelSumVisitor) KSumStats() (mean, std float64, n int)  { return v.kSumMean, v.kSumStd, v.kSumNpts }

func (v *KernelSumVisitor) ProcessCandidate(c *Candidate) error {
	if !c.HasKernel() { return nil }
	switch v.Mode {
	case KSumAggregate:
		v.kSums=append(v.kSums, c.KSum())
	case KSumReject:
		if math.Abs(c.KSum()-v.kSumMean)>v.dKSumMax {
			c.SetStatus(StatusBad)
			v.nRejected++
			fmt.Fprintf(v.logWriter, "candidate %d at (%.1f,%.1f) rejected: kernel sum %.3f vs %.3f +- %.3f\n",
				c.ID, c.X, c.Y, c.KSum(), v.kSumMean, v.dKSumMax)
		}
	}
	return nil
}

// Derives the sigma-clipped kernel sum distribution and the rejection
// threshold maxKsumSigma times its clipped standard deviation
func (v *KernelSumVisitor) ProcessKsumDistribution() error {
	if len(v.kSums)==0 {
		return fmt.Errorf("fit: no kernel sums aggregated")
	}
	v.kSumMean, v.kSumStd, v.kSumNpts=stats.SigmaClippedMeanStdDev(v.kSums, 3.0)
	if v.kSumStd>0 {
		v.dKSumMax=v.cfg.MaxKsumSigma*v.kSumStd
	} else {
		// degenerate distribution, nothing to reject against
		v.dKSumMax=math.Inf(1)
	}
	fmt.Fprintf(v.logWriter, "kernel sum %.3f +- %.3f from %d candidates, rejecting beyond %.3f\n",
		v.kSumMean, v.kSumStd, v.kSumNpts, v.dKSumMax)
	return nil
}

// Scores every fitted candidate against the full spatial model: the model
// kernel and background are realized at the candidate position and its
// residuals are clipped with the same thresholds as the single-kernel fits
type AssessSpatialKernelVisitor struct {
	spatialKernel *kernel.SpatialKernel
	spatialBg     *kernel.Poly2
	cfg           *Config
	logWriter     io.Writer

	nGood     int
	nRejected int
}

func NewAssessSpatialKernelVisitor(sk *kernel.SpatialKernel, bg *kernel.Poly2, cfg *Config, logWriter io.Writer) *AssessSpatialKernelVisitor {
	return &AssessSpatialKernelVisitor{spatialKernel: sk, spatialBg: bg, cfg: cfg, logWriter: logWriter}
}

func (v *AssessSpatialKernelVisitor) Reset()        { v.nGood, v.nRejected=0, 0 }
func (v *AssessSpatialKernelVisitor) NGood() int    { return v.nGood }
func (v *AssessSpatialKernelVisitor) NRejected() int { return v.nRejected }

func (v *AssessSpatialKernelVisitor) ProcessCandidate(c *Candidate) error {
	if !c.HasKernel() { return nil }

	x, y:=float64(c.X), float64(c.Y)
	k, _, err:=v.spatialKernel.RealizeAt(x, y)
	if err!=nil { return err }
	bg:=v.spatialBg.Eval(x, y)

	diff, err:=c.DifferenceImage(k, bg, false)
	if err!=nil { return err }
	rstats, err:=stats.CalcResidualStats(diff.Data, diff.Variance)
	if err!=nil {
		c.SetStatus(StatusBad)
		v.nRejected++
		return nil
	}
	c.SetChi2(rstats.Chi2())

	bad:=math.IsNaN(rstats.Mean) || math.IsNaN(rstats.RMS)
	if !bad && v.cfg.SpatialKernelClipping {
		bad=math.Abs(rstats.Mean)>v.cfg.CandidateResidualMeanMax || rstats.RMS>v.cfg.CandidateResidualStdMax
	}
	if bad {
		c.SetStatus(StatusBad)
		v.nRejected++
		fmt.Fprintf(v.logWriter, "candidate %d at (%.1f,%.1f) rejected by spatial model: mean %.3f rms %.3f\n",
			c.ID, c.X, c.Y, rstats.Mean, rstats.RMS)
	} else {
		c.SetStatus(StatusGood)
		v.nGood++
	}
	return nil
}
