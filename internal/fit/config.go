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

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
)

// Kernel basis families
const (
	BasisDeltaFunction = "delta-function"
	BasisAlardLupton   = "alard-lupton"
)

// All options of the PSF-matching kernel fit. Built once before fitting and
// treated as read-only thereafter; visitors and the driver never modify it
type Config struct {
	// basis set
	KernelBasisSet string  `json:"kernelBasisSet"` // delta-function or alard-lupton
	KernelWidth    int32   `json:"kernelWidth"`    // delta-function basis width
	KernelHeight   int32   `json:"kernelHeight"`   // delta-function basis height
	AlardHalfWidth int32   `json:"alardHalfWidth"` // alard-lupton kernels are (2*halfWidth+1)^2
	AlardSigGauss  []float64 `json:"alardSigGauss"` // gaussian sigmas, one per component
	AlardDegGauss  []int32   `json:"alardDegGauss"` // polynomial degrees, one per component

	// regularization (delta-function basis only)
	UseRegularization     bool    `json:"useRegularization"`
	RegularizationOrder   int32   `json:"regularizationOrder"`   // derivative order 0..2
	RegularizationScaling float64 `json:"regularizationScaling"` // lambda scale factor

	// single kernel fits
	ConstantVarianceWeighting bool    `json:"constantVarianceWeighting"` // unit weights instead of inverse variance
	IterateSingleKernel       int     `json:"iterateSingleKernel"`       // variance re-estimation passes, 0=off
	SingleKernelClipping      bool    `json:"singleKernelClipping"`
	CandidateResidualMeanMax  float64 `json:"candidateResidualMeanMax"` // max |mean| of normalized residuals
	CandidateResidualStdMax   float64 `json:"candidateResidualStdMax"`  // max rms of normalized residuals

	// kernel sum clipping
	KernelSumClipping bool    `json:"kernelSumClipping"`
	MaxKsumSigma      float64 `json:"maxKsumSigma"` // reject beyond this many clipped stddevs

	// spatial model
	SpatialKernelOrder    int32 `json:"spatialKernelOrder"`
	SpatialBgOrder        int32 `json:"spatialBgOrder"`
	SpatialKernelClipping bool  `json:"spatialKernelClipping"`
	ConstantFirstTerm     bool  `json:"constantFirstTerm"` // kernel sum conserved across the field

	// principal component re-basing
	UsePcaForSpatialKernel bool `json:"usePcaForSpatialKernel"`
	NEigenComponents       int  `json:"nEigenComponents"`

	// candidate cells and iteration control
	SizeCellX            int32 `json:"sizeCellX"`
	SizeCellY            int32 `json:"sizeCellY"`
	NStarPerCell         int   `json:"nStarPerCell"`
	MaxSpatialIterations int   `json:"maxSpatialIterations"`

	// parallelism for the per-candidate fits, 0 = number of CPUs
	MaxThreads int `json:"maxThreads"`
}

// Returns the default fit configuration, matching common wide-field survey
// settings
func DefaultConfig() *Config {
	return &Config{
		KernelBasisSet: BasisAlardLupton,
		KernelWidth:    19,
		KernelHeight:   19,
		AlardHalfWidth: 9,
		AlardSigGauss:  []float64{0.7, 1.5, 3.0},
		AlardDegGauss:  []int32{4, 3, 2},

		UseRegularization:     false,
		RegularizationOrder:   2,
		RegularizationScaling: 1e-4,

		ConstantVarianceWeighting: false,
		IterateSingleKernel:       1,
		SingleKernelClipping:      true,
		CandidateResidualMeanMax:  0.25,
		CandidateResidualStdMax:   1.50,

		KernelSumClipping: true,
		MaxKsumSigma:      3.0,

		SpatialKernelOrder:    2,
		SpatialBgOrder:        1,
		SpatialKernelClipping: true,
		ConstantFirstTerm:     true,

		UsePcaForSpatialKernel: false,
		NEigenComponents:       3,

		SizeCellX:            256,
		SizeCellY:            256,
		NStarPerCell:         1,
		MaxSpatialIterations: 3,

		MaxThreads: 0,
	}
}

// Validates option combinations before fitting
func (c *Config) Validate() error {
	switch c.KernelBasisSet {
	case BasisDeltaFunction:
		if c.KernelWidth<1 || c.KernelHeight<1 {
			return fmt.Errorf("fit: kernel dimensions %dx%d must be positive", c.KernelWidth, c.KernelHeight)
		}
	case BasisAlardLupton:
		if c.AlardHalfWidth<1 {
			return fmt.Errorf("fit: alard-lupton half width %d must be positive", c.AlardHalfWidth)
		}
		if len(c.AlardSigGauss)==0 || len(c.AlardSigGauss)!=len(c.AlardDegGauss) {
			return fmt.Errorf("fit: %d alard-lupton sigmas vs %d degrees", len(c.AlardSigGauss), len(c.AlardDegGauss))
		}
		if c.UseRegularization {
			return fmt.Errorf("fit: regularization requires the delta-function basis")
		}
	default:
		return fmt.Errorf("fit: unknown kernel basis set %q", c.KernelBasisSet)
	}
	if c.UseRegularization && (c.RegularizationOrder<0 || c.RegularizationOrder>2) {
		return fmt.Errorf("fit: regularization order %d outside 0..2", c.RegularizationOrder)
	}
	if c.SpatialKernelOrder<0 || c.SpatialBgOrder<0 {
		return fmt.Errorf("fit: spatial orders %d/%d must be non-negative", c.SpatialKernelOrder, c.SpatialBgOrder)
	}
	if c.MaxSpatialIterations<1 {
		return fmt.Errorf("fit: maxSpatialIterations %d must be at least 1", c.MaxSpatialIterations)
	}
	if c.SizeCellX<1 || c.SizeCellY<1 {
		return fmt.Errorf("fit: cell size %dx%d must be positive", c.SizeCellX, c.SizeCellY)
	}
	if c.UsePcaForSpatialKernel && c.NEigenComponents<1 {
		return fmt.Errorf("fit: nEigenComponents %d must be at least 1", c.NEigenComponents)
	}
	return nil
}

// Generates the configured kernel basis list
func (c *Config) BasisList() (kernel.BasisList, error) {
	switch c.KernelBasisSet {
	case BasisDeltaFunction:
		return kernel.DeltaFunctionBasis(c.KernelWidth, c.KernelHeight)
	case BasisAlardLupton:
		return kernel.AlardLuptonBasis(c.AlardHalfWidth, c.AlardSigGauss, c.AlardDegGauss)
	}
	return nil, fmt.Errorf("fit: unknown kernel basis set %q", c.KernelBasisSet)
}
