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
	"errors"
	"fmt"

	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
	"gonum.org/v1/gonum/mat"
)

// Candidate lifecycle states
type Status int

const (
	StatusUntried Status = iota // not yet fitted
	StatusGood                  // fitted, passed all quality cuts so far
	StatusBad                   // rejected; never revisited
)

func (s Status) String() string {
	switch s {
	case StatusUntried: return "UNTRIED"
	case StatusGood:    return "GOOD"
	case StatusBad:     return "BAD"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// A kernel fit candidate: a pair of aligned stamps around an isolated
// bright source, plus all per-candidate fit products. Candidates are
// created UNTRIED and move to GOOD or BAD as visitors process them;
// BAD is final for the session
type Candidate struct {
	ID   int
	X, Y float32 // center position in parent image coordinates

	ToConvolve    *fits.Image // template stamp, convolved during fitting
	ToNotConvolve *fits.Image // science stamp

	rating float64 // template flux; brighter candidates are fitted first
	status Status

	kern       *kernel.Kernel
	background float64
	kSum       float64
	chi2       float64
	haveKernel bool

	m *mat.Dense // per-candidate normal equations, for the spatial fit
	b []float64
}

// Creates a candidate from a pair of aligned stamps centered at (x,y) in
// the parent images. Stamps must have identical dimensions and the template
// must carry a variance plane
func NewCandidate(id int, x, y float32, toConvolve, toNotConvolve *fits.Image) (*Candidate, error) {
	if !fits.EqualInt32Slice(toConvolve.Naxisn, toNotConvolve.Naxisn) {
		return nil, fmt.Errorf("fit: candidate %d stamp dimensions %s vs %s", id,
			toConvolve.DimensionsToString(), toNotConvolve.DimensionsToString())
	}
	if toConvolve.Variance==nil || toNotConvolve.Variance==nil {
		return nil, fmt.Errorf("fit: candidate %d stamps missing variance planes", id)
	}
	rating:=0.0
	for _, v:=range toConvolve.Data { rating+=float64(v) }
	return &Candidate{
		ID: id, X: x, Y: y,
		ToConvolve:    toConvolve,
		ToNotConvolve: toNotConvolve,
		rating:        rating,
		status:        StatusUntried,
	}, nil
}

// Template flux; candidates within a cell are fitted brightest first
func (c *Candidate) Rating() float64 { return c.rating }

func (c *Candidate) Status() Status          { return c.status }
func (c *Candidate) SetStatus(s Status)      { c.status=s }
func (c *Candidate) HasKernel() bool         { return c.haveKernel }
func (c *Candidate) Background() float64     { return c.background }
func (c *Candidate) KSum() float64           { return c.kSum }
func (c *Candidate) Chi2() float64           { return c.chi2 }
func (c *Candidate) SetChi2(chi2 float64)    { c.chi2=chi2 }

// Stores the fitted kernel and background, updating the kernel sum
func (c *Candidate) SetKernel(k *kernel.Kernel, background float64) {
	c.kern=k
	c.background=background
	c.kSum=k.Sum()
	c.haveKernel=true
}

// Returns the per-candidate fitted kernel and background
func (c *Candidate) Kernel() (*kernel.Kernel, float64, error) {
	if !c.haveKernel { return nil, 0, ErrNoKernel }
	return c.kern, c.background, nil
}

// Stores the candidate's normal equations for later spatial aggregation.
// Rejects systems with non-finite entries
func (c *Candidate) SetMB(m *mat.Dense, b []float64) error {
	if !validMB(m, b) {
		return errors.New("fit: non-finite entries in candidate normal equations")
	}
	c.m, c.b=m, b
	return nil
}

// Returns the candidate's stored normal equations
func (c *Candidate) MB() (*mat.Dense, []float64, error) {
	if c.m==nil { return nil, nil, ErrNoKernel }
	return c.m, c.b, nil
}

// Builds the difference image convolve(template, k) + background - science
// over the candidate stamps. The result has the stamp geometry with data
// and propagated variance filled inside the valid convolution region only;
// outside it both are zero, so residual statistics skip those pixels.
// invert flips the sign of the difference
func (c *Candidate) DifferenceImage(k *kernel.Kernel, background float64, invert bool) (*fits.Image, error) {
	width, height:=c.ToConvolve.Width(), c.ToConvolve.Height()
	region, err:=kernel.ValidRegion(width, height, k)
	if err!=nil { return nil, fmt.Errorf("fit: candidate %d: %w", c.ID, err) }

	conv:=kernel.Convolve(c.ToConvolve.Data, width, k)
	convVar:=kernel.ConvolveVariance(c.ToConvolve.Variance, width, k)

	diff:=fits.NewImageFromNaxisn(c.ToConvolve.Naxisn, nil)
	diff.ID=c.ID
	diff.Variance=make([]float32, diff.Pixels)
	sign:=float32(1)
	if invert { sign=-1 }
	for y:=region.StartRow; y<region.EndRow; y++ {
		for x:=region.StartCol; x<region.EndCol; x++ {
			i:=y*width+x
			diff.Data[i]=sign*(conv[i]+float32(background)-c.ToNotConvolve.Data[i])
			diff.Variance[i]=convVar[i]+c.ToNotConvolve.Variance[i]
		}
	}
	return diff, nil
}
