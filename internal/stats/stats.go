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


package stats

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"
)

// Basic statistics on data arrays
type BasicStats struct {
	Min    float32 // Minimum
	Max    float32 // Maximum
	Mean   float32 // Mean (average)
	StdDev float32 // Standard deviation (norm 2, sigma)

	Location float32 // Robust location indicator (median)
	Scale    float32 // Robust scale indicator (MAD*1.4826)
}

// Pretty print basic stats to string
func (s *BasicStats) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g Location %.6g Scale %.6g",
		s.Min, s.Max, s.Mean, s.StdDev, s.Location, s.Scale)
}

// Calculate basic statistics for a data array
func CalcBasicStats(data []float32) (s *BasicStats) {
	s=&BasicStats{}
	if len(data)==0 { return s }
	mmin, mmean, mmax:=data[0], float64(0), data[0]
	for _, v:=range data {
		if v<mmin { mmin=v }
		if v>mmax { mmax=v }
		mmean+=float64(v)
	}
	s.Min, s.Max=mmin, mmax
	s.Mean=float32(mmean/float64(len(data)))

	variance:=float64(0)
	for _, v:=range data {
		diff:=float64(v-s.Mean)
		variance+=diff*diff
	}
	s.StdDev=float32(math.Sqrt(variance/float64(len(data))))
	return s
}

// Calculates basic statistics plus robust location and scale. Large arrays
// are subsampled for the robust estimators
func CalcExtendedStats(data []float32) (s *BasicStats) {
	s=CalcBasicStats(data)
	if len(data)==0 { return s }
	numSamples:=128*1024
	if len(data)<=numSamples {
		tmp:=make([]float32, len(data))
		copy(tmp, data)
		s.Location=QSelectMedianFloat32(tmp)
		for i, d:=range data { tmp[i]=float32(math.Abs(float64(d-s.Location))) }
		s.Scale=QSelectMedianFloat32(tmp)*1.4826
		return s
	}
	samples:=make([]float32, numSamples)
	s.Location=FastApproxMedian(data, samples)
	s.Scale   =FastApproxMAD(data, s.Location, samples)
	return s
}

// Calculates fast approximate median of the (presumably large) data by
// subsampling the given number of values and taking the median of that.
// Uses provided samples array as scratchpad
func FastApproxMedian(data []float32, samples []float32) float32 {
	max:=uint32(len(data))
	rng:=fastrand.RNG{}
	for i:=range samples {
		samples[i]=data[rng.Uint32n(max)]
	}
	return QSelectMedianFloat32(samples)
}

// Calculates fast approximate median absolute deviation of the (presumably
// large) data w.r.t. the given location, scaled to standard deviations.
// Uses provided samples array as scratchpad
func FastApproxMAD(data []float32, location float32, samples []float32) float32 {
	max:=uint32(len(data))
	rng:=fastrand.RNG{}
	for i:=range samples {
		samples[i]=float32(math.Abs(float64(data[rng.Uint32n(max)]-location)))
	}
	return QSelectMedianFloat32(samples)*1.4826
}

func MeanStdDev(xs []float64) (mean, stdDev float64) {
	for _, x:=range xs { mean+=x }
	mean/=float64(len(xs))
	variance:=0.0
	for _, x:=range xs { diff:=x-mean; variance+=diff*diff }
	variance/=float64(len(xs))
	return mean, math.Sqrt(variance)
}

// Returns mean and standard deviation of the data after iterative sigma
// clipping of outliers, plus the number of surviving points. Clipping is
// centered on the median with a MAD-based scale estimate, so single gross
// outliers cannot inflate the rejection threshold
func SigmaClippedMeanStdDev(xs []float64, sigma float64) (mean, stdDev float64, n int) {
	remaining:=make([]float64, len(xs))
	copy(remaining, xs)
	tmp:=make([]float64, len(xs))

	for iter:=0; iter<3 && len(remaining)>3; iter++ {
		copy(tmp[:len(remaining)], remaining)
		median:=QSelectMedianFloat64(tmp[:len(remaining)])
		for i, r:=range remaining { tmp[i]=math.Abs(r-median) }
		mad:=QSelectMedianFloat64(tmp[:len(remaining)])*1.4826
		if mad==0 { break }

		kept:=0
		for _, r:=range remaining {
			if math.Abs(r-median)<=sigma*mad {
				remaining[kept]=r
				kept++
			}
		}
		rejected:=len(remaining)-kept
		remaining=remaining[:kept]
		if rejected==0 { break }
	}

	mean, stdDev=MeanStdDev(remaining)
	return mean, stdDev, len(remaining)
}
