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
	"errors"
	"math"
)

// Mean and RMS of variance-normalized residuals of a difference image.
// For a good PSF match the normalized residuals d/sqrt(var) follow a unit
// normal, so Mean should be near 0 and RMS near 1
type ResidualStats struct {
	Mean float64
	RMS  float64
	Npix int
}

// Returns the residual statistics of a difference image given its variance
// plane. Pixels with non-positive variance or non-finite values are skipped
func CalcResidualStats(diff, variance []float32) (ResidualStats, error) {
	if len(diff)!=len(variance) {
		return ResidualStats{}, errors.New("stats: difference and variance length mismatch")
	}
	sum, sumSq:=0.0, 0.0
	n:=0
	for i, d:=range diff {
		v:=variance[i]
		if v<=0 { continue }
		x:=float64(d)/math.Sqrt(float64(v))
		if math.IsNaN(x) || math.IsInf(x, 0) { continue }
		sum+=x
		sumSq+=x*x
		n++
	}
	if n==0 { return ResidualStats{}, errors.New("stats: no usable residual pixels") }

	mean:=sum/float64(n)
	variance2:=sumSq/float64(n)-mean*mean
	if variance2<0 { variance2=0 }
	return ResidualStats{Mean: mean, RMS: math.Sqrt(variance2), Npix: n}, nil
}

// Chi2 per pixel of the difference image, i.e. the mean squared normalized
// residual
func (r ResidualStats) Chi2() float64 {
	return r.Mean*r.Mean+r.RMS*r.RMS
}
