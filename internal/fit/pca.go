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
	"math"

	"github.com/DominiqueFouchez/ip-diffim/internal/kernel"
	"gonum.org/v1/gonum/mat"
)

// Karhunen-Loeve analysis of an ensemble of kernel images. Kernels are
// normalized to unit sum on entry; subtracting the ensemble mean before
// analysis concentrates the common PSF-matching structure in the mean
// image, so fewer eigen components carry the per-candidate variations
type KernelPca struct {
	width, height int32
	images        [][]float64
	mean          []float64
	eigenImages   [][]float64
	eigenValues   []float64
}

func NewKernelPca(width, height int32) *KernelPca {
	return &KernelPca{width: width, height: height}
}

func (p *KernelPca) NImages() int { return len(p.images) }

// Adds a kernel image to the ensemble, normalized to unit sum
func (p *KernelPca) AddKernel(k *kernel.Kernel) error {
	if k.Width!=p.width || k.Height!=p.height {
		return fmt.Errorf("fit: pca kernel is %dx%d, ensemble is %dx%d", k.Width, k.Height, p.width, p.height)
	}
	sum:=k.Sum()
	if sum==0 || math.IsNaN(sum) {
		return errors.New("fit: pca kernel has zero or non-finite sum")
	}
	img:=make([]float64, len(k.Data))
	for i, v:=range k.Data { img[i]=v/sum }
	p.images=append(p.images, img)
	return nil
}

// Computes the ensemble mean image and subtracts it from every member
func (p *KernelPca) SubtractMean() error {
	if len(p.images)==0 { return errors.New("fit: no kernels in pca ensemble") }
	npix:=len(p.images[0])
	p.mean=make([]float64, npix)
	for _, img:=range p.images {
		for i, v:=range img { p.mean[i]+=v }
	}
	for i:=range p.mean { p.mean[i]/=float64(len(p.images)) }
	for _, img:=range p.images {
		for i:=range img { img[i]-=p.mean[i] }
	}
	return nil
}

// Decomposes the ensemble into eigen images via singular value
// decomposition. Eigen images are rescaled so their largest magnitude
// pixel is 1.0; eigenvalues are the squared singular values
func (p *KernelPca) Analyze() error {
	n:=len(p.images)
	if n==0 { return errors.New("fit: no kernels in pca ensemble") }
	npix:=len(p.images[0])

	r:=mat.NewDense(n, npix, nil)
	for row, img:=range p.images {
		r.SetRow(row, img)
	}

	var svd mat.SVD
	if !svd.Factorize(r, mat.SVDThin) {
		return errors.New("fit: pca singular value decomposition failed")
	}
	values:=svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	nComp:=len(values)
	p.eigenImages=make([][]float64, 0, nComp)
	p.eigenValues=make([]float64, 0, nComp)
	for e:=0; e<nComp; e++ {
		img:=make([]float64, npix)
		maxAbs:=0.0
		for i:=0; i<npix; i++ {
			img[i]=v.At(i, e)
			if a:=math.Abs(img[i]); a>maxAbs { maxAbs=a }
		}
		if maxAbs>0 {
			for i:=range img { img[i]/=maxAbs }
		}
		p.eigenImages=append(p.eigenImages, img)
		p.eigenValues=append(p.eigenValues, values[e]*values[e])
	}
	return nil
}

func (p *KernelPca) EigenValues() []float64 { return p.eigenValues }

// Builds a basis list of the mean kernel followed by the leading eigen
// kernels. The mean carries the ensemble's unit kernel sum while the eigen
// kernels of the centered ensemble are zero-sum, so the result is directly
// usable with a constant first term
func (p *KernelPca) EigenKernels(nComponents int) (kernel.BasisList, error) {
	if p.eigenImages==nil { return nil, errors.New("fit: pca not analyzed yet") }
	if p.mean==nil { return nil, errors.New("fit: pca mean not subtracted") }
	if nComponents>len(p.eigenImages) { nComponents=len(p.eigenImages) }

	basis:=make(kernel.BasisList, 0, nComponents+1)
	meanData:=make([]float64, len(p.mean))
	copy(meanData, p.mean)
	mk, err:=kernel.NewFromData(p.width, p.height, meanData)
	if err!=nil { return nil, err }
	basis=append(basis, mk)

	for e:=0; e<nComponents; e++ {
		data:=make([]float64, len(p.eigenImages[e]))
		copy(data, p.eigenImages[e])
		ek, err:=kernel.NewFromData(p.width, p.height, data)
		if err!=nil { return nil, err }
		basis=append(basis, ek)
	}
	return basis, nil
}

// Collects the fitted kernels of visited candidates into a PCA ensemble
type KernelPcaVisitor struct {
	pca        *KernelPca
	nProcessed int
}

func NewKernelPcaVisitor(pca *KernelPca) *KernelPcaVisitor {
	return &KernelPcaVisitor{pca: pca}
}

func (v *KernelPcaVisitor) Reset()           { v.nProcessed=0 }
func (v *KernelPcaVisitor) NProcessed() int  { return v.nProcessed }

func (v *KernelPcaVisitor) ProcessCandidate(c *Candidate) error {
	if !c.HasKernel() { return nil }
	k, _, err:=c.Kernel()
	if err!=nil { return nil }
	if err:=v.pca.AddKernel(k); err!=nil { return err }
	v.nProcessed++
	return nil
}
