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
)

// Processes candidates one at a time during a visitation pass over the
// cell set. Implementations accumulate state across candidates and must
// be Reset before each full pass
type Visitor interface {
	Reset()
	ProcessCandidate(c *Candidate) error
}

// One spatial cell holding its candidates ranked by descending rating
type cell struct {
	candidates []*Candidate
}

// A regular grid of spatial cells over the image, enforcing a uniform
// distribution of kernel fit candidates across the field. Within a cell,
// candidates are ranked by template flux and only the best non-rejected
// ones participate in fitting
type CellSet struct {
	width, height   int32
	sizeX, sizeY    int32
	nx, ny          int32
	cells           []*cell
}

// Creates a cell set covering a width x height image with cells of the
// given size. The last row/column of cells covers any remainder
func NewCellSet(width, height, sizeCellX, sizeCellY int32) (*CellSet, error) {
	if width<1 || height<1 {
		return nil, fmt.Errorf("fit: image dimensions %dx%d must be positive", width, height)
	}
	if sizeCellX<1 || sizeCellY<1 {
		return nil, fmt.Errorf("fit: cell dimensions %dx%d must be positive", sizeCellX, sizeCellY)
	}
	nx:=(width +sizeCellX-1)/sizeCellX
	ny:=(height+sizeCellY-1)/sizeCellY
	cells:=make([]*cell, nx*ny)
	for i:=range cells { cells[i]=&cell{} }
	return &CellSet{
		width: width, height: height,
		sizeX: sizeCellX, sizeY: sizeCellY,
		nx: nx, ny: ny,
		cells: cells,
	}, nil
}

// Inserts a candidate into the cell containing its center, keeping the
// cell's candidates sorted by descending rating
func (s *CellSet) InsertCandidate(c *Candidate) error {
	cx, cy:=int32(c.X)/s.sizeX, int32(c.Y)/s.sizeY
	if c.X<0 || c.Y<0 || cx>=s.nx || cy>=s.ny {
		return fmt.Errorf("fit: candidate %d at (%.1f,%.1f) outside %dx%d image", c.ID, c.X, c.Y, s.width, s.height)
	}
	cl:=s.cells[cy*s.nx+cx]
	pos:=len(cl.candidates)
	for i, existing:=range cl.candidates {
		if c.Rating()>existing.Rating() { pos=i; break }
	}
	cl.candidates=append(cl.candidates, nil)
	copy(cl.candidates[pos+1:], cl.candidates[pos:])
	cl.candidates[pos]=c
	return nil
}

// Visits up to nPerCell non-rejected candidates per cell in rating order,
// so each cell contributes its best usable candidates. nPerCell<=0 visits
// all usable candidates. Callers must Reset the visitor beforehand; a
// visitor error aborts the pass
func (s *CellSet) VisitCandidates(v Visitor, nPerCell int) error {
	for _, cl:=range s.cells {
		visited:=0
		for _, c:=range cl.candidates {
			if c.Status()==StatusBad { continue }
			if nPerCell>0 && visited>=nPerCell { break }
			if err:=v.ProcessCandidate(c); err!=nil { return err }
			visited++
		}
	}
	return nil
}

// Returns up to nPerCell non-rejected candidates per cell in rating order,
// for parallel processing outside the visitor protocol
func (s *CellSet) ActiveCandidates(nPerCell int) []*Candidate {
	res:=[]*Candidate{}
	for _, cl:=range s.cells {
		visited:=0
		for _, c:=range cl.candidates {
			if c.Status()==StatusBad { continue }
			if nPerCell>0 && visited>=nPerCell { break }
			res=append(res, c)
			visited++
		}
	}
	return res
}

// Returns all candidates regardless of status, for QA reporting
func (s *CellSet) Candidates() []*Candidate {
	res:=[]*Candidate{}
	for _, cl:=range s.cells {
		res=append(res, cl.candidates...)
	}
	return res
}

// Counts candidates by status
func (s *CellSet) CountStatus() (untried, good, bad int) {
	for _, cl:=range s.cells {
		for _, c:=range cl.candidates {
			switch c.Status() {
			case StatusUntried: untried++
			case StatusGood:    good++
			case StatusBad:     bad++
			}
		}
	}
	return untried, good, bad
}
