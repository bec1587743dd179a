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
	"testing"

	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
)

// stamp pair with the given constant flux per pixel, unit variance
func makeCandidate(t *testing.T, id int, x, y, flux float32) *Candidate {
	t.Helper()
	naxisn:=[]int32{8, 8}
	tmpl:=fits.NewImageFromNaxisn(naxisn, nil)
	sci :=fits.NewImageFromNaxisn(naxisn, nil)
	tmpl.Variance=make([]float32, tmpl.Pixels)
	sci.Variance =make([]float32, sci.Pixels)
	for i:=int32(0); i<tmpl.Pixels; i++ {
		tmpl.Data[i]=flux
		sci.Data[i]=flux
		tmpl.Variance[i]=1
		sci.Variance[i]=1
	}
	c, err:=NewCandidate(id, x, y, tmpl, sci)
	if err!=nil { t.Fatalf("candidate %d: %s", id, err.Error()) }
	return c
}

type collectVisitor struct {
	ids []int
}

func (v *collectVisitor) Reset()                           { v.ids=v.ids[:0] }
func (v *collectVisitor) ProcessCandidate(c *Candidate) error { v.ids=append(v.ids, c.ID); return nil }

func TestCellSetRanking(t *testing.T) {
	cells, err:=NewCellSet(100, 100, 100, 100)
	if err!=nil { t.Fatalf("cells: %s", err.Error()) }

	// one cell, three candidates of differing brightness
	faint :=makeCandidate(t, 0, 50, 50, 1)
	bright:=makeCandidate(t, 1, 60, 50, 100)
	mid   :=makeCandidate(t, 2, 40, 50, 10)
	for _, c:=range []*Candidate{faint, bright, mid} {
		if err:=cells.InsertCandidate(c); err!=nil { t.Fatalf("insert %d: %s", c.ID, err.Error()) }
	}

	active:=cells.ActiveCandidates(1)
	if len(active)!=1 || active[0].ID!=1 { t.Fatalf("best candidate %v; want id 1", active) }

	// rejecting the brightest falls back to the next ranked candidate
	bright.SetStatus(StatusBad)
	active=cells.ActiveCandidates(1)
	if len(active)!=1 || active[0].ID!=2 { t.Fatalf("fallback candidate %v; want id 2", active) }

	active=cells.ActiveCandidates(0)
	if len(active)!=2 { t.Errorf("got %d active candidates; want 2", len(active)) }
}

func TestCellSetVisitSkipsBad(t *testing.T) {
	cells, _:=NewCellSet(200, 100, 100, 100)
	a:=makeCandidate(t, 0, 50, 50, 5)
	b:=makeCandidate(t, 1, 150, 50, 5)
	cells.InsertCandidate(a)
	cells.InsertCandidate(b)
	a.SetStatus(StatusBad)

	v:=&collectVisitor{}
	v.Reset()
	if err:=cells.VisitCandidates(v, 1); err!=nil { t.Fatalf("visit: %s", err.Error()) }
	if len(v.ids)!=1 || v.ids[0]!=1 { t.Errorf("visited %v; want [1]", v.ids) }
}

func TestCellSetCountStatus(t *testing.T) {
	cells, _:=NewCellSet(300, 100, 100, 100)
	a:=makeCandidate(t, 0, 50, 50, 5)
	b:=makeCandidate(t, 1, 150, 50, 5)
	c:=makeCandidate(t, 2, 250, 50, 5)
	for _, cand:=range []*Candidate{a, b, c} { cells.InsertCandidate(cand) }
	b.SetStatus(StatusGood)
	c.SetStatus(StatusBad)

	untried, good, bad:=cells.CountStatus()
	if untried!=1 || good!=1 || bad!=1 {
		t.Errorf("counts %d/%d/%d; want 1/1/1", untried, good, bad)
	}
}

func TestCellSetRejectsOutOfBounds(t *testing.T) {
	cells, _:=NewCellSet(100, 100, 100, 100)
	c:=makeCandidate(t, 0, 150, 50, 5)
	if err:=cells.InsertCandidate(c); err==nil { t.Errorf("out-of-bounds candidate accepted") }
}
