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


package fits

import (
	"bytes"
	"image/jpeg"
	"math"
	"testing"
)

func TestWriteSignedJPG(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{4, 3}, []float32{
		-5, -1, -0.5, 0,
		0.5, 1, 5, float32(math.NaN()),
		0, 0, 0, 0,
	})

	// values beyond +-maxAbs and NaNs must clamp, not break the encoding
	buf:=&bytes.Buffer{}
	if err:=img.WriteSignedJPG(buf, 1.0, 90); err!=nil { t.Fatalf("write: %s", err.Error()) }

	cfg, err:=jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err!=nil { t.Fatalf("decode: %s", err.Error()) }
	if cfg.Width!=4 || cfg.Height!=3 { t.Errorf("encoded %dx%d; want 4x3", cfg.Width, cfg.Height) }
}

func TestWriteSignedJPGAutoScale(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{2, 2}, []float32{-3, 0, 0, 3})
	buf:=&bytes.Buffer{}
	// maxAbs 0 selects the scale from the data
	if err:=img.WriteSignedJPG(buf, 0, 90); err!=nil { t.Fatalf("write: %s", err.Error()) }
	if buf.Len()==0 { t.Errorf("empty output") }
}

func TestWriteMonoJPG(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{3, 2}, []float32{0, 50, 100, 150, 200, float32(math.NaN())})
	buf:=&bytes.Buffer{}
	if err:=img.WriteMonoJPG(buf, 0, 200, 1.0, 90); err!=nil { t.Fatalf("write: %s", err.Error()) }

	cfg, err:=jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err!=nil { t.Fatalf("decode: %s", err.Error()) }
	if cfg.Width!=3 || cfg.Height!=2 { t.Errorf("encoded %dx%d; want 3x2", cfg.Width, cfg.Height) }
}
