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


package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/DominiqueFouchez/ip-diffim/internal/detect"
	"github.com/DominiqueFouchez/ip-diffim/internal/diffim"
	"github.com/DominiqueFouchez/ip-diffim/internal/fit"
	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
)

func Serve() {
	r:=gin.Default()
	api:=r.Group("/api")
	{
		v1:=api.Group("/v1")
		{
			v1.GET ("/ping",     getPing)
			v1.POST("/detect",   postDetect)
			v1.POST("/subtract", postSubtract)
		}
	}
	r.Run() // listen and serve on 0.0.0.0:8080
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err:=json.MarshalIndent(args, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postSubtractArgs struct {
	Template  string         `json:"template"`  // template FITS file, convolved to match
	Science   string         `json:"science"`   // science FITS file
	Output    string         `json:"output"`    // difference FITS file to write, optional
	Gain      float32        `json:"gain"`      // CCD gain for variance estimation
	ReadNoise float32        `json:"readNoise"` // CCD read noise for variance estimation
	Fit       *fit.Config    `json:"fit"`       // fit options, defaults when omitted
	Detect    *detect.Config `json:"detect"`    // detection options, defaults when omitted
}

func postSubtract(c *gin.Context) {
	logWriter:=c.Writer
	var args postSubtractArgs
	if err:=c.ShouldBind(&args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Fit==nil { args.Fit=fit.DefaultConfig() }
	if args.Detect==nil { args.Detect=detect.DefaultConfig() }

	header:=logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err:=printArgs(logWriter, "Arguments:\n", "\n", args); err!=nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	tmpl, sci, err:=loadImagePair(args.Template, args.Science, args.Gain, args.ReadNoise, logWriter)
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}

	res, err:=diffim.Subtract(tmpl, sci, args.Fit, args.Detect, logWriter)
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	fmt.Fprintf(logWriter, "%d candidates, %d good, %d rejected\n", res.NCandidates, res.NGood, res.NBad)

	if args.Output!="" {
		if err:=res.Diff.WriteFile(args.Output); err!=nil {
			fmt.Fprintf(logWriter, "error writing %s: %s\n", args.Output, err.Error())
			return
		}
		fmt.Fprintf(logWriter, "difference image written to %s\n", args.Output)
	}
	logWriter.(http.Flusher).Flush()
}

type postDetectArgs struct {
	Template  string         `json:"template"`
	Science   string         `json:"science"`
	Gain      float32        `json:"gain"`
	ReadNoise float32        `json:"readNoise"`
	Detect    *detect.Config `json:"detect"`
}

func postDetect(c *gin.Context) {
	var args postDetectArgs
	if err:=c.ShouldBind(&args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Detect==nil { args.Detect=detect.DefaultConfig() }

	logBuf:=&discardLog{}
	tmpl, sci, err:=loadImagePair(args.Template, args.Science, args.Gain, args.ReadNoise, logBuf)
	if err!=nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	fps, err:=detect.FindCandidateFootprints(tmpl, sci, args.Detect, logBuf)
	if err!=nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"footprints": fps})
}

type discardLog struct{}

func (d *discardLog) Write(p []byte) (int, error) { return len(p), nil }

// Reads the template and science FITS files, estimating variance planes
// from the CCD noise model when the files carry none
func loadImagePair(template, science string, gain, readNoise float32, logWriter io.Writer) (tmpl, sci *fits.Image, err error) {
	tmpl, err=fits.NewImageFromFile(template, 0, logWriter)
	if err!=nil { return nil, nil, err }
	sci, err=fits.NewImageFromFile(science, 1, logWriter)
	if err!=nil { return nil, nil, err }
	if tmpl.Variance==nil { tmpl.FillVarianceFromData(gain, readNoise) }
	if sci.Variance==nil  { sci.FillVarianceFromData(gain, readNoise) }
	return tmpl, sci, nil
}
