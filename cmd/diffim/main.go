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


package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/pbnjay/memory"

	"github.com/DominiqueFouchez/ip-diffim/internal/detect"
	"github.com/DominiqueFouchez/ip-diffim/internal/diffim"
	"github.com/DominiqueFouchez/ip-diffim/internal/fit"
	"github.com/DominiqueFouchez/ip-diffim/internal/fits"
	"github.com/DominiqueFouchez/ip-diffim/internal/rest"
	"github.com/DominiqueFouchez/ip-diffim/internal/stats"
)

const version = "0.1.2"

var totalMiBs=memory.TotalMemory()/1024/1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out  = flag.String("out", "diff.fits", "save difference image to `file`")
var jpg  = flag.String("jpg", "%auto", "save 8bit diverging colormap preview of the difference as JPEG to `file`. `%auto` replaces suffix of output file with .jpg")
var tif  = flag.String("tiff", "", "save 16bit preview of the difference as TIFF to `file`")
var log  = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")

var gain      = flag.Float64("gain", 1.0, "CCD gain in e-/ADU for variance estimation, when inputs carry no variance plane")
var readNoise = flag.Float64("readNoise", 0.0, "CCD read noise in e- for variance estimation")

var basis    = flag.String("basis", "alard-lupton", "kernel basis set, one of alard-lupton, delta-function")
var kw       = flag.Int64("kw", 19, "kernel width in pixels for the delta-function basis")
var kh       = flag.Int64("kh", 19, "kernel height in pixels for the delta-function basis")
var alardHw  = flag.Int64("alardHw", 9, "alard-lupton kernel half width, kernels are (2*hw+1)^2")
var alardSig = flag.String("alardSig", "0.7,1.5,3.0", "alard-lupton gaussian sigmas, comma-separated, one per component")
var alardDeg = flag.String("alardDeg", "4,3,2", "alard-lupton polynomial degrees, comma-separated, one per component")

var regularize = flag.Int64("regularize", 0, "1=apply finite difference regularization to the delta-function basis, 0=off")
var regOrder   = flag.Int64("regOrder", 2, "derivative order of the regularization stencils, 0..2")
var regScaling = flag.Float64("regScaling", 1e-4, "regularization strength as fraction of the trace ratio")

var constVar   = flag.Int64("constVar", 0, "1=fit with unit per-pixel weights instead of inverse variance, 0=off")
var iterKernel = flag.Int64("iterKernel", 1, "variance re-estimation passes per single kernel fit, 0=off")
var skClip     = flag.Int64("skClip", 1, "1=clip candidates on single kernel fit residuals, 0=off")
var resMeanMax = flag.Float64("resMeanMax", 0.25, "max absolute mean of normalized fit residuals per candidate")
var resStdMax  = flag.Float64("resStdMax", 1.50, "max rms of normalized fit residuals per candidate")

var ksumClip  = flag.Int64("ksumClip", 1, "1=clip candidates with outlier kernel sums, 0=off")
var ksumSigma = flag.Float64("ksumSigma", 3.0, "reject kernel sums beyond this many clipped standard deviations")

var spatialOrder = flag.Int64("spatialOrder", 2, "polynomial order of the spatial kernel variation")
var bgOrder      = flag.Int64("bgOrder", 1, "polynomial order of the differential background")
var spatialClip  = flag.Int64("spatialClip", 1, "1=clip candidates on spatial model residuals, 0=off")
var constFirst   = flag.Int64("constFirst", 1, "1=hold the first kernel term spatially constant, conserving the kernel sum, 0=off")

var pca    = flag.Int64("pca", 0, "1=re-base the spatial fit onto principal components of the single kernels, 0=off")
var nEigen = flag.Int64("nEigen", 3, "number of principal components to keep")

var cellX       = flag.Int64("cellX", 256, "candidate cell width in pixels")
var cellY       = flag.Int64("cellY", 256, "candidate cell height in pixels")
var starPerCell = flag.Int64("starPerCell", 1, "active candidates per cell")
var spatialIter = flag.Int64("spatialIter", 3, "maximum spatial fit and rejection iterations")
var threads     = flag.Int64("threads", 0, "concurrent single kernel fits, 0=number of CPUs")

var detSig     = flag.Float64("detSig", 10.0, "detection threshold in sigmas above template background")
var detSigMin  = flag.Float64("detSigMin", 3.0, "lowest detection threshold to scale down to")
var detScaling = flag.Float64("detScaling", 0.75, "detection threshold multiplier per retry")
var fpMin      = flag.Int64("fpMin", 5, "minimum footprint pixels above threshold")
var fpMax      = flag.Int64("fpMax", 500, "maximum footprint pixels, rejects extended sources")
var fpGrow     = flag.Int64("fpGrow", 0, "footprint bounding box growth in pixels, 0=kernel width")
var minCleanFp = flag.Int64("minCleanFp", 10, "target number of clean footprints before lowering the threshold")
var fitMemory  = flag.Int64("fitMemory", int64((totalMiBs*7)/10), "total MiB of memory to use for candidate stamps, default=0.7x physical memory")

var chroot = flag.String("chroot", "", "for server mode, change filesystem root to `directory` (requires root)")
var setuid = flag.Int64("setuid", -1, "for server mode, switch to this numerical user id after chroot, -1=no op")

func main() {
	logWriter:=teeWriter{}
	debug.SetGCPercent(10)
	start:=time.Now()
	flag.Usage=func(){
		fmt.Fprintf(logWriter, `Diffim Copyright (c) 2021 Dominique Fouchez
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (subtract|detect|serve|legal) (template.fits science.fits)

Commands:
  subtract Fit the PSF-matching kernel and subtract the matched template from the science image
  detect   Show candidate footprints for the kernel fit
  serve    Start the web server
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log=="%auto" {
		if *out!="" {
			*log=strings.TrimSuffix(*out, filepath.Ext(*out))+".log"
		} else {
			*log=""
		}
	}
	if *log!="" {
		err:=LogAlsoToFile(*log)
		if err!=nil { LogFatalf("Unable to open logfile '%s'\n", *log) }
	}

	// Also auto-select JPEG output target
	if *jpg=="%auto" {
		if *out!="" {
			*jpg=strings.TrimSuffix(*out, filepath.Ext(*out))+".jpg"
		} else {
			*jpg=""
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "subtract":
		err=cmdSubtract(args[1:], logWriter)

	case "detect":
		err=cmdDetect(args[1:], logWriter)

	case "serve":
		rest.MakeSandbox(*chroot, int(*setuid))
		rest.Serve()

	case "legal":
		LogPrint(legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	now:=time.Now()
	elapsed:=now.Sub(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f,0); err != nil {
			LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err!=nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		os.Exit(-1)
	}
	LogSync()
}

// Parse the fit flags into a configuration object
func fitConfigFromFlags() (*fit.Config, error) {
	sigs, err:=parseFloat64List(*alardSig)
	if err!=nil { return nil, fmt.Errorf("parsing -alardSig: %s", err.Error()) }
	degs, err:=parseInt32List(*alardDeg)
	if err!=nil { return nil, fmt.Errorf("parsing -alardDeg: %s", err.Error()) }

	cfg:=fit.DefaultConfig()
	cfg.KernelBasisSet=*basis
	cfg.KernelWidth=int32(*kw)
	cfg.KernelHeight=int32(*kh)
	cfg.AlardHalfWidth=int32(*alardHw)
	cfg.AlardSigGauss=sigs
	cfg.AlardDegGauss=degs
	cfg.UseRegularization=*regularize!=0
	cfg.RegularizationOrder=int32(*regOrder)
	cfg.RegularizationScaling=*regScaling
	cfg.ConstantVarianceWeighting=*constVar!=0
	cfg.IterateSingleKernel=int(*iterKernel)
	cfg.SingleKernelClipping=*skClip!=0
	cfg.CandidateResidualMeanMax=*resMeanMax
	cfg.CandidateResidualStdMax=*resStdMax
	cfg.KernelSumClipping=*ksumClip!=0
	cfg.MaxKsumSigma=*ksumSigma
	cfg.SpatialKernelOrder=int32(*spatialOrder)
	cfg.SpatialBgOrder=int32(*bgOrder)
	cfg.SpatialKernelClipping=*spatialClip!=0
	cfg.ConstantFirstTerm=*constFirst!=0
	cfg.UsePcaForSpatialKernel=*pca!=0
	cfg.NEigenComponents=int(*nEigen)
	cfg.SizeCellX=int32(*cellX)
	cfg.SizeCellY=int32(*cellY)
	cfg.NStarPerCell=int(*starPerCell)
	cfg.MaxSpatialIterations=int(*spatialIter)
	cfg.MaxThreads=int(*threads)
	return cfg, nil
}

// Parse the detection flags into a configuration object. The footprint cap
// keeps the candidate stamps within the configured memory budget
func detectConfigFromFlags(fitCfg *fit.Config) *detect.Config {
	cfg:=detect.DefaultConfig()
	cfg.DetThreshold=float32(*detSig)
	cfg.DetThresholdMin=float32(*detSigMin)
	cfg.DetThresholdScaling=float32(*detScaling)
	cfg.FpNpixMin=int(*fpMin)
	cfg.FpNpixMax=int(*fpMax)
	cfg.FpGrowPix=int32(*fpGrow)
	cfg.MinCleanFp=int(*minCleanFp)

	side:=int64(2*cfg.FpGrowPix)
	if side<=0 { side=int64(2*fitCfg.KernelWidth) }
	bytesPerCandidate:=side*side*4*4 // two stamps with data and variance planes
	if maxFp:=(*fitMemory)*1024*1024/bytesPerCandidate; maxFp>0 {
		cfg.MaxFootprints=int(maxFp)
	}
	return cfg
}

// Perform the image subtraction command
func cmdSubtract(args []string, logWriter io.Writer) error {
	if len(args)!=2 {
		return fmt.Errorf("need exactly a template and a science file to perform a subtraction")
	}

	fitCfg, err:=fitConfigFromFlags()
	if err!=nil { return err }
	detCfg:=detectConfigFromFlags(fitCfg)

	m, err:=json.MarshalIndent(fitCfg, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "Subtracting %s from %s with these settings:\n%s\n", args[0], args[1], string(m))

	tmpl, sci, err:=loadImagePair(args[0], args[1], logWriter)
	if err!=nil { return err }

	res, err:=diffim.Subtract(tmpl, sci, fitCfg, detCfg, logWriter)
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "%d candidates, %d good, %d rejected\n", res.NCandidates, res.NGood, res.NBad)

	if *out!="" {
		fmt.Fprintf(logWriter, "Writing FITS to %s ...\n", *out)
		if err:=res.Diff.WriteFile(*out); err!=nil { return err }
	}
	if *jpg!="" {
		fmt.Fprintf(logWriter, "Writing JPG to %s ...\n", *jpg)
		if err:=res.Diff.WriteSignedJPGToFile(*jpg, 0, 95); err!=nil { return err }
	}
	if *tif!="" {
		fmt.Fprintf(logWriter, "Writing TIFF to %s ...\n", *tif)
		st:=stats.CalcBasicStats(res.Diff.Data)
		if err:=res.Diff.WriteMonoTIFF16ToFile(*tif, st.Min, st.Max, 1.0); err!=nil { return err }
	}
	return nil
}

// Perform the footprint detection command
func cmdDetect(args []string, logWriter io.Writer) error {
	if len(args)!=2 {
		return fmt.Errorf("need exactly a template and a science file to perform detection")
	}

	fitCfg, err:=fitConfigFromFlags()
	if err!=nil { return err }
	detCfg:=detectConfigFromFlags(fitCfg)
	if detCfg.FpGrowPix<=0 { detCfg.FpGrowPix=fitCfg.KernelWidth }

	tmpl, sci, err:=loadImagePair(args[0], args[1], logWriter)
	if err!=nil { return err }

	fps, err:=detect.FindCandidateFootprints(tmpl, sci, detCfg, logWriter)
	if err!=nil { return err }

	fmt.Fprintf(logWriter, "%4s %8s %8s %6s %6s %6s\n", "id", "x", "y", "w", "h", "npix")
	for _, fp:=range fps {
		fmt.Fprintf(logWriter, "%4d %8.1f %8.1f %6d %6d %6d\n", fp.ID, fp.X, fp.Y, fp.Width(), fp.Height(), fp.NPix)
	}
	return nil
}

// Reads the template and science FITS files, estimating variance planes
// from the CCD noise model when the files carry none
func loadImagePair(template, science string, logWriter io.Writer) (tmpl, sci *fits.Image, err error) {
	tmpl, err=fits.NewImageFromFile(template, 0, logWriter)
	if err!=nil { return nil, nil, err }
	sci, err=fits.NewImageFromFile(science, 1, logWriter)
	if err!=nil { return nil, nil, err }
	if tmpl.Variance==nil { tmpl.FillVarianceFromData(float32(*gain), float32(*readNoise)) }
	if sci.Variance==nil  { sci.FillVarianceFromData(float32(*gain), float32(*readNoise)) }
	return tmpl, sci, nil
}

func parseFloat64List(s string) ([]float64, error) {
	parts:=strings.Split(s, ",")
	res:=make([]float64, len(parts))
	for i, p:=range parts {
		v, err:=strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err!=nil { return nil, err }
		res[i]=v
	}
	return res, nil
}

func parseInt32List(s string) ([]int32, error) {
	parts:=strings.Split(s, ",")
	res:=make([]int32, len(parts))
	for i, p:=range parts {
		v, err:=strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err!=nil { return nil, err }
		res[i]=int32(v)
	}
	return res, nil
}
