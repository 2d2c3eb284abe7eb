// Command greym protects a PE executable by virtualizing instructions into
// an embedded interpreter. Interpreter.dll is expected next to the binary
// unless GREYM_INTERPRETER points elsewhere.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"

	"github.com/Deputation/GreyM/pkg/pe"
	"github.com/Deputation/GreyM/pkg/protect"
)

var (
	outputPath = flag.String("o", "", "output path (default: <input>.protected.exe)")
	verbose    = flag.Bool("v", false, "verbose logging, one line per virtualized instruction")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: greym [-o output.exe] [-v] input.exe\n")
		os.Exit(1)
	}

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	inputPath := flag.Arg(0)

	if err := run(inputPath); err != nil {
		red := color.New(color.FgRed, color.Bold)
		red.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(inputPath string) error {
	original, err := pe.FromFile(inputPath)
	if err != nil {
		return err
	}

	interpreter, err := pe.FromFile(interpreterPath())
	if err != nil {
		return err
	}

	cfg := protect.DefaultConfig()
	if _, set := os.LookupEnv("GREYM_TLS"); set {
		cfg.EnableTlsCallbacks = env.Bool("GREYM_TLS")
	}
	if _, set := os.LookupEnv("GREYM_RDATA_SCAN"); set {
		cfg.ScanRData = env.Bool("GREYM_RDATA_SCAN")
	}

	protected, err := protect.Protect(original, interpreter, cfg)
	if err != nil {
		return err
	}

	out := *outputPath
	if out == "" {
		out = strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".protected.exe"
	}

	if err := os.WriteFile(out, protected.Data(), 0o644); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("wrote %s\n", out)
	return nil
}

func interpreterPath() string {
	if p := env.Str("GREYM_INTERPRETER"); p != "" {
		return p
	}
	dir := "."
	if exe, err := os.Executable(); err == nil {
		dir = filepath.Dir(exe)
	}
	return filepath.Join(dir, protect.InterpreterFileName)
}
