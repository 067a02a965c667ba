// Command veil-build is a thin test driver over internal/poly: it reads
// a host executable, encrypts its text section with a freshly drawn
// cipher.Secret, installs the per-build decryption stub, and writes the
// result to -o. Mirrors the teacher's own main.go/cli.go flag-and-
// VerboseMode idiom, scaled down from a full compiler CLI to one
// pipeline with one input and one output.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xyproto/veil/internal/cipher"
	"github.com/xyproto/veil/internal/config"
	ed "github.com/xyproto/veil/internal/editor"
	"github.com/xyproto/veil/internal/editor/current"
	"github.com/xyproto/veil/internal/poly"
	"github.com/xyproto/veil/internal/rng"
)

func main() {
	var (
		outputFlag  = flag.String("o", "", "output executable path (required)")
		verbose     = flag.Bool("v", false, "verbose mode (show build messages)")
		verboseLong = flag.Bool("verbose", false, "verbose mode (show build messages)")
		optTimeout  = flag.Float64("opt-timeout", 0, "soft budget in seconds for this build, 0 to disable (overrides VEIL_OPT_TIMEOUT)")
	)
	flag.Parse()

	cfg := config.FromEnv()
	if *verbose || *verboseLong {
		cfg.Verbose = true
	}
	cfg.Apply()

	if *optTimeout > 0 {
		cfg.OptTimeout = time.Duration(*optTimeout * float64(time.Second))
	}

	args := flag.Args()
	if len(args) != 1 || *outputFlag == "" {
		fmt.Fprintf(os.Stderr, "usage: veil-build -o <output> [-verbose] [-opt-timeout seconds] <input-executable>\n")
		os.Exit(1)
	}
	inputPath, outputPath := args[0], *outputFlag

	if err := build(inputPath, outputPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "veil-build: %v\n", err)
		os.Exit(1)
	}
	if cfg.Verbose {
		fmt.Printf("Built: %s\n", outputPath)
	}
}

// build runs one encrypt-and-install pass. A missed cfg.OptTimeout
// budget is reported but does not abort the build already in flight —
// the same shallow depth the teacher's own WPOTimeout reaches (a
// soft budget passed alongside the work, not a context deadline
// threaded through every pass).
func build(inputPath, outputPath string, cfg config.Config) error {
	started := time.Now()

	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inputPath, err)
	}

	editor, err := current.OsBuild(ed.Source{Bytes: raw})
	if err != nil {
		return fmt.Errorf("parse %s: %w", inputPath, err)
	}

	secret := cipher.RandomSecret(rng.Default(), cfg.BlockSize)
	engine, err := poly.New(editor, secret)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	jumpVA := editor.FirstExecutionVA()
	if err := engine.EncryptCode(secret); err != nil {
		return fmt.Errorf("encrypt text section: %w", err)
	}
	if _, err := engine.Install(jumpVA); err != nil {
		return fmt.Errorf("install stub: %w", err)
	}

	if _, err := editor.SaveChanges(ed.Destination{Path: outputPath}); err != nil {
		return fmt.Errorf("save %s: %w", outputPath, err)
	}
	if err := os.Chmod(outputPath, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", outputPath, err)
	}

	if cfg.OptTimeout > 0 {
		if elapsed := time.Since(started); elapsed > cfg.OptTimeout {
			fmt.Fprintf(os.Stderr, "veil-build: build took %s, over the %s budget\n", elapsed, cfg.OptTimeout)
		}
	}
	return nil
}
