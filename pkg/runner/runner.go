// Package runner executes external programs and captures their output.
//
// It is the single seam through which imgsync invokes losetup, sfdisk,
// mkfs.*, fsck.*, resize2fs, rsync, mount, umount, df, lsblk, and truncate.
// Every other package calls out to the host only through a Runner so that
// tests can substitute a scripted fake instead of touching real devices.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// adminPathDirs are searched for external tools after PATH, so that
// losetup/sfdisk/resize2fs/mkfs.* resolve even when imgsync runs under a
// minimal PATH (e.g. cron, a stripped-down systemd unit) that doesn't
// already carry the usual sbin directories.
var adminPathDirs = []string{"/sbin", "/usr/sbin", "/usr/local/sbin"}

// resolveTool finds name on PATH, falling back to adminPathDirs. A name
// that already contains a path separator is returned unchanged.
func resolveTool(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	if found, err := exec.LookPath(name); err == nil {
		return found
	}
	for _, dir := range adminPathDirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}

// Mode controls how a command's output is surfaced while it runs.
type Mode int

const (
	// Buffer collects output silently; it is emitted only on a non-zero
	// exit or when debug mode is enabled.
	Buffer Mode = iota
	// Stream emits the child's output live to the user channel as it is
	// produced, in addition to being captured.
	Stream
)

// Result is the outcome of a single external-command invocation.
type Result struct {
	Name     string
	Args     []string
	ExitCode int
	Output   []byte
}

// String renders the command line the way debug output reports it.
func (r *Result) String() string {
	return strings.TrimSpace(strings.Join(append([]string{r.Name}, r.Args...), " "))
}

// ErrSpawn is returned when the child process could not be started at all
// (missing binary, permission denied) — distinct from a non-zero exit.
var ErrSpawn = errors.New("failed to spawn command")

// Runner executes external commands and remembers the last one it ran.
type Runner struct {
	debug bool

	mu   sync.Mutex
	last *Result
}

// New creates a Runner. When debug is true, Buffer-mode output is emitted
// even on success, for command-tracing in debug mode.
func New(debug bool) *Runner {
	return &Runner{debug: debug}
}

// Run executes name with args under ctx and returns the captured result.
// A non-zero exit is not itself returned as an error: callers decide
// whether to abort. Only a failure to spawn the child process is
// returned as an error.
func (r *Runner) Run(ctx context.Context, mode Mode, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, resolveTool(name), args...)

	var buf bytes.Buffer
	if mode == Stream {
		cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
		cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	klog.V(4).Infof("runner: executing %s %s", name, strings.Join(args, " "))

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, name, runErr)
		}
	}

	result := &Result{Name: name, Args: args, ExitCode: exitCode, Output: buf.Bytes()}

	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	if mode == Buffer && (exitCode != 0 || r.debug) {
		klog.V(2).Infof("runner: %s exited %d, output:\n%s", result.String(), exitCode, buf.String())
	}
	klog.V(5).Infof("runner: %s output: %s", result.String(), buf.String())

	return result, nil
}

// LastCommand returns the most recently executed Result, or nil if no
// command has run yet. Consumed by debug-mode failure reporting.
func (r *Runner) LastCommand() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunWithInput behaves like Run but feeds input to the child's stdin,
// used to pipe a partition-table dump into the external restore tool.
func (r *Runner) RunWithInput(ctx context.Context, mode Mode, input []byte, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, resolveTool(name), args...)
	cmd.Stdin = bytes.NewReader(input)

	var buf bytes.Buffer
	if mode == Stream {
		cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
		cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	klog.V(4).Infof("runner: executing %s %s (with stdin)", name, strings.Join(args, " "))

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, name, runErr)
		}
	}

	result := &Result{Name: name, Args: args, ExitCode: exitCode, Output: buf.Bytes()}

	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	if mode == Buffer && (exitCode != 0 || r.debug) {
		klog.V(2).Infof("runner: %s exited %d, output:\n%s", result.String(), exitCode, buf.String())
	}

	return result, nil
}
