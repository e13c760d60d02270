// Package sandbox runs shell commands with a timeout, a scrubbed environment,
// a restricted working directory and a checkpoint taken beforehand.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentloop/internal/checkpoint"
)

const (
	DefaultShell          = "/bin/sh"
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 1 << 20

	// waitDelay bounds how long Wait blocks on output pipes after a kill.
	waitDelay = 2 * time.Second
)

// secretEnv matches environment keys that are never passed to commands.
var secretEnv = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|passw(or)?d|credential|private[_-]?key|auth)`)

// Config configures a Runner.
type Config struct {
	Shell          string
	DefaultTimeout time.Duration
	AllowedRoots   []string // empty = current working directory
	MaxOutputBytes int64
}

// Options are per-command settings.
type Options struct {
	Timeout   time.Duration
	Dir       string
	DryRun    bool
	Env       []string // nil = inherited environment, scrubbed
	Paths     []string // files the command may change; snapshotted first
	SessionID string
}

// Result is the outcome of one command. Failures are reported here, never
// returned as errors.
type Result struct {
	Command      string        `json:"command"`
	Dir          string        `json:"dir,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Duration     time.Duration `json:"duration"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Failed reports whether the command did not complete successfully.
func (r *Result) Failed() bool {
	return r.TimedOut || r.ExitCode != 0 || r.Error != ""
}

// Runner executes commands. Safe for concurrent use.
type Runner struct {
	cfg    Config
	roots  []string
	store  *checkpoint.Store
	logger *logging.Logger
}

// NewRunner validates cfg. store may be nil, in which case no checkpoints
// are taken and rollback is unavailable.
func NewRunner(cfg Config, store *checkpoint.Store) (*Runner, error) {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	roots := cfg.AllowedRoots
	if len(roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		roots = []string{wd}
	}
	r := &Runner{cfg: cfg, store: store, logger: logging.New().WithComponent("sandbox")}
	for _, root := range roots {
		resolved, err := resolveDir(root)
		if err != nil {
			return nil, fmt.Errorf("allowed root %s: %w", root, err)
		}
		r.roots = append(r.roots, resolved)
	}
	return r, nil
}

// Execute runs command through the configured shell.
func (r *Runner) Execute(ctx context.Context, command string, opts Options) *Result {
	res := &Result{Command: command}
	if strings.TrimSpace(command) == "" {
		res.ExitCode = -1
		res.Error = "empty command"
		return res
	}

	dir, err := r.workDir(opts.Dir)
	if err != nil {
		res.ExitCode = -1
		res.Error = err.Error()
		r.logger.Warn("command rejected", map[string]interface{}{"dir": opts.Dir, "error": res.Error})
		return res
	}
	res.Dir = dir

	if opts.DryRun {
		res.DryRun = true
		res.Stdout = dryRunPreview(command, dir, opts.Paths)
		return res
	}

	if r.store != nil {
		cp, err := r.store.Create(opts.SessionID, command, opts.Paths)
		if err != nil {
			res.ExitCode = -1
			res.Error = fmt.Sprintf("checkpoint failed: %v", err)
			return res
		}
		res.CheckpointID = cp.ID
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Shell, "-c", command)
	cmd.Dir = dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	} else {
		cmd.Env = ScrubEnv(os.Environ())
	}
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, max: r.cfg.MaxOutputBytes}
	errW := &limitedWriter{w: &stderr, max: r.cfg.MaxOutputBytes}
	cmd.Stdout = outW
	cmd.Stderr = errW

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = outW.truncated || errW.truncated

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Error = "cancelled"
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Error = runErr.Error()
		}
	}

	r.logger.Info("command finished", map[string]interface{}{
		"session":     opts.SessionID,
		"exit_code":   res.ExitCode,
		"timed_out":   res.TimedOut,
		"duration_ms": res.Duration.Milliseconds(),
		"checkpoint":  res.CheckpointID,
	})
	return res
}

// Rollback reverts the files saved by a checkpoint.
func (r *Runner) Rollback(id string) checkpoint.Outcome {
	if r.store == nil {
		return checkpoint.OutcomeUnavailable
	}
	return r.store.Rollback(id)
}

// workDir resolves dir and checks it is inside an allowed root.
func (r *Runner) workDir(dir string) (string, error) {
	if dir == "" {
		return r.roots[0], nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", dir, err)
	}
	for _, root := range r.roots {
		if within(root, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("working directory %s is outside the allowed roots", dir)
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", errors.New("not a directory")
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ScrubEnv drops entries whose key looks like it holds a secret.
func ScrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if secretEnv.MatchString(key) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func dryRunPreview(command, dir string, paths []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "dry run: would execute in %s:\n  %s\n", dir, command)
	if len(paths) > 0 {
		b.WriteString("files that may change:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}
	return b.String()
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
