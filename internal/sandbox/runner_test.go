//go:build !windows

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vinayprograms/agentloop/internal/checkpoint"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRunner(t *testing.T, roots ...string) (*Runner, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if len(roots) == 0 {
		roots = []string{t.TempDir()}
	}
	r, err := NewRunner(Config{AllowedRoots: roots, DefaultTimeout: 5 * time.Second}, store)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	return r, store
}

func TestExecuteSuccess(t *testing.T) {
	r, _ := newTestRunner(t)
	res := r.Execute(context.Background(), "echo hello; echo oops >&2", Options{SessionID: "s1"})
	if res.Failed() {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "hello" || strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("unexpected output %q / %q", res.Stdout, res.Stderr)
	}
	if res.CheckpointID == "" {
		t.Error("real execution should record a checkpoint")
	}
}

func TestExecuteExitCode(t *testing.T) {
	r, _ := newTestRunner(t)
	res := r.Execute(context.Background(), "exit 3", Options{})
	if res.ExitCode != 3 || !res.Failed() {
		t.Errorf("expected exit code 3, got %+v", res)
	}
	if res.CheckpointID == "" {
		t.Error("checkpoint id should be returned even on failure")
	}
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	r, _ := newTestRunner(t)
	start := time.Now()
	res := r.Execute(context.Background(), "sleep 30 & sleep 30", Options{Timeout: 200 * time.Millisecond})
	if !res.TimedOut || res.ExitCode != -1 || !res.Failed() {
		t.Errorf("expected timeout result, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout did not terminate the command promptly: %v", elapsed)
	}
}

func TestExecuteCancelled(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := r.Execute(ctx, "sleep 30", Options{})
	if res.TimedOut || res.Error != "cancelled" {
		t.Errorf("expected cancelled result, got %+v", res)
	}
}

func TestExecuteDryRun(t *testing.T) {
	root := t.TempDir()
	r, store := newTestRunner(t, root)
	target := filepath.Join(root, "keep.txt")
	os.WriteFile(target, []byte("x"), 0644)

	res := r.Execute(context.Background(), "rm keep.txt", Options{DryRun: true, Paths: []string{target}})
	if !res.DryRun || res.Failed() {
		t.Fatalf("expected successful dry run, got %+v", res)
	}
	if res.CheckpointID != "" || store.Len() != 0 {
		t.Error("dry run must not create a checkpoint")
	}
	if _, err := os.Stat(target); err != nil {
		t.Error("dry run must not have side effects")
	}
	if !strings.Contains(res.Stdout, "rm keep.txt") || !strings.Contains(res.Stdout, target) {
		t.Errorf("preview should mention the command and paths: %q", res.Stdout)
	}
}

func TestExecuteDirRestrictedToRoots(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	os.Mkdir(sub, 0755)
	r, _ := newTestRunner(t, root)

	res := r.Execute(context.Background(), "pwd", Options{Dir: sub})
	if res.Failed() {
		t.Fatalf("subdirectory of root should be allowed: %+v", res)
	}
	resolvedSub, _ := filepath.EvalSymlinks(sub)
	if strings.TrimSpace(res.Stdout) != resolvedSub {
		t.Errorf("expected pwd %s, got %q", resolvedSub, res.Stdout)
	}

	outside := t.TempDir()
	res = r.Execute(context.Background(), "pwd", Options{Dir: outside})
	if !res.Failed() || !strings.Contains(res.Error, "outside the allowed roots") {
		t.Errorf("expected rejection, got %+v", res)
	}
	res = r.Execute(context.Background(), "pwd", Options{Dir: filepath.Join(root, "..")})
	if !res.Failed() {
		t.Error("parent of root must be rejected")
	}
}

func TestExecuteScrubsEnvironment(t *testing.T) {
	t.Setenv("AGENTLOOP_TEST_API_KEY", "sk-secret")
	t.Setenv("AGENTLOOP_TEST_VISIBLE", "shown")
	r, _ := newTestRunner(t)

	res := r.Execute(context.Background(), "env", Options{})
	if strings.Contains(res.Stdout, "sk-secret") {
		t.Error("secret environment variable leaked to command")
	}
	if !strings.Contains(res.Stdout, "AGENTLOOP_TEST_VISIBLE=shown") {
		t.Error("ordinary environment variable should be inherited")
	}

	res = r.Execute(context.Background(), "echo $ONLY", Options{Env: []string{"ONLY=explicit"}})
	if strings.TrimSpace(res.Stdout) != "explicit" {
		t.Errorf("explicit env should be used as given, got %q", res.Stdout)
	}
}

func TestScrubEnv(t *testing.T) {
	in := []string{"PATH=/bin", "GITHUB_TOKEN=x", "DB_PASSWORD=y", "aws_secret_access_key=z", "HOME=/root", "OPENAI_API_KEY=k"}
	out := ScrubEnv(in)
	if len(out) != 2 || out[0] != "PATH=/bin" || out[1] != "HOME=/root" {
		t.Errorf("unexpected scrubbed env %v", out)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	store, _ := checkpoint.NewStore(t.TempDir(), 4)
	r, err := NewRunner(Config{AllowedRoots: []string{t.TempDir()}, MaxOutputBytes: 10}, store)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	res := r.Execute(context.Background(), "echo 0123456789abcdef", Options{})
	if !res.Truncated || len(res.Stdout) != 10 {
		t.Errorf("expected 10 bytes truncated output, got %q (truncated=%v)", res.Stdout, res.Truncated)
	}
}

func TestRollbackRestoresCommandChanges(t *testing.T) {
	root := t.TempDir()
	r, _ := newTestRunner(t, root)
	file := filepath.Join(root, "data.txt")
	os.WriteFile(file, []byte("before\n"), 0644)

	res := r.Execute(context.Background(), "echo after > data.txt", Options{Dir: root, Paths: []string{file}})
	if res.Failed() {
		t.Fatalf("command failed: %+v", res)
	}
	if data, _ := os.ReadFile(file); string(data) != "after\n" {
		t.Fatalf("command did not run: %q", data)
	}

	if got := r.Rollback(res.CheckpointID); got != checkpoint.OutcomeRestored {
		t.Fatalf("expected restored, got %s", got)
	}
	if data, _ := os.ReadFile(file); string(data) != "before\n" {
		t.Errorf("expected original content, got %q", data)
	}
	if got := r.Rollback(res.CheckpointID); got != checkpoint.OutcomeUnavailable {
		t.Errorf("second rollback should be unavailable, got %s", got)
	}
	if got := r.Rollback("nope"); got != checkpoint.OutcomeUnavailable {
		t.Errorf("unknown rollback should be unavailable, got %s", got)
	}
}

func TestRunnerWithoutStore(t *testing.T) {
	r, err := NewRunner(Config{AllowedRoots: []string{t.TempDir()}}, nil)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	res := r.Execute(context.Background(), "true", Options{})
	if res.Failed() || res.CheckpointID != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if r.Rollback("x") != checkpoint.OutcomeUnavailable {
		t.Error("rollback without a store should be unavailable")
	}
}

func TestExecuteEmptyCommand(t *testing.T) {
	r, _ := newTestRunner(t)
	if res := r.Execute(context.Background(), "   ", Options{}); !res.Failed() {
		t.Error("empty command should fail")
	}
}
