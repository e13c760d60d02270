package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/agentloop/internal/checkpoint"
	"github.com/vinayprograms/agentloop/internal/sandbox"
)

// Built-in operation names.
const (
	OpShell    = "shell"
	OpRollback = "rollback"
)

// CommandRunner is the sandbox as seen by the built-in operations.
type CommandRunner interface {
	Execute(ctx context.Context, command string, opts sandbox.Options) *sandbox.Result
	Rollback(id string) checkpoint.Outcome
}

// Shell runs params["command"] in the sandbox. Optional params: dir,
// timeout ("10s" or seconds), paths (files to checkpoint), dry_run.
func Shell(runner CommandRunner) Operation {
	return Func(OpShell, func(ctx context.Context, params map[string]any) Result {
		command := stringParam(params, "command")
		if strings.TrimSpace(command) == "" {
			return Failure("missing required parameter: command")
		}
		timeout, err := durationParam(params, "timeout")
		if err != nil {
			return Failure("invalid timeout: %v", err)
		}
		res := runner.Execute(ctx, command, sandbox.Options{
			Timeout:   timeout,
			Dir:       stringParam(params, "dir"),
			DryRun:    boolParam(params, "dry_run"),
			Paths:     stringsParam(params, "paths"),
			SessionID: SessionID(ctx),
		})

		out := map[string]any{
			"exit_code": res.ExitCode,
			"stdout":    res.Stdout,
		}
		if res.Stderr != "" {
			out["stderr"] = res.Stderr
		}
		if res.CheckpointID != "" {
			out["checkpoint_id"] = res.CheckpointID
		}
		if res.DryRun {
			out["dry_run"] = true
		}
		if res.TimedOut {
			out["timed_out"] = true
		}
		if res.Truncated {
			out["truncated"] = true
		}
		if !res.Failed() {
			return Result{Success: true, Result: out}
		}
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
			if line := firstLine(res.Stderr); line != "" {
				msg += ": " + line
			}
		}
		return Result{Success: false, Result: out, Error: msg}
	})
}

// Rollback reverts a checkpoint named by params["checkpoint_id"].
func Rollback(runner CommandRunner) Operation {
	return Func(OpRollback, func(ctx context.Context, params map[string]any) Result {
		id := stringParam(params, "checkpoint_id")
		if id == "" {
			return Failure("missing required parameter: checkpoint_id")
		}
		outcome := runner.Rollback(id)
		out := map[string]any{"checkpoint_id": id, "outcome": string(outcome)}
		switch outcome {
		case checkpoint.OutcomeRestored:
			return Result{Success: true, Result: out}
		case checkpoint.OutcomePartial:
			return Result{Success: false, Result: out, Error: "rollback only partially restored files"}
		default:
			return Result{Success: false, Result: out, Error: "checkpoint unavailable"}
		}
	})
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolParam(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "yes"
	}
	return false
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// durationParam accepts a Go duration string or a number of seconds.
func durationParam(params map[string]any, key string) (time.Duration, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		// A bare number is seconds, as for numeric values.
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
