package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentloop/internal/finalize"
	"github.com/vinayprograms/agentloop/internal/planner"
	"github.com/vinayprograms/agentloop/internal/risk"
	"github.com/vinayprograms/agentloop/internal/session"
	"github.com/vinayprograms/agentloop/internal/tools"
)

// job is a subtask cleared to run with its resolved parameters.
type job struct {
	subtask planner.Subtask
	params  map[string]any
}

// advance dispatches ready subtasks until the plan completes or a subtask
// needs confirmation. The caller holds s.mu.
func (e *Executor) advance(ctx context.Context, s *slot, run *turnRun) *Outcome {
	for {
		if reason := stopReason(ctx, run); reason != "" {
			if ids := run.plan.CancelRemaining(reason); len(ids) > 0 {
				e.logger.Info("remaining subtasks cancelled", map[string]interface{}{
					"session": s.state.ID(),
					"reason":  reason,
					"ids":     ids,
				})
			}
			break
		}
		ready := run.plan.Ready()
		if len(ready) == 0 {
			break
		}
		batch, gated := e.partition(ctx, s, run, ready)
		e.dispatch(ctx, s, run, batch)
		if gated == nil || stopReason(ctx, run) != "" {
			continue
		}
		if out, ok := e.pause(ctx, s, run, gated); ok {
			return out
		}
	}
	return e.complete(ctx, s, run)
}

func stopReason(ctx context.Context, run *turnRun) string {
	if run.cancelled.Load() {
		return "cancelled by user"
	}
	if err := ctx.Err(); err != nil {
		return "cancelled: " + err.Error()
	}
	return ""
}

// partition classifies ready subtasks in order. Everything before the first
// gated subtask forms the batch; blocked subtasks fail on the spot.
func (e *Executor) partition(ctx context.Context, s *slot, run *turnRun, ready []planner.Subtask) ([]job, *pendingGate) {
	var batch []job
	for _, st := range ready {
		params := run.plan.ResolveParams(st.ID)
		d := e.gate.Classify(ctx, st.Operation, params, s.state.ID(), s.state)
		switch d.Action {
		case risk.ActionExecute:
			batch = append(batch, job{subtask: st, params: params})
		case risk.ActionBlock:
			e.fail(s, run, st, "blocked by policy: "+d.Reason)
		default:
			return batch, &pendingGate{subtask: st, params: params, decision: d}
		}
	}
	return batch, nil
}

// dispatch runs a batch concurrently, bounded by MaxParallel. Subtasks not
// yet started when the turn is cancelled stay pending.
func (e *Executor) dispatch(ctx context.Context, s *slot, run *turnRun, batch []job) {
	switch len(batch) {
	case 0:
		return
	case 1:
		e.runSubtask(ctx, s, run, batch[0].subtask, batch[0].params)
		return
	}
	var g errgroup.Group
	g.SetLimit(e.opts.MaxParallel)
	for _, j := range batch {
		if stopReason(ctx, run) != "" {
			break
		}
		g.Go(func() error {
			e.runSubtask(ctx, s, run, j.subtask, j.params)
			return nil
		})
	}
	_ = g.Wait()
}

// runSubtask invokes one operation and records its outcome in the plan and
// the session.
func (e *Executor) runSubtask(ctx context.Context, s *slot, run *turnRun, st planner.Subtask, params map[string]any) {
	if err := run.plan.MarkRunning(st.ID); err != nil {
		e.logger.Warn("subtask not runnable", map[string]interface{}{"subtask": st.ID, "error": err.Error()})
		return
	}
	if e.OnSubtaskStart != nil {
		e.OnSubtaskStart(s.state.ID(), st)
	}

	ctx, span := e.startSubtaskSpan(ctx, st)
	start := time.Now()
	res := e.registry.Invoke(tools.WithSessionID(ctx, s.state.ID()), st.Operation, params)
	duration := time.Since(start)
	e.endSubtaskSpan(span, res)

	out := finalize.ToolOutput{
		SubtaskID: st.ID,
		Operation: st.Operation,
		Goal:      st.Goal,
		Success:   res.Success,
	}
	if res.Success {
		out.Result = res.Result
		if err := run.plan.Complete(st.ID, res.Result); err != nil {
			e.logger.Warn("subtask result discarded", map[string]interface{}{"subtask": st.ID, "error": err.Error()})
		}
	} else {
		out.Result = res.Result
		out.Error = res.Error
		if out.Error == "" {
			out.Error = "operation failed"
		}
		cancelled, err := run.plan.Fail(st.ID, out.Error)
		if err != nil {
			e.logger.Warn("subtask failure discarded", map[string]interface{}{"subtask": st.ID, "error": err.Error()})
		} else if len(cancelled) > 0 {
			e.logger.Info("dependents cancelled", map[string]interface{}{"subtask": st.ID, "cancelled": cancelled})
		}
	}
	e.record(s, run, out, duration)
}

// fail marks a subtask that never ran as failed.
func (e *Executor) fail(s *slot, run *turnRun, st planner.Subtask, reason string) {
	cancelled, err := run.plan.Fail(st.ID, reason)
	if err != nil {
		e.logger.Warn("subtask failure discarded", map[string]interface{}{"subtask": st.ID, "error": err.Error()})
		return
	}
	e.logger.Info("subtask refused", map[string]interface{}{
		"session":   s.state.ID(),
		"subtask":   st.ID,
		"operation": st.Operation,
		"reason":    reason,
		"cancelled": cancelled,
	})
	e.record(s, run, finalize.ToolOutput{
		SubtaskID: st.ID,
		Operation: st.Operation,
		Goal:      st.Goal,
		Error:     reason,
	}, 0)
}

// pause parks a gated subtask behind a confirmation. It reports false when
// the subtask failed instead (a dry run that could not be previewed).
func (e *Executor) pause(ctx context.Context, s *slot, run *turnRun, g *pendingGate) (*Outcome, bool) {
	var preview string
	if g.decision.Action == risk.ActionDryRunFirst && e.gate.IsShell(g.subtask.Operation) {
		text, err := e.preview(ctx, s, g)
		if err != nil {
			e.fail(s, run, g.subtask, "dry run failed: "+err.Error())
			return nil, false
		}
		preview = text
	}

	d := g.decision
	c := session.Confirmation{
		ID:             uuid.NewString(),
		TurnID:         run.id,
		SubtaskID:      g.subtask.ID,
		Operation:      g.subtask.Operation,
		Action:         string(d.Action),
		Tier:           string(d.Tier),
		DisplayParams:  d.DisplayParams,
		EditableFields: d.EditableFields,
		MemoryKey:      d.MemoryKey,
		Preview:        preview,
		CreatedAt:      time.Now(),
	}
	c.Prompt = confirmationPrompt(g.subtask, d, preview)
	if s.state.EnqueueConfirmation(c) {
		e.logger.Warn("confirmation queue full, oldest dropped", map[string]interface{}{"session": s.state.ID()})
	}
	g.confirmation = c
	run.pending = g

	e.logger.Info("turn paused for confirmation", map[string]interface{}{
		"session":   s.state.ID(),
		"subtask":   g.subtask.ID,
		"operation": g.subtask.Operation,
		"action":    string(d.Action),
	})
	if e.OnConfirmation != nil {
		e.OnConfirmation(s.state.ID(), c)
	}

	reply := e.pipeline.Finalize(ctx, finalize.Input{
		Plan:      run.plan.Subtasks(),
		Results:   run.outputs(),
		UserInput: run.input.UserInput,
		Question:  c.Prompt,
	})
	return &Outcome{
		TurnID:       run.id,
		Reply:        reply,
		Subtasks:     run.plan.Subtasks(),
		Paused:       true,
		Confirmation: &c,
		Dropped:      run.plan.Dropped(),
	}, true
}

// preview runs a shell subtask with dry_run set and returns its output.
func (e *Executor) preview(ctx context.Context, s *slot, g *pendingGate) (string, error) {
	params := copyParams(g.params)
	params["dry_run"] = true
	res := e.registry.Invoke(tools.WithSessionID(ctx, s.state.ID()), g.subtask.Operation, params)
	if !res.Success {
		if res.Error == "" {
			return "", errors.New("no preview")
		}
		return "", errors.New(res.Error)
	}
	if m, ok := res.Result.(map[string]any); ok {
		if out, ok := m["stdout"].(string); ok {
			return strings.TrimSpace(out), nil
		}
	}
	return strings.TrimSpace(fmt.Sprint(res.Result)), nil
}

// accept runs a confirmed subtask. Edits touch editable fields only and are
// classified again so deny patterns still apply.
func (e *Executor) accept(ctx context.Context, s *slot, run *turnRun, g *pendingGate, edited map[string]any) {
	params, changed := applyEdits(g.params, edited, g.decision.EditableFields)
	if changed {
		d := e.gate.Classify(ctx, g.subtask.Operation, params, s.state.ID(), s.state)
		if d.Action == risk.ActionBlock {
			e.fail(s, run, g.subtask, "blocked by policy: "+d.Reason)
			return
		}
	}
	if g.decision.Action == risk.ActionConfirmOnce && g.decision.MemoryKey != "" {
		s.state.RememberConfirmation(g.decision.MemoryKey)
	}
	e.logger.Info("confirmation accepted", map[string]interface{}{
		"session":   s.state.ID(),
		"subtask":   g.subtask.ID,
		"operation": g.subtask.Operation,
		"edited":    changed,
	})
	e.runSubtask(ctx, s, run, g.subtask, params)
}

// complete finalizes a turn whose plan has nothing left to run.
func (e *Executor) complete(ctx context.Context, s *slot, run *turnRun) *Outcome {
	s.cur.CompareAndSwap(run, nil)
	subtasks := run.plan.Subtasks()
	reply := e.pipeline.Finalize(ctx, finalize.Input{
		Plan:      subtasks,
		Results:   run.outputs(),
		UserInput: run.input.UserInput,
		Summary:   s.state.ContextSnapshot().Text,
		Route:     run.input.Route,
	})
	s.state.AppendTurn(run.input.UserInput, reply.Text)

	progress := run.plan.Progress()
	e.logger.Info("turn complete", map[string]interface{}{
		"session":   s.state.ID(),
		"turn":      run.id,
		"done":      progress[planner.StatusDone],
		"failed":    progress[planner.StatusFailed],
		"cancelled": progress[planner.StatusCancelled],
		"source":    string(reply.Source),
	})
	return &Outcome{
		TurnID:    run.id,
		Reply:     reply,
		Subtasks:  subtasks,
		Cancelled: run.cancelled.Load(),
		Dropped:   run.plan.Dropped(),
	}
}

// outputs returns the recorded results in execution order.
func (run *turnRun) outputs() []finalize.ToolOutput {
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]finalize.ToolOutput, 0, len(run.results))
	for _, id := range run.plan.Order() {
		if r, ok := run.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func confirmationPrompt(st planner.Subtask, d risk.Decision, preview string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "About to run %s", st.Operation)
	if st.Goal != "" {
		fmt.Fprintf(&b, " (%s)", st.Goal)
	}
	if len(d.DisplayParams) > 0 {
		fmt.Fprintf(&b, " with %s", renderParams(d.DisplayParams))
	}
	fmt.Fprintf(&b, ".\nReason: %s.", d.Reason)
	if preview != "" {
		fmt.Fprintf(&b, "\n%s", preview)
	}
	if len(d.EditableFields) > 0 {
		fmt.Fprintf(&b, "\nEditable: %s.", strings.Join(d.EditableFields, ", "))
	}
	b.WriteString("\nProceed?")
	return b.String()
}

func renderParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ", ")
}

// applyEdits copies params and overwrites the editable fields present in
// edited. It reports whether anything changed.
func applyEdits(params, edited map[string]any, editable []string) (map[string]any, bool) {
	out := copyParams(params)
	changed := false
	for _, field := range editable {
		v, ok := edited[field]
		if !ok {
			continue
		}
		if old, exists := out[field]; exists && fmt.Sprint(old) == fmt.Sprint(v) {
			continue
		}
		out[field] = v
		changed = true
	}
	return out, changed
}
