// Session bookkeeping for subtask outcomes.
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentloop/internal/finalize"
	"github.com/vinayprograms/agentloop/internal/session"
	"github.com/vinayprograms/agentloop/internal/tools"
)

// record stores a subtask outcome on the turn and in the session: a short
// tool-result digest, a trace entry and any entities the result names.
func (e *Executor) record(s *slot, run *turnRun, out finalize.ToolOutput, duration time.Duration) {
	run.mu.Lock()
	run.results[out.SubtaskID] = out
	run.mu.Unlock()

	if out.Success {
		s.state.RecordToolResult(out.Operation, true, out.Result)
		for _, ent := range entitiesFrom(out.Operation, out.Result) {
			s.state.TrackEntity(ent)
		}
	} else {
		s.state.RecordToolResult(out.Operation, false, out.Error)
	}

	trace := map[string]any{
		"operation":   out.Operation,
		"success":     out.Success,
		"duration_ms": duration.Milliseconds(),
	}
	if out.Error != "" {
		trace["error"] = truncateForLog(out.Error, 500)
	}
	s.state.RecordTrace(fmt.Sprintf("%s/%d", run.id, out.SubtaskID), trace)

	var err error
	if !out.Success {
		err = errors.New(out.Error)
	}
	e.logger.ToolResult(out.Operation, duration, err)

	if e.OnSubtaskComplete != nil {
		e.OnSubtaskComplete(s.state.ID(), out)
	}
}

// entitiesFrom extracts records carrying an "id" from a result. A list is
// returned last-to-first so its first record ends up the active entity.
func entitiesFrom(operation string, result any) []session.Entity {
	var records []map[string]any
	switch v := result.(type) {
	case map[string]any:
		records = []map[string]any{v}
	case []map[string]any:
		records = v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				records = append(records, m)
			}
		}
	}
	var out []session.Entity
	for i := len(records) - 1; i >= 0; i-- {
		m := records[i]
		id, ok := m["id"]
		if !ok || id == nil {
			continue
		}
		out = append(out, session.Entity{
			ID:    fmt.Sprint(id),
			Kind:  operation,
			Label: entityLabel(m),
			Data:  m,
		})
	}
	return out
}

func entityLabel(m map[string]any) string {
	for _, key := range []string{"title", "name", "subject", "label"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func resultOrError(res tools.Result) any {
	if res.Success {
		return res.Result
	}
	return res.Error
}
