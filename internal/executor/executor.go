// Package executor runs conversational turns: it builds a plan from the
// planner's subtasks, gates every subtask through the risk policy, dispatches
// operations, pauses for confirmation and finalizes the reply.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentloop/internal/finalize"
	"github.com/vinayprograms/agentloop/internal/planner"
	"github.com/vinayprograms/agentloop/internal/risk"
	"github.com/vinayprograms/agentloop/internal/session"
	"github.com/vinayprograms/agentloop/internal/tools"
)

// ErrNoPendingConfirmation is returned when a confirmation is submitted for a
// session that is not waiting on one.
var ErrNoPendingConfirmation = errors.New("no pending confirmation")

// DefaultMaxParallel bounds concurrent dispatch within a batch.
const DefaultMaxParallel = 4

// Options tunes the executor.
type Options struct {
	Planner       planner.Options
	SessionLimits session.Limits
	MaxParallel   int
}

// Turn is one user request with the plan the external planner produced.
type Turn struct {
	UserInput string
	Subtasks  []planner.Descriptor
	// Route names the operation whose result answers the request.
	// Empty means the last subtask.
	Route string
}

// Outcome is what a turn (or a resumed turn) produced.
type Outcome struct {
	TurnID       string
	Reply        finalize.Reply
	Subtasks     []planner.Subtask
	Paused       bool
	Confirmation *session.Confirmation
	Cancelled    bool
	Dropped      int // descriptors rejected at plan construction
}

// turnRun is the live state of one turn.
type turnRun struct {
	id      string
	input   Turn
	plan    *planner.Plan
	pending *pendingGate

	cancelled atomic.Bool

	mu      sync.Mutex
	results map[int]finalize.ToolOutput
}

// pendingGate is a subtask parked behind a confirmation.
type pendingGate struct {
	confirmation session.Confirmation
	subtask      planner.Subtask
	params       map[string]any
	decision     risk.Decision
}

// slot holds one session. mu serializes turns; cur is readable without it so
// Cancel can reach a running turn.
type slot struct {
	mu    sync.Mutex
	state *session.State
	cur   atomic.Pointer[turnRun]
}

// Executor owns the sessions and runs their turns. Different sessions run
// concurrently; turns of one session are serialized.
type Executor struct {
	opts     Options
	registry *tools.Registry
	gate     *risk.Gate
	pipeline *finalize.Pipeline
	logger   *logging.Logger

	mu       sync.Mutex
	sessions map[string]*slot

	// Callbacks
	OnSubtaskStart    func(sessionID string, st planner.Subtask)
	OnSubtaskComplete func(sessionID string, out finalize.ToolOutput)
	OnConfirmation    func(sessionID string, c session.Confirmation)
}

// New creates an executor.
func New(opts Options, registry *tools.Registry, gate *risk.Gate, pipeline *finalize.Pipeline) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	return &Executor{
		opts:     opts,
		registry: registry,
		gate:     gate,
		pipeline: pipeline,
		logger:   logging.New().WithComponent("executor"),
		sessions: make(map[string]*slot),
	}
}

// Open registers an existing session state, such as one restored from a
// snapshot. An open session with the same id is replaced.
func (e *Executor) Open(st *session.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[st.ID()] = &slot{state: st}
	e.logger.Info("session opened", map[string]interface{}{"session": st.ID(), "turn": st.Turn()})
}

// State returns the session state, creating the session if needed.
func (e *Executor) State(sessionID string) *session.State {
	return e.slot(sessionID).state
}

func (e *Executor) slot(sessionID string) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &slot{state: session.New(sessionID, e.opts.SessionLimits)}
		e.sessions[sessionID] = s
	}
	return s
}

func (e *Executor) lookup(sessionID string) (*slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}

// Close forgets a session. A paused turn is abandoned.
func (e *Executor) Close(sessionID string) bool {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return false
	}
	if run := s.cur.Load(); run != nil {
		run.cancelled.Store(true)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run := s.cur.Swap(nil); run != nil {
		e.abandon(s, run, "session closed")
	}
	e.logger.Info("session closed", map[string]interface{}{"session": sessionID})
	return true
}

// HandleTurn runs a new turn to completion or until a subtask needs
// confirmation. A turn still paused from before is abandoned first.
func (e *Executor) HandleTurn(ctx context.Context, sessionID string, turn Turn) (*Outcome, error) {
	s := e.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.cur.Swap(nil); prev != nil {
		e.abandon(s, prev, "abandoned by a new request")
	}

	opts := e.opts.Planner
	if len(opts.ValidOperations) == 0 && e.registry != nil {
		opts.ValidOperations = e.registry.Names()
	}
	run := &turnRun{
		id:      uuid.NewString(),
		input:   turn,
		plan:    planner.Build(turn.Subtasks, opts),
		results: make(map[int]finalize.ToolOutput),
	}
	s.state.BeginTurn()
	s.cur.Store(run)

	ctx, span := e.startTurnSpan(ctx, "turn.run", sessionID, run)
	out := e.advance(ctx, s, run)
	e.endTurnSpan(span, out)
	return out, nil
}

// PendingConfirmation returns the confirmation the session is waiting on.
func (e *Executor) PendingConfirmation(sessionID string) (session.Confirmation, bool) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return session.Confirmation{}, false
	}
	return s.state.PendingConfirmation()
}

// SubmitConfirmation answers the pending confirmation and resumes the turn.
// edited replaces parameters; only editable fields are applied.
func (e *Executor) SubmitConfirmation(ctx context.Context, sessionID string, accept bool, edited map[string]any) (*Outcome, error) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return nil, ErrNoPendingConfirmation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.cur.Load()
	if run == nil || run.pending == nil {
		return nil, ErrNoPendingConfirmation
	}
	gate := run.pending
	run.pending = nil
	s.state.DropConfirmation(gate.confirmation.ID)

	ctx, span := e.startTurnSpan(ctx, "turn.resume", sessionID, run)
	if accept {
		e.accept(ctx, s, run, gate, edited)
	} else {
		e.logger.Info("confirmation declined", map[string]interface{}{
			"session":   sessionID,
			"subtask":   gate.subtask.ID,
			"operation": gate.subtask.Operation,
		})
		e.fail(s, run, gate.subtask, "declined by user")
	}
	out := e.advance(ctx, s, run)
	e.endTurnSpan(span, out)
	return out, nil
}

// Cancel stops the session's turn. A running turn stops dispatching and
// returns its outcome from HandleTurn; running subtasks finish. A paused
// turn is finalized here and its outcome returned.
func (e *Executor) Cancel(ctx context.Context, sessionID string) (*Outcome, bool) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return nil, false
	}
	run := s.cur.Load()
	if run == nil {
		return nil, false
	}
	run.cancelled.Store(true)
	e.logger.Info("turn cancellation requested", map[string]interface{}{"session": sessionID, "turn": run.id})

	if !s.mu.TryLock() {
		return nil, true
	}
	defer s.mu.Unlock()
	if s.cur.Load() != run || run.pending == nil {
		return nil, true
	}
	s.state.DropConfirmation(run.pending.confirmation.ID)
	run.pending = nil
	return e.advance(ctx, s, run), true
}

// Rollback reverts a checkpoint through the registry's rollback operation.
func (e *Executor) Rollback(ctx context.Context, sessionID, checkpointID string) tools.Result {
	s := e.slot(sessionID)
	params := map[string]any{"checkpoint_id": checkpointID}
	d := e.gate.Classify(ctx, tools.OpRollback, params, sessionID, s.state)
	if d.Action == risk.ActionBlock {
		return tools.Failure("blocked by policy: %s", d.Reason)
	}
	res := e.registry.Invoke(tools.WithSessionID(ctx, sessionID), tools.OpRollback, params)
	s.state.RecordToolResult(tools.OpRollback, res.Success, resultOrError(res))
	return res
}

// abandon cancels what is left of a turn and drops its confirmations.
func (e *Executor) abandon(s *slot, run *turnRun, reason string) {
	cancelled := run.plan.CancelRemaining(reason)
	dropped := s.state.DropTurnConfirmations(run.id)
	run.pending = nil
	e.logger.Info("turn abandoned", map[string]interface{}{
		"session":       s.state.ID(),
		"turn":          run.id,
		"reason":        reason,
		"cancelled":     len(cancelled),
		"confirmations": dropped,
	})
}
