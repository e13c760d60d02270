// Package session holds the bounded, per-conversation working memory of the
// agent: tracked entities, pending confirmations, traces, conversation history
// and the operations the user already approved.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/logging"
)

// Limits bounds every collection of a State. Field order matches
// config.SessionConfig so the two convert directly.
type Limits struct {
	EntityTTL        int
	MaxEntities      int
	MaxConfirmations int
	MaxTraces        int
	HistoryTurns     int
	SummaryChars     int
	MaxToolResults   int
	MaxConfirmedOps  int
	SnapshotChars    int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		EntityTTL:        5,
		MaxEntities:      32,
		MaxConfirmations: 8,
		MaxTraces:        64,
		HistoryTurns:     6,
		SummaryChars:     1200,
		MaxToolResults:   8,
		MaxConfirmedOps:  64,
		SnapshotChars:    4000,
	}
}

// normalized replaces unset limits with defaults.
func (l Limits) normalized() Limits {
	d := DefaultLimits()
	fill := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&l.EntityTTL, d.EntityTTL)
	fill(&l.MaxEntities, d.MaxEntities)
	fill(&l.MaxConfirmations, d.MaxConfirmations)
	fill(&l.MaxTraces, d.MaxTraces)
	fill(&l.HistoryTurns, d.HistoryTurns)
	fill(&l.SummaryChars, d.SummaryChars)
	fill(&l.MaxToolResults, d.MaxToolResults)
	fill(&l.MaxConfirmedOps, d.MaxConfirmedOps)
	fill(&l.SnapshotChars, d.SnapshotChars)
	return l
}

// Entity is something the conversation refers to: a file, a message, an event.
type Entity struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind,omitempty"`
	Label       string         `json:"label,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedTurn int            `json:"created_turn"`
}

// Confirmation is a paused subtask waiting for the user.
type Confirmation struct {
	ID             string         `json:"id"`
	TurnID         string         `json:"turn_id,omitempty"`
	SubtaskID      int            `json:"subtask_id"`
	Operation      string         `json:"operation"`
	Action         string         `json:"action"`
	Tier           string         `json:"tier,omitempty"`
	DisplayParams  map[string]any `json:"display_params,omitempty"`
	EditableFields []string       `json:"editable_fields,omitempty"`
	MemoryKey      string         `json:"memory_key,omitempty"`
	Preview        string         `json:"preview,omitempty"`
	Prompt         string         `json:"prompt"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Exchange is one user/assistant turn.
type Exchange struct {
	User  string `json:"user"`
	Reply string `json:"reply"`
}

// ToolSummary is the short, display-safe digest of a tool result.
type ToolSummary struct {
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
	Summary   string `json:"summary"`
}

// TraceEntry is one key of the trace map.
type TraceEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// maxToolSummaryChars bounds a single tool result digest.
const maxToolSummaryChars = 240

// State is the mutable record of one conversation session. All methods are
// safe for concurrent use; every collection is capacity-bounded.
type State struct {
	mu     sync.Mutex
	id     string
	logger *logging.Logger
	limits Limits
	turn   int

	entities *boundedMap[Entity]
	active   string

	confirmations *ring[Confirmation]
	traces        *boundedMap[any]
	history       *ring[Exchange]
	summary       string
	toolResults   *ring[ToolSummary]
	confirmed     *boundedMap[struct{}]
}

// New creates an empty session state.
func New(id string, limits Limits) *State {
	s := &State{id: id, logger: logging.New().WithComponent("session")}
	s.init(limits)
	return s
}

func (s *State) init(limits Limits) {
	l := limits.normalized()
	s.limits = l
	s.turn = 0
	s.entities = newBoundedMap[Entity](l.MaxEntities)
	s.active = ""
	s.confirmations = newRing[Confirmation](l.MaxConfirmations)
	s.traces = newBoundedMap[any](l.MaxTraces)
	s.history = newRing[Exchange](l.HistoryTurns)
	s.summary = ""
	s.toolResults = newRing[ToolSummary](l.MaxToolResults)
	s.confirmed = newBoundedMap[struct{}](l.MaxConfirmedOps)
}

// ID returns the session id.
func (s *State) ID() string { return s.id }

// Limits returns the effective limits.
func (s *State) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// Turn returns the current turn number.
func (s *State) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// BeginTurn advances the turn counter and evicts expired entities.
// It returns the new turn number.
func (s *State) BeginTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	s.evictExpired()
	return s.turn
}

func (s *State) evictExpired() {
	for _, id := range s.entities.ordered() {
		e, _ := s.entities.get(id)
		if s.turn-e.CreatedTurn >= s.limits.EntityTTL {
			s.entities.delete(id)
			s.logger.Debug("entity expired", map[string]interface{}{
				"session": s.id,
				"entity":  id,
				"turn":    s.turn,
			})
			if s.active == id {
				s.active = ""
			}
		}
	}
}

// TrackEntity records an entity at the current turn and makes it active.
// Re-tracking an id refreshes it.
func (s *State) TrackEntity(e Entity) {
	if e.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedTurn = s.turn
	s.entities.delete(e.ID)
	if evicted, dropped := s.entities.set(e.ID, e); dropped {
		s.logger.Debug("entity evicted", map[string]interface{}{
			"session": s.id,
			"entity":  evicted,
		})
	}
	s.active = e.ID
}

// Entity returns a tracked entity.
func (s *State) Entity(id string) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities.get(id)
}

// ActiveEntity returns the most recently tracked live entity.
func (s *State) ActiveEntity() (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return Entity{}, false
	}
	return s.entities.get(s.active)
}

// EnqueueConfirmation appends to the confirmation queue, dropping the
// oldest entry when full. It reports whether an entry was dropped.
func (s *State) EnqueueConfirmation(c Confirmation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, dropped := s.confirmations.push(c)
	if dropped {
		s.logger.Warn("confirmation queue full, dropped oldest", map[string]interface{}{
			"session":   s.id,
			"operation": old.Operation,
			"id":        old.ID,
		})
	}
	return dropped
}

// DequeueConfirmation removes and returns the head of the queue.
func (s *State) DequeueConfirmation() (Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmations.pop()
}

// PendingConfirmation returns the head of the queue without removing it.
func (s *State) PendingConfirmation() (Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmations.peek()
}

// DropConfirmation removes the confirmation with the given id.
func (s *State) DropConfirmation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmations.removeFunc(func(c Confirmation) bool { return c.ID == id }) > 0
}

// DropTurnConfirmations removes every confirmation raised by a turn.
func (s *State) DropTurnConfirmations(turnID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmations.removeFunc(func(c Confirmation) bool { return c.TurnID == turnID })
}

// RecordTrace stores a trace value; the oldest key is dropped when full.
func (s *State) RecordTrace(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces.set(key, value)
}

// Trace returns a recorded trace value.
func (s *State) Trace(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traces.get(key)
}

// AppendTurn records a finished exchange. The oldest verbatim turn is folded
// into the rolling summary once the history is full.
func (s *State) AppendTurn(user, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, dropped := s.history.push(Exchange{User: user, Reply: reply}); dropped {
		s.foldIntoSummary(old)
	}
}

func (s *State) foldIntoSummary(ex Exchange) {
	line := fmt.Sprintf("User: %s | Assistant: %s", oneLine(ex.User), oneLine(ex.Reply))
	if s.summary != "" {
		line = s.summary + "\n" + line
	}
	s.summary = trimFront(line, s.limits.SummaryChars)
}

// Summary returns the rolling summary of turns no longer kept verbatim.
func (s *State) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// History returns the verbatim turns, oldest first.
func (s *State) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

// RecordToolResult keeps a short summary of a tool result, never the raw payload.
func (s *State) RecordToolResult(operation string, success bool, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults.push(ToolSummary{
		Operation: operation,
		Success:   success,
		Summary:   summarize(result, maxToolSummaryChars),
	})
}

// ToolResults returns the recent tool summaries, oldest first.
func (s *State) ToolResults() []ToolSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolResults.snapshot()
}

// RememberConfirmation records that the user approved key for this session.
func (s *State) RememberConfirmation(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed.set(key, struct{}{})
}

// IsConfirmed reports whether key was approved earlier in the session.
func (s *State) IsConfirmed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.confirmed.get(key)
	return ok
}

// Stats reports the current size of every collection.
type Stats struct {
	Entities      int
	Confirmations int
	Traces        int
	History       int
	SummaryChars  int
	ToolResults   int
	Confirmed     int
}

// Stats returns collection sizes.
func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entities:      s.entities.len(),
		Confirmations: s.confirmations.len(),
		Traces:        s.traces.len(),
		History:       s.history.len(),
		SummaryChars:  len(s.summary),
		ToolResults:   s.toolResults.len(),
		Confirmed:     s.confirmed.len(),
	}
}

// Snapshot is the compact view of a session handed to reply synthesis.
type Snapshot struct {
	Summary     string
	Entities    []Entity // newest first
	ToolResults []ToolSummary
	Pending     *Confirmation
	Recent      []Exchange
	Text        string // rendered, trimmed to the snapshot budget
}

// ContextSnapshot returns the compact view of the session.
func (s *State) ContextSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Summary:     s.summary,
		ToolResults: s.toolResults.snapshot(),
		Recent:      s.history.snapshot(),
	}
	keys := s.entities.ordered()
	for i := len(keys) - 1; i >= 0; i-- {
		e, _ := s.entities.get(keys[i])
		snap.Entities = append(snap.Entities, e)
	}
	if head, ok := s.confirmations.peek(); ok {
		snap.Pending = &head
	}
	snap.Text = trimFront(renderSnapshot(snap), s.limits.SnapshotChars)
	return snap
}

func renderSnapshot(snap Snapshot) string {
	var b strings.Builder
	if snap.Summary != "" {
		b.WriteString("Earlier conversation:\n")
		b.WriteString(snap.Summary)
		b.WriteString("\n")
	}
	if len(snap.Entities) > 0 {
		b.WriteString("Entities:\n")
		for _, e := range snap.Entities {
			label := e.Label
			if label == "" {
				label = e.ID
			}
			fmt.Fprintf(&b, "- %s (%s)\n", label, e.Kind)
		}
	}
	if len(snap.ToolResults) > 0 {
		b.WriteString("Recent results:\n")
		for _, r := range snap.ToolResults {
			status := "ok"
			if !r.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "- %s [%s]: %s\n", r.Operation, status, r.Summary)
		}
	}
	if snap.Pending != nil {
		fmt.Fprintf(&b, "Awaiting confirmation: %s\n", snap.Pending.Prompt)
	}
	for _, ex := range snap.Recent {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", oneLine(ex.User), oneLine(ex.Reply))
	}
	return b.String()
}

// Reset clears the session for reuse. Limits are kept.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init(s.limits)
}

// Record is the JSON-serializable snapshot of a State.
type Record struct {
	ID            string         `json:"id"`
	Turn          int            `json:"turn"`
	Entities      []Entity       `json:"entities,omitempty"`
	Active        string         `json:"active,omitempty"`
	Confirmations []Confirmation `json:"confirmations,omitempty"`
	Traces        []TraceEntry   `json:"traces,omitempty"`
	History       []Exchange     `json:"history,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	ToolResults   []ToolSummary  `json:"tool_results,omitempty"`
	Confirmed     []string       `json:"confirmed,omitempty"`
	SavedAt       time.Time      `json:"saved_at"`
}

// Export returns a snapshot of the state.
func (s *State) Export() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		ID:            s.id,
		Turn:          s.turn,
		Active:        s.active,
		Confirmations: s.confirmations.snapshot(),
		History:       s.history.snapshot(),
		Summary:       s.summary,
		ToolResults:   s.toolResults.snapshot(),
		Confirmed:     s.confirmed.ordered(),
		SavedAt:       time.Now(),
	}
	for _, id := range s.entities.ordered() {
		e, _ := s.entities.get(id)
		rec.Entities = append(rec.Entities, e)
	}
	for _, key := range s.traces.ordered() {
		v, _ := s.traces.get(key)
		rec.Traces = append(rec.Traces, TraceEntry{Key: key, Value: v})
	}
	return rec
}

// Restore rebuilds a State from a record, re-applying limits.
func Restore(rec *Record, limits Limits) *State {
	s := New(rec.ID, limits)
	s.turn = rec.Turn
	for _, e := range rec.Entities {
		s.entities.delete(e.ID)
		s.entities.set(e.ID, e)
	}
	if _, ok := s.entities.get(rec.Active); ok {
		s.active = rec.Active
	}
	s.evictExpired()
	for _, c := range rec.Confirmations {
		s.confirmations.push(c)
	}
	for _, t := range rec.Traces {
		s.traces.set(t.Key, t.Value)
	}
	s.summary = trimFront(rec.Summary, s.limits.SummaryChars)
	for _, ex := range rec.History {
		if old, dropped := s.history.push(ex); dropped {
			s.foldIntoSummary(old)
		}
	}
	for _, r := range rec.ToolResults {
		s.toolResults.push(r)
	}
	for _, key := range rec.Confirmed {
		s.confirmed.set(key, struct{}{})
	}
	return s
}

// summarize renders a result as a single truncated line.
func summarize(result any, limit int) string {
	var text string
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		text = v
	case error:
		text = v.Error()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}
	return truncate(oneLine(text), limit)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

// trimFront keeps the newest limit bytes of s, cutting at a line boundary
// when one is available.
func trimFront(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	cut := s[start:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		return cut[i+1:]
	}
	return cut
}
