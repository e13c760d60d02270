// Package finalize turns the terminal state of a plan into the reply the user
// sees. Deterministic answers are preferred whenever synthesis could invent
// facts; synthesized answers fall back through a fixed chain that always ends
// in a templated summary.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/agentloop/internal/planner"
)

// Tier is a synthesis strategy.
type Tier string

const (
	TierNone    Tier = ""
	TierFast    Tier = "fast"
	TierQuality Tier = "quality"
)

// Source says which step of the pipeline produced a reply.
type Source string

const (
	SourceQuestion     Source = "question"
	SourceErrorSummary Source = "error_summary"
	SourceEmptyResult  Source = "empty_result"
	SourceQuality      Source = "quality"
	SourceFast         Source = "fast"
	SourceTemplate     Source = "template"
)

// ToolOutput is the result of one executed subtask.
type ToolOutput struct {
	SubtaskID int    `json:"subtask_id"`
	Operation string `json:"operation"`
	Goal      string `json:"goal,omitempty"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Input is everything the pipeline may draw on.
type Input struct {
	Plan      []planner.Subtask
	Results   []ToolOutput
	UserInput string
	Summary   string // session context snapshot
	Question  string // pending question for the user, if any
	Route     string // operation whose result answers the request; defaults to the last subtask
}

// Reply is the user-facing answer.
type Reply struct {
	Text   string `json:"text"`
	Source Source `json:"source"`
	Tier   Tier   `json:"tier,omitempty"`
}

// Request is what a synthesizer receives.
type Request struct {
	UserInput string
	Summary   string
	Results   []ToolOutput
	Strict    bool // forbid numbers absent from the sources
}

// Synthesizer produces reply text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (string, error)
}

// Heuristic picks a tier for a request that is not smalltalk.
type Heuristic func(Input) Tier

// Config tunes the pipeline.
type Config struct {
	Override            Tier
	SmalltalkMaxChars   int
	QualityRetries      int
	QualityMinResults   int
	QualityMinChars     int
	EmptyResultPrefixes []string
	Timeout             time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		SmalltalkMaxChars:   40,
		QualityRetries:      1,
		QualityMinResults:   2,
		QualityMinChars:     160,
		EmptyResultPrefixes: []string{"list_", "search_", "find_"},
		Timeout:             45 * time.Second,
	}
}

// DefaultHeuristic prefers quality for multi-result or long requests.
func DefaultHeuristic(cfg Config) Heuristic {
	return func(in Input) Tier {
		successful := 0
		for _, r := range in.Results {
			if r.Success {
				successful++
			}
		}
		if successful >= cfg.QualityMinResults || len(in.UserInput) >= cfg.QualityMinChars {
			return TierQuality
		}
		return TierFast
	}
}

// Pipeline runs the finalization chain. A nil synthesizer counts as a
// failing one.
type Pipeline struct {
	cfg       Config
	quality   Synthesizer
	fast      Synthesizer
	heuristic Heuristic
	guard     Guard
	logger    *logging.Logger
}

// New creates a pipeline. A nil heuristic uses DefaultHeuristic.
func New(cfg Config, quality, fast Synthesizer, heuristic Heuristic) *Pipeline {
	if cfg.QualityRetries < 0 {
		cfg.QualityRetries = 0
	}
	if heuristic == nil {
		heuristic = DefaultHeuristic(cfg)
	}
	return &Pipeline{
		cfg:       cfg,
		quality:   quality,
		fast:      fast,
		heuristic: heuristic,
		logger:    logging.New().WithComponent("finalize"),
	}
}

// Finalize produces the reply. It never fails and never returns empty text.
func (p *Pipeline) Finalize(ctx context.Context, in Input) Reply {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "finalize")
	defer span.End()

	reply := p.finalize(ctx, in)
	span.SetAttributes(
		attribute.String("finalize.source", string(reply.Source)),
		attribute.String("finalize.tier", string(reply.Tier)),
	)
	p.logger.Info("reply finalized", map[string]interface{}{
		"source": string(reply.Source),
		"tier":   string(reply.Tier),
		"chars":  len(reply.Text),
	})
	return reply
}

func (p *Pipeline) finalize(ctx context.Context, in Input) Reply {
	if q := strings.TrimSpace(in.Question); q != "" {
		return Reply{Text: in.Question, Source: SourceQuestion}
	}
	if hasFailure(in.Plan) {
		return Reply{Text: ErrorSummary(in.Plan), Source: SourceErrorSummary}
	}
	if route, ok := p.emptyRoute(in); ok {
		return Reply{Text: EmptyMessage(route), Source: SourceEmptyResult}
	}

	req := Request{UserInput: in.UserInput, Summary: in.Summary, Results: in.Results}
	if p.selectTier(in) == TierQuality {
		if text, ok := p.runQuality(ctx, req); ok {
			return Reply{Text: text, Source: SourceQuality, Tier: TierQuality}
		}
	}
	text, err := p.call(ctx, p.fast, req)
	if err == nil {
		return Reply{Text: text, Source: SourceFast, Tier: TierFast}
	}
	p.logger.Warn("fast synthesis failed", map[string]interface{}{"error": err.Error()})
	return Reply{Text: Template(in.Results), Source: SourceTemplate}
}

// selectTier applies override, then smalltalk, then the heuristic.
func (p *Pipeline) selectTier(in Input) Tier {
	if p.cfg.Override != TierNone {
		return p.cfg.Override
	}
	if len(in.Results) == 0 && len(strings.TrimSpace(in.UserInput)) <= p.cfg.SmalltalkMaxChars {
		return TierFast
	}
	return p.heuristic(in)
}

// runQuality calls the quality tier and enforces the numeric guard, retrying
// in strict mode on violation.
func (p *Pipeline) runQuality(ctx context.Context, req Request) (string, bool) {
	sources, counts := guardSources(req)
	for attempt := 0; attempt <= p.cfg.QualityRetries; attempt++ {
		req.Strict = attempt > 0
		text, err := p.call(ctx, p.quality, req)
		if err != nil {
			p.logger.Warn("quality synthesis failed", map[string]interface{}{"error": err.Error(), "attempt": attempt})
			return "", false
		}
		violations := p.guard.Check(text, sources, counts...)
		if len(violations) == 0 {
			return text, true
		}
		p.logger.Warn("numeric guard violation", map[string]interface{}{
			"attempt": attempt,
			"tokens":  violations,
		})
	}
	return "", false
}

func (p *Pipeline) call(ctx context.Context, s Synthesizer, req Request) (string, error) {
	if s == nil {
		return "", fmt.Errorf("synthesizer not configured")
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	text, err := s.Synthesize(ctx, req)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty synthesis")
	}
	return text, nil
}

// emptyRoute reports whether the answering operation has list semantics and
// produced nothing. A cancelled route is not reported as empty.
func (p *Pipeline) emptyRoute(in Input) (string, bool) {
	route := in.Route
	if route == "" && len(in.Plan) > 0 {
		route = in.Plan[len(in.Plan)-1].Operation
	}
	if route == "" || !p.hasListSemantics(route) {
		return "", false
	}
	for _, st := range in.Plan {
		if st.Operation == route && st.Status == planner.StatusCancelled {
			return "", false
		}
	}
	for i := len(in.Results) - 1; i >= 0; i-- {
		r := in.Results[i]
		if r.Operation != route {
			continue
		}
		if r.Success && !isEmpty(r.Result) {
			return "", false
		}
		return route, r.Success
	}
	// The route never produced a result: nothing was found.
	return route, true
}

func (p *Pipeline) hasListSemantics(op string) bool {
	for _, prefix := range p.cfg.EmptyResultPrefixes {
		if strings.HasPrefix(op, prefix) {
			return true
		}
	}
	return false
}

func hasFailure(plan []planner.Subtask) bool {
	for _, st := range plan {
		if st.Status == planner.StatusFailed {
			return true
		}
	}
	return false
}

// ErrorSummary enumerates failed and cancelled subtasks.
func ErrorSummary(plan []planner.Subtask) string {
	var b strings.Builder
	b.WriteString("I couldn't complete your request:")
	for _, st := range plan {
		switch st.Status {
		case planner.StatusFailed:
			fmt.Fprintf(&b, "\n- Step %d (%s) failed: %s", st.ID, label(st), orDefault(st.Error, "unknown error"))
		case planner.StatusCancelled:
			fmt.Fprintf(&b, "\n- Step %d (%s) was not run: %s", st.ID, label(st), orDefault(st.Error, "cancelled"))
		}
	}
	return b.String()
}

// EmptyMessage is the deterministic reply for an empty list result.
func EmptyMessage(route string) string {
	noun := route
	if i := strings.IndexByte(noun, '_'); i >= 0 {
		noun = noun[i+1:]
	}
	noun = strings.TrimSpace(strings.ReplaceAll(noun, "_", " "))
	if noun == "" {
		noun = "results"
	}
	return fmt.Sprintf("I couldn't find any %s.", noun)
}

func label(st planner.Subtask) string {
	if st.Goal != "" && st.Goal != st.Operation {
		return fmt.Sprintf("%s: %s", st.Operation, st.Goal)
	}
	return st.Operation
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// guardSources renders the permitted source texts and collection sizes.
func guardSources(req Request) ([]string, []int) {
	sources := []string{req.UserInput, req.Summary}
	var counts []int
	for _, r := range req.Results {
		if data, err := json.Marshal(r.Result); err == nil {
			sources = append(sources, string(data))
		}
		counts = append(counts, collectionSizes(r.Result)...)
	}
	return sources, counts
}

// collectionSizes returns the length of v and of each nested collection,
// so replies may state counts and enumerate items.
func collectionSizes(v any) []int {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		sizes := make([]int, 0, n+1)
		for i := 1; i <= n; i++ {
			sizes = append(sizes, i)
		}
		for i := 0; i < n; i++ {
			sizes = append(sizes, collectionSizes(rv.Index(i).Interface())...)
		}
		return sizes
	case reflect.Map:
		var sizes []int
		iter := rv.MapRange()
		for iter.Next() {
			sizes = append(sizes, collectionSizes(iter.Value().Interface())...)
		}
		return sizes
	}
	return nil
}
