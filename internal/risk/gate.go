package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentloop/internal/audit"
)

// History answers whether the user already approved a memory key in this
// session. *session.State implements it.
type History interface {
	IsConfirmed(key string) bool
}

// Decision is the gate's verdict for one subtask.
type Decision struct {
	Action         Action         `json:"action"`
	Tier           Tier           `json:"tier"`
	Operation      string         `json:"operation"`
	DisplayParams  map[string]any `json:"display_params,omitempty"`
	EditableFields []string       `json:"editable_fields,omitempty"`
	Reason         string         `json:"reason"`
	// MemoryKey is remembered in the session when a confirm-once is accepted.
	MemoryKey string `json:"memory_key,omitempty"`
}

// Gate classifies subtasks. It is safe for concurrent use and the policy can
// be swapped while in use.
type Gate struct {
	mu     sync.RWMutex
	policy *compiled
	sink   audit.Sink
	logger *logging.Logger
}

// NewGate compiles the policy. sink may be nil.
func NewGate(p Policy, sink audit.Sink) (*Gate, error) {
	c, err := compile(p)
	if err != nil {
		return nil, err
	}
	return &Gate{
		policy: c,
		sink:   sink,
		logger: logging.New().WithComponent("risk"),
	}, nil
}

// Update replaces the policy. On error the current policy stays in place.
func (g *Gate) Update(p Policy) error {
	c, err := compile(p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.policy = c
	g.mu.Unlock()
	g.logger.Info("risk policy updated", map[string]interface{}{
		"default_tier": string(c.defaultTier),
		"deny":         len(c.deny),
	})
	return nil
}

// IsShell reports whether op takes a free-text "command" parameter.
func (g *Gate) IsShell(op string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy.shellOps[op]
}

// Classify decides how a subtask may proceed and audits the decision.
// history may be nil.
func (g *Gate) Classify(ctx context.Context, op string, params map[string]any, sessionID string, history History) Decision {
	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()

	d := classify(policy, op, params, history)
	d.DisplayParams = Redact(params)

	g.logger.Debug("risk classified", map[string]interface{}{
		"session":   sessionID,
		"operation": op,
		"action":    string(d.Action),
		"tier":      string(d.Tier),
	})
	g.record(ctx, sessionID, d)
	return d
}

func classify(c *compiled, op string, params map[string]any, history History) Decision {
	tier := c.tier(op)
	d := Decision{Operation: op, Tier: tier}

	if c.shellOps[op] {
		command, _ := params["command"].(string)
		if p, ok := match(c.deny, unquote(command)); ok {
			d.Action = ActionBlock
			d.Tier = TierHigh
			d.Reason = fmt.Sprintf("command matches deny pattern %s", p.name)
			return d
		}
		if p, ok := match(c.dryRun, command); ok {
			d.Action = ActionDryRunFirst
			d.Reason = fmt.Sprintf("command matches dry-run pattern %s", p.name)
			return d
		}
		// HIGH is confirmed every time, so ask-once memory never applies.
		if p, ok := match(c.askOnce, command); ok && tier != TierHigh {
			d.MemoryKey = op + ":" + p.name
			if confirmed(history, d.MemoryKey) {
				d.Action = ActionExecute
				d.Reason = "previously confirmed in session"
				return d
			}
			d.Action = ActionConfirmOnce
			d.Reason = fmt.Sprintf("command matches ask-once pattern %s", p.name)
			return d
		}
	}

	switch tier {
	case TierLow:
		d.Action = ActionExecute
		d.Reason = "low risk"
	case TierHigh:
		d.Action = ActionConfirmEveryTime
		d.Reason = "high risk operation"
		d.EditableFields = editableFields(c.editable[op], params)
	default:
		d.MemoryKey = op
		if confirmed(history, op) {
			d.Action = ActionExecute
			d.Reason = "previously confirmed in session"
		} else {
			d.Action = ActionConfirmOnce
			d.Reason = "medium risk operation"
		}
	}
	return d
}

func confirmed(history History, key string) bool {
	return history != nil && key != "" && history.IsConfirmed(key)
}

// editableFields returns the configured fields, or every parameter name.
func editableFields(configured []string, params map[string]any) []string {
	if len(configured) > 0 {
		return append([]string(nil), configured...)
	}
	fields := make([]string, 0, len(params))
	for k := range params {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// record appends to the audit sink. Sink failures never affect the decision.
func (g *Gate) record(ctx context.Context, sessionID string, d Decision) {
	if g.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("audit sink panicked", map[string]interface{}{
				"operation": d.Operation,
				"panic":     fmt.Sprint(r),
			})
		}
	}()
	err := g.sink.Append(ctx, audit.Record{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Operation: d.Operation,
		Params:    d.DisplayParams,
		Decision:  string(d.Action),
		Tier:      string(d.Tier),
		Reason:    d.Reason,
	})
	if err != nil {
		g.logger.Warn("audit append failed", map[string]interface{}{
			"operation": d.Operation,
			"error":     err.Error(),
		})
	}
}
