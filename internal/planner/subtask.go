// Package planner turns planner output into a validated execution graph of
// subtasks, orders it, resolves dynamic parameters and propagates failures.
package planner

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a subtask.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Well-known parameter keys filled by dynamic resolution.
const (
	ParamPriorResult = "prior_result"
	ParamPriorID     = "prior_id"
)

// DefaultMaxSubtasks caps plan size when Options leaves it unset.
const DefaultMaxSubtasks = 6

// Descriptor is one subtask as emitted by the external planner.
type Descriptor struct {
	ID          *int           `json:"id" yaml:"id"`
	Goal        string         `json:"goal" yaml:"goal"`
	Operation   string         `json:"operation" yaml:"operation"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn   []int          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Dynamic     bool           `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
	ResolveFrom *int           `json:"resolve_from,omitempty" yaml:"resolve_from,omitempty"`
}

// Subtask is one schedulable unit of a plan.
type Subtask struct {
	ID          int            `json:"id"`
	Goal        string         `json:"goal"`
	Operation   string         `json:"operation"`
	Params      map[string]any `json:"params,omitempty"`
	DependsOn   []int          `json:"depends_on,omitempty"`
	ResolveFrom *int           `json:"resolve_from,omitempty"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      any            `json:"result,omitempty"`
}

// clone returns a copy safe to hand out of the plan lock.
func (s *Subtask) clone() Subtask {
	c := *s
	c.Params = copyParams(s.Params)
	c.DependsOn = append([]int(nil), s.DependsOn...)
	if s.ResolveFrom != nil {
		id := *s.ResolveFrom
		c.ResolveFrom = &id
	}
	return c
}

func copyParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// planFile is the wrapped form of a plan document.
type planFile struct {
	Subtasks []Descriptor `yaml:"subtasks"`
}

// ParseDescriptors reads a plan document. Both a bare list and a
// {subtasks: [...]} mapping are accepted; JSON parses as YAML.
func ParseDescriptors(data []byte) ([]Descriptor, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []Descriptor
	if err := yaml.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var wrapped planFile
	if err := yaml.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return wrapped.Subtasks, nil
}
