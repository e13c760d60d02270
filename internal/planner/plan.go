package planner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
)

// Options controls plan construction.
type Options struct {
	// MaxSubtasks caps the plan; later valid subtasks are dropped.
	MaxSubtasks int
	// ValidOperations, when non-empty, is the operation allow-list.
	ValidOperations []string
}

// Plan is an owned, ordered collection of subtasks plus its execution order.
// All methods are safe for concurrent use.
type Plan struct {
	mu       sync.Mutex
	subtasks []*Subtask // declaration order
	index    map[int]*Subtask
	position map[int]int // declaration position
	order    []int
	cyclic   bool
	dropped  int
}

// Build validates descriptors into a plan. Invalid descriptors are dropped,
// never reported as errors; the result may be empty.
func Build(descs []Descriptor, opts Options) *Plan {
	logger := logging.New().WithComponent("planner")

	max := opts.MaxSubtasks
	if max <= 0 {
		max = DefaultMaxSubtasks
	}
	var allowed map[string]bool
	if len(opts.ValidOperations) > 0 {
		allowed = make(map[string]bool, len(opts.ValidOperations))
		for _, op := range opts.ValidOperations {
			allowed[op] = true
		}
	}

	p := &Plan{
		index:    make(map[int]*Subtask),
		position: make(map[int]int),
	}
	var refs []sourceRef

	for i, d := range descs {
		reason := ""
		switch {
		case d.ID == nil:
			reason = "missing id"
		case p.index[*d.ID] != nil:
			reason = "duplicate id"
		case d.Operation == "":
			reason = "missing operation"
		case allowed != nil && !allowed[d.Operation]:
			reason = "unknown operation"
		case len(p.subtasks) >= max:
			reason = "plan size cap"
		}
		if reason != "" {
			p.dropped++
			logger.Debug("subtask dropped", map[string]interface{}{
				"index":     i,
				"operation": d.Operation,
				"reason":    reason,
			})
			continue
		}

		st := &Subtask{
			ID:        *d.ID,
			Goal:      d.Goal,
			Operation: d.Operation,
			Params:    copyParams(d.Params),
			Status:    StatusPending,
		}
		// Keep raw references for now; they are filtered once all ids are known.
		st.DependsOn = append([]int(nil), d.DependsOn...)
		refs = append(refs, sourceRef{from: d.ResolveFrom, dynamic: d.Dynamic})

		p.position[st.ID] = len(p.subtasks)
		p.subtasks = append(p.subtasks, st)
		p.index[st.ID] = st
	}

	for i, st := range p.subtasks {
		st.DependsOn = p.filterDeps(st.ID, st.DependsOn)
		p.resolveSource(st, refs[i], logger)
	}

	p.order, p.cyclic = topoOrder(p.subtasks)
	if p.cyclic {
		logger.Warn("dependency cycle detected, using declaration order", map[string]interface{}{
			"subtasks": len(p.subtasks),
		})
	}
	return p
}

// sourceRef is the raw dynamic-parameter request of a descriptor.
type sourceRef struct {
	from    *int
	dynamic bool
}

// resolveSource picks the subtask st takes dynamic parameters from: an
// explicit known id, else the first surviving dependency of a dynamic
// subtask. The source becomes a dependency so st waits for its result.
func (p *Plan) resolveSource(st *Subtask, ref sourceRef, logger *logging.Logger) {
	var from int
	switch {
	case ref.from != nil && *ref.from != st.ID && p.index[*ref.from] != nil:
		from = *ref.from
	case ref.from != nil && !ref.dynamic:
		logger.Debug("resolve_from dropped", map[string]interface{}{"id": st.ID, "resolve_from": *ref.from})
		return
	case (ref.from != nil || ref.dynamic) && len(st.DependsOn) > 0:
		from = st.DependsOn[0]
	default:
		return
	}
	st.ResolveFrom = &from
	for _, dep := range st.DependsOn {
		if dep == from {
			return
		}
	}
	st.DependsOn = append(st.DependsOn, from)
}

// filterDeps drops unknown, self and repeated references.
func (p *Plan) filterDeps(self int, deps []int) []int {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(deps))
	out := make([]int, 0, len(deps))
	for _, dep := range deps {
		if dep == self || seen[dep] || p.index[dep] == nil {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// topoOrder runs Kahn's algorithm with ties broken by ascending id.
// On a cycle it returns declaration order and cyclic=true.
func topoOrder(subtasks []*Subtask) ([]int, bool) {
	inDegree := make(map[int]int, len(subtasks))
	forward := make(map[int][]int)
	for _, st := range subtasks {
		inDegree[st.ID] += 0
		for _, dep := range st.DependsOn {
			inDegree[st.ID]++
			forward[dep] = append(forward[dep], st.ID)
		}
	}

	var ready []int
	for _, st := range subtasks {
		if inDegree[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, len(subtasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range forward[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Ints(ready)
	}

	if len(order) == len(subtasks) {
		return order, false
	}

	declared := make([]int, len(subtasks))
	for i, st := range subtasks {
		declared[i] = st.ID
	}
	return declared, true
}

// Len returns the number of subtasks.
func (p *Plan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subtasks)
}

// Dropped returns how many descriptors were rejected at construction.
func (p *Plan) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Cyclic reports whether the dependency graph contained a cycle.
func (p *Plan) Cyclic() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cyclic
}

// Order returns the execution order as subtask ids.
func (p *Plan) Order() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.order...)
}

// Get returns a copy of the subtask with the given id.
func (p *Plan) Get(id int) (Subtask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.index[id]
	if st == nil {
		return Subtask{}, false
	}
	return st.clone(), true
}

// Subtasks returns copies of all subtasks in execution order.
func (p *Plan) Subtasks() []Subtask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Subtask, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.index[id].clone())
	}
	return out
}

// eligible reports whether every blocking dependency is done.
// In a cyclic plan only dependencies declared earlier block, which keeps
// declaration-order dispatch moving.
func (p *Plan) eligible(st *Subtask) bool {
	if st.Status != StatusPending {
		return false
	}
	for _, dep := range st.DependsOn {
		if p.cyclic && p.position[dep] > p.position[st.ID] {
			continue
		}
		if p.index[dep].Status != StatusDone {
			return false
		}
	}
	return true
}

// Ready returns copies of every subtask that may run now, in execution order.
func (p *Plan) Ready() []Subtask {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Subtask
	for _, id := range p.order {
		if st := p.index[id]; p.eligible(st) {
			out = append(out, st.clone())
		}
	}
	return out
}

// Next returns the first ready subtask in execution order.
func (p *Plan) Next() (Subtask, bool) {
	ready := p.Ready()
	if len(ready) == 0 {
		return Subtask{}, false
	}
	return ready[0], true
}

// MarkRunning moves a ready subtask to running.
func (p *Plan) MarkRunning(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.index[id]
	if st == nil {
		return fmt.Errorf("unknown subtask %d", id)
	}
	if !p.eligible(st) {
		return fmt.Errorf("subtask %d is not ready (status %s)", id, st.Status)
	}
	st.Status = StatusRunning
	return nil
}

// Complete marks a subtask done with its result.
func (p *Plan) Complete(id int, result any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.index[id]
	if st == nil {
		return fmt.Errorf("unknown subtask %d", id)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("subtask %d already %s", id, st.Status)
	}
	st.Status = StatusDone
	st.Result = result
	st.Error = ""
	return nil
}

// Fail marks a subtask failed and cancels every transitive dependent in one
// step. It returns the ids that were cancelled.
func (p *Plan) Fail(id int, errMsg string) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.index[id]
	if st == nil {
		return nil, fmt.Errorf("unknown subtask %d", id)
	}
	if st.Status.Terminal() {
		return nil, fmt.Errorf("subtask %d already %s", id, st.Status)
	}
	st.Status = StatusFailed
	st.Error = errMsg

	updates := cascade(p.graph(), p.statuses(), id)
	cancelled := make([]int, 0, len(updates))
	for _, depID := range p.order {
		if _, ok := updates[depID]; !ok {
			continue
		}
		dep := p.index[depID]
		dep.Status = StatusCancelled
		dep.Error = fmt.Sprintf("cancelled: dependency %d failed", id)
		cancelled = append(cancelled, depID)
	}
	return cancelled, nil
}

// CancelRemaining cancels every subtask that has not started.
func (p *Plan) CancelRemaining(reason string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cancelled []int
	for _, id := range p.order {
		st := p.index[id]
		if st.Status != StatusPending {
			continue
		}
		st.Status = StatusCancelled
		st.Error = reason
		cancelled = append(cancelled, id)
	}
	return cancelled
}

// IsComplete reports whether the plan is empty or every subtask is terminal.
func (p *Plan) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.subtasks {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// HasFailure reports whether any subtask failed.
func (p *Plan) HasFailure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.subtasks {
		if st.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Progress counts subtasks by status.
func (p *Plan) Progress() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[Status]int)
	for _, st := range p.subtasks {
		counts[st.Status]++
	}
	return counts
}

// ResolveParams returns the parameters to invoke a subtask with: its static
// params plus, for dynamic subtasks whose source is done, the source result.
// A missing or failed source adds nothing.
func (p *Plan) ResolveParams(id int) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.index[id]
	if st == nil {
		return nil
	}
	params := copyParams(st.Params)
	if params == nil {
		params = make(map[string]any)
	}
	if st.ResolveFrom == nil {
		return params
	}
	src := p.index[*st.ResolveFrom]
	if src == nil || src.Status != StatusDone || src.Result == nil {
		return params
	}
	params[ParamPriorResult] = src.Result
	if priorID, ok := firstID(src.Result); ok {
		params[ParamPriorID] = priorID
	}
	return params
}

// firstID extracts an "id" from a result record or the first record of a list.
func firstID(result any) (any, bool) {
	switch v := result.(type) {
	case map[string]any:
		id, ok := v["id"]
		return id, ok
	case []map[string]any:
		if len(v) > 0 {
			id, ok := v[0]["id"]
			return id, ok
		}
	case []any:
		if len(v) > 0 {
			return firstID(v[0])
		}
	}
	return nil, false
}

// graph returns the reverse dependency edges: id -> dependents.
func (p *Plan) graph() map[int][]int {
	dependents := make(map[int][]int)
	for _, st := range p.subtasks {
		for _, dep := range st.DependsOn {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}
	return dependents
}

func (p *Plan) statuses() map[int]Status {
	out := make(map[int]Status, len(p.subtasks))
	for _, st := range p.subtasks {
		out[st.ID] = st.Status
	}
	return out
}

// cascade walks the dependents of root breadth-first over an immutable
// snapshot and returns the new status of every non-terminal dependent.
func cascade(dependents map[int][]int, statuses map[int]Status, root int) map[int]Status {
	updates := make(map[int]Status)
	visited := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[current] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			queue = append(queue, dep)
			if !statuses[dep].Terminal() {
				updates[dep] = StatusCancelled
			}
		}
	}
	return updates
}
