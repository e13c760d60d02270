package planner

import (
	"math/rand"
	"reflect"
	"testing"
)

func intp(v int) *int { return &v }

func desc(id int, op string, deps ...int) Descriptor {
	return Descriptor{ID: intp(id), Goal: op, Operation: op, DependsOn: deps}
}

func TestBuildDropsInvalid(t *testing.T) {
	descs := []Descriptor{
		desc(1, "list_files"),
		{Goal: "no id", Operation: "list_files"},
		desc(1, "delete_file"), // duplicate id
		desc(2, ""),
		desc(3, "launch_rocket"),
		desc(4, "read_file", 1),
	}
	p := Build(descs, Options{ValidOperations: []string{"list_files", "read_file", "delete_file"}})

	if p.Len() != 2 {
		t.Fatalf("expected 2 subtasks, got %d", p.Len())
	}
	if p.Dropped() != 4 {
		t.Errorf("expected 4 dropped, got %d", p.Dropped())
	}
	st, ok := p.Get(1)
	if !ok || st.Operation != "list_files" {
		t.Errorf("duplicate id should keep first descriptor, got %+v", st)
	}
}

func TestBuildAppliesCapAfterValidation(t *testing.T) {
	var descs []Descriptor
	descs = append(descs, Descriptor{Operation: "x"}) // invalid, must not consume a slot
	for i := 1; i <= 10; i++ {
		descs = append(descs, desc(i, "x"))
	}
	p := Build(descs, Options{MaxSubtasks: 3})
	if p.Len() != 3 {
		t.Fatalf("expected cap of 3, got %d", p.Len())
	}
	if got := p.Order(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("expected first three valid subtasks, got %v", got)
	}
}

func TestBuildDefaultCap(t *testing.T) {
	var descs []Descriptor
	for i := 1; i <= 20; i++ {
		descs = append(descs, desc(i, "x"))
	}
	if got := Build(descs, Options{}).Len(); got != DefaultMaxSubtasks {
		t.Errorf("expected default cap %d, got %d", DefaultMaxSubtasks, got)
	}
}

func TestBuildFiltersDependencies(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "a"),
		desc(2, "b", 1, 1, 2, 99),
	}, Options{})
	st, _ := p.Get(2)
	if !reflect.DeepEqual(st.DependsOn, []int{1}) {
		t.Errorf("expected deps [1], got %v", st.DependsOn)
	}
}

func TestBuildDependencyOnCappedSubtaskDropped(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "a", 2),
		desc(2, "b"),
	}, Options{MaxSubtasks: 1})
	st, _ := p.Get(1)
	if len(st.DependsOn) != 0 {
		t.Errorf("reference to dropped subtask should be removed, got %v", st.DependsOn)
	}
	if len(p.Ready()) != 1 {
		t.Error("subtask should be ready once its dangling dependency is dropped")
	}
}

func TestBuildEmpty(t *testing.T) {
	p := Build(nil, Options{})
	if p.Len() != 0 || !p.IsComplete() {
		t.Error("empty plan should be complete")
	}
	if _, ok := p.Next(); ok {
		t.Error("empty plan should have no next subtask")
	}
}

func TestOrderTieBreakAscendingID(t *testing.T) {
	p := Build([]Descriptor{
		desc(5, "e"),
		desc(3, "c"),
		desc(4, "d", 3),
		desc(1, "a"),
	}, Options{})
	if got := p.Order(); !reflect.DeepEqual(got, []int{1, 3, 4, 5}) {
		t.Errorf("unexpected order %v", got)
	}
	if p.Cyclic() {
		t.Error("plan should not be cyclic")
	}
}

func TestOrderRespectsDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(6)
		var descs []Descriptor
		for i := 1; i <= n; i++ {
			var deps []int
			for j := 1; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, j)
				}
			}
			descs = append(descs, desc(i, "op", deps...))
		}
		rng.Shuffle(len(descs), func(i, j int) { descs[i], descs[j] = descs[j], descs[i] })

		p := Build(descs, Options{})
		pos := make(map[int]int)
		for i, id := range p.Order() {
			pos[id] = i
		}
		if len(pos) != n {
			t.Fatalf("order lost subtasks: %v", p.Order())
		}
		for _, st := range p.Subtasks() {
			for _, dep := range st.DependsOn {
				if pos[dep] >= pos[st.ID] {
					t.Fatalf("dependency %d ordered after %d in %v", dep, st.ID, p.Order())
				}
			}
		}
	}
}

func TestCycleFallsBackToDeclarationOrder(t *testing.T) {
	p := Build([]Descriptor{
		desc(2, "b", 1),
		desc(1, "a", 2),
		desc(3, "c"),
	}, Options{})
	if !p.Cyclic() {
		t.Fatal("expected cycle to be detected")
	}
	if got := p.Order(); !reflect.DeepEqual(got, []int{2, 1, 3}) {
		t.Errorf("expected declaration order, got %v", got)
	}

	// Dispatch must not deadlock: drain the plan.
	for steps := 0; !p.IsComplete(); steps++ {
		if steps > 10 {
			t.Fatal("cyclic plan did not drain")
		}
		next, ok := p.Next()
		if !ok {
			t.Fatalf("no ready subtask with plan incomplete: %+v", p.Progress())
		}
		if err := p.MarkRunning(next.ID); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		if err := p.Complete(next.ID, nil); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
}

func TestReadyAndLifecycle(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "a"),
		desc(2, "b"),
		desc(3, "c", 1, 2),
	}, Options{})

	ready := p.Ready()
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready, got %d", len(ready))
	}
	if err := p.MarkRunning(3); err == nil {
		t.Error("MarkRunning should reject a blocked subtask")
	}

	p.MarkRunning(1)
	p.Complete(1, "ok")
	if len(p.Ready()) != 1 {
		t.Errorf("expected only subtask 2 ready")
	}
	p.MarkRunning(2)
	p.Complete(2, "ok")
	next, ok := p.Next()
	if !ok || next.ID != 3 {
		t.Fatalf("expected subtask 3 next, got %+v", next)
	}
	if err := p.Complete(1, "again"); err == nil {
		t.Error("completing a done subtask should fail")
	}
}

func TestFailCascades(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "a"),
		desc(2, "b", 1),
		desc(3, "c", 2),
		desc(4, "d"),
		desc(5, "e", 4, 3),
	}, Options{})

	p.MarkRunning(1)
	cancelled, err := p.Fail(1, "boom")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !reflect.DeepEqual(cancelled, []int{2, 3, 5}) {
		t.Errorf("expected [2 3 5] cancelled, got %v", cancelled)
	}
	st, _ := p.Get(3)
	if st.Status != StatusCancelled || st.Error != "cancelled: dependency 1 failed" {
		t.Errorf("unexpected subtask 3 state: %+v", st)
	}
	four, _ := p.Get(4)
	if four.Status != StatusPending {
		t.Errorf("independent subtask should stay pending, got %s", four.Status)
	}
	if !p.HasFailure() {
		t.Error("HasFailure should be true")
	}
}

func TestFailLeavesTerminalDependentsAlone(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "a"),
		desc(2, "b"),
		desc(3, "c", 2),
	}, Options{})
	p.Complete(2, "done")
	p.Complete(3, "done")

	statuses := p.statuses()
	updates := cascade(p.graph(), statuses, 2)
	if len(updates) != 0 {
		t.Errorf("terminal dependents must not change, got %v", updates)
	}
}

func TestCascadeIsPure(t *testing.T) {
	graph := map[int][]int{1: {2}, 2: {3}}
	statuses := map[int]Status{1: StatusFailed, 2: StatusPending, 3: StatusRunning}
	updates := cascade(graph, statuses, 1)
	if len(updates) != 2 {
		t.Errorf("expected 2 updates, got %v", updates)
	}
	if statuses[2] != StatusPending {
		t.Error("cascade must not mutate its input")
	}
}

func TestCancelRemaining(t *testing.T) {
	p := Build([]Descriptor{desc(1, "a"), desc(2, "b"), desc(3, "c")}, Options{})
	p.MarkRunning(1)
	p.Complete(1, nil)
	p.MarkRunning(2)

	cancelled := p.CancelRemaining("cancelled by user")
	if !reflect.DeepEqual(cancelled, []int{3}) {
		t.Errorf("expected [3], got %v", cancelled)
	}
	two, _ := p.Get(2)
	if two.Status != StatusRunning {
		t.Error("running subtask must not be cancelled")
	}
}

func TestResolveParams(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "list_items"),
		{ID: intp(2), Operation: "show_item", DependsOn: []int{1}, Dynamic: true, Params: map[string]any{"verbose": true}},
		{ID: intp(3), Operation: "show_item", DependsOn: []int{1}, Params: map[string]any{"x": 1}},
	}, Options{})

	if got := p.ResolveParams(2); got[ParamPriorResult] != nil {
		t.Error("unfinished source must not inject a prior result")
	}

	items := []any{map[string]any{"id": "item-7"}, map[string]any{"id": "item-8"}}
	p.Complete(1, items)

	params := p.ResolveParams(2)
	if params["verbose"] != true {
		t.Error("static params should be kept")
	}
	if params[ParamPriorID] != "item-7" {
		t.Errorf("expected prior id item-7, got %v", params[ParamPriorID])
	}
	if _, ok := params[ParamPriorResult]; !ok {
		t.Error("expected prior result")
	}

	static := p.ResolveParams(3)
	if _, ok := static[ParamPriorResult]; ok {
		t.Error("non-dynamic subtask must not receive prior result")
	}
	if p.ResolveParams(99) != nil {
		t.Error("unknown subtask should resolve to nil")
	}
}

func TestResolveParamsFailedSource(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "a"),
		{ID: intp(2), Operation: "b", ResolveFrom: intp(1)},
	}, Options{})
	p.Fail(1, "nope")
	if _, ok := p.ResolveParams(2)[ParamPriorResult]; ok {
		t.Error("failed source must add nothing")
	}
}

func TestDynamicSourceSkipsUnknownDeps(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "list_items"),
		{ID: intp(2), Operation: "show_item", DependsOn: []int{99, 1}, Dynamic: true},
	}, Options{})
	st, _ := p.Get(2)
	if st.ResolveFrom == nil || *st.ResolveFrom != 1 {
		t.Fatalf("expected source 1, got %v", st.ResolveFrom)
	}
	p.Complete(1, []any{map[string]any{"id": "evt-1"}})
	if got := p.ResolveParams(2)[ParamPriorID]; got != "evt-1" {
		t.Errorf("expected prior id evt-1, got %v", got)
	}
}

func TestResolveFromWaitsForSource(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "list_items"),
		{ID: intp(2), Operation: "show_item", ResolveFrom: intp(1)},
	}, Options{})
	st, _ := p.Get(2)
	if len(st.DependsOn) != 1 || st.DependsOn[0] != 1 {
		t.Fatalf("source should become a dependency, got %v", st.DependsOn)
	}
	for _, r := range p.Ready() {
		if r.ID == 2 {
			t.Fatal("subtask must wait for its source")
		}
	}
	p.Complete(1, []any{map[string]any{"id": "item-1"}})
	ready := p.Ready()
	if len(ready) != 1 || ready[0].ID != 2 {
		t.Errorf("expected 2 ready after its source, got %v", ready)
	}
	if got := p.ResolveParams(2)[ParamPriorID]; got != "item-1" {
		t.Errorf("expected prior id item-1, got %v", got)
	}
}

func TestUnknownResolveFrom(t *testing.T) {
	p := Build([]Descriptor{
		desc(1, "list_items"),
		{ID: intp(2), Operation: "show_item", DependsOn: []int{1}, Dynamic: true, ResolveFrom: intp(99)},
		{ID: intp(3), Operation: "show_item", DependsOn: []int{1}, ResolveFrom: intp(99)},
		{ID: intp(4), Operation: "show_item", ResolveFrom: intp(4)},
	}, Options{})

	dyn, _ := p.Get(2)
	if dyn.ResolveFrom == nil || *dyn.ResolveFrom != 1 {
		t.Errorf("dynamic subtask should fall back to its first dependency, got %v", dyn.ResolveFrom)
	}
	static, _ := p.Get(3)
	if static.ResolveFrom != nil {
		t.Errorf("unknown source should be dropped, got %v", *static.ResolveFrom)
	}
	self, _ := p.Get(4)
	if self.ResolveFrom != nil || len(self.DependsOn) != 0 {
		t.Errorf("self source should be dropped: %+v", self)
	}

	p.Complete(1, []any{map[string]any{"id": "item-1"}})
	if _, ok := p.ResolveParams(3)[ParamPriorResult]; ok {
		t.Error("dropped source must add nothing")
	}
}

func TestSubtasksAreCopies(t *testing.T) {
	p := Build([]Descriptor{{ID: intp(1), Operation: "a", Params: map[string]any{"k": "v"}}}, Options{})
	sts := p.Subtasks()
	sts[0].Params["k"] = "changed"
	sts[0].Status = StatusDone
	st, _ := p.Get(1)
	if st.Params["k"] != "v" || st.Status != StatusPending {
		t.Error("Subtasks must return copies")
	}
}

func TestParseDescriptors(t *testing.T) {
	list := []byte(`
- id: 1
  goal: list files
  operation: list_files
- id: 2
  operation: read_file
  depends_on: [1]
  dynamic: true
`)
	descs, err := ParseDescriptors(list)
	if err != nil {
		t.Fatalf("ParseDescriptors: %v", err)
	}
	if len(descs) != 2 || *descs[1].ID != 2 || !descs[1].Dynamic {
		t.Errorf("unexpected descriptors: %+v", descs)
	}

	wrapped := []byte(`{"subtasks": [{"id": 1, "operation": "shell", "params": {"command": "ls"}}]}`)
	descs, err = ParseDescriptors(wrapped)
	if err != nil {
		t.Fatalf("ParseDescriptors wrapped: %v", err)
	}
	if len(descs) != 1 || descs[0].Params["command"] != "ls" {
		t.Errorf("unexpected wrapped descriptors: %+v", descs)
	}

	missing := []byte(`- operation: shell`)
	descs, _ = ParseDescriptors(missing)
	if len(descs) != 1 || descs[0].ID != nil {
		t.Error("missing id should decode as nil")
	}

	if _, err := ParseDescriptors([]byte("subtasks: [")); err == nil {
		t.Error("expected error for malformed plan")
	}
}
