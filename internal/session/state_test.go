package session

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/vinayprograms/agentkit/logging"
)

func smallLimits() Limits {
	return Limits{
		EntityTTL:        3,
		MaxEntities:      4,
		MaxConfirmations: 3,
		MaxTraces:        5,
		HistoryTurns:     2,
		SummaryChars:     120,
		MaxToolResults:   3,
		MaxConfirmedOps:  4,
		SnapshotChars:    500,
	}
}

func TestEntityTTL(t *testing.T) {
	s := New("s1", smallLimits())
	for s.Turn() < 10 {
		s.BeginTurn()
	}
	s.TrackEntity(Entity{ID: "file-1", Kind: "file"})

	s.BeginTurn() // 11
	s.BeginTurn() // 12
	if _, ok := s.Entity("file-1"); !ok {
		t.Fatal("entity should still be present at turn 12")
	}
	if snap := s.ContextSnapshot(); len(snap.Entities) != 1 {
		t.Errorf("expected entity in snapshot at turn 12, got %d", len(snap.Entities))
	}

	s.BeginTurn() // 13
	if _, ok := s.Entity("file-1"); ok {
		t.Error("entity should be evicted at turn 13")
	}
	if snap := s.ContextSnapshot(); len(snap.Entities) != 0 {
		t.Error("evicted entity must not appear in snapshot")
	}
	if _, ok := s.ActiveEntity(); ok {
		t.Error("active pointer should be cleared after eviction")
	}
}

func TestEntityCapacityEvictsOldest(t *testing.T) {
	s := New("s1", smallLimits())
	for i := 0; i < 6; i++ {
		s.TrackEntity(Entity{ID: fmt.Sprintf("e%d", i)})
	}
	if _, ok := s.Entity("e0"); ok {
		t.Error("oldest entity should be evicted")
	}
	if _, ok := s.Entity("e5"); !ok {
		t.Error("newest entity should be present")
	}
	active, ok := s.ActiveEntity()
	if !ok || active.ID != "e5" {
		t.Errorf("expected e5 active, got %+v", active)
	}

	snap := s.ContextSnapshot()
	if snap.Entities[0].ID != "e5" {
		t.Errorf("snapshot entities should be newest first, got %s", snap.Entities[0].ID)
	}
}

func TestConfirmationQueueFIFO(t *testing.T) {
	s := New("s1", smallLimits())
	for i := 1; i <= 4; i++ {
		dropped := s.EnqueueConfirmation(Confirmation{ID: fmt.Sprintf("c%d", i)})
		if dropped != (i == 4) {
			t.Errorf("enqueue %d: dropped=%v", i, dropped)
		}
	}
	head, ok := s.PendingConfirmation()
	if !ok || head.ID != "c2" {
		t.Fatalf("expected head c2 after overflow, got %+v", head)
	}
	for _, want := range []string{"c2", "c3", "c4"} {
		got, ok := s.DequeueConfirmation()
		if !ok || got.ID != want {
			t.Errorf("expected %s, got %s", want, got.ID)
		}
	}
	if _, ok := s.DequeueConfirmation(); ok {
		t.Error("queue should be empty")
	}
}

func TestEvictionsAreLogged(t *testing.T) {
	s := New("s1", smallLimits())
	var buf bytes.Buffer
	s.logger.SetOutput(&buf)
	s.logger.SetLevel(logging.LevelDebug)

	for i := 0; i < 5; i++ {
		s.TrackEntity(Entity{ID: fmt.Sprintf("e%d", i)})
	}
	if !strings.Contains(buf.String(), "entity evicted") || !strings.Contains(buf.String(), "entity=e0") {
		t.Errorf("expected capacity eviction log, got %q", buf.String())
	}

	for i := 0; i < 3; i++ {
		s.BeginTurn()
	}
	if !strings.Contains(buf.String(), "entity expired") {
		t.Errorf("expected expiry log, got %q", buf.String())
	}

	for i := 1; i <= 4; i++ {
		s.EnqueueConfirmation(Confirmation{ID: fmt.Sprintf("c%d", i), Operation: "shell"})
	}
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "confirmation queue full") || !strings.Contains(out, "id=c1") {
		t.Errorf("expected overflow warning, got %q", out)
	}
}

func TestDropConfirmation(t *testing.T) {
	s := New("s1", smallLimits())
	s.EnqueueConfirmation(Confirmation{ID: "a", TurnID: "t1"})
	s.EnqueueConfirmation(Confirmation{ID: "b", TurnID: "t2"})
	s.EnqueueConfirmation(Confirmation{ID: "c", TurnID: "t1"})

	if !s.DropConfirmation("b") {
		t.Error("expected b dropped")
	}
	if s.DropConfirmation("missing") {
		t.Error("missing id should not drop")
	}
	if n := s.DropTurnConfirmations("t1"); n != 2 {
		t.Errorf("expected 2 dropped for t1, got %d", n)
	}
	if s.Stats().Confirmations != 0 {
		t.Error("queue should be empty")
	}
}

func TestTraceMapDropsOldestKey(t *testing.T) {
	s := New("s1", smallLimits())
	for i := 0; i < 7; i++ {
		s.RecordTrace(fmt.Sprintf("k%d", i), i)
	}
	if _, ok := s.Trace("k0"); ok {
		t.Error("k0 should be dropped")
	}
	if _, ok := s.Trace("k1"); ok {
		t.Error("k1 should be dropped")
	}
	if v, ok := s.Trace("k6"); !ok || v != 6 {
		t.Errorf("expected k6=6, got %v", v)
	}

	s.RecordTrace("k2", "updated")
	s.RecordTrace("k7", 7)
	if _, ok := s.Trace("k2"); ok {
		t.Error("updating a key must not refresh its position")
	}
}

func TestAppendTurnSummarizes(t *testing.T) {
	s := New("s1", smallLimits())
	s.AppendTurn("list my files", "You have 3 files.")
	s.AppendTurn("open the first", "Opened report.txt.")
	if s.Summary() != "" {
		t.Error("summary should be empty while history has room")
	}
	s.AppendTurn("delete it", "Deleted.")

	if got := len(s.History()); got != 2 {
		t.Errorf("expected 2 verbatim turns, got %d", got)
	}
	if !strings.Contains(s.Summary(), "list my files") {
		t.Errorf("oldest turn should be summarized, got %q", s.Summary())
	}

	for i := 0; i < 50; i++ {
		s.AppendTurn(fmt.Sprintf("question %d", i), "answer")
	}
	if len(s.Summary()) > smallLimits().SummaryChars {
		t.Errorf("summary exceeds budget: %d", len(s.Summary()))
	}
	if !strings.Contains(s.Summary(), "question 47") {
		t.Error("summary should keep the newest folded turns")
	}
}

func TestRecordToolResultSummarizes(t *testing.T) {
	s := New("s1", smallLimits())
	big := strings.Repeat("x", 5000)
	s.RecordToolResult("read_file", true, big)
	s.RecordToolResult("list_files", true, []string{"a.txt", "b.txt"})

	results := s.ToolResults()
	if len(results[0].Summary) > maxToolSummaryChars {
		t.Errorf("summary too long: %d", len(results[0].Summary))
	}
	if results[1].Summary != `["a.txt","b.txt"]` {
		t.Errorf("unexpected summary %q", results[1].Summary)
	}
}

func TestConfirmedOpsBounded(t *testing.T) {
	s := New("s1", smallLimits())
	s.RememberConfirmation("send_email")
	if !s.IsConfirmed("send_email") {
		t.Fatal("expected send_email confirmed")
	}
	for i := 0; i < 4; i++ {
		s.RememberConfirmation(fmt.Sprintf("op%d", i))
	}
	if s.IsConfirmed("send_email") {
		t.Error("oldest confirmation should be forgotten")
	}
	s.RememberConfirmation("")
	if s.IsConfirmed("") {
		t.Error("empty key must never be confirmed")
	}
}

func TestContextSnapshotBudget(t *testing.T) {
	limits := smallLimits()
	limits.SnapshotChars = 200
	s := New("s1", limits)
	for i := 0; i < 3; i++ {
		s.RecordToolResult("search", true, strings.Repeat("result ", 30))
	}
	s.EnqueueConfirmation(Confirmation{ID: "c1", Prompt: "Delete report.txt?"})

	snap := s.ContextSnapshot()
	if len(snap.Text) > 200 {
		t.Errorf("snapshot text exceeds budget: %d", len(snap.Text))
	}
	if snap.Pending == nil || snap.Pending.ID != "c1" {
		t.Error("snapshot should expose the queue head")
	}
}

func TestReset(t *testing.T) {
	s := New("s1", smallLimits())
	s.BeginTurn()
	s.TrackEntity(Entity{ID: "e1"})
	s.EnqueueConfirmation(Confirmation{ID: "c1"})
	s.RecordTrace("k", 1)
	s.AppendTurn("hi", "hello")
	s.RememberConfirmation("op")

	s.Reset()
	if s.Turn() != 0 || s.Stats() != (Stats{}) {
		t.Errorf("reset should clear everything, got %+v", s.Stats())
	}
	if s.Limits() != smallLimits() {
		t.Error("reset should keep limits")
	}
}

func TestExportRestore(t *testing.T) {
	s := New("s1", smallLimits())
	s.BeginTurn()
	s.TrackEntity(Entity{ID: "e1", Kind: "file", Label: "report.txt"})
	s.EnqueueConfirmation(Confirmation{ID: "c1", Operation: "delete_file"})
	s.RecordTrace("1", "done")
	s.AppendTurn("hi", "hello")
	s.RememberConfirmation("send_email")

	rec := s.Export()
	restored := Restore(rec, smallLimits())

	if restored.Turn() != 1 {
		t.Errorf("expected turn 1, got %d", restored.Turn())
	}
	if e, ok := restored.ActiveEntity(); !ok || e.Label != "report.txt" {
		t.Errorf("active entity not restored: %+v", e)
	}
	if c, ok := restored.PendingConfirmation(); !ok || c.ID != "c1" {
		t.Error("confirmation not restored")
	}
	if !restored.IsConfirmed("send_email") {
		t.Error("confirmed ops not restored")
	}
	if restored.Stats() != s.Stats() {
		t.Errorf("stats differ: %+v vs %+v", restored.Stats(), s.Stats())
	}
}

func TestRestoreReappliesLimits(t *testing.T) {
	big := New("s1", DefaultLimits())
	for i := 0; i < 20; i++ {
		big.TrackEntity(Entity{ID: fmt.Sprintf("e%d", i)})
		big.EnqueueConfirmation(Confirmation{ID: fmt.Sprintf("c%d", i)})
		big.RecordTrace(fmt.Sprintf("k%d", i), i)
		big.AppendTurn("u", "r")
	}
	restored := Restore(big.Export(), smallLimits())
	assertWithinLimits(t, restored, smallLimits())
	if _, ok := restored.Entity("e19"); !ok {
		t.Error("newest entity should survive restore")
	}
}

func assertWithinLimits(t *testing.T, s *State, l Limits) {
	t.Helper()
	st := s.Stats()
	if st.Entities > l.MaxEntities || st.Confirmations > l.MaxConfirmations ||
		st.Traces > l.MaxTraces || st.History > l.HistoryTurns ||
		st.SummaryChars > l.SummaryChars || st.ToolResults > l.MaxToolResults ||
		st.Confirmed > l.MaxConfirmedOps {
		t.Fatalf("limits exceeded: %+v (limits %+v)", st, l)
	}
}

func TestRandomOperationsStayBounded(t *testing.T) {
	limits := smallLimits()
	rng := rand.New(rand.NewSource(42))
	s := New("prop", limits)

	for i := 0; i < 5000; i++ {
		key := fmt.Sprintf("%d", rng.Intn(40))
		switch rng.Intn(9) {
		case 0:
			s.BeginTurn()
		case 1:
			s.TrackEntity(Entity{ID: key})
		case 2:
			s.EnqueueConfirmation(Confirmation{ID: key})
		case 3:
			s.DequeueConfirmation()
		case 4:
			s.RecordTrace(key, i)
		case 5:
			s.AppendTurn(strings.Repeat("u", rng.Intn(80)), strings.Repeat("r", rng.Intn(80)))
		case 6:
			s.RecordToolResult("op", rng.Intn(2) == 0, key)
		case 7:
			s.RememberConfirmation(key)
		case 8:
			s.ContextSnapshot()
		}
		assertWithinLimits(t, s, limits)
	}
}
