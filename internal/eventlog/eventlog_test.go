package eventlog

import (
	"os"
	"sync"
	"testing"

	"github.com/command-post/engine/internal/cpfs"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(cpfs.NewPaths(t.TempDir()))
}

func TestQuery_MissingFileIsEmpty(t *testing.T) {
	l := newTestLog(t)
	events, err := l.Query(QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty slice, got %d", len(events))
	}
}

func TestAppendThenQuery_RoundTrip(t *testing.T) {
	l := newTestLog(t)

	if err := l.Append(Event{EventType: "context_usage_warning", AgentID: "worker-1"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Event{EventType: "context_usage_critical", AgentID: "worker-1"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Event{EventType: "context_usage_warning", AgentID: "worker-2"}); err != nil {
		t.Fatal(err)
	}

	all, err := l.Query(QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	byAgent, _ := l.Query(QueryFilter{AgentID: "worker-1"})
	if len(byAgent) != 2 {
		t.Errorf("expected 2 events for worker-1, got %d", len(byAgent))
	}

	byType, _ := l.Query(QueryFilter{EventType: "context_usage_critical"})
	if len(byType) != 1 {
		t.Errorf("expected 1 critical event, got %d", len(byType))
	}
}

func TestQuery_SkipsMalformedLines(t *testing.T) {
	l := newTestLog(t)
	if err := l.Append(Event{EventType: "ok"}); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(l.paths.EventsLog(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := l.Append(Event{EventType: "also-ok"}); err != nil {
		t.Fatal(err)
	}

	events, err := l.Query(QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 well-formed events, got %d", len(events))
	}
}

func TestQuery_StartTimeFiltersLexically(t *testing.T) {
	l := newTestLog(t)
	if err := l.Append(Event{EventType: "e1", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Event{EventType: "e2", Timestamp: "2026-06-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}

	events, err := l.Query(QueryFilter{StartTime: "2026-03-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "e2" {
		t.Errorf("expected only e2, got %+v", events)
	}
}

func TestAppend_ConcurrentWritesPreserveAllLines(t *testing.T) {
	l := newTestLog(t)
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Append(Event{EventType: "concurrent", Data: map[string]any{"i": i}})
		}(i)
	}
	wg.Wait()

	events, err := l.Query(QueryFilter{EventType: "concurrent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Errorf("expected %d events, got %d", n, len(events))
	}
}
