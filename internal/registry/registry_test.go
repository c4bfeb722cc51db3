package registry

import (
	"sync"
	"testing"

	"github.com/command-post/engine/internal/cpfs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(cpfs.NewPaths(t.TempDir()))
}

func TestGetAgent_AbsentIsNilNotError(t *testing.T) {
	s := newTestStore(t)
	e, err := s.GetAgent("missing")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("expected nil, got %+v", e)
	}
}

func TestRegisterAgent_DefaultsStatusAndLaunchedAt(t *testing.T) {
	s := newTestStore(t)
	if err := s.RegisterAgent("worker-1", Entry{SessionName: "sess-1", Role: "worker"}); err != nil {
		t.Fatal(err)
	}
	e, _ := s.GetAgent("worker-1")
	if e == nil || e.Status != StatusActive || e.LaunchedAt == "" {
		t.Errorf("expected defaults applied, got %+v", e)
	}
}

func TestRegisterAgent_IsOverwriteIdempotent(t *testing.T) {
	s := newTestStore(t)
	entry := Entry{SessionName: "sess-1", Role: "worker", Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z"}
	if err := s.RegisterAgent("worker-1", entry); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterAgent("worker-1", entry); err != nil {
		t.Fatal(err)
	}
	agents, _ := s.ListAgents()
	if len(agents) != 1 {
		t.Errorf("expected exactly 1 entry, got %d", len(agents))
	}
}

func TestRegisterAgent_RejectsRePromotionFromReplaced(t *testing.T) {
	s := newTestStore(t)
	_ = s.RegisterAgent("worker-1", Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z"})
	_ = s.UpdateStatus("worker-1", StatusReplaced)

	err := s.RegisterAgent("worker-1", Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z"})
	if err == nil {
		t.Fatal("expected error re-promoting a replaced agent")
	}
}

func TestUpdateStatus_RejectsRePromotionFromReplaced(t *testing.T) {
	s := newTestStore(t)
	_ = s.RegisterAgent("worker-1", Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z"})
	_ = s.UpdateStatus("worker-1", StatusReplaced)

	if err := s.UpdateStatus("worker-1", StatusActive); err == nil {
		t.Fatal("expected error re-promoting a replaced agent")
	}
}

func TestRegisterAgent_RejectsHandoffCountMovingBackwards(t *testing.T) {
	s := newTestStore(t)
	_ = s.RegisterAgent("worker-1", Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z", HandoffCount: 2})

	err := s.RegisterAgent("worker-1", Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z", HandoffCount: 1})
	if err == nil {
		t.Fatal("expected error moving handoffCount backwards")
	}
}

func TestIncrementHandoffCount_Monotonic(t *testing.T) {
	s := newTestStore(t)
	_ = s.RegisterAgent("worker-1", Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z"})

	first, err := s.IncrementHandoffCount("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.IncrementHandoffCount("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || second != 2 {
		t.Errorf("expected 1 then 2, got %d then %d", first, second)
	}
}

func TestIncrementHandoffCount_MissingAgentIsNotFoundError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.IncrementHandoffCount("missing")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestListAgents_MissingRegistryIsEmptyMap(t *testing.T) {
	s := newTestStore(t)
	agents, err := s.ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 0 {
		t.Errorf("expected empty map, got %d entries", len(agents))
	}
}

func TestRegisterAgent_ConcurrentDistinctAgentsAllPersist(t *testing.T) {
	s := newTestStore(t)
	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_ = s.RegisterAgent("worker-"+id, Entry{Status: StatusActive, LaunchedAt: "2026-01-01T00:00:00Z"})
		}(i)
	}
	wg.Wait()

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != n {
		t.Errorf("expected %d agents, got %d", n, len(agents))
	}
}
