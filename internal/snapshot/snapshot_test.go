package snapshot

import (
	"testing"
	"time"

	"github.com/command-post/engine/internal/cpfs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(cpfs.NewPaths(t.TempDir()))
}

func TestCreateSnapshot_FillsIDAndTimestamp(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSnapshot("worker-1", Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	if s.SnapshotID == "" || s.Timestamp == "" || s.AgentID != "worker-1" {
		t.Errorf("expected fields filled, got %+v", s)
	}
}

func TestGetLatestSnapshot_MissingIsNil(t *testing.T) {
	m := newTestManager(t)
	got, err := m.GetLatestSnapshot("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestGetLatestSnapshot_ReturnsNewestByFilename(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.CreateSnapshot("worker-1", Snapshot{HandoffNumber: i}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	latest, err := m.GetLatestSnapshot("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.HandoffNumber != 2 {
		t.Errorf("expected the last-written snapshot, got %+v", latest)
	}
}

func TestSnapshotsAreImmutable_DistinctFilesPerCreate(t *testing.T) {
	m := newTestManager(t)
	first, _ := m.CreateSnapshot("worker-1", Snapshot{HandoffNumber: 0})
	time.Sleep(2 * time.Millisecond)
	second, _ := m.CreateSnapshot("worker-1", Snapshot{HandoffNumber: 1})

	all, err := m.QuerySnapshots("worker-1", QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(all))
	}
	if first.SnapshotID == second.SnapshotID {
		t.Errorf("expected distinct snapshot ids")
	}
}

func TestQuerySnapshots_FiltersByTimeRange(t *testing.T) {
	m := newTestManager(t)
	_, _ = m.CreateSnapshot("worker-1", Snapshot{Timestamp: "2026-01-01T00:00:00Z"})
	_, _ = m.CreateSnapshot("worker-1", Snapshot{Timestamp: "2026-06-01T00:00:00Z"})

	got, err := m.QuerySnapshots("worker-1", QueryFilter{StartTime: "2026-03-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Timestamp != "2026-06-01T00:00:00Z" {
		t.Errorf("expected only the later snapshot, got %+v", got)
	}
}

func TestCleanupOldSnapshots_RetainsNewestKeep(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		if _, err := m.CreateSnapshot("worker-1", Snapshot{HandoffNumber: i}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	removed, err := m.CleanupOldSnapshots("worker-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed, got %d", len(removed))
	}

	remaining, err := m.QuerySnapshots("worker-1", QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
	if remaining[0].HandoffNumber != 3 || remaining[1].HandoffNumber != 4 {
		t.Errorf("expected the 2 newest retained, got %+v", remaining)
	}
}

func TestCleanupOldSnapshots_KeepGreaterThanCountIsNoop(t *testing.T) {
	m := newTestManager(t)
	_, _ = m.CreateSnapshot("worker-1", Snapshot{})

	removed, err := m.CleanupOldSnapshots("worker-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("expected nothing removed, got %d", len(removed))
	}
}
