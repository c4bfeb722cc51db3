package handoff

import (
	"testing"

	"github.com/command-post/engine/internal/cpfs"
	"github.com/command-post/engine/internal/tasks"
)

func newTestManager(t *testing.T) (*Manager, *tasks.Store) {
	t.Helper()
	ts := tasks.New(cpfs.NewPaths(t.TempDir()))
	return New(ts), ts
}

func TestInitiate_RejectsDuplicateOpenHandoff(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Initiate("worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initiate("worker-1"); err == nil {
		t.Fatal("expected error on duplicate initiate")
	}
}

func TestInitiate_AllowsReopenAfterCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	_, _ = m.Initiate("worker-1")
	_, _ = m.MarkSnapshotReady("worker-1", "snap-1")
	_, _ = m.Transfer("worker-1", "worker-1-r1")
	if _, err := m.Complete("worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Initiate("worker-1"); err != nil {
		t.Fatalf("expected reopen allowed after completion, got %v", err)
	}
}

func TestFullHappyPathTransitions(t *testing.T) {
	m, ts := newTestManager(t)
	worker1 := "worker-1"
	_, _ = ts.CreateTask(tasks.Task{ID: "task-1", AssignedTo: &worker1})
	_, _ = ts.CreateTask(tasks.Task{ID: "task-2", AssignedTo: &worker1})

	h, err := m.Initiate("worker-1")
	if err != nil || h.Phase != PhaseInitiated {
		t.Fatalf("initiate: %v, %+v", err, h)
	}

	h, err = m.MarkSnapshotReady("worker-1", "snap-1")
	if err != nil || h.Phase != PhaseSnapshotReady || h.SnapshotID != "snap-1" {
		t.Fatalf("snapshot ready: %v, %+v", err, h)
	}

	h, err = m.Transfer("worker-1", "worker-1-r1")
	if err != nil || h.Phase != PhaseTransferred {
		t.Fatalf("transfer: %v, %+v", err, h)
	}
	if len(h.TransferredTasks) != 2 {
		t.Errorf("expected 2 tasks transferred, got %+v", h.TransferredTasks)
	}

	t1, _ := ts.GetTask("task-1")
	if t1.AssignedTo == nil || *t1.AssignedTo != "worker-1-r1" {
		t.Errorf("expected task-1 reassigned, got %+v", t1)
	}

	h, err = m.Complete("worker-1")
	if err != nil || h.Phase != PhaseCompleted {
		t.Fatalf("complete: %v, %+v", err, h)
	}
}

func TestFail_ReachableFromNonTerminalPhase(t *testing.T) {
	m, _ := newTestManager(t)
	_, _ = m.Initiate("worker-1")
	h, err := m.Fail("worker-1")
	if err != nil || h.Phase != PhaseFailed {
		t.Fatalf("fail: %v, %+v", err, h)
	}
}

func TestTransition_NoActiveHandoffIsError(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.MarkSnapshotReady("missing", "snap-1"); err == nil {
		t.Fatal("expected error for missing handoff")
	}
}

func TestTransition_IllegalMoveIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	_, _ = m.Initiate("worker-1")
	if _, err := m.Complete("worker-1"); err == nil {
		t.Fatal("expected error skipping snapshot_ready and transferred")
	}
}

func TestGet_ReturnsNilWhenNoHandoffOpen(t *testing.T) {
	m, _ := newTestManager(t)
	if h := m.Get("worker-1"); h != nil {
		t.Errorf("expected nil, got %+v", h)
	}
}
