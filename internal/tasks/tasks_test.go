package tasks

import (
	"testing"

	"github.com/command-post/engine/internal/cpfs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(cpfs.NewPaths(t.TempDir()))
}

func TestCreateTask_DefaultsStatusAndStampsTimestamps(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateTask(Task{ID: "task-1", Title: "do a thing"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != StatusPending {
		t.Errorf("status = %q, want pending", created.Status)
	}
	if created.Timestamps.Created == "" || created.Timestamps.LastUpdated == "" {
		t.Errorf("expected timestamps stamped, got %+v", created.Timestamps)
	}
}

func TestGetTask_AbsentIsNilNotError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetTask("missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateTask_MergesPreservesIDAndAdvancesLastUpdated(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.CreateTask(Task{ID: "task-1", Title: "original", Status: StatusPending})

	updated, err := s.UpdateTask("task-1", Task{Status: StatusInProgress, Progress: "halfway"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != "task-1" {
		t.Errorf("id changed: %q", updated.ID)
	}
	if updated.Title != "original" {
		t.Errorf("title clobbered: %q", updated.Title)
	}
	if updated.Status != StatusInProgress || updated.Progress != "halfway" {
		t.Errorf("partial fields not applied: %+v", updated)
	}
	if updated.Timestamps.LastUpdated < created.Timestamps.LastUpdated {
		t.Errorf("last_updated did not advance")
	}
	if updated.Timestamps.Created != created.Timestamps.Created {
		t.Errorf("created timestamp changed")
	}
}

func TestUpdateTask_MissingTaskIsNotFoundError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateTask("missing", Task{Status: StatusInProgress})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestListTasks_FiltersByStatusDomainAssignee(t *testing.T) {
	s := newTestStore(t)
	worker1 := "worker-1"
	worker2 := "worker-2"
	_, _ = s.CreateTask(Task{ID: "task-1", Status: StatusPending, Domain: "backend", AssignedTo: &worker1})
	_, _ = s.CreateTask(Task{ID: "task-2", Status: StatusInProgress, Domain: "backend", AssignedTo: &worker2})
	_, _ = s.CreateTask(Task{ID: "task-3", Status: StatusInProgress, Domain: "frontend", AssignedTo: &worker1})

	byStatus, _ := s.ListTasks(ListFilter{Status: StatusInProgress})
	if len(byStatus) != 2 {
		t.Errorf("expected 2 in_progress tasks, got %d", len(byStatus))
	}

	byDomain, _ := s.ListTasks(ListFilter{Domain: "frontend"})
	if len(byDomain) != 1 || byDomain[0].ID != "task-3" {
		t.Errorf("expected only task-3 for frontend, got %+v", byDomain)
	}

	byAssignee, _ := s.ListTasks(ListFilter{AssignedTo: "worker-1"})
	if len(byAssignee) != 2 {
		t.Errorf("expected 2 tasks for worker-1, got %d", len(byAssignee))
	}
}

func TestListTasks_EmptyDirectoryIsEmptySlice(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ListTasks(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty, got %d", len(got))
	}
}

func TestTransferAssignment_MovesOnlySourceOwnedTasks(t *testing.T) {
	s := newTestStore(t)
	worker1 := "worker-1"
	worker2 := "worker-2"
	_, _ = s.CreateTask(Task{ID: "task-1", AssignedTo: &worker1})
	_, _ = s.CreateTask(Task{ID: "task-2", AssignedTo: &worker1})
	_, _ = s.CreateTask(Task{ID: "task-3", AssignedTo: &worker2})

	moved, err := s.TransferAssignment("worker-1", "worker-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 2 {
		t.Fatalf("expected 2 tasks moved, got %d", len(moved))
	}

	t1, _ := s.GetTask("task-1")
	t2, _ := s.GetTask("task-2")
	t3, _ := s.GetTask("task-3")
	if t1.AssignedTo == nil || *t1.AssignedTo != "worker-3" {
		t.Errorf("task-1 not reassigned: %+v", t1)
	}
	if t2.AssignedTo == nil || *t2.AssignedTo != "worker-3" {
		t.Errorf("task-2 not reassigned: %+v", t2)
	}
	if t3.AssignedTo == nil || *t3.AssignedTo != "worker-2" {
		t.Errorf("task-3 should be untouched: %+v", t3)
	}
}

func TestIsValidTransition_MatchesAdjacencyTable(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusApproved, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, true},
		{StatusBlocked, StatusReadyForReview, false},
		{StatusApproved, StatusCompleted, true},
		{StatusInReview, StatusApproved, true},
		{StatusError, StatusReady, true},
		{StatusPending, StatusPending, true},
	}
	for _, c := range cases {
		if got := IsValidTransition(c.from, c.to); got != c.want {
			t.Errorf("IsValidTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
