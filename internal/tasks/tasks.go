// Package tasks implements the file-backed task record store and the
// fixed task-status transition table callers use to validate moves
// before calling UpdateTask.
package tasks

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// Status values a Task's Status field may hold.
const (
	StatusPending        = "pending"
	StatusAssigned       = "assigned"
	StatusReady          = "ready"
	StatusInProgress     = "in_progress"
	StatusBlocked        = "blocked"
	StatusReadyForReview = "ready_for_review"
	StatusInReview       = "in_review"
	StatusNeedsRevision  = "needs_revision"
	StatusApproved       = "approved"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusError          = "error"
)

// transitions is the fixed adjacency table: from status -> allowed next
// statuses. The store itself does not enforce it — callers validate
// moves with IsValidTransition before calling UpdateTask.
var transitions = map[string]map[string]bool{
	StatusPending: set(StatusAssigned, StatusReady, StatusInProgress, StatusReadyForReview, StatusApproved, StatusError, StatusFailed),
	StatusAssigned: set(StatusReady, StatusInProgress, StatusPending, StatusBlocked, StatusReadyForReview),
	StatusReady: set(StatusInProgress, StatusPending, StatusError),
	StatusInProgress: set(StatusBlocked, StatusReadyForReview, StatusFailed, StatusPending, StatusReady, StatusError, StatusApproved),
	StatusBlocked: set(StatusInProgress, StatusFailed, StatusPending),
	StatusReadyForReview: set(StatusInReview, StatusNeedsRevision, StatusApproved, StatusInProgress, StatusPending),
	StatusInReview: set(StatusApproved, StatusNeedsRevision, StatusReadyForReview, StatusInProgress),
	StatusNeedsRevision: set(StatusInProgress, StatusReadyForReview, StatusPending),
	StatusApproved: set(StatusCompleted, StatusInProgress, StatusPending),
	StatusCompleted: set(StatusPending, StatusInProgress),
	StatusFailed: set(StatusPending, StatusInProgress, StatusReady),
	StatusError: set(StatusPending, StatusInProgress, StatusReady),
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// IsValidTransition reports whether moving a task from `from` to `to`
// is allowed by the fixed adjacency table. A move to the same status
// is always allowed (a no-op write).
func IsValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Audit carries the compliance score recorded by the audit agent.
type Audit struct {
	ComplianceScore float64 `json:"compliance_score"`
}

// Context carries the task's view of its assigned agent's context
// consumption, independent of the agent-wide Context Detector reading.
type Context struct {
	UsagePercent float64 `json:"usage_percent"`
	HandoffCount int     `json:"handoff_count"`
}

// Timestamps tracks the task's lifecycle milestones. Started and
// Completed are nil until the task reaches the corresponding status.
type Timestamps struct {
	Created     string  `json:"created"`
	Started     *string `json:"started,omitempty"`
	LastUpdated string  `json:"last_updated"`
	Completed   *string `json:"completed,omitempty"`
}

// Task is one entry under tasks/<id>.json.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Feature      string     `json:"feature"`
	Domain       string     `json:"domain"`
	AssignedTo   *string    `json:"assignedTo,omitempty"`
	Status       string     `json:"status"`
	Plan         string     `json:"plan,omitempty"`
	Progress     string     `json:"progress,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Audit        Audit      `json:"audit"`
	Context      Context    `json:"context"`
	Timestamps   Timestamps `json:"timestamps"`
}

// Store reads and writes per-task files under a project's
// .command-post/tasks directory.
type Store struct {
	paths *cpfs.Paths
}

// New returns a Store rooted at paths.
func New(paths *cpfs.Paths) *Store {
	return &Store{paths: paths}
}

// CreateTask writes a new task record, stamping Created and
// LastUpdated to the current time. Status defaults to pending when
// unset.
func (s *Store) CreateTask(t Task) (Task, error) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	t.Timestamps.Created = now
	t.Timestamps.LastUpdated = now

	path := s.paths.Task(t.ID)
	if err := s.save(path, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask returns the task with the given id, or nil when absent.
func (s *Store) GetTask(id string) (*Task, error) {
	data, err := cpfs.ReadOrEmpty(s.paths.Task(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, cperrors.Wrap(err, "tasks.GetTask", "unmarshal task "+id)
	}
	return &t, nil
}

// UpdateTask merges partial's non-zero fields into the stored task,
// preserves the original ID, stamps LastUpdated, and atomically
// writes the result. The status field is not validated here — callers
// must check IsValidTransition themselves before calling UpdateTask.
func (s *Store) UpdateTask(id string, partial Task) (Task, error) {
	path := s.paths.Task(id)
	var result Task

	err := cpfs.WithFileLock(path, func() error {
		data, err := cpfs.ReadOrEmpty(path)
		if err != nil {
			return err
		}
		if data == nil {
			return cperrors.NewNotFoundError("task", id)
		}
		var existing Task
		if err := json.Unmarshal(data, &existing); err != nil {
			return cperrors.Wrap(err, "tasks.UpdateTask", "unmarshal task "+id)
		}

		originalID := existing.ID
		if err := mergo.Merge(&existing, partial, mergo.WithOverride); err != nil {
			return cperrors.Wrap(err, "tasks.UpdateTask", "merge partial update")
		}
		existing.ID = originalID
		existing.Timestamps.LastUpdated = time.Now().UTC().Format(time.RFC3339Nano)

		if err := s.save(path, existing); err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return result, nil
}

func (s *Store) save(path string, t Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return cperrors.Wrap(err, "tasks.save", "marshal task")
	}
	return cpfs.AtomicWrite(path, data)
}

// ListFilter narrows ListTasks' results. A zero-value field matches
// everything for that dimension.
type ListFilter struct {
	Status     string
	AssignedTo string
	Domain     string
}

// ListTasks reads every task file under the project's tasks directory
// and returns those matching filter, sorted by id for determinism.
func (s *Store) ListTasks(filter ListFilter) ([]Task, error) {
	ids, err := s.taskIDs()
	if err != nil {
		return nil, err
	}

	var out []Task
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Domain != "" && t.Domain != filter.Domain {
			continue
		}
		if filter.AssignedTo != "" && (t.AssignedTo == nil || *t.AssignedTo != filter.AssignedTo) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) taskIDs() ([]string, error) {
	entries, err := cpfs.ListJSONFiles(s.paths.TasksDir())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, name := range entries {
		ids = append(ids, idFromFilename(name))
	}
	return ids, nil
}

func idFromFilename(name string) string {
	const suffix = ".json"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// TransferAssignment reassigns every task currently assigned to
// `source` over to `target`, without changing status. It returns the
// ids of the tasks that were moved, used by the handoff manager to
// record what a replacement flow transferred.
func (s *Store) TransferAssignment(source, target string) ([]string, error) {
	owned, err := s.ListTasks(ListFilter{AssignedTo: source})
	if err != nil {
		return nil, err
	}
	moved := make([]string, 0, len(owned))
	for _, t := range owned {
		if _, err := s.UpdateTask(t.ID, Task{AssignedTo: &target}); err != nil {
			return moved, fmt.Errorf("transferring task %s: %w", t.ID, err)
		}
		moved = append(moved, t.ID)
	}
	return moved, nil
}
