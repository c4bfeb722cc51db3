// Package snapshot implements the memory snapshot manager: immutable,
// lexically-sortable-by-timestamp snapshot files per agent.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// ContextUsage carries the outgoing agent's token counts at snapshot time.
type ContextUsage struct {
	TokensUsed      int     `json:"tokensUsed"`
	MaxTokens       int     `json:"maxTokens"`
	PercentageOfMax float64 `json:"percentageOfMax"`
}

// HandoffSignal is the outgoing agent's self-reported readiness to hand off.
type HandoffSignal struct {
	Active        bool   `json:"active"`
	Reason        string `json:"reason,omitempty"`
	ReadyToHandoff bool  `json:"readyToHandoff"`
}

// Decision is one entry in a snapshot's decision log.
type Decision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// FilesState buckets files the outgoing agent touched by completion state.
type FilesState struct {
	Completed  []string `json:"completed,omitempty"`
	InProgress []string `json:"in_progress,omitempty"`
	NotStarted []string `json:"not_started,omitempty"`
}

// State carries a PRD snapshot's step/progress narrative.
type State struct {
	CurrentStep        string `json:"current_step"`
	ProgressSummary    string `json:"progress_summary"`
	CompletionEstimate string `json:"completion_estimate"`
}

// Snapshot is one file under memory-snapshots/<agent>-<timestamp>.json.
// Not every field is populated by every producer: orchestration
// snapshots leave the PRD-only fields (State, Decisions, Gotchas,
// FilesState, NextSteps, DependenciesDiscovered, HandoffNumber) zero.
type Snapshot struct {
	SnapshotID    string        `json:"snapshotId"`
	AgentID       string        `json:"agentId"`
	TaskID        string        `json:"taskId,omitempty"`
	Timestamp     string        `json:"timestamp"`
	ContextUsage  ContextUsage  `json:"contextUsage"`
	DecisionLog   []Decision    `json:"decisionLog,omitempty"`
	TaskStatus    string        `json:"taskStatus,omitempty"`
	HandoffSignal HandoffSignal `json:"handoffSignal"`
	MemoryState   string        `json:"memoryState,omitempty"`

	State                   State      `json:"state,omitempty"`
	Decisions               []Decision `json:"decisions,omitempty"`
	Gotchas                 []string   `json:"gotchas,omitempty"`
	FilesState              FilesState `json:"files_state,omitempty"`
	NextSteps               []string   `json:"next_steps,omitempty"`
	DependenciesDiscovered  []string   `json:"dependencies_discovered,omitempty"`
	HandoffNumber           int        `json:"handoff_number"`
	Forced                  bool       `json:"forced,omitempty"`
}

// Manager reads and writes an agent's snapshot files.
type Manager struct {
	paths *cpfs.Paths
}

// New returns a Manager rooted at paths.
func New(paths *cpfs.Paths) *Manager {
	return &Manager{paths: paths}
}

// sortableTimestamp formats now as a lexically-sortable, filename-safe
// UTC timestamp: colons would be awkward in a path, so RFC3339 basic
// format without separators is used, with nine fixed fractional-second
// digits so snapshots written within the same second still sort in order.
func sortableTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000Z")
}

// CreateSnapshot writes a new immutable snapshot file for agentID.
// SnapshotID and Timestamp are filled in when empty.
func (m *Manager) CreateSnapshot(agentID string, s Snapshot) (Snapshot, error) {
	s.AgentID = agentID
	if s.SnapshotID == "" {
		s.SnapshotID = "snap-" + uuid.NewString()
	}
	now := time.Now().UTC()
	if s.Timestamp == "" {
		s.Timestamp = now.Format(time.RFC3339Nano)
	}

	path := m.paths.Snapshot(agentID, sortableTimestamp(now))
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return Snapshot{}, cperrors.Wrap(err, "snapshot.CreateSnapshot", "marshal snapshot")
	}
	if err := cpfs.AtomicWrite(path, data); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// GetLatestSnapshot returns agentID's newest snapshot by filename, or
// nil when none exist.
func (m *Manager) GetLatestSnapshot(agentID string) (*Snapshot, error) {
	files, err := m.listFiles(agentID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	s, err := m.read(files[len(files)-1])
	if err != nil {
		return nil, err
	}
	return s, nil
}

// QueryFilter narrows QuerySnapshots. A zero-value field matches
// everything for that dimension.
type QueryFilter struct {
	StartTime string // inclusive; compared lexically against Timestamp
	EndTime   string // inclusive
}

// QuerySnapshots returns agentID's snapshots matching filter, oldest first.
func (m *Manager) QuerySnapshots(agentID string, filter QueryFilter) ([]Snapshot, error) {
	files, err := m.listFiles(agentID)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, f := range files {
		s, err := m.read(f)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		if filter.StartTime != "" && s.Timestamp < filter.StartTime {
			continue
		}
		if filter.EndTime != "" && s.Timestamp > filter.EndTime {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

// CleanupOldSnapshots retains the `keep` newest snapshots for agentID,
// deleting the rest. It returns the paths removed.
func (m *Manager) CleanupOldSnapshots(agentID string, keep int) ([]string, error) {
	files, err := m.listFiles(agentID)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(files) <= keep {
		return nil, nil
	}
	toRemove := files[:len(files)-keep]
	removed := make([]string, 0, len(toRemove))
	for _, f := range toRemove {
		if err := os.Remove(f); err != nil {
			return removed, cperrors.NewFileSystemError(f, err)
		}
		removed = append(removed, f)
	}
	return removed, nil
}

func (m *Manager) listFiles(agentID string) ([]string, error) {
	matches, err := filepath.Glob(m.paths.SnapshotGlob(agentID))
	if err != nil {
		return nil, cperrors.Wrap(err, "snapshot.listFiles", "glob snapshots")
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) read(path string) (*Snapshot, error) {
	data, err := cpfs.ReadOrEmpty(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, cperrors.Wrap(err, "snapshot.read", "unmarshal snapshot "+filepath.Base(path))
	}
	return &s, nil
}

