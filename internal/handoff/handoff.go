// Package handoff implements the handoff manager: a small per-source-agent
// state machine tracking one in-flight handoff, plus the task-transfer
// step it drives.
package handoff

import (
	"sync"
	"time"

	"github.com/command-post/engine/internal/tasks"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// Phase values a Handoff's Phase field may hold.
const (
	PhaseInitiated     = "initiated"
	PhaseSnapshotReady  = "snapshot_ready"
	PhaseTransferred    = "transferred"
	PhaseCompleted      = "completed"
	PhaseFailed         = "failed" // terminal, reachable from any non-terminal phase
)

var transitions = map[string]map[string]bool{
	PhaseInitiated:     {PhaseSnapshotReady: true, PhaseFailed: true},
	PhaseSnapshotReady: {PhaseTransferred: true, PhaseFailed: true},
	PhaseTransferred:   {PhaseCompleted: true, PhaseFailed: true},
}

// Handoff is one source agent's in-flight handoff record.
type Handoff struct {
	SourceAgentID string
	TargetAgentID string
	SnapshotID    string
	Phase         string
	TransferredTasks []string
	OpenedAt      time.Time
}

// Manager tracks at most one Handoff per source agent id.
type Manager struct {
	mu       sync.Mutex
	handoffs map[string]*Handoff
	tasks    *tasks.Store
}

// New returns a Manager that uses taskStore to perform task transfers.
func New(taskStore *tasks.Store) *Manager {
	return &Manager{handoffs: make(map[string]*Handoff), tasks: taskStore}
}

// Initiate opens a new handoff for sourceAgentID. It is not idempotent:
// an existing open handoff for the same source is an error.
func (m *Manager) Initiate(sourceAgentID string) (*Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.handoffs[sourceAgentID]; ok && existing.Phase != PhaseCompleted && existing.Phase != PhaseFailed {
		return nil, cperrors.NewValidationError("handoff.Initiate", "a handoff is already open for "+sourceAgentID)
	}

	h := &Handoff{SourceAgentID: sourceAgentID, Phase: PhaseInitiated, OpenedAt: time.Now().UTC()}
	m.handoffs[sourceAgentID] = h
	return h, nil
}

// MarkSnapshotReady records the snapshot the handoff will use and
// advances the phase to snapshot_ready.
func (m *Manager) MarkSnapshotReady(sourceAgentID, snapshotID string) (*Handoff, error) {
	return m.transition(sourceAgentID, PhaseSnapshotReady, func(h *Handoff) {
		h.SnapshotID = snapshotID
	})
}

// Transfer reassigns every task owned by sourceAgentID to
// targetAgentID, records the moved task ids, and advances the phase to
// transferred.
func (m *Manager) Transfer(sourceAgentID, targetAgentID string) (*Handoff, error) {
	moved, err := m.tasks.TransferAssignment(sourceAgentID, targetAgentID)
	if err != nil {
		return nil, err
	}
	return m.transition(sourceAgentID, PhaseTransferred, func(h *Handoff) {
		h.TargetAgentID = targetAgentID
		h.TransferredTasks = moved
	})
}

// Complete advances the phase to completed, the handoff's terminal
// success state.
func (m *Manager) Complete(sourceAgentID string) (*Handoff, error) {
	return m.transition(sourceAgentID, PhaseCompleted, nil)
}

// Fail marks the handoff failed from any non-terminal phase.
func (m *Manager) Fail(sourceAgentID string) (*Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handoffs[sourceAgentID]
	if !ok {
		return nil, cperrors.ErrNoActiveFlow
	}
	if h.Phase == PhaseCompleted || h.Phase == PhaseFailed {
		return nil, cperrors.ErrIllegalTransition
	}
	h.Phase = PhaseFailed
	return h, nil
}

// Get returns the most recent handoff for sourceAgentID in whatever
// phase it reached, or nil if none was ever opened.
func (m *Manager) Get(sourceAgentID string) *Handoff {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handoffs[sourceAgentID]
}

func (m *Manager) transition(sourceAgentID, to string, mutate func(*Handoff)) (*Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handoffs[sourceAgentID]
	if !ok {
		return nil, cperrors.ErrNoActiveFlow
	}
	if !transitions[h.Phase][to] {
		return nil, cperrors.ErrIllegalTransition
	}
	if mutate != nil {
		mutate(h)
	}
	h.Phase = to
	return h, nil
}
