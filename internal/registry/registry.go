// Package registry implements the single-file agent registry: one JSON
// object keyed by agent id, recording each agent's lifecycle row.
package registry

import (
	"encoding/json"
	"time"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// Status values an Entry's Status field may hold.
const (
	StatusActive   = "active"
	StatusDead     = "dead"
	StatusReplaced = "replaced"
)

// Entry is one agent's row in agent-registry.json.
type Entry struct {
	SessionName    string  `json:"sessionName"`
	Role           string  `json:"role"`
	Domain         string  `json:"domain"`
	TaskID         *string `json:"taskId,omitempty"`
	TranscriptPath *string `json:"transcriptPath,omitempty"`
	PID            int     `json:"pid"`
	Status         string  `json:"status"`
	LaunchedAt     string  `json:"launchedAt"`
	HandoffCount   int     `json:"handoffCount"`
}

type registryFile map[string]Entry

// Store reads and writes the single agent-registry.json file.
type Store struct {
	paths *cpfs.Paths
}

// New returns a Store rooted at paths.
func New(paths *cpfs.Paths) *Store {
	return &Store{paths: paths}
}

func (s *Store) load() (registryFile, error) {
	data, err := cpfs.ReadOrEmpty(s.paths.AgentRegistry())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return registryFile{}, nil
	}
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupted registry is treated as empty, same as a missing one;
		// the next RegisterAgent replaces it with well-formed content.
		return registryFile{}, nil
	}
	if f == nil {
		f = registryFile{}
	}
	return f, nil
}

func (s *Store) save(f registryFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return cperrors.Wrap(err, "registry.save", "marshal registry")
	}
	return cpfs.AtomicWrite(s.paths.AgentRegistry(), data)
}

// RegisterAgent writes or overwrites an agent's entry. It is
// overwrite-idempotent: calling it twice with the same id and entry
// has no additional effect beyond the second write.
//
// It refuses to re-promote an entry that is currently "replaced" back
// to "active", and it refuses a handoffCount that would move
// backwards — both invariants the registry itself enforces regardless
// of caller discipline.
func (s *Store) RegisterAgent(agentID string, entry Entry) error {
	if entry.LaunchedAt == "" {
		entry.LaunchedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Status == "" {
		entry.Status = StatusActive
	}

	path := s.paths.AgentRegistry()
	return cpfs.WithFileLock(path, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}

		if existing, ok := f[agentID]; ok {
			if existing.Status == StatusReplaced && entry.Status == StatusActive {
				return cperrors.NewValidationError("registry.RegisterAgent",
					agentID+" is replaced and cannot be re-promoted to active")
			}
			if entry.HandoffCount < existing.HandoffCount {
				return cperrors.NewValidationError("registry.RegisterAgent",
					"handoffCount must not move backwards for "+agentID)
			}
		}

		f[agentID] = entry
		return s.save(f)
	})
}

// GetAgent returns the entry for agentID, or nil when absent.
func (s *Store) GetAgent(agentID string) (*Entry, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	e, ok := f[agentID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// UpdateStatus sets agentID's status, enforcing the same
// no-re-promotion-from-replaced invariant as RegisterAgent.
func (s *Store) UpdateStatus(agentID, status string) error {
	path := s.paths.AgentRegistry()
	return cpfs.WithFileLock(path, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}
		e, ok := f[agentID]
		if !ok {
			return cperrors.NewNotFoundError("agent", agentID)
		}
		if e.Status == StatusReplaced && status == StatusActive {
			return cperrors.NewValidationError("registry.UpdateStatus",
				agentID+" is replaced and cannot be re-promoted to active")
		}
		e.Status = status
		f[agentID] = e
		return s.save(f)
	})
}

// IncrementHandoffCount bumps agentID's handoffCount by one and
// returns the new value.
func (s *Store) IncrementHandoffCount(agentID string) (int, error) {
	path := s.paths.AgentRegistry()
	var newCount int
	err := cpfs.WithFileLock(path, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}
		e, ok := f[agentID]
		if !ok {
			return cperrors.NewNotFoundError("agent", agentID)
		}
		e.HandoffCount++
		newCount = e.HandoffCount
		f[agentID] = e
		return s.save(f)
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

// ListAgents returns every registered entry keyed by agent id.
func (s *Store) ListAgents() (map[string]Entry, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return map[string]Entry(f), nil
}
