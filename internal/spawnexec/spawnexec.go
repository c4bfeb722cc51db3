// Package spawnexec defines the SpawnExecutor contract the replacement
// coordinator calls into, plus a disk-audited request writer and a
// spawn-log.yaml appender. No concrete multiplexer-backed executor
// ships here — that belongs to the runner process, an external
// collaborator named only by this interface.
package spawnexec

import (
	"context"
	"encoding/json"
	"time"

	goyaml "github.com/goccy/go-yaml"

	"github.com/command-post/engine/internal/cpfs"
	"github.com/command-post/engine/internal/snapshot"
	cperrors "github.com/command-post/engine/pkg/errors"
)

// Request is the prepared spawn request handed to a SpawnExecutor.
type Request struct {
	RequestID            string             `json:"requestId"`
	ReplacementAgentID    string             `json:"replacementAgentId"`
	OriginalAgentID       string             `json:"originalAgentId"`
	InstructionsPath      string             `json:"instructionsPath,omitempty"`
	PreparedInstructions  string             `json:"preparedInstructions,omitempty"`
	Snapshot              snapshot.Snapshot  `json:"snapshot"`
	TaskIDs               []string           `json:"taskIds"`
	Role                  string             `json:"role"`
	Domain                string             `json:"domain"`
	HandoffNumber         int                `json:"handoffNumber"`
	ProjectPath           string             `json:"projectPath"`
	Timestamp             string             `json:"timestamp"`
}

// Result is what a SpawnExecutor reports back.
type Result struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SpawnExecutor launches a replacement agent process. The concrete
// implementation (a terminal multiplexer session, a container, a
// subprocess) lives outside this engine; this interface is the
// boundary the replacement coordinator calls across.
type SpawnExecutor interface {
	Spawn(ctx context.Context, req Request) (Result, error)
}

// AuditedExecutor wraps a SpawnExecutor, writing a spawn-requests/<id>.json
// audit file before delegating, and appending to spawn-log.yaml after.
type AuditedExecutor struct {
	paths *cpfs.Paths
	inner SpawnExecutor
}

// NewAuditedExecutor wraps inner with disk-audited request/log writing.
func NewAuditedExecutor(paths *cpfs.Paths, inner SpawnExecutor) *AuditedExecutor {
	return &AuditedExecutor{paths: paths, inner: inner}
}

// Spawn writes the audit request file, delegates to the wrapped
// executor, then appends an entry to spawn-log.yaml recording the
// outcome.
func (a *AuditedExecutor) Spawn(ctx context.Context, req Request) (Result, error) {
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := a.writeRequestAudit(req); err != nil {
		return Result{}, err
	}

	result, err := a.inner.Spawn(ctx, req)

	logErr := a.appendSpawnLog(req, result, err)
	if logErr != nil && err == nil {
		return result, logErr
	}
	return result, err
}

func (a *AuditedExecutor) writeRequestAudit(req Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return cperrors.Wrap(err, "spawnexec.writeRequestAudit", "marshal request")
	}
	return cpfs.AtomicWrite(a.paths.SpawnRequest(req.RequestID), data)
}

// SpawnLogEntry is one record in spawn-log.yaml's spawned_agents list.
type SpawnLogEntry struct {
	RequestID          string `yaml:"requestId"`
	OriginalAgentID    string `yaml:"originalAgentId"`
	ReplacementAgentID string `yaml:"replacementAgentId"`
	HandoffNumber      int    `yaml:"handoffNumber"`
	Timestamp          string `yaml:"timestamp"`
	Success            bool   `yaml:"success"`
	Error              string `yaml:"error,omitempty"`
}

type spawnLogFile struct {
	SpawnedAgents []SpawnLogEntry `yaml:"spawned_agents"`
}

func (a *AuditedExecutor) appendSpawnLog(req Request, result Result, spawnErr error) error {
	path := a.paths.SpawnLog()
	return cpfs.WithFileLock(path, func() error {
		data, err := cpfs.ReadOrEmpty(path)
		if err != nil {
			return err
		}
		var f spawnLogFile
		if data != nil {
			if err := goyaml.Unmarshal(data, &f); err != nil {
				f = spawnLogFile{}
			}
		}

		entry := SpawnLogEntry{
			RequestID:          req.RequestID,
			OriginalAgentID:    req.OriginalAgentID,
			ReplacementAgentID: req.ReplacementAgentID,
			HandoffNumber:      req.HandoffNumber,
			Timestamp:          req.Timestamp,
			Success:            result.Success && spawnErr == nil,
		}
		if spawnErr != nil {
			entry.Error = spawnErr.Error()
		} else if result.Error != "" {
			entry.Error = result.Error
		}
		f.SpawnedAgents = append(f.SpawnedAgents, entry)

		out, err := goyaml.Marshal(f)
		if err != nil {
			return cperrors.Wrap(err, "spawnexec.appendSpawnLog", "marshal spawn log")
		}
		return cpfs.AtomicWrite(path, out)
	})
}

// LoggingSpawnExecutor is a test double / reference shape: it records
// every request it receives and always reports success unless Fail is set.
type LoggingSpawnExecutor struct {
	Requests []Request
	Fail     bool
	FailErr  error
}

// Spawn records req and returns a canned result.
func (e *LoggingSpawnExecutor) Spawn(ctx context.Context, req Request) (Result, error) {
	e.Requests = append(e.Requests, req)
	if e.Fail {
		if e.FailErr != nil {
			return Result{Success: false}, e.FailErr
		}
		return Result{Success: false, Error: "spawn failed"}, nil
	}
	return Result{Success: true, PID: 1000 + len(e.Requests)}, nil
}
