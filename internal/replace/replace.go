// Package replace implements the replacement coordinator: the
// centerpiece state machine that detects context exhaustion, negotiates
// a memory snapshot, validates it, retries with a bounded budget, force
// handoffs when that budget is exhausted, spawns a replacement agent,
// transfers its tasks, and signals shutdown to the outgoing agent.
package replace

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/command-post/engine/internal/cpfs"
	"github.com/command-post/engine/internal/eventlog"
	"github.com/command-post/engine/internal/handoff"
	"github.com/command-post/engine/internal/inbox"
	"github.com/command-post/engine/internal/quality"
	"github.com/command-post/engine/internal/registry"
	"github.com/command-post/engine/internal/snapshot"
	"github.com/command-post/engine/internal/spawnexec"
	cperrors "github.com/command-post/engine/pkg/errors"
	"github.com/command-post/engine/pkg/logger"
)

// Phase values a Flow's Phase field may hold.
const (
	PhaseInitiated        = "initiated"
	PhaseAwaitingSnapshot = "awaiting_snapshot"
	PhaseValidating       = "validating"
	PhaseReadyToSpawn     = "ready_to_spawn"
	PhaseSpawning         = "spawning"
	PhaseNotifying        = "notifying"
	PhaseCompleted        = "completed"
	PhaseAborted          = "aborted"
)

// Event types appended to the project event log.
const (
	EventReplacementInitiated       = "replacement_initiated"
	EventContextSnapshotRejected    = "context_snapshot_rejected"
	EventAgentReplacementCompleted  = "agent_replacement_completed"
	EventAgentReplacementFailed     = "agent_replacement_failed"
)

const (
	defaultMinQualityScore    = 0.7
	defaultMaxSnapshotRetries = 3
)

// Config tunes the coordinator's behavior.
type Config struct {
	ProjectPath        string
	OrchestratorID     string
	MinQualityScore    float64
	MaxSnapshotRetries int
}

// withDefaults fills zero-value tunables with their spec defaults.
func (c Config) withDefaults() Config {
	if c.MinQualityScore == 0 {
		c.MinQualityScore = defaultMinQualityScore
	}
	if c.MaxSnapshotRetries == 0 {
		c.MaxSnapshotRetries = defaultMaxSnapshotRetries
	}
	return c
}

// AgentInfo is the caller-supplied description of the outgoing agent
// needed to open a replacement flow.
type AgentInfo struct {
	TaskIDs []string
	Role    string
	Domain  string
}

// Flow is one outgoing agent's in-flight replacement state. At most
// one Flow exists per agent id at a time.
type Flow struct {
	AgentID            string
	Reason             string
	Phase              string
	RetryCount         int
	BestQualityScore   float64
	ReplacementAgentID string
	TaskIDs            []string
	OpenedAt           time.Time
}

func (f Flow) copy() *Flow {
	c := f
	c.TaskIDs = append([]string(nil), f.TaskIDs...)
	return &c
}

// Coordinator owns the process-local flow map and the dependencies the
// replacement flow drives: the inbox (for lifecycle commands and
// notifications), the snapshot manager, the quality validator, the
// event log, the agent registry, the handoff manager, and the spawn
// executor.
type Coordinator struct {
	cfg Config

	mu    sync.Mutex
	flows map[string]*Flow

	inbox     *inbox.Store
	snapshots *snapshot.Manager
	events    *eventlog.Log
	registry  *registry.Store
	handoffs  *handoff.Manager
	executor  spawnexec.SpawnExecutor

	// TaskContextOf optionally supplies the filesModified cross-reference
	// for the quality validator's files_cross_reference check. Nil means
	// that check is never run.
	TaskContextOf func(agentID string) quality.TaskContext
}

// New returns a Coordinator wired to the given collaborators.
func New(
	cfg Config,
	paths *cpfs.Paths,
	inboxStore *inbox.Store,
	snapshots *snapshot.Manager,
	events *eventlog.Log,
	reg *registry.Store,
	handoffs *handoff.Manager,
	executor spawnexec.SpawnExecutor,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		flows:     make(map[string]*Flow),
		inbox:     inboxStore,
		snapshots: snapshots,
		events:    events,
		registry:  reg,
		handoffs:  handoffs,
		executor:  executor,
	}
}

// GetFlow returns a snapshot copy of agentID's current flow, or nil if
// no flow is open.
func (c *Coordinator) GetFlow(agentID string) *Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[agentID]
	if !ok {
		return nil
	}
	return f.copy()
}

// InitiateReplacement opens a new flow for agentID. It is not
// idempotent — a flow already open for the agent is rejected.
func (c *Coordinator) InitiateReplacement(agentID, reason string, currentUsage float64, info AgentInfo) (*Flow, error) {
	c.mu.Lock()
	if _, exists := c.flows[agentID]; exists {
		c.mu.Unlock()
		return nil, cperrors.ErrFlowExists
	}
	f := &Flow{
		AgentID:    agentID,
		Reason:     reason,
		Phase:      PhaseAwaitingSnapshot,
		RetryCount: 0,
		TaskIDs:    append([]string(nil), info.TaskIDs...),
		OpenedAt:   time.Now().UTC(),
	}
	c.flows[agentID] = f
	c.mu.Unlock()

	logger.Info("replacement flow initiated", logger.FieldAgentID, agentID, logger.FieldFlowPhase, f.Phase)

	if err := c.sendWriteSnapshotCommand(agentID, false); err != nil {
		return nil, err
	}
	c.appendEvent(EventReplacementInitiated, agentID, map[string]any{
		"reason":       reason,
		"currentUsage": currentUsage,
	})

	return f.copy(), nil
}

// ProcessSnapshot is an idempotent poll: each call either advances the
// flow's state or is a no-op when no new snapshot exists yet.
func (c *Coordinator) ProcessSnapshot(agentID string) (*Flow, error) {
	c.mu.Lock()
	f, ok := c.flows[agentID]
	c.mu.Unlock()
	if !ok {
		return nil, cperrors.ErrNoActiveFlow
	}
	if f.Phase == PhaseCompleted || f.Phase == PhaseAborted {
		return f.copy(), nil
	}

	latest, err := c.snapshots.GetLatestSnapshot(agentID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return f.copy(), nil
	}

	c.mu.Lock()
	f.Phase = PhaseValidating
	c.mu.Unlock()

	var taskCtx quality.TaskContext
	if c.TaskContextOf != nil {
		taskCtx = c.TaskContextOf(agentID)
	}
	result := quality.ValidatePRDSnapshot(*latest, taskCtx)

	c.mu.Lock()
	if result.Score > f.BestQualityScore {
		f.BestQualityScore = result.Score
	}
	f.RetryCount++
	retryCount := f.RetryCount
	c.mu.Unlock()

	if result.Valid && result.Score >= c.cfg.MinQualityScore {
		c.mu.Lock()
		f.Phase = PhaseReadyToSpawn
		c.mu.Unlock()
		return c.spawn(agentID, *latest, false, "")
	}

	if retryCount < c.cfg.MaxSnapshotRetries {
		c.appendEvent(EventContextSnapshotRejected, agentID, map[string]any{
			"score":    result.Score,
			"findings": result.Findings,
		})
		if err := c.sendWriteSnapshotCommand(agentID, true); err != nil {
			return nil, err
		}
		c.mu.Lock()
		f.Phase = PhaseAwaitingSnapshot
		c.mu.Unlock()
		return c.GetFlow(agentID), nil
	}

	return c.ForceHandoff(agentID, "retry_limit_exhausted")
}

// ForceHandoff is the last-resort path: if no snapshot exists on disk,
// it synthesizes a minimal one in memory and proceeds to spawn.
func (c *Coordinator) ForceHandoff(agentID, reason string) (*Flow, error) {
	c.mu.Lock()
	f, ok := c.flows[agentID]
	c.mu.Unlock()
	if !ok {
		return nil, cperrors.ErrNoActiveFlow
	}
	if f.Phase == PhaseCompleted || f.Phase == PhaseAborted {
		return f.copy(), nil
	}

	latest, err := c.snapshots.GetLatestSnapshot(agentID)
	if err != nil {
		return nil, err
	}

	var snap snapshot.Snapshot
	if latest != nil {
		snap = *latest
	} else {
		// The flow's TaskIDs carry forward into the spawn request
		// regardless; this synthetic snapshot only needs to satisfy the
		// handoff signal shape, not restate them.
		snap = snapshot.Snapshot{
			AgentID:   agentID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			HandoffSignal: snapshot.HandoffSignal{
				Active:         true,
				Reason:         reason,
				ReadyToHandoff: true,
			},
			Forced: true,
		}
	}

	return c.spawn(agentID, snap, true, reason)
}

func (c *Coordinator) sendWriteSnapshotCommand(agentID string, retry bool) error {
	_, err := c.inbox.SendMessage(inbox.Message{
		From: c.cfg.OrchestratorID,
		To:   agentID,
		Type: inbox.TypeLifecycleCommand,
		Body: map[string]any{
			"command": inbox.CommandWriteMemorySnapshot,
			"retry":   retry,
		},
	}, inbox.SendOptions{SkipValidation: true})
	return err
}

// spawn is the spawn sub-protocol shared by the normal and forced
// paths: compute the replacement id, call the spawn executor, then on
// success transfer tasks, update the registry, notify the
// orchestrator, and signal the outgoing agent to shut down. On failure
// the flow is aborted and the original agent is left active — the
// shutdown invariant only fires on a successful spawn. Either way the
// flow reaches a terminal phase and is removed from the flow map; the
// returned Flow is the final snapshot of its state.
func (c *Coordinator) spawn(agentID string, snap snapshot.Snapshot, forced bool, reason string) (*Flow, error) {
	c.mu.Lock()
	f := c.flows[agentID]
	f.Phase = PhaseSpawning
	taskIDs := append([]string(nil), f.TaskIDs...)
	c.mu.Unlock()

	entry, err := c.registry.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	handoffCount := 0
	role, domain := "", ""
	if entry != nil {
		handoffCount = entry.HandoffCount
		role = entry.Role
		domain = entry.Domain
	}
	replacementAgentID := nextReplacementID(agentID, handoffCount)

	req := spawnexec.Request{
		RequestID:           "req-" + replacementAgentID,
		ReplacementAgentID:  replacementAgentID,
		OriginalAgentID:     agentID,
		Snapshot:            snap,
		TaskIDs:             taskIDs,
		Role:                role,
		Domain:              domain,
		HandoffNumber:       handoffCount + 1,
		ProjectPath:         c.cfg.ProjectPath,
		Timestamp:           time.Now().UTC().Format(time.RFC3339Nano),
	}

	result, spawnErr := c.executor.Spawn(context.Background(), req)
	if spawnErr != nil || !result.Success {
		c.mu.Lock()
		f.Phase = PhaseAborted
		done := f.copy()
		delete(c.flows, agentID)
		c.mu.Unlock()

		failMsg := ""
		if spawnErr != nil {
			failMsg = spawnErr.Error()
		} else {
			failMsg = result.Error
		}
		c.appendEvent(EventAgentReplacementFailed, agentID, map[string]any{
			"reason": failMsg,
			"forced": forced,
		})
		_, _ = c.inbox.SendMessage(inbox.Message{
			From: "replacement-coordinator",
			To:   c.cfg.OrchestratorID,
			Type: inbox.TypeTaskUpdate,
			Body: map[string]any{
				"report_type":     "agent_replacement_failed",
				"originalAgentId": agentID,
				"reason":          failMsg,
			},
		}, inbox.SendOptions{SkipValidation: true})
		return done, nil
	}

	c.mu.Lock()
	f.Phase = PhaseNotifying
	f.ReplacementAgentID = replacementAgentID
	bestScore := f.BestQualityScore
	c.mu.Unlock()

	if _, err := c.handoffs.Initiate(agentID); err != nil {
		// spawn runs once per flow, so this fails only when an earlier
		// flow for the same agent left its handoff open. That error is
		// not fatal: MarkSnapshotReady's error is ignored as well, and
		// Transfer below fails only if the open handoff cannot move on.
		_ = err
	}
	_, _ = c.handoffs.MarkSnapshotReady(agentID, snap.SnapshotID)
	if _, err := c.handoffs.Transfer(agentID, replacementAgentID); err != nil {
		return nil, err
	}
	if _, err := c.handoffs.Complete(agentID); err != nil {
		return nil, err
	}

	if err := c.registry.UpdateStatus(agentID, registry.StatusReplaced); err != nil {
		return nil, err
	}
	if err := c.registry.RegisterAgent(replacementAgentID, registry.Entry{
		SessionName:  replacementAgentID,
		Role:         role,
		Domain:       domain,
		PID:          result.PID,
		Status:       registry.StatusActive,
		LaunchedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		HandoffCount: handoffCount + 1,
	}); err != nil {
		return nil, err
	}

	_, _ = c.inbox.SendMessage(inbox.Message{
		From: "replacement-coordinator",
		To:   c.cfg.OrchestratorID,
		Type: inbox.TypeTaskUpdate,
		Body: map[string]any{
			"report_type":        "agent_replacement_completed",
			"originalAgentId":    agentID,
			"replacementAgentId": replacementAgentID,
			"forced":             forced,
			"reason":             reason,
			"qualityScore":       bestScore,
		},
	}, inbox.SendOptions{SkipValidation: true})

	_, _ = c.inbox.SendMessage(inbox.Message{
		From: "replacement-coordinator",
		To:   agentID,
		Type: inbox.TypeLifecycleCommand,
		Body: map[string]any{
			"command":             inbox.CommandPrepareShutdown,
			"replacementAgentId": replacementAgentID,
		},
	}, inbox.SendOptions{SkipValidation: true})

	c.appendEvent(EventAgentReplacementCompleted, agentID, map[string]any{
		"replacementAgentId": replacementAgentID,
		"forced":             forced,
		"qualityScore":       bestScore,
	})

	c.mu.Lock()
	f.Phase = PhaseCompleted
	done := f.copy()
	delete(c.flows, agentID)
	c.mu.Unlock()

	logger.Info("replacement flow completed",
		logger.FieldAgentID, agentID, logger.FieldFlowPhase, PhaseCompleted)

	return done, nil
}

// Abort marks agentID's flow aborted from any non-terminal phase, for
// unrecoverable errors the caller detects outside the normal flow
// (e.g. the project directory became unwritable).
func (c *Coordinator) Abort(agentID, reason string) (*Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[agentID]
	if !ok {
		return nil, cperrors.ErrNoActiveFlow
	}
	if f.Phase == PhaseCompleted || f.Phase == PhaseAborted {
		return f.copy(), nil
	}
	f.Phase = PhaseAborted
	f.Reason = reason
	done := f.copy()
	delete(c.flows, agentID)
	return done, nil
}

func (c *Coordinator) appendEvent(eventType, agentID string, data map[string]any) {
	if err := c.events.Append(eventlog.Event{EventType: eventType, AgentID: agentID, Data: data}); err != nil {
		logger.Error("failed to append event", logger.FieldEventType, eventType, logger.FieldAgentID, agentID, logger.FieldError, err.Error())
	}
}

// nextReplacementID computes "<original>-r<handoffCount+1>" — the
// "-r<n>" suffix is lexical and monotone, matching the registry's
// handoffCount invariant.
func nextReplacementID(agentID string, handoffCount int) string {
	return agentID + "-r" + strconv.Itoa(handoffCount+1)
}
