// Package cpfs implements the coordination primitives every other engine
// package builds on: the on-disk path layout, atomic file writes, and a
// per-path advisory lock. Nothing here is process-aware beyond a single
// host; there is no distributed locking.
package cpfs

import "path/filepath"

const rootDirName = ".command-post"

// Paths resolves every on-disk location the engine touches as a pure
// function of a project root. Construct once per project and share.
type Paths struct {
	root string
}

// NewPaths returns a Paths rooted at <projectRoot>/.command-post.
func NewPaths(projectRoot string) *Paths {
	return &Paths{root: filepath.Join(projectRoot, rootDirName)}
}

// Root returns the <project>/.command-post directory itself.
func (p *Paths) Root() string { return p.root }

// AgentRegistry returns the path of the single agent-registry.json file.
func (p *Paths) AgentRegistry() string {
	return filepath.Join(p.root, "agent-registry.json")
}

// TasksDir returns the directory holding one file per task.
func (p *Paths) TasksDir() string { return filepath.Join(p.root, "tasks") }

// Task returns the path of a single task record.
func (p *Paths) Task(id string) string {
	return filepath.Join(p.TasksDir(), id+".json")
}

// MessagesDir returns the directory holding one inbox file per agent.
func (p *Paths) MessagesDir() string { return filepath.Join(p.root, "messages") }

// Inbox returns the path of a single agent's message file.
func (p *Paths) Inbox(agentID string) string {
	return filepath.Join(p.MessagesDir(), agentID+".json")
}

// EventsDir returns the directory holding the append-only event log.
func (p *Paths) EventsDir() string { return filepath.Join(p.root, "events") }

// EventsLog returns the path of the single events.jsonl file.
func (p *Paths) EventsLog() string {
	return filepath.Join(p.EventsDir(), "events.jsonl")
}

// SnapshotsDir returns the directory holding memory snapshot files.
func (p *Paths) SnapshotsDir() string { return filepath.Join(p.root, "memory-snapshots") }

// Snapshot returns the path of one agent's snapshot for a given sortable
// UTC timestamp suffix.
func (p *Paths) Snapshot(agentID, sortableTimestamp string) string {
	return filepath.Join(p.SnapshotsDir(), agentID+"-"+sortableTimestamp+".json")
}

// SnapshotGlob returns a glob pattern matching every snapshot for agentID,
// in an order that is lexical and therefore also chronological.
func (p *Paths) SnapshotGlob(agentID string) string {
	return filepath.Join(p.SnapshotsDir(), agentID+"-*.json")
}

// SpawnRequestsDir returns the directory holding spawn-request audit files.
func (p *Paths) SpawnRequestsDir() string { return filepath.Join(p.root, "spawn-requests") }

// SpawnRequest returns the path of one spawn request's audit file.
func (p *Paths) SpawnRequest(requestID string) string {
	return filepath.Join(p.SpawnRequestsDir(), requestID+".json")
}

// SpawnLog returns the path of the append-only spawn-log.yaml.
func (p *Paths) SpawnLog() string { return filepath.Join(p.root, "spawn-log.yaml") }

// Config returns the path of config.yaml (external, read-only to the engine).
func (p *Paths) Config() string { return filepath.Join(p.root, "config.yaml") }

// Topology returns the path of topology.yaml (external, read-only to the engine).
func (p *Paths) Topology() string { return filepath.Join(p.root, "topology.yaml") }

// Lock returns the advisory lock file path that guards target.
func (p *Paths) Lock(target string) string { return Lock(target) }

// Lock returns the advisory lock file path that guards target. It is a
// pure function of target, not of a project root, so WithFileLock can
// call it directly without threading a *Paths through.
func Lock(target string) string { return target + ".lock" }
