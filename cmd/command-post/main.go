// cmd/command-post — engine process entrypoint: wires every
// coordination primitive to a project directory and serves the
// read-only status surface alongside the context-usage poll.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/command-post/engine/internal/cpconfig"
	"github.com/command-post/engine/internal/cpfs"
	"github.com/command-post/engine/internal/detector"
	"github.com/command-post/engine/internal/eventlog"
	"github.com/command-post/engine/internal/handoff"
	"github.com/command-post/engine/internal/inbox"
	"github.com/command-post/engine/internal/registry"
	"github.com/command-post/engine/internal/replace"
	"github.com/command-post/engine/internal/snapshot"
	"github.com/command-post/engine/internal/spawnexec"
	"github.com/command-post/engine/internal/statusapi"
	"github.com/command-post/engine/internal/statusindex"
	"github.com/command-post/engine/internal/tasks"
	"github.com/command-post/engine/pkg/logger"
	"github.com/command-post/engine/pkg/util"
)

func main() {
	projectPath := flag.String("project", ".", "project root containing .command-post")
	addr := flag.String("addr", ":8088", "status surface listen address")
	env := flag.String("env", "production", "logger environment")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("COMMAND_POST_POSTGRES_DSN"), "optional DSN for the read-only status index mirror")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Init(*env)

	paths := cpfs.NewPaths(*projectPath)

	cfg, err := cpconfig.LoadConfig(paths)
	if err != nil {
		logger.Fatal("config load failed", logger.FieldError, err.Error())
	}
	topology, err := cpconfig.LoadTopology(paths)
	if err != nil {
		logger.Fatal("topology load failed", logger.FieldError, err.Error())
	}

	inboxStore := inbox.New(paths)
	taskStore := tasks.New(paths)
	registryStore := registry.New(paths)
	snapshotMgr := snapshot.New(paths)
	eventsLog := eventlog.New(paths)
	handoffMgr := handoff.New(taskStore)

	// The multiplexer-backed executor that actually launches a
	// replacement agent process belongs to the runner, an external
	// collaborator; LoggingSpawnExecutor stands in as its reference
	// shape until that process is wired in.
	executor := spawnexec.NewAuditedExecutor(paths, &spawnexec.LoggingSpawnExecutor{})

	coordinator := replace.New(replace.Config{
		ProjectPath:        *projectPath,
		OrchestratorID:     cfg.OrchestratorID,
		MinQualityScore:    cfg.MinQualityScore,
		MaxSnapshotRetries: cfg.MaxSnapshotRetries,
	}, paths, inboxStore, snapshotMgr, eventsLog, registryStore, handoffMgr, executor)
	// TaskContextOf is left nil: the task store carries no per-task
	// files-touched history to cross-reference a snapshot against, so
	// the files_cross_reference check never runs.

	hub := statusapi.NewHub()
	pub := &replayingPublisher{hub: hub, events: eventsLog, registry: registryStore, tasks: taskStore, coordinator: coordinator}
	det := detector.New(detector.DefaultThresholds(), pub)

	var pool *pgxpool.Pool
	if *postgresDSN != "" {
		pool, err = pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			logger.Warn("statusindex postgres pool init failed, continuing without it", logger.FieldError, err.Error())
			pool = nil
		}
	}
	mirror := statusindex.New(pool, eventsLog, taskStore)
	if err := mirror.EnsureSchema(ctx); err != nil {
		logger.Warn("statusindex schema init failed, continuing without it", logger.FieldError, err.Error())
	}
	util.SafeGo(func() { mirror.Run(ctx) })

	srv := statusapi.NewServer(statusapi.Deps{
		Tasks:    taskStore,
		Events:   eventsLog,
		Registry: registryStore,
		Replace:  coordinator,
		Index:    mirror,
		Hub:      hub,
		ContextUsage: func(agentID string, usagePercent float64) {
			det.Record(agentID, usagePercent, time.Now())
		},
	})

	det.Poll(ctx, func() []string { return knownAgentIDs(topology) }, noopSource)

	logger.Infow("command-post starting", logger.FieldComponent, "statusapi", "addr", *addr)
	done := make(chan struct{})
	util.SafeGo(func() {
		if err := srv.ListenAndServe(*addr, done); err != nil {
			logger.Fatal("status surface failed", logger.FieldError, err.Error())
		}
	})

	<-ctx.Done()
	close(done)
	if pool != nil {
		pool.Close()
	}
	logger.ShutdownDBHandler()
	logger.Info("shutting down")
}

// noopSource is the default context-usage Source: the engine only learns
// usage through POST /api/context-usage until a runner-side collector is
// wired in, so the poll loop never has readings to contribute itself.
func noopSource(ctx context.Context, agentID string) (float64, bool) { return 0, false }

func knownAgentIDs(topology cpconfig.Topology) []string {
	ids := make([]string, 0, len(topology))
	for id := range topology {
		ids = append(ids, id)
	}
	return ids
}

// replayingPublisher bridges the context detector to the rest of the
// engine. Every zone crossing is persisted to the event log and
// broadcast to connected status clients. A crossing into red also
// opens a replacement flow, unless one is already in progress for
// that agent.
type replayingPublisher struct {
	hub         *statusapi.Hub
	events      *eventlog.Log
	registry    *registry.Store
	tasks       *tasks.Store
	coordinator *replace.Coordinator
}

func (p *replayingPublisher) PublishContextEvent(eventType, agentID string, data map[string]any) {
	if err := p.events.Append(eventlog.Event{EventType: eventType, AgentID: agentID, Data: data}); err != nil {
		logger.Warn("failed to persist context event", logger.FieldError, err.Error(), logger.FieldAgentID, agentID)
	}
	p.hub.PublishContextEvent(eventType, agentID, data)

	if eventType != detector.EventContextUsageCritical {
		return
	}
	if p.coordinator.GetFlow(agentID) != nil {
		return // a flow is already in progress for this agent
	}

	entry, err := p.registry.GetAgent(agentID)
	if err != nil || entry == nil {
		return
	}
	owned, err := p.tasks.ListTasks(tasks.ListFilter{AssignedTo: agentID})
	if err != nil {
		owned = nil
	}
	taskIDs := make([]string, 0, len(owned))
	for _, t := range owned {
		taskIDs = append(taskIDs, t.ID)
	}

	usage, _ := data["usagePercent"].(float64)
	if _, err := p.coordinator.InitiateReplacement(agentID, "context_usage_critical", usage, replace.AgentInfo{
		TaskIDs: taskIDs,
		Role:    entry.Role,
		Domain:  entry.Domain,
	}); err != nil {
		logger.Warn("auto replacement initiation failed", logger.FieldError, err.Error(), logger.FieldAgentID, agentID)
	}
}
