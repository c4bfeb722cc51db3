// Package statusindex maintains a best-effort, read-only Postgres
// mirror of task and event state. It exists to give an external status
// surface an indexed read path instead of scanning flat files on every
// request; the filesystem under the project directory remains the
// source of truth, and nothing in the write path depends on the mirror
// succeeding.
package statusindex

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/command-post/engine/internal/eventlog"
	"github.com/command-post/engine/internal/tasks"
	"github.com/command-post/engine/pkg/util"
)

const (
	defaultTaskPollInterval  = 5 * time.Second
	defaultEventPollInterval = 2 * time.Second
)

// Mirror tails the event log and periodically re-reads task records,
// upserting both into Postgres. A mirror failure is logged and
// swallowed — it never blocks or fails the caller's write path.
type Mirror struct {
	pool   *pgxpool.Pool
	events *eventlog.Log
	tasks  *tasks.Store

	taskPollInterval  time.Duration
	eventPollInterval time.Duration

	lastEventTimestamp string
}

// New returns a Mirror. pool may be nil, in which case Run is a no-op —
// the mirror is optional infrastructure, not a hard dependency.
func New(pool *pgxpool.Pool, events *eventlog.Log, taskStore *tasks.Store) *Mirror {
	return &Mirror{
		pool:              pool,
		events:            events,
		tasks:             taskStore,
		taskPollInterval:  defaultTaskPollInterval,
		eventPollInterval: defaultEventPollInterval,
	}
}

// EnsureSchema creates the mirror's tables if they don't already exist.
// Safe to call on every startup.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	if m.pool == nil {
		return nil
	}
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_index (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			assigned_to   TEXT,
			domain        TEXT,
			last_updated  TEXT,
			raw           JSONB
		);
		CREATE TABLE IF NOT EXISTS event_index (
			event_id   TEXT PRIMARY KEY,
			ts         TEXT NOT NULL,
			event_type TEXT NOT NULL,
			agent_id   TEXT,
			raw        JSONB
		);
	`)
	return err
}

// Run blocks, polling tasks and events on their own tickers until ctx
// is canceled. Each poll's failure is logged and the loop continues —
// a transient Postgres outage never brings down the engine.
func (m *Mirror) Run(ctx context.Context) {
	if m.pool == nil {
		return
	}

	taskTicker := time.NewTicker(m.taskPollInterval)
	defer taskTicker.Stop()
	eventTicker := time.NewTicker(m.eventPollInterval)
	defer eventTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-taskTicker.C:
			if err := m.mirrorTasks(ctx); err != nil {
				slog.Default().Warn("statusindex: task mirror failed", "error", err)
			}
		case <-eventTicker.C:
			if err := m.mirrorNewEvents(ctx); err != nil {
				slog.Default().Warn("statusindex: event mirror failed", "error", err)
			}
		}
	}
}

// SearchTasks returns the mirrored task rows whose id or domain
// contains keyword (case-insensitive), ordered by id and capped at
// limit. It is the indexed counterpart to a filesystem scan: a nil
// pool (mirror disabled) or empty keyword yields no results rather
// than an error. Pattern escaping and limit clamping follow the same
// LIKE-query shape the mirror's upstream keeps for its own keyword
// search over log rows.
func (m *Mirror) SearchTasks(ctx context.Context, keyword string, limit int) ([]tasks.Task, error) {
	if m.pool == nil || keyword == "" {
		return nil, nil
	}
	limit = util.ClampInt(limit, 1, 2000)
	pattern := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"

	rows, err := m.pool.Query(ctx, `
		SELECT raw FROM task_index
		WHERE LOWER(id) LIKE $1 ESCAPE '\' OR LOWER(domain) LIKE $1 ESCAPE '\'
		ORDER BY id
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t tasks.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (m *Mirror) mirrorTasks(ctx context.Context) error {
	all, err := m.tasks.ListTasks(tasks.ListFilter{})
	if err != nil {
		return err
	}
	for _, t := range all {
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		var assignedTo, domain any
		if t.AssignedTo != nil {
			assignedTo = *t.AssignedTo
		}
		if t.Domain != "" {
			domain = t.Domain
		}
		_, err = m.pool.Exec(ctx, `
			INSERT INTO task_index (id, status, assigned_to, domain, last_updated, raw)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				assigned_to = EXCLUDED.assigned_to,
				domain = EXCLUDED.domain,
				last_updated = EXCLUDED.last_updated,
				raw = EXCLUDED.raw
		`, t.ID, t.Status, assignedTo, domain, t.Timestamps.LastUpdated, raw)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) mirrorNewEvents(ctx context.Context) error {
	events, err := m.events.Query(eventlog.QueryFilter{StartTime: m.lastEventTimestamp})
	if err != nil {
		return err
	}
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		_, err = m.pool.Exec(ctx, `
			INSERT INTO event_index (event_id, ts, event_type, agent_id, raw)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.Timestamp, e.EventType, e.AgentID, raw)
		if err != nil {
			return err
		}
		if e.Timestamp > m.lastEventTimestamp {
			m.lastEventTimestamp = e.Timestamp
		}
	}
	return nil
}
