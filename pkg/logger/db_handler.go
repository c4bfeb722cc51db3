package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogEntry mirrors one row of a Postgres system_logs table.
type LogEntry struct {
	Ts             time.Time
	Level          string
	Logger         string
	Message        string
	Raw            string
	Source         string
	Component      string
	AgentID        string
	TaskID         string
	FlowID         string
	FlowPhase      string
	Zone           string
	SnapshotID     string
	SpawnRequestID string
	ThreadID       string
	TraceID        string
	EventType      string
	RetryCount     *int
	DurationMS     *int
	Extra          map[string]any
}

// ========================================
// DBHandler — slog.Handler batching writes into Postgres
// ========================================

const (
	bufSize    = 1024
	batchSize  = 100
	flushDelay = 500 * time.Millisecond
)

// DBHandler implements slog.Handler, writing log records asynchronously in
// batches to a Postgres system_logs table, which neither this package nor
// statusindex.EnsureSchema creates. It exists purely
// as an accelerated read path for external dashboards — the event log and
// task files on disk remain authoritative.
type DBHandler struct {
	pool  *pgxpool.Pool
	buf   chan LogEntry
	attrs []slog.Attr
	group string
	level slog.Level
	done  chan struct{}
	// closed is shared across handler clones (WithAttrs/WithGroup) so a
	// shutdown doesn't leave a clone writing to an already-closed channel.
	closed *atomic.Bool
}

// NewDBHandler creates a handler and starts its background consumer.
func NewDBHandler(pool *pgxpool.Pool, level slog.Level) *DBHandler {
	h := &DBHandler{
		pool:   pool,
		buf:    make(chan LogEntry, bufSize),
		level:  level,
		done:   make(chan struct{}),
		closed: &atomic.Bool{},
	}
	go h.consumeLoop()
	return h
}

// Enabled implements slog.Handler.
func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler — builds a LogEntry and pushes it onto
// the async buffer.
func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	if h.closed != nil && h.closed.Load() {
		return nil
	}

	entry := LogEntry{
		Ts:      r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	for _, a := range h.attrs {
		applyAttr(&entry, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		applyAttr(&entry, a)
		return true
	})

	func() {
		defer func() {
			if recover() != nil {
				// buf was closed mid-shutdown; drop this entry rather than panic.
			}
		}()
		select {
		case h.buf <- entry:
		default:
			// drop: never let a slow mirror block the engine
		}
	}()
	return nil
}

// WithAttrs implements slog.Handler.
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &DBHandler{
		pool:   h.pool,
		buf:    h.buf,
		attrs:  newAttrs,
		group:  h.group,
		level:  h.level,
		done:   h.done,
		closed: h.closed,
	}
}

// WithGroup implements slog.Handler.
func (h *DBHandler) WithGroup(name string) slog.Handler {
	return &DBHandler{
		pool:   h.pool,
		buf:    h.buf,
		attrs:  h.attrs,
		group:  name,
		level:  h.level,
		done:   h.done,
		closed: h.closed,
	}
}

// Shutdown stops the background goroutine and flushes whatever remains.
func (h *DBHandler) Shutdown() {
	if h.closed != nil && !h.closed.CompareAndSwap(false, true) {
		return
	}
	close(h.buf)
	<-h.done
}

func (h *DBHandler) consumeLoop() {
	defer close(h.done)

	batch := make([]LogEntry, 0, batchSize)
	ticker := time.NewTicker(flushDelay)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-h.buf:
			if !ok {
				if len(batch) > 0 {
					h.flush(batch)
				}
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (h *DBHandler) flush(batch []LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, e := range batch {
		var extraJSON []byte
		if len(e.Extra) > 0 {
			var marshalErr error
			extraJSON, marshalErr = json.Marshal(e.Extra)
			if marshalErr != nil {
				slog.Default().Debug("db_handler: marshal extra", "error", marshalErr)
				extraJSON = nil
			}
		}

		_, err := h.pool.Exec(ctx,
			`INSERT INTO system_logs
				(ts, level, logger, message, raw,
				 source, component, agent_id, task_id, flow_id, flow_phase,
				 zone, snapshot_id, spawn_request_id, thread_id, trace_id,
				 event_type, retry_count, duration_ms, extra)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
			e.Ts, e.Level, e.Logger, e.Message, e.Raw,
			e.Source, e.Component, e.AgentID, e.TaskID, e.FlowID, e.FlowPhase,
			e.Zone, e.SnapshotID, e.SpawnRequestID, e.ThreadID, e.TraceID,
			e.EventType, e.RetryCount, e.DurationMS, extraJSON,
		)
		if err != nil {
			slog.Default().Warn("db_handler: flush failed", "error", err)
		}
	}
}

// applyAttr maps a slog.Attr onto LogEntry's structured fields.
func applyAttr(e *LogEntry, a slog.Attr) {
	switch a.Key {
	case FieldSource:
		e.Source = a.Value.String()
	case FieldComponent:
		e.Component = a.Value.String()
	case FieldAgentID:
		e.AgentID = a.Value.String()
	case FieldTaskID:
		e.TaskID = a.Value.String()
	case FieldFlowID:
		e.FlowID = a.Value.String()
	case FieldFlowPhase:
		e.FlowPhase = a.Value.String()
	case FieldZone:
		e.Zone = a.Value.String()
	case FieldSnapshotID:
		e.SnapshotID = a.Value.String()
	case FieldSpawnRequestID:
		e.SpawnRequestID = a.Value.String()
	case FieldThreadID:
		e.ThreadID = a.Value.String()
	case FieldTraceID:
		e.TraceID = a.Value.String()
	case FieldEventType:
		e.EventType = a.Value.String()
	case FieldRetryCount:
		if n, ok := intFromAny(a.Value.Any()); ok {
			e.RetryCount = &n
		}
	case FieldDurationMS:
		if n, ok := intFromAny(a.Value.Any()); ok {
			e.DurationMS = &n
		}
	case "logger":
		e.Logger = a.Value.String()
	case "raw":
		e.Raw = a.Value.String()
	default:
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[a.Key] = a.Value.Any()
	}
}

// intFromAny accepts the numeric kinds slog.Any commonly produces
// (int, int64, float64) so a caller logging slog.Int or slog.Any with a
// plain int doesn't silently lose the field.
func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ========================================
// MultiHandler — fans a record out to multiple Handlers
// ========================================

// MultiHandler fans log records out to several slog.Handlers, e.g. the
// process's text/JSON console handler plus the Postgres mirror.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler builds a fan-out handler.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled returns true if any wrapped handler accepts the level.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle dispatches to every wrapped handler.
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r)
		}
	}
	return nil
}

// WithAttrs calls WithAttrs on every wrapped handler.
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup calls WithGroup on every wrapped handler.
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// ========================================
// AttachDBHandler — mounts the mirror once the pool is ready
// ========================================

var (
	dbHandler atomic.Pointer[DBHandler]
	attachMu  sync.Mutex
)

// AttachDBHandler mounts a DBHandler as a second fan-out leg once the
// statusindex pool is ready. Logs before this call go only to the
// console/file handler; afterward every record is double-written.
func AttachDBHandler(pool *pgxpool.Pool) {
	attachMu.Lock()
	defer attachMu.Unlock()

	h := NewDBHandler(pool, slog.LevelInfo)
	dbHandler.Store(h)

	base := unwrapBaseHandler(getLogger().Handler())
	storeLogger(slog.New(NewMultiHandler(base, h)))
}

// ShutdownDBHandler closes the mirror handler and flushes what remains.
func ShutdownDBHandler() {
	if h := dbHandler.Load(); h != nil {
		h.Shutdown()
	}
}
