// Package statusapi is the thin HTTP/websocket surface external
// dashboards use to observe the engine: task and event query endpoints
// backed directly by the filesystem stores (or, when wired, the
// statusindex mirror), plus a websocket stream for live updates. Its
// only write route is the optional POST /api/context-usage, which hands
// a usage reading to the Deps.ContextUsage callback; no route writes
// tasks, messages, agents or flows directly.
package statusapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/command-post/engine/internal/eventlog"
	"github.com/command-post/engine/internal/registry"
	"github.com/command-post/engine/internal/replace"
	"github.com/command-post/engine/internal/statusindex"
	"github.com/command-post/engine/internal/tasks"
	"github.com/command-post/engine/pkg/logger"
)

// Deps collects the read-only collaborators the status surface queries.
type Deps struct {
	Tasks    *tasks.Store
	Events   *eventlog.Log
	Registry *registry.Store
	Replace  *replace.Coordinator // optional: nil disables /api/flows
	Index    *statusindex.Mirror  // optional: nil disables /api/tasks/search
	Hub      *Hub

	// ContextUsage, when set, wires the one write endpoint this surface
	// exposes: the external context monitor the spec names reports a
	// reading here, rather than reaching into the detector directly.
	ContextUsage func(agentID string, usagePercent float64)
}

// Server is the gin-backed status HTTP surface.
type Server struct {
	router *gin.Engine
	deps   Deps
}

// NewServer builds a Server with routes registered and ready to serve.
func NewServer(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{router: r, deps: deps}
	s.registerRoutes()
	return s
}

// Engine returns the underlying gin router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.router }

// Hub returns the websocket broadcast hub.
func (s *Server) Hub() *Hub { return s.deps.Hub }

// ListenAndServe starts the HTTP server and blocks until done is closed
// or the listener fails. On done it closes the server immediately,
// without waiting for in-flight requests.
func (s *Server) ListenAndServe(addr string, done <-chan struct{}) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	return srv.Close()
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.GET("/events", s.listEvents)
	api.GET("/agents", s.listAgents)
	api.GET("/agents/:id", s.getAgent)
	if s.deps.Replace != nil {
		api.GET("/flows/:agentId", s.getFlow)
	}
	if s.deps.Index != nil {
		api.GET("/tasks/search", s.searchTasks)
	}
	if s.deps.ContextUsage != nil {
		api.POST("/context-usage", s.postContextUsage)
	}

	s.router.GET("/ws", func(c *gin.Context) {
		s.deps.Hub.serveWS(c.Writer, c.Request)
	})
}

func queryLimit(c *gin.Context, def, max int) int {
	v, err := strconv.Atoi(c.Query("limit"))
	if err != nil || v < 1 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func (s *Server) listTasks(c *gin.Context) {
	filter := tasks.ListFilter{
		Status:     c.Query("status"),
		AssignedTo: c.Query("assignedTo"),
		Domain:     c.Query("domain"),
	}
	items, err := s.deps.Tasks.ListTasks(filter)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.deps.Tasks.GetTask(c.Param("id"))
	if err != nil {
		serverError(c, err)
		return
	}
	if t == nil {
		notFound(c, "task not found")
		return
	}
	success(c, t)
}

func (s *Server) listEvents(c *gin.Context) {
	filter := eventlog.QueryFilter{
		AgentID:   c.Query("agentId"),
		EventType: c.Query("type"),
		StartTime: c.Query("since"),
	}
	events, err := s.deps.Events.Query(filter)
	if err != nil {
		serverError(c, err)
		return
	}
	limit := queryLimit(c, 200, 5000)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	success(c, events)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.deps.Registry.ListAgents()
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, agents)
}

func (s *Server) getAgent(c *gin.Context) {
	entry, err := s.deps.Registry.GetAgent(c.Param("id"))
	if err != nil {
		serverError(c, err)
		return
	}
	if entry == nil {
		notFound(c, "agent not found")
		return
	}
	success(c, entry)
}

func (s *Server) postContextUsage(c *gin.Context) {
	var req struct {
		AgentID      string  `json:"agentId"`
		UsagePercent float64 `json:"usagePercent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": "bad_request", "message": "agentId and usagePercent are required"}})
		return
	}
	s.deps.ContextUsage(req.AgentID, req.UsagePercent)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) searchTasks(c *gin.Context) {
	keyword := c.Query("q")
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": "bad_request", "message": "q is required"}})
		return
	}
	results, err := s.deps.Index.SearchTasks(c.Request.Context(), keyword, queryLimit(c, 50, 2000))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, results)
}

func (s *Server) getFlow(c *gin.Context) {
	flow := s.deps.Replace.GetFlow(c.Param("agentId"))
	if flow == nil {
		notFound(c, "no active replacement flow")
		return
	}
	success(c, flow)
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.Error("statusapi: internal error", logger.FieldError, err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "internal error"}})
}
