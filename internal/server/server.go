// Package server exposes an Engine over HTTP: run submission and control,
// status snapshots, a WebSocket event stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/internal/journal"
	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/internal/plan"
	"github.com/ShayCichocki/autopilot/internal/version"
	"github.com/ShayCichocki/autopilot/internal/workers"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// History reads finished runs from the audit journal.
type History interface {
	Runs(ctx context.Context, limit int) ([]*journal.Run, error)
}

// Config configures a Server.
type Config struct {
	Addr string
	// Store serves lesson queries. Optional.
	Store knowledge.Store
	// History serves past runs. Optional.
	History History
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP transport.
type Server struct {
	engine   *orchestrator.Engine
	store    knowledge.Store
	history  History
	router   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// Response is the JSON envelope every API route returns.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New builds a Server around engine.
func New(engine *orchestrator.Engine, cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		store:   cfg.Store,
		history: cfg.History,
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes(cfg.Gatherer)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(g prometheus.Gatherer) {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	runs := api.Group("/runs")
	{
		runs.POST("", s.handleSubmit)
		runs.GET("", s.handleListRuns)
		runs.GET("/:id", s.handleStatus)
		runs.POST("/:id/pause", s.handleControl(s.engine.Pause))
		runs.POST("/:id/resume", s.handleControl(s.engine.Resume))
		runs.POST("/:id/cancel", s.handleControl(s.engine.Cancel))
		runs.GET("/:id/events", s.handleEvents)
	}
	api.GET("/events", s.handleEvents)
	api.GET("/history", s.handleHistory)
	api.GET("/workers", s.handleWorkers)
	api.POST("/workers/:id/reset", s.handleResetWorker)
	api.GET("/lessons", s.handleLessons)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers to finish.
// Event streams end when the engine closes its subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, Response{Success: true, Data: data})
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, Response{Success: false, Error: err.Error()})
}

// statusFor maps engine errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound), errors.Is(err, workers.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidRunState):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEngineClosed), errors.Is(err, knowledge.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, graph.ErrCyclicDependency), errors.Is(err, graph.ErrUnknownTask),
		errors.Is(err, graph.ErrDuplicateTask), errors.Is(err, plan.ErrEmptyPlan):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"runs":    len(s.engine.Runs()),
	})
}

// handleSubmit accepts a plan document (YAML or JSON) and starts a run.
func (s *Server) handleSubmit(c *gin.Context) {
	p, err := plan.Decode(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	runID, err := s.engine.SubmitGraph(p.Tasks, p.Edges)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"run_id": runID, "tasks": len(p.Tasks)})
}

func (s *Server) handleListRuns(c *gin.Context) {
	ids := s.engine.Runs()
	out := make([]*orchestrator.Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.engine.Status(id)
		if err != nil {
			continue
		}
		st.Tasks = nil
		out = append(out, st)
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.engine.Status(c.Param("id"))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusOK, st)
}

func (s *Server) handleControl(fn func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := fn(id); err != nil {
			fail(c, statusFor(err), err)
			return
		}
		st, err := s.engine.Status(id)
		if err != nil {
			fail(c, statusFor(err), err)
			return
		}
		ok(c, http.StatusOK, gin.H{"run_id": id, "state": st.State})
	}
}

func (s *Server) handleWorkers(c *gin.Context) {
	ok(c, http.StatusOK, s.engine.Workers())
}

func (s *Server) handleResetWorker(c *gin.Context) {
	if err := s.engine.ResetWorker(c.Param("id")); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusOK, gin.H{"worker_id": c.Param("id")})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		fail(c, http.StatusNotImplemented, errors.New("no journal configured"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := s.history.Runs(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, http.StatusOK, runs)
}

// handleLessons queries the knowledge store: /lessons?tag=a&tag=b&limit=5.
func (s *Server) handleLessons(c *gin.Context) {
	if s.store == nil {
		fail(c, http.StatusNotImplemented, errors.New("no knowledge store configured"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", c.Query("limit")))
		return
	}
	entries, err := s.store.Query(c.Request.Context(), c.QueryArray("tag"), limit)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusOK, entries)
}

// handleEvents streams engine events as JSON text frames. A stream bound
// to one run ends after that run's terminal event.
func (s *Server) handleEvents(c *gin.Context) {
	runID := c.Param("id")
	if runID != "" {
		if _, err := s.engine.Status(runID); err != nil {
			fail(c, statusFor(err), err)
			return
		}
	}

	// Subscribe before the handshake so a client that submits right after
	// connecting sees every event.
	events, unsubscribe := s.engine.Subscribe(runID)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	if runID != "" {
		if st, err := s.engine.Status(runID); err == nil && st.State.Finished() {
			conn.WriteJSON(st)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.State)))
			return
		}
	}

	// The read side only services control frames and notices a closed peer.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, open := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if runID != "" && terminal(ev.Type) {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func terminal(t orchestrator.EventType) bool {
	return t == orchestrator.EventRunCompleted || t == orchestrator.EventRunCancelled
}
