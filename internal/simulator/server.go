package simulator

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/logger"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Server is a simulated analysis backend.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	clock    Clock
	log      logger.Logger
	subtools []string

	mu       sync.Mutex
	scenario Scenario
	wakeAt   time.Time
	runs     map[string]*run
}

type run struct {
	id       string
	created  time.Time
	subtools []string
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSubtools sets the subtools a run computes when the create request
// names none.
func WithSubtools(names []string) Option {
	return func(s *Server) {
		if len(names) > 0 {
			s.subtools = append([]string(nil), names...)
		}
	}
}

// New creates a simulator running sc.
func New(sc Scenario, opts ...Option) *Server {
	s := &Server{
		clock:    realClock{},
		log:      logger.NewNoopLogger(),
		subtools: []string{"correlation", "riskMetrics", "performance", "volatility", "riskDecomposition", "strategies"},
		scenario: sc,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetScenario replaces the scenario for existing and future runs.
func (s *Server) SetScenario(sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenario = sc
}

// CreateRun registers a run directly, bypassing HTTP and cold start.
func (s *Server) CreateRun(subtools []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRunLocked(subtools)
}

func (s *Server) createRunLocked(subtools []string) (string, error) {
	if len(subtools) == 0 {
		subtools = s.subtools
	}
	for _, name := range subtools {
		if !contains(s.subtools, name) {
			return "", fmt.Errorf("unknown subtool %q", name)
		}
	}
	id := uuid.NewString()
	s.runs[id] = &run{
		id:       id,
		created:  s.clock.Now(),
		subtools: append([]string(nil), subtools...),
	}
	s.log.Info("run created", logger.F("run_id", id), logger.F("subtools", len(subtools)))
	return id, nil
}

// Handler returns the HTTP API:
//
//	POST /v1/analysis          create a run
//	GET  /v1/analysis/:runId   poll a run, optional ?subtools=a,b filter
//	GET  /healthz              liveness, unaffected by cold start
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("analysis-simulator"))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := r.Group("/v1")
	v1.POST("/analysis", s.handleCreate)
	v1.GET("/analysis/:runId", s.handleStatus)
	return r
}

func (s *Server) handleCreate(c *gin.Context) {
	var req backend.CreateRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coldLocked() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend waking up"})
		return
	}
	id, err := s.createRunLocked(req.Subtools)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, backend.CreateRunResponse{RunID: id, Status: backend.RunStatusPending})
}

func (s *Server) handleStatus(c *gin.Context) {
	runID := c.Param("runId")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coldLocked() {
		s.log.Debug("cold start, rejecting poll", logger.F("run_id", runID))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend waking up"})
		return
	}
	r, ok := s.runs[runID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	elapsed := s.clock.Now().Sub(r.created)
	if s.scenario.inOutage(elapsed) {
		s.log.Debug("outage window, rejecting poll", logger.F("run_id", runID))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}

	c.JSON(http.StatusOK, s.statusLocked(r, elapsed, parseFilter(c.Query("subtools"))))
}

// coldLocked starts the wake-up clock on first use and reports whether the
// backend is still waking.
func (s *Server) coldLocked() bool {
	now := s.clock.Now()
	if s.wakeAt.IsZero() {
		s.wakeAt = now.Add(s.scenario.ColdStart)
	}
	return now.Before(s.wakeAt)
}

func (s *Server) statusLocked(r *run, elapsed time.Duration, filter map[string]bool) backend.StatusResponse {
	sc := s.scenario
	resp := backend.StatusResponse{
		RunID:    r.id,
		Results:  make(map[string]json.RawMessage),
		Subtools: make(map[string]backend.SubtoolState),
	}

	done := 0
	for _, name := range r.subtools {
		finished := elapsed >= sc.delay(name)
		if finished {
			done++
		}
		if len(filter) > 0 && !filter[name] {
			continue
		}
		switch {
		case !finished:
			resp.Subtools[name] = backend.SubtoolState{Status: backend.SubtoolStatusPending}
		case sc.Failures[name] != "":
			resp.Subtools[name] = backend.SubtoolState{Status: backend.SubtoolStatusFailed, Error: sc.Failures[name]}
		default:
			resp.Results[name] = payload(r.id, name, r.created.Add(sc.delay(name)))
			resp.Subtools[name] = backend.SubtoolState{Status: backend.SubtoolStatusComplete}
		}
	}

	switch {
	case sc.FailRunAfter > 0 && elapsed >= sc.FailRunAfter:
		resp.Status = backend.RunStatusFailed
		resp.Error = sc.FailRunMessage
		if resp.Error == "" {
			resp.Error = "analysis run failed"
		}
	case done == len(r.subtools):
		resp.Status = backend.RunStatusComplete
	case done > 0:
		resp.Status = backend.RunStatusRunning
	default:
		resp.Status = backend.RunStatusPending
	}
	return resp
}

// payload builds a deterministic result body for a subtool.
func payload(runID, subtool string, at time.Time) json.RawMessage {
	h := fnv.New32a()
	h.Write([]byte(runID + "/" + subtool))
	body, _ := json.Marshal(map[string]any{
		"subtool":     subtool,
		"runId":       runID,
		"score":       float64(h.Sum32()%10000) / 100,
		"completedAt": at.UTC().Format(time.RFC3339),
	})
	return body
}

func parseFilter(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
