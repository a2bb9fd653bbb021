// Package server exposes an Engine over HTTP. Executions stream their
// StreamEvent sequence as server-sent events; the registry is served as
// JSON and the prometheus collectors under /metrics.
//
// Routes:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /v1/agents
//	POST   /v1/agents/:name/invoke        stream (or ?stream=false for JSON)
//	GET    /v1/executions                 list, filtered by query
//	GET    /v1/executions/active
//	GET    /v1/executions/:id
//	POST   /v1/executions/:id/resume      stream from the last checkpoint
//	DELETE /v1/executions/:id             stop a running execution
//	GET    /v1/statistics
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/wavemesh/checkpoint"
	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/engine"
	"github.com/hupe1980/wavemesh/logging"
	"github.com/hupe1980/wavemesh/registry"
)

// Engine is the execution host behind the server. *engine.Engine
// implements it.
type Engine interface {
	Agents() []string
	Invoke(ctx context.Context, agentName string, input map[string]any) (string, <-chan core.StreamEvent, <-chan error, error)
	Resume(ctx context.Context, executionID string) (string, <-chan core.StreamEvent, <-chan error, error)
	StopInvocation(executionID string) error
	ActiveInvocations() []string
}

// Registry answers execution queries. *registry.Registry implements it.
type Registry interface {
	GetExecution(id string) (core.ExecutionSummary, error)
	ListExecutions(f registry.Filter) []core.ExecutionSummary
	GetStatistics() registry.Statistics
}

// Options configure a Server.
type Options struct {
	// Registry backs the execution endpoints. Nil answers them with 501.
	Registry Registry
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// KeepAlive is the interval of SSE comment lines on idle streams.
	// Zero disables them.
	KeepAlive time.Duration
	// ShutdownTimeout bounds graceful shutdown in Run.
	ShutdownTimeout time.Duration
	Logger          logging.Logger
}

// Server is the HTTP adapter.
type Server struct {
	engine Engine
	opts   Options
	router *gin.Engine
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// InvokeRequest is the body of POST /v1/agents/:name/invoke.
type InvokeRequest struct {
	Input map[string]any `json:"input"`
}

// InvokeResponse is returned by a non-streaming invoke.
type InvokeResponse struct {
	ExecutionID string             `json:"execution_id"`
	Events      []core.StreamEvent `json:"events"`
	Error       string             `json:"error,omitempty"`
}

// New creates a Server for eng.
func New(eng Engine, optFns ...func(o *Options)) *Server {
	opts := Options{
		Gatherer:        prometheus.DefaultGatherer,
		KeepAlive:       15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{engine: eng, opts: opts}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/agents", s.handleAgents)
	v1.POST("/agents/:name/invoke", s.handleInvoke)

	executions := v1.Group("/executions")
	executions.GET("", s.needsRegistry(s.handleListExecutions))
	executions.GET("/active", s.handleActive)
	executions.GET("/:id", s.needsRegistry(s.handleGetExecution))
	executions.POST("/:id/resume", s.handleResume)
	executions.DELETE("/:id", s.handleStop)

	v1.GET("/statistics", s.needsRegistry(s.handleStatistics))
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.opts.Logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		s.opts.Logger.Info("HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.opts.Logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) needsRegistry(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Registry == nil {
			c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "execution registry is disabled", Code: "NO_REGISTRY"})
			return
		}
		h(c)
	}
}

func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.engine.Agents()})
}

func (s *Server) handleActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": s.engine.ActiveInvocations()})
}

func (s *Server) handleListExecutions(c *gin.Context) {
	var f registry.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUERY"})
		return
	}
	list := s.opts.Registry.ListExecutions(f)
	if list == nil {
		list = []core.ExecutionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": list})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	summary, err := s.opts.Registry.GetExecution(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Registry.GetStatistics())
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.StopInvocation(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": "stopping"})
}

func (s *Server) handleInvoke(c *gin.Context) {
	var req InvokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
	}

	// A streaming execution lives as long as the client connection.
	id, events, errs, err := s.engine.Invoke(c.Request.Context(), c.Param("name"), req.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.DefaultQuery("stream", "true") == "false" {
		s.collect(c, id, events, errs)
		return
	}
	s.stream(c, id, events, errs)
}

func (s *Server) handleResume(c *gin.Context) {
	id, events, errs, err := s.engine.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.stream(c, id, events, errs)
}

func (s *Server) collect(c *gin.Context, id string, events <-chan core.StreamEvent, errs <-chan error) {
	resp := InvokeResponse{ExecutionID: id, Events: []core.StreamEvent{}}
	for ev := range events {
		resp.Events = append(resp.Events, ev)
	}
	if err := <-errs; err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrAgentNotFound),
		errors.Is(err, core.ErrExecutionNotFound),
		errors.Is(err, checkpoint.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, engine.ErrEngineClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "UNAVAILABLE"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
	}
}
