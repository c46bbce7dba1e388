// Package http provides the runtimed admin API.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/kernel"
	"github.com/fyrsmithlabs/runtimed/internal/logging"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/runtime"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runtime is the part of *runtime.Runtime the admin API drives.
type Runtime interface {
	List(tenantID string) []runtime.Info
	Info(id string) (runtime.Info, error)
	Stats() runtime.Stats
	Start(ctx context.Context, spec runtime.Spec, start event.Event) (*kernel.Kernel, error)
	Pause(ctx context.Context, id, reason string) (string, error)
	Resume(ctx context.Context, spec runtime.Spec, snapshotID string) (*kernel.Kernel, error)
	Cancel(id, reason string) error
	Remove(id string) bool
	DeadLetters(id string) ([]queue.DeadLetter, error)
	ReprocessDeadLetters(ctx context.Context, id string, c queue.Criteria) (int, error)
	ReprocessDeadLetter(ctx context.Context, id, eventID string) error
}

// Server provides HTTP endpoints for runtimed.
type Server struct {
	echo    *echo.Echo
	rt      Runtime
	logger  *zap.Logger
	config  *Config
	health  func() map[string]string
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Token, when set, is required as a bearer token on mutating routes.
	Token string
}

// Option configures a Server.
type Option func(*Server)

// WithHealth reports component health on /health. A value other than "ok"
// degrades the response.
func WithHealth(fn func() map[string]string) Option {
	return func(s *Server) { s.health = fn }
}

// WithHTTPMetrics records OTEL request metrics.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(rt Runtime, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		rt:     rt,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(s.accessLog)

	s.registerRoutes()
	return s, nil
}

// requestContext puts the request id into the request context so runtime
// logs carry it.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if ctx, err := logging.ContextWithRequestID(c.Request().Context(), id); err == nil {
			c.SetRequest(c.Request().WithContext(ctx))
		}
		return next(c)
	}
}

// accessLog logs each request once its status is final. Handler errors are
// rendered here so outer middleware sees the real status.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		status := c.Response().Status
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("http request", fields...)
		} else {
			s.logger.Debug("http request", fields...)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/executions", s.handleList)
	v1.GET("/executions/:id", s.handleGet)
	v1.GET("/executions/:id/dlq", s.handleDeadLetters)

	write := v1.Group("")
	if s.config.Token != "" {
		write.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.Token)) == 1, nil
			},
		}))
	}
	write.POST("/executions", s.handleStart)
	write.POST("/executions/:id/pause", s.handlePause)
	write.POST("/executions/:id/resume", s.handleResume)
	write.POST("/executions/:id/cancel", s.handleCancel)
	write.POST("/executions/:id/dlq/reprocess", s.handleReprocess)
	write.DELETE("/executions/:id", s.handleRemove)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.health != nil {
		resp.Components = s.health()
		for _, v := range resp.Components {
			if v != "ok" {
				resp.Status = "degraded"
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Stats:   s.rt.Stats(),
	})
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.rt.List(c.QueryParam("tenant")))
}

func (s *Server) handleGet(c echo.Context) error {
	info, err := s.rt.Info(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Event.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event.type is required")
	}
	ev, err := event.New(req.Event.Type, req.Event.Data, event.EmitOptions{
		ThreadID:       req.Event.ThreadID,
		IdempotencyKey: req.Event.IdempotencyKey,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	k, err := s.rt.Start(c.Request().Context(), runtime.Spec{
		ID:            req.ID,
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		JobID:         req.JobID,
	}, ev)
	if err != nil {
		return s.fail(c, err)
	}
	info, err := s.rt.Info(k.ID())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, info)
}

func (s *Server) handlePause(c echo.Context) error {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}
	snap, err := s.rt.Pause(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, PauseResponse{SnapshotID: snap})
}

func (s *Server) handleResume(c echo.Context) error {
	var req ResumeRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	spec := runtime.Spec{
		ID:            c.Param("id"),
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		JobID:         req.JobID,
	}
	// Known kernels keep their own identity.
	if info, err := s.rt.Info(spec.ID); err == nil {
		spec.TenantID, spec.CorrelationID, spec.JobID = info.TenantID, info.CorrelationID, info.JobID
	}
	if _, err := s.rt.Resume(c.Request().Context(), spec, req.SnapshotID); err != nil {
		return s.fail(c, err)
	}
	info, err := s.rt.Info(spec.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, info)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}
	if err := s.rt.Cancel(c.Param("id"), req.Reason); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRemove(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.rt.Info(id); err != nil {
		return s.fail(c, err)
	}
	if !s.rt.Remove(id) {
		return s.fail(c, faults.New(faults.InvalidStatusTransition, "execution %s is running", id))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	dls, err := s.rt.DeadLetters(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]DeadLetterView, 0, len(dls))
	for _, dl := range dls {
		out = append(out, newDeadLetterView(dl))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleReprocess(c echo.Context) error {
	var req ReprocessRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	ctx, id := c.Request().Context(), c.Param("id")

	if req.EventID != "" {
		if err := s.rt.ReprocessDeadLetter(ctx, id, req.EventID); err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, ReprocessResponse{Reprocessed: 1})
	}

	crit := queue.Criteria{
		Type:       req.Type,
		TypePrefix: req.TypePrefix,
		ThreadID:   req.ThreadID,
		Code:       faults.Code(req.Code),
	}
	if req.Before != "" {
		before, err := time.Parse(time.RFC3339, req.Before)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC3339")
		}
		crit.Before = before
	}
	n, err := s.rt.ReprocessDeadLetters(ctx, id, crit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ReprocessResponse{Reprocessed: n})
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// fail writes err with the status its code maps to.
func (s *Server) fail(c echo.Context, err error) error {
	code := statusFor(err)
	resp := ErrorResponse{Code: string(faults.CodeOf(err)), Message: err.Error()}
	if code >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(code, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrUnknownExecution):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch faults.CodeOf(err) {
	case faults.SnapshotNotFound, faults.ItemNotFound:
		return http.StatusNotFound
	case faults.InvalidStatusTransition, faults.KernelNotRunning:
		return http.StatusConflict
	case faults.TenantLimitExceeded:
		return http.StatusTooManyRequests
	case faults.KernelInitFailed:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
