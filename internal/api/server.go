// Package api serves the HTTP control API: list reads, deletes, install
// requests, theme switching, the live stream and the signed refresh hook.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schaermu/listsyncd/internal/action"
	"github.com/schaermu/listsyncd/internal/engine"
	"github.com/schaermu/listsyncd/internal/loop"
	"github.com/schaermu/listsyncd/internal/metrics"
	"github.com/schaermu/listsyncd/internal/theme"
)

// Engine is the part of the sync engine the API drives.
type Engine interface {
	Snapshot(ctx context.Context) (engine.View, error)
	Delete(ctx context.Context, id string) error
	Install(ctx context.Context, id, kind string) error
	Refresh() bool
}

// Config holds server configuration.
type Config struct {
	ListenAddr      string
	RefreshSecret   []byte // refresh hook is disabled when empty
	RefreshDebounce time.Duration
}

// Server implements the control API
type Server struct {
	cfg      Config
	engine   Engine
	themes   *theme.State
	hub      *Hub
	logger   *slog.Logger
	debounce *debouncer
}

// NewServer creates a new control API server. hub may be nil to disable the
// stream endpoint.
func NewServer(cfg Config, eng Engine, themes *theme.State, hub *Hub, logger *slog.Logger) *Server {
	if cfg.RefreshDebounce == 0 {
		cfg.RefreshDebounce = 2 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		engine: eng,
		themes: themes,
		hub:    hub,
		logger: logger,
	}
	s.debounce = newDebouncer(cfg.RefreshDebounce, func() {
		if s.engine.Refresh() {
			s.logger.Info("refresh triggered by hook")
		} else {
			s.logger.Debug("refresh hook dropped, fetch already in flight")
		}
	})
	return s
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/items", s.handleItems)
	api.DELETE("/items/:id", s.handleDelete)
	api.POST("/items/:id/install", s.handleInstall)
	api.GET("/theme", s.handleGetTheme)
	api.PUT("/theme", s.handleSetTheme)
	if s.hub != nil {
		api.GET("/stream", gin.WrapH(s.hub))
	}

	if len(s.cfg.RefreshSecret) > 0 {
		r.POST("/hooks/refresh", s.handleRefresh)
	}

	return r
}

// Serve runs the server on ln, or on cfg.ListenAddr when ln is nil, until ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control API")
		s.debounce.stop()
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.debounce.stop()
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleItems(c *gin.Context) {
	view, err := s.engine.Snapshot(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Delete(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type installRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleInstall(c *gin.Context) {
	var req installRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.Kind == "" {
		req.Kind = action.KindMyAppstore
	}

	id := c.Param("id")
	if err := s.engine.Install(c.Request.Context(), id, req.Kind); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "kind": req.Kind, "label": action.LabelRequesting})
}

type themeBody struct {
	Theme string `json:"theme"`
}

func (s *Server) handleGetTheme(c *gin.Context) {
	c.JSON(http.StatusOK, themeBody{Theme: string(s.themes.Get())})
}

func (s *Server) handleSetTheme(c *gin.Context) {
	var req themeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	t, err := theme.Parse(req.Theme)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.themes.Set(t); err != nil {
		s.logger.Error("failed to set theme", "theme", req.Theme, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set theme"})
		return
	}
	c.JSON(http.StatusOK, themeBody{Theme: string(t)})
}

func (s *Server) handleRefresh(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read hook body", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read body"})
		return
	}

	if !verifySignature(s.cfg.RefreshSecret, body, c.GetHeader(SignatureHeader)) {
		s.logger.Warn("rejecting refresh hook with invalid signature")
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	s.debounce.trigger()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh scheduled"})
}

// respondError maps engine errors to HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	var de *engine.DeleteError
	switch {
	case errors.As(err, &de):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, action.ErrNotLinked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, loop.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine unavailable"})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
