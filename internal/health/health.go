// Package health exposes a minimal Gin liveness/readiness surface reporting
// farm connectivity and persistence queue depth. This is deliberately the
// thin health check named in the specification, not the teacher's full
// metrics-and-logs monitoring dashboard (internal/dashboard/server.go) — see
// DESIGN.md's Open Question resolution on the dashboard vs. health split.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"optionsflow/config"
	"optionsflow/logger"
)

// FarmStatus is a snapshot of one ingestion session's connectivity.
type FarmStatus struct {
	Connected     bool
	Subscriptions int
}

// Reporter supplies the live state the handlers need. The supervisor binds
// this to the running Farm and Sink.
type Reporter interface {
	FarmStatus() map[string]FarmStatus
	SinkQueueDepth() int
}

// Server hosts the health HTTP surface.
type Server struct {
	cfg config.HealthConfig
	log *logger.Entry
	rep Reporter

	httpServer *http.Server
}

// NewServer builds a Server. rep may be nil before the supervisor has
// finished wiring the farm and sink; handlers degrade gracefully.
func NewServer(cfg config.HealthConfig, rep Reporter) *Server {
	return &Server{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("health"),
		rep: rep,
	}
}

// Run starts the health HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return err
	}

	router.GET("/healthz", s.handleLiveness)
	router.GET("/readyz", s.handleReadiness)

	addr := s.cfg.Addr
	if addr == "" {
		addr = "0.0.0.0:8090"
	}
	s.httpServer = &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadiness reports 503 if any farm session is disconnected, so a load
// balancer can pull the instance out of rotation without killing it. The
// persistence queue depth is included in the response body but does not
// affect readiness.
func (s *Server) handleReadiness(c *gin.Context) {
	if s.rep == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	sessions := s.rep.FarmStatus()
	disconnected := 0
	for _, st := range sessions {
		if !st.Connected {
			disconnected++
		}
	}

	queueDepth := s.rep.SinkQueueDepth()

	ready := disconnected == 0
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":              readyLabel(ready),
		"sessions_total":       len(sessions),
		"sessions_disconnected": disconnected,
		"sink_queue_depth":     queueDepth,
	})
}

func readyLabel(ready bool) string {
	if ready {
		return "ready"
	}
	return "not_ready"
}
