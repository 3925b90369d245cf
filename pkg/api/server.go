// Package api exposes the operational HTTP surface: health, metrics,
// breaker and queue statistics. There is no end-user API here.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/innerloop-ai/innerloop/pkg/breaker"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/monitor"
	"github.com/innerloop-ai/innerloop/pkg/service"
)

// HealthSource reports rolled-up service health.
type HealthSource interface {
	Health(ctx context.Context) service.OverallHealth
}

// SnapshotSource serves the latest pipeline snapshot.
type SnapshotSource interface {
	LastSnapshot() *monitor.Snapshot
}

// ConsumerSource exposes per-consumer delivery counters.
type ConsumerSource interface {
	Stats() bus.ConsumerStats
}

// Server is the operational HTTP server.
type Server struct {
	health    HealthSource
	snapshots SnapshotSource
	breakers  *breaker.Registry
	consumers map[string]ConsumerSource
	registry  *prometheus.Registry
	logger    *slog.Logger

	httpSrv *http.Server
}

// New builds the server. snapshots and breakers may be nil; the matching
// endpoints then serve empty bodies.
func New(addr string, health HealthSource, snapshots SnapshotSource,
	breakers *breaker.Registry, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		health:    health,
		snapshots: snapshots,
		breakers:  breakers,
		consumers: make(map[string]ConsumerSource),
		registry:  registry,
		logger:    logger.With("component", "api"),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// AddConsumer registers a consumer's counters under /queue/stats. Not safe
// concurrently with Start.
func (s *Server) AddConsumer(name string, c ConsumerSource) {
	s.consumers[name] = c
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	r.GET("/breakers", s.handleBreakers)
	r.GET("/queue/stats", s.handleQueueStats)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h := s.health.Health(ctx)
	code := http.StatusOK
	if h.Status == service.Unhealthy.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) handleBreakers(c *gin.Context) {
	if s.breakers == nil {
		c.JSON(http.StatusOK, gin.H{"breakers": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Stats()})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	out := gin.H{}
	if s.snapshots != nil {
		if snap := s.snapshots.LastSnapshot(); snap != nil {
			out["pipeline"] = snap
		}
	}
	consumers := gin.H{}
	for name, src := range s.consumers {
		consumers[name] = src.Stats()
	}
	out["consumers"] = consumers
	c.JSON(http.StatusOK, out)
}

// Start launches the listener. Satisfies service.Runner.
func (s *Server) Start(_ context.Context) error {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	s.logger.Info("Operational API listening", "addr", s.httpSrv.Addr)
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown failed", "error", err)
	}
}
