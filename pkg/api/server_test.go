package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innerloop-ai/innerloop/pkg/breaker"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/monitor"
	"github.com/innerloop-ai/innerloop/pkg/service"
)

type staticHealth struct{ h service.OverallHealth }

func (s staticHealth) Health(context.Context) service.OverallHealth { return s.h }

type staticSnapshots struct{ snap *monitor.Snapshot }

func (s staticSnapshots) LastSnapshot() *monitor.Snapshot { return s.snap }

type staticConsumer struct{ stats bus.ConsumerStats }

func (s staticConsumer) Stats() bus.ConsumerStats { return s.stats }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	health := staticHealth{h: service.OverallHealth{
		Service: "innerloop", State: service.StateRunning, Status: "healthy",
	}}
	s := New(":0", health, nil, nil, nil, nil)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "innerloop", body["service"])
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthEndpointUnhealthyIs503(t *testing.T) {
	health := staticHealth{h: service.OverallHealth{
		Service: "innerloop", State: service.StateStopped, Status: "unhealthy",
	}}
	s := New(":0", health, nil, nil, nil, nil)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBreakersEndpoint(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	reg.GetOrCreate("anthropic/claude-sonnet-4-5")
	s := New(":0", staticHealth{}, nil, reg, nil, nil)

	rec := get(t, s, "/breakers")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Breakers map[string]json.RawMessage `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Breakers, "anthropic/claude-sonnet-4-5")
}

func TestQueueStatsEndpoint(t *testing.T) {
	snap := &monitor.Snapshot{
		Total:         12,
		QueueDepths:   map[string]int64{bus.StreamCritical: 3},
		OutboxPending: 2,
		CollectedAt:   time.Now(),
	}
	s := New(":0", staticHealth{}, staticSnapshots{snap: snap}, nil, nil, nil)
	s.AddConsumer("analysis", staticConsumer{stats: bus.ConsumerStats{Delivered: 42, Acked: 40}})

	rec := get(t, s, "/queue/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pipeline  *monitor.Snapshot            `json:"pipeline"`
		Consumers map[string]bus.ConsumerStats `json:"consumers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Pipeline)
	assert.Equal(t, 12, body.Pipeline.Total)
	assert.Equal(t, int64(3), body.Pipeline.QueueDepths[bus.StreamCritical])
	assert.Equal(t, int64(42), body.Consumers["analysis"].Delivered)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "innerloop_test_total"})
	counter.Inc()
	s := New(":0", staticHealth{}, nil, nil, reg, nil)

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "innerloop_test_total 1")
}
