package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/basespec"
	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/dialect"
	"github.com/fyrsmithlabs/dialectd/internal/discovery"
	"github.com/fyrsmithlabs/dialectd/internal/effectiveness"
	"github.com/fyrsmithlabs/dialectd/internal/events"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

type fixture struct {
	srv   *Server
	cache *cache.Cache
	mgr   *dialect.Manager
	bus   *events.Bus
}

func testServer(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	bus := events.NewBus(32)
	eng := discovery.NewEngine(discovery.DefaultConfig(), bus, logger)
	c := cache.New(cache.DefaultConfig())
	tracker := effectiveness.NewTracker(effectiveness.DefaultConfig(), bus, logger)
	handler := basespec.NewHandler("inst-1")
	mgr := dialect.NewManager(dialect.DefaultConfig(), "inst-1", eng, c,
		handler, bus, logger)

	cfg := config.ServerConfig{Port: 8585, ShutdownTimeout: time.Second}
	srv := NewServer(cfg, logging.NewTestLogger().Logger, mgr, c, bus, mgr, handler, tracker)
	return &fixture{srv: srv, cache: c, mgr: mgr, bus: bus}
}

func TestHealthEndpoint(t *testing.T) {
	f := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "dialectd", resp.Service)
}

func TestMessageEndpoint_CreatesDialect(t *testing.T) {
	f := testServer(t)

	body := `{
		"message": {
			"signals": [{"amplitude": 0.5, "frequency": 3, "phase": 0}],
			"sender": {"namespace": "agents", "model_type": "gpt-4", "instance_id": "a"},
			"receiver": {"namespace": "agents", "model_type": "claude-3", "instance_id": "b"},
			"type": "task",
			"timestamp": "2026-08-30T12:00:00Z"
		},
		"direction": "outbound"
	}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.NotEmpty(t, resp.Result.DialectID)
	assert.False(t, resp.Result.FallbackRequired)

	// Message comes back unchanged on the dialect path.
	require.NotNil(t, resp.Message)
	assert.Equal(t, 0.5, resp.Message.Signals[0].Amplitude)

	// The dialect now shows up in the snapshot endpoints.
	req = httptest.NewRequest(http.MethodGet, "/dialects", nil)
	rec = httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	var snaps map[string]dialect.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Len(t, snaps, 1)
}

func TestMessageEndpoint_FallbackNormalizes(t *testing.T) {
	f := testServer(t)

	sub, unsub := f.bus.Subscribe()
	defer unsub()

	// Cross-namespace parties must revert to the base spec; the
	// out-of-range amplitude comes back clamped.
	body := `{
		"message": {
			"signals": [{"amplitude": 1.5, "frequency": 3, "phase": 0}],
			"sender": {"namespace": "agents", "model_type": "gpt-4", "instance_id": "a"},
			"receiver": {"namespace": "other", "model_type": "gpt-4", "instance_id": "b"},
			"type": "task",
			"timestamp": "2026-08-30T12:00:00Z"
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.FallbackRequired)
	assert.False(t, resp.Result.UsedDialect)

	require.NotNil(t, resp.Message)
	require.Len(t, resp.Message.Signals, 1)
	assert.Equal(t, 1.0, resp.Message.Signals[0].Amplitude)

	// The pair's dialect records the fallback.
	snaps := f.mgr.Snapshot()
	require.Len(t, snaps, 1)
	for _, snap := range snaps {
		assert.Equal(t, 1, snap.Stats.FallbackCount)
	}

	// A fallback notification goes out on the bus.
	deadline := time.After(time.Second)
	for {
		select {
		case n := <-sub:
			if n.Type == events.TypeFallbackUsed {
				return
			}
		case <-deadline:
			t.Fatal("no fallback notification observed")
		}
	}
}

func TestMessageEndpoint_RejectsBadDirection(t *testing.T) {
	f := testServer(t)

	body := `{"message": {"signals": [{"amplitude": 0.5, "frequency": 3, "phase": 0}],
		"sender": {"namespace": "agents", "model_type": "gpt-4", "instance_id": "a"},
		"receiver": {"namespace": "agents", "model_type": "gpt-4", "instance_id": "b"}},
		"direction": "sideways"}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageEndpoint_RejectsInvalidMessage(t *testing.T) {
	f := testServer(t)

	// No signals.
	body := `{"message": {"signals": [],
		"sender": {"namespace": "agents", "model_type": "gpt-4", "instance_id": "a"},
		"receiver": {"namespace": "agents", "model_type": "gpt-4", "instance_id": "b"}}}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutcomeEndpoint(t *testing.T) {
	f := testServer(t)

	body := `{"outcome": {"succeeded": true, "response_time": 100000000, "clarity": 0.9}, "context": "agents:a|agents:b"}`
	req := httptest.NewRequest(http.MethodPost, "/patterns/pat-1/outcome", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestStatsEndpoint(t *testing.T) {
	f := testServer(t)

	p := &signal.Pattern{
		ID:      "pat-1",
		Signals: []signal.Signal{{Amplitude: 0.5, Frequency: 3, Phase: 0}},
	}
	f.cache.SetPattern(p, "dialect-1")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Cache.HotPatterns)
}

func TestMetricsEndpoint(t *testing.T) {
	f := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dialectd_cache")
}

func TestGracefulShutdown(t *testing.T) {
	f := testServer(t)
	f.srv.config.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.srv.Start(ctx)
	}()

	// Give the listener a moment, then cancel to trigger shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
