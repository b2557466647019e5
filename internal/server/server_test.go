package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/cooldown"
	"github.com/janiproxy/janiproxy/internal/services/bandwidth"
	"github.com/janiproxy/janiproxy/internal/services/stats"
	"github.com/janiproxy/janiproxy/internal/services/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Manager) {
	t.Helper()

	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			Name:        "testproxy",
			Version:     "1.2.3",
			Admin:       "admin@example.com",
			URL:         "https://proxy.example.com",
			Development: true,
		},
		Storage: config.StorageConfig{
			Type:        "memory",
			LockTimeout: time.Minute,
		},
		Bandwidth: config.BandwidthConfig{CacheTTL: time.Minute},
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	policy, err := cooldown.ParsePolicy("30:60, 90:90")
	require.NoError(t, err)

	chat := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := New(
		cfg,
		store,
		stats.NewTracker(nil, logger),
		bandwidth.NewMonitor(&cfg.Bandwidth, logger),
		policy,
		chat,
		logger,
	)
	return srv, store
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestIndexPage(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.SetAnnouncement(context.Background(), "**Maintenance** tonight."))

	w := get(srv, "/")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "testproxy")
	assert.Contains(t, body, "v1.2.3")
	assert.Contains(t, body, "<strong>Maintenance</strong>")
	assert.Contains(t, body, "admin@example.com")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := get(srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))

	assert.Equal(t, "1.2.3", health["version"])
	assert.Equal(t, "admin@example.com", health["admin"])
	assert.Equal(t, "90:90, 30:60", health["cpolicy"])
	// No Redis and no bandwidth credentials in this setup
	assert.Equal(t, float64(-1), health["keyspace"])
	assert.Equal(t, float64(-1), health["bandwidth"])
	assert.Equal(t, float64(0), health["cooldown"])
}

func TestStatsEndpointWithoutRedis(t *testing.T) {
	srv, _ := newTestServer(t)

	w := get(srv, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Empty(t, payload)
}

func TestChatRouteIsPostOnly(t *testing.T) {
	srv, _ := newTestServer(t)

	w := get(srv, "/chat/completions")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
