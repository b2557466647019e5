package bandwidth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/janiproxy/janiproxy/internal/config"
)

func newTestMonitor(t *testing.T, handler http.HandlerFunc) *Monitor {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	monitor := NewMonitor(&config.BandwidthConfig{
		APIKey:    "test-key",
		ServiceID: "srv-123",
		CacheTTL:  5 * time.Minute,
	}, logger)
	monitor.endpoint = server.URL
	return monitor
}

func TestUsageGiB(t *testing.T) {
	assert.Equal(t, 2, Usage{Total: 2048}.GiB())
	assert.Equal(t, 0, Usage{Total: 512}.GiB())
	assert.Equal(t, -1, Usage{Total: -1}.GiB())
}

func TestFetchSumsValues(t *testing.T) {
	monitor := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "srv-123", r.URL.Query().Get("resource"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"unit":"MB","values":[{"value":100.5},{"value":200.5}]}]`))
	})

	usage := monitor.Fetch(context.Background())
	assert.Equal(t, 301.0, usage.Total)
	assert.Equal(t, "MB", usage.Unit)
}

func TestFetchFailureIsUnavailable(t *testing.T) {
	monitor := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	usage := monitor.Fetch(context.Background())
	assert.Equal(t, -1.0, usage.Total)
	assert.Equal(t, -1, usage.GiB())
}

func TestCurrentUsesCachedReading(t *testing.T) {
	calls := 0
	monitor := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`[{"unit":"MB","values":[{"value":1024}]}]`))
	})

	monitor.Fetch(context.Background())
	usage := monitor.Current(context.Background())

	assert.Equal(t, 1024.0, usage.Total)
	assert.Equal(t, 1, calls)
}

func TestDisabledMonitorIsUnavailable(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	monitor := NewMonitor(&config.BandwidthConfig{CacheTTL: time.Minute}, logger)
	assert.False(t, monitor.Enabled())
	assert.Equal(t, -1, monitor.Current(context.Background()).GiB())
	assert.Equal(t, -1, monitor.Fetch(context.Background()).GiB())
}
