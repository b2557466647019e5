// Package bandwidth polls the hosting platform's bandwidth metrics so
// the cooldown policy can scale with monthly usage.
package bandwidth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/janiproxy/janiproxy/internal/config"
)

const (
	metricsEndpoint = "https://api.render.com/v1/metrics/bandwidth"

	usageCacheKey = "usage"
)

// Usage is one bandwidth reading. A Total below zero means the reading
// is unavailable.
type Usage struct {
	Total float64
	Unit  string
}

// GiB converts the reading to whole GiB. Unavailable readings stay
// negative so callers can tell them apart from genuine zero usage.
func (u Usage) GiB() int {
	if u.Total < 0 {
		return -1
	}
	return int(u.Total / 1024)
}

// Monitor caches bandwidth readings and refreshes them off the request
// path. Without credentials every reading is unavailable.
type Monitor struct {
	apiKey    string
	serviceID string
	endpoint  string

	httpClient *http.Client
	readings   *cache.Cache
	logger     *logrus.Logger

	refreshing sync.Mutex

	now func() time.Time
}

// NewMonitor creates a bandwidth monitor
func NewMonitor(cfg *config.BandwidthConfig, logger *logrus.Logger) *Monitor {
	return &Monitor{
		apiKey:     cfg.APIKey,
		serviceID:  cfg.ServiceID,
		endpoint:   metricsEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		readings:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:     logger,
		now:        time.Now,
	}
}

// Enabled reports whether the monitor has credentials to poll with
func (m *Monitor) Enabled() bool {
	return m.apiKey != "" && m.serviceID != ""
}

// Current returns the cached reading, refreshing in the background when
// it has expired. Callers always get an answer immediately; a stale or
// missing reading comes back as unavailable.
func (m *Monitor) Current(ctx context.Context) Usage {
	if !m.Enabled() {
		return Usage{Total: -1}
	}

	if cached, ok := m.readings.Get(usageCacheKey); ok {
		return cached.(Usage)
	}

	go m.refresh(context.WithoutCancel(ctx))
	return Usage{Total: -1}
}

// Fetch queries the platform synchronously, bypassing the cache
func (m *Monitor) Fetch(ctx context.Context) Usage {
	if !m.Enabled() {
		return Usage{Total: -1}
	}

	usage, err := m.query(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Bandwidth query failed")
		return Usage{Total: -1}
	}

	m.readings.SetDefault(usageCacheKey, usage)
	return usage
}

// refresh runs at most once concurrently; late callers piggyback on
// whichever refresh is already in flight.
func (m *Monitor) refresh(ctx context.Context) {
	if !m.refreshing.TryLock() {
		return
	}
	defer m.refreshing.Unlock()

	if _, ok := m.readings.Get(usageCacheKey); ok {
		return
	}

	m.Fetch(ctx)
}

func (m *Monitor) query(ctx context.Context) (Usage, error) {
	m.logger.Debug("Bandwidth: querying Render")

	end := m.now().UTC()
	start := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	params := url.Values{}
	params.Set("resource", m.serviceID)
	params.Set("startTime", start.Format(time.RFC3339))
	params.Set("endTime", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to build bandwidth request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Usage{}, fmt.Errorf("bandwidth query returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read bandwidth response: %w", err)
	}

	var metrics []struct {
		Unit   string `json:"unit"`
		Values []struct {
			Value float64 `json:"value"`
		} `json:"values"`
	}
	if err := json.Unmarshal(data, &metrics); err != nil {
		return Usage{}, fmt.Errorf("failed to decode bandwidth response: %w", err)
	}
	if len(metrics) != 1 {
		return Usage{}, fmt.Errorf("bandwidth query returned %d metric series", len(metrics))
	}

	usage := Usage{Unit: metrics[0].Unit}
	for _, value := range metrics[0].Values {
		usage.Total += value.Value
	}

	m.logger.WithFields(logrus.Fields{
		"total": fmt.Sprintf("%.2f", usage.Total),
		"unit":  usage.Unit,
	}).Debug("Bandwidth: query succeeded")

	return usage, nil
}
