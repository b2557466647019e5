package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiproxy/janiproxy/internal/commands"
	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/cooldown"
	"github.com/janiproxy/janiproxy/internal/i18n"
	"github.com/janiproxy/janiproxy/internal/middleware"
	"github.com/janiproxy/janiproxy/internal/services/bandwidth"
	"github.com/janiproxy/janiproxy/internal/services/provider"
	"github.com/janiproxy/janiproxy/internal/services/stats"
	"github.com/janiproxy/janiproxy/internal/services/storage"
	"github.com/janiproxy/janiproxy/internal/xuid"
)

type stubProvider struct {
	resp *provider.Response
	err  error

	lastTurns    []provider.Turn
	lastSettings provider.Settings
}

func (s *stubProvider) GenerateContent(ctx context.Context, apiKey, model string, turns []provider.Turn, settings provider.Settings) (*provider.Response, error) {
	s.lastTurns = turns
	s.lastSettings = settings
	return s.resp, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			Name:        "testproxy",
			Version:     "0.0.0",
			Development: true,
		},
		Identity: config.IdentityConfig{Salt: "test-salt"},
		Storage: config.StorageConfig{
			Type:        "memory",
			LockTimeout: time.Minute,
		},
		Bandwidth: config.BandwidthConfig{CacheTTL: time.Minute},
	}
}

func newTestHandler(t *testing.T, stub *stubProvider) (*ProxyHandler, *storage.Manager) {
	t.Helper()

	cfg := testConfig()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	policy, err := cooldown.ParsePolicy("")
	require.NoError(t, err)

	tracker := stats.NewTracker(nil, logger)
	classifier := provider.NewClassifier(tracker, logger)
	registry := commands.NewRegistry("", 0)

	handler := NewProxyHandler(
		cfg,
		store,
		registry,
		stub,
		classifier,
		policy,
		bandwidth.NewMonitor(&cfg.Bandwidth, logger),
		tracker,
		middleware.NewRateLimiter(cfg, logger),
		middleware.NewMetrics(),
		localizer,
		logger,
		"PREFILL TEXT",
	)
	return handler, store
}

func doRequest(handler *ProxyHandler, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func chatBody(messages ...map[string]string) string {
	payload := map[string]any{
		"model":    "gemini-test",
		"messages": messages,
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func responseContent(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Len(t, payload.Choices, 1)
	return payload.Choices[0].Message.Content
}

func TestMissingCredential(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	w := doRequest(handler, "/", "", chatBody(
		map[string]string{"role": "user", "content": "Hi"},
	))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthorized. API key required.", w.Body.String())
}

func TestBadJSON(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	w := doRequest(handler, "/", "Bearer key-1", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingModel(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	w := doRequest(handler, "/", "Bearer key-1", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Please specify a model.", w.Body.String())
}

func TestStreamingRejected(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	body := `{"model":"gemini-test","stream":true,"messages":[{"role":"user","content":"Hi"}]}`
	w := doRequest(handler, "/", "Bearer key-1", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Text streaming is not supported.", w.Body.String())
}

func TestChatSuccess(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Hello there!"}},
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/chat/completions", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "<Bot's Persona> A bot."},
		map[string]string{"role": "user", "content": "Bob: Hi"},
	))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello there!", responseContent(t, w))

	require.Len(t, stub.lastTurns, 1)
	assert.Equal(t, "user", stub.lastTurns[0].Role)
	assert.Equal(t, "<Bot's Persona> A bot.", stub.lastSettings["system_instruction"])
}

func TestChatDirectiveToggle(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "assistant", "content": "Hello."},
		map[string]string{"role": "user", "content": "//nobot this Hi"},
	))

	require.Equal(t, http.StatusOK, w.Code)
	content := responseContent(t, w)
	assert.Contains(t, content, "Reply")
	assert.Contains(t, content, "Bot description omitted (for this message only).")

	// The bot description must not reach the upstream
	assert.Equal(t, "", stub.lastSettings["system_instruction"])
}

func TestChatDirectiveQuiet(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/quiet/chat/completions", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "assistant", "content": "Hello."},
		map[string]string{"role": "user", "content": "//nobot this Hi"},
	))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Reply", responseContent(t, w))
}

func TestChatPrefillDirective(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/quiet/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "assistant", "content": "Hello."},
		map[string]string{"role": "user", "content": "//prefill this Hi"},
	))

	require.Equal(t, http.StatusOK, w.Code)
	system := stub.lastSettings["system_instruction"].(string)
	assert.True(t, strings.HasPrefix(system, "PREFILL TEXT"))
	assert.Contains(t, system, "A bot.")
}

func TestChatSquashDirective(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/quiet/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "<Mallorys Persona> Evil."},
		map[string]string{"role": "assistant", "content": "Greetings."},
		map[string]string{"role": "user", "content": "Bob: //squash this Hi"},
	))

	require.Equal(t, http.StatusOK, w.Code)

	// History folds into one user turn with persona prefixes
	require.Len(t, stub.lastTurns, 1)
	squashed := stub.lastTurns[0].Text
	assert.Contains(t, squashed, "Mallory: Greetings.")
	assert.Contains(t, squashed, "Bob:")
	assert.Equal(t, []string{"\nBob:"}, stub.lastSettings["stop_sequences"])
}

func TestChatSquashTooShort(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/quiet/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "user", "content": "//squash this Hi"},
	))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request with //squash.", w.Body.String())
}

func TestChatUpstreamErrorBecomesPlainBody(t *testing.T) {
	stub := &stubProvider{err: &provider.UpstreamError{
		Code:    503,
		Status:  "UNAVAILABLE",
		Message: "The model is overloaded. Please try again later.",
	}}
	handler, _ := newTestHandler(t, stub)

	w := doRequest(handler, "/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "user", "content": "Hi"},
	))

	assert.Equal(t, 503, w.Code)
	assert.Equal(t, "The model is overloaded. Please try again later.", w.Body.String())
}

func TestProxyTestSuccess(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "TEST"}},
	}}
	handler, _ := newTestHandler(t, stub)

	body := `{"model":"gemini-test","max_tokens":10,"messages":[{"role":"user","content":"Just say TEST"}]}`
	w := doRequest(handler, "/chat/completions", "Bearer key-1", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "TEST", responseContent(t, w))

	// The test request always runs with an unbounded token limit
	_, bounded := stub.lastSettings["max_tokens"]
	assert.False(t, bounded)
}

func TestProxyTestErrorIsWrapped(t *testing.T) {
	stub := &stubProvider{err: &provider.UpstreamError{
		Code:    400,
		Status:  "INVALID_ARGUMENT",
		Message: "API key not valid. Please pass a valid API key.",
	}}
	handler, store := newTestHandler(t, stub)

	body := `{"model":"gemini-test","messages":[{"role":"user","content":"Just say TEST"}]}`
	w := doRequest(handler, "/chat/completions", "Bearer bad-key", body)

	assert.Equal(t, 400, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "PROXY ERROR 400: API key not valid. Please pass a valid API key.", payload["error"])

	// A rejected credential must not leave a record behind
	id := xuid.DeriveString("bad-key", "test-salt")
	_, found, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentUseRejected(t *testing.T) {
	handler, store := newTestHandler(t, &stubProvider{
		resp: &provider.Response{Parts: []provider.Part{{Text: "Reply"}}},
	})

	id := xuid.DeriveString("key-1", "test-salt")
	locked, err := store.Lock(context.Background(), id)
	require.NoError(t, err)
	require.True(t, locked)

	w := doRequest(handler, "/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "user", "content": "Hi"},
	))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Concurrent use is not allowed. Please wait a moment.", w.Body.String())
}

func TestLockReleasedAfterRequest(t *testing.T) {
	handler, store := newTestHandler(t, &stubProvider{
		resp: &provider.Response{Parts: []provider.Part{{Text: "Reply"}}},
	})

	w := doRequest(handler, "/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "user", "content": "Hi"},
	))
	require.Equal(t, http.StatusOK, w.Code)

	id := xuid.DeriveString("key-1", "test-salt")
	locked, err := store.Lock(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestAnnouncementAppended(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, store := newTestHandler(t, stub)
	require.NoError(t, store.SetAnnouncement(context.Background(), "Scheduled downtime tonight."))

	w := doRequest(handler, "/", "Bearer key-1", chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "user", "content": "Hi"},
	))

	require.Equal(t, http.StatusOK, w.Code)
	content := responseContent(t, w)
	assert.Contains(t, content, "Scheduled downtime tonight.")
	assert.Contains(t, content, "<proxy>")
}

func TestKeyRotation(t *testing.T) {
	stub := &stubProvider{resp: &provider.Response{
		Parts: []provider.Part{{Text: "Reply"}},
	}}
	handler, store := newTestHandler(t, stub)

	body := chatBody(
		map[string]string{"role": "system", "content": "A bot."},
		map[string]string{"role": "user", "content": "Hi"},
	)

	require.Equal(t, http.StatusOK, doRequest(handler, "/", "Bearer key-a, key-b", body).Code)
	require.Equal(t, http.StatusOK, doRequest(handler, "/", "Bearer key-a, key-b", body).Code)

	// Identity binds to the first key; the counter advanced twice
	id := xuid.DeriveString("key-a", "test-salt")
	user, err := storage.LoadUserSettings(context.Background(), store, id)
	require.NoError(t, err)
	assert.Equal(t, 2, user.RequestCounter())
}
