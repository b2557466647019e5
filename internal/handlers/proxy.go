// Package handlers drives a chat request end to end: identity, lock,
// cooldown, directives, the upstream generation call and the assembled
// response.
package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/janiproxy/janiproxy/internal/commands"
	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/cooldown"
	"github.com/janiproxy/janiproxy/internal/i18n"
	"github.com/janiproxy/janiproxy/internal/middleware"
	"github.com/janiproxy/janiproxy/internal/models"
	"github.com/janiproxy/janiproxy/internal/response"
	"github.com/janiproxy/janiproxy/internal/services/bandwidth"
	"github.com/janiproxy/janiproxy/internal/services/provider"
	"github.com/janiproxy/janiproxy/internal/services/stats"
	"github.com/janiproxy/janiproxy/internal/services/storage"
	"github.com/janiproxy/janiproxy/internal/xuid"
)

// ProxyHandler handles the chat completion routes
type ProxyHandler struct {
	config      *config.Config
	storage     *storage.Manager
	registry    *commands.Registry
	provider    provider.Provider
	classifier  *provider.Classifier
	policy      cooldown.Policy
	bandwidth   *bandwidth.Monitor
	stats       *stats.Tracker
	rateLimiter middleware.RateLimiter
	metrics     *middleware.Metrics
	localizer   *i18n.Localizer
	logger      *logrus.Logger
	prefill     string
}

// NewProxyHandler creates a new proxy handler
func NewProxyHandler(
	cfg *config.Config,
	store *storage.Manager,
	registry *commands.Registry,
	prov provider.Provider,
	classifier *provider.Classifier,
	policy cooldown.Policy,
	monitor *bandwidth.Monitor,
	tracker *stats.Tracker,
	rateLimiter middleware.RateLimiter,
	metrics *middleware.Metrics,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
	prefill string,
) *ProxyHandler {
	return &ProxyHandler{
		config:      cfg,
		storage:     store,
		registry:    registry,
		provider:    prov,
		classifier:  classifier,
		policy:      policy,
		bandwidth:   monitor,
		stats:       tracker,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		localizer:   localizer,
		logger:      logger,
		prefill:     prefill,
	}
}

// ServeHTTP handles POST /, /chat/completions, /quiet/ and
// /quiet/chat/completions.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rb := h.safeHandle(r)

	if err := rb.Write(w); err != nil {
		h.logger.WithError(err).Error("Failed to write response")
	}

	h.metrics.RecordRequest(r.URL.Path, statusClass(rb.Status()), time.Since(started))
}

// safeHandle turns a panic anywhere below into a plain 500 so one bad
// request can never take the process down. Deferred unlocks still run
// during the unwind.
func (h *ProxyHandler) safeHandle(r *http.Request) (rb *response.Builder) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.WithField("panic", rec).Error("Request handling panicked")
			rb = response.NewBuilder(false).
				AddError(h.localizer.Get(i18n.MsgInternalError, nil), http.StatusInternalServerError)
		}
	}()
	return h.handle(r)
}

func (h *ProxyHandler) handle(r *http.Request) *response.Builder {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return response.NewBuilder(false).
			AddError("Bad Request. Missing or invalid JSON.", http.StatusBadRequest)
	}

	req, err := models.ParseChatRequest(body)
	if err != nil {
		return response.NewBuilder(false).
			AddError("Bad Request. Missing or invalid JSON.", http.StatusBadRequest)
	}

	req.Quiet = strings.Contains(r.URL.Path, "/quiet/")
	proxyTest := req.IsProxyTest()

	rb := response.NewBuilder(proxyTest)

	// The chat client passes the user's upstream API key through Bearer
	// authentication. The upstream cannot be used without one and neither
	// can this proxy.
	apiKeys := bearerKeys(r.Header.Get("Authorization"))
	if len(apiKeys) == 0 {
		return rb.AddError(h.localizer.Get(i18n.MsgUnauthorized, nil), http.StatusUnauthorized)
	}

	// Identity sticks to the first key so multi-key users keep one record
	id := xuid.DeriveString(apiKeys[0], h.config.Identity.Salt)
	log := h.logger.WithField("user", id.Short())

	if !h.rateLimiter.Allow(id.Short()) {
		h.metrics.RecordRateLimitExceeded()
		return rb.AddError(h.localizer.Get(i18n.MsgRateLimited, nil), http.StatusTooManyRequests)
	}

	locked, err := h.storage.Lock(ctx, id)
	if err != nil {
		log.WithError(err).Error("Lock acquisition failed")
		return rb.AddError(h.localizer.Get(i18n.MsgInternalError, nil), http.StatusInternalServerError)
	}
	if !locked {
		log.Warn("User attempted concurrent use")
		h.metrics.RecordLockContention()
		return rb.AddError(h.localizer.Get(i18n.MsgConcurrentUse, nil), http.StatusForbidden)
	}
	defer func() {
		if err := h.storage.Unlock(ctx, id); err != nil {
			log.WithError(err).Error("Unlock failed")
		}
	}()

	user, err := storage.LoadUserSettings(ctx, h.storage, id)
	if err != nil {
		log.WithError(err).Error("Failed to load user settings")
		return rb.AddError(h.localizer.Get(i18n.MsgInternalError, nil), http.StatusInternalServerError)
	}

	// Cheap and easy rate limiting
	if seconds, seen := user.LastSeen(); seen {
		wait := h.policy.Apply(h.bandwidth.Current(ctx).GiB())
		if delay := wait - seconds; delay > 0 {
			log.WithField("delay", delay.Seconds()).Info("User told to wait")
			h.metrics.RecordCooldownRejection()
			return rb.AddError(h.localizer.Get(i18n.MsgCooldownWait, map[string]interface{}{
				"Seconds": int(delay.Seconds() + 0.5),
			}), http.StatusTooManyRequests)
		}
	}

	// Rotate through the provided keys with the persisted counter
	keyIndex := user.RequestCounter() % len(apiKeys)
	user.IncrementCounter()

	req.APIKey = apiKeys[keyIndex]
	req.KeyIndex = keyIndex
	req.KeyCount = len(apiKeys)

	entry := log.WithFields(logrus.Fields{
		"path":    r.URL.Path,
		"request": user.RequestCounter(),
	})
	if len(apiKeys) > 1 {
		entry = entry.WithField("key", keyIndex+1)
	}
	entry.Info("Processing " + user.LastSeenMessage())

	switch {
	case req.Stream:
		rb.AddError(h.localizer.Get(i18n.MsgNoStreaming, nil), http.StatusBadRequest)
	case req.Model == "":
		rb.AddError(h.localizer.Get(i18n.MsgMissingModel, nil), http.StatusBadRequest)
	case !h.modelAllowed(req.Model):
		rb.AddError(h.localizer.Get(i18n.MsgInvalidModel, map[string]interface{}{
			"Model": req.Model,
		}), http.StatusBadRequest)
	case proxyTest:
		h.handleProxyTest(ctx, user, req, rb)
	default:
		h.handleChatMessage(ctx, user, req, rb)
	}

	if status := rb.Status(); status >= 200 && status <= 299 && !proxyTest && !req.Quiet {
		if announcement := h.storage.Announcement(ctx); announcement != "" {
			rb.AddProxyMessage("***\n" + announcement + "\n***")
		}
	}
	rb.LogOutcome(log)

	if user.Valid() {
		if err := user.Save(ctx); err != nil {
			log.WithError(err).Error("Failed to save user settings")
			h.metrics.RecordStorageOperation("save", "error")
		} else {
			h.metrics.RecordStorageOperation("save", "ok")
		}
	} else {
		log.Info("Invalid user not saved")
	}

	return rb
}

func (h *ProxyHandler) modelAllowed(model string) bool {
	if len(h.config.Proxy.Models) == 0 {
		return true
	}
	for _, allowed := range h.config.Proxy.Models {
		if model == allowed {
			return true
		}
	}
	return false
}

// bearerKeys extracts the comma-separated API key list from an
// Authorization header. Returns nil when the header is not usable.
func bearerKeys(header string) []string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil
	}

	var keys []string
	for _, key := range strings.Split(parts[1], ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status <= 299:
		return "ok"
	case status >= 400 && status <= 499:
		return "client_error"
	default:
		return "server_error"
	}
}
