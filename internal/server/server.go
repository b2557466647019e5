// Package server wires the HTTP surface: the completion routes, the
// index page and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/cooldown"
	"github.com/janiproxy/janiproxy/internal/services/bandwidth"
	"github.com/janiproxy/janiproxy/internal/services/stats"
	"github.com/janiproxy/janiproxy/internal/services/storage"
	"github.com/janiproxy/janiproxy/pkg/markdown"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}} v{{.Version}}</h1>
{{if .Announcement}}<div class="announcement">{{.Announcement}}</div>{{end}}
{{if .Admin}}<p>Admin: {{.Admin}}</p>{{end}}
<p>This is an OpenAI-compatible proxy endpoint. Point your chat client at
<code>{{.URL}}/chat/completions</code> with your upstream API key as the
Bearer credential.</p>
</body>
</html>
`))

// Server is the proxy's HTTP front
type Server struct {
	config    *config.Config
	logger    *logrus.Logger
	storage   *storage.Manager
	stats     *stats.Tracker
	bandwidth *bandwidth.Monitor
	policy    cooldown.Policy

	httpServer *http.Server
	started    time.Time
}

// New creates the server and its route table. chat is the handler for
// the completion routes.
func New(
	cfg *config.Config,
	store *storage.Manager,
	tracker *stats.Tracker,
	monitor *bandwidth.Monitor,
	policy cooldown.Policy,
	chat http.Handler,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		storage:   store,
		stats:     tracker,
		bandwidth: monitor,
		policy:    policy,
		started:   time.Now(),
	}

	router := mux.NewRouter()
	router.Handle("/", chat).Methods(http.MethodPost)
	router.Handle("/chat/completions", chat).Methods(http.MethodPost)
	router.Handle("/quiet/", chat).Methods(http.MethodPost)
	router.Handle("/quiet/chat/completions", chat).Methods(http.MethodPost)

	router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if cfg.Monitoring.Metrics.Enabled {
		path := cfg.Monitoring.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Start runs the server until it is shut down
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Handling index")

	announcement := ""
	if text := s.storage.Announcement(r.Context()); text != "" {
		announcement = markdown.ToHTML(text)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, map[string]any{
		"Title":        s.config.Proxy.Name,
		"Version":      s.config.Proxy.Version,
		"Admin":        s.config.Proxy.Admin,
		"URL":          s.config.Proxy.URL,
		"Announcement": template.HTML(announcement),
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to render index")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyspace := int64(-1)
	if client := s.storage.RedisClient(); client != nil {
		if size, err := client.DBSize(ctx).Result(); err == nil {
			keyspace = size
		}
	}

	usage := s.bandwidth.Fetch(ctx)

	health := map[string]any{
		"admin":     s.config.Proxy.Admin,
		"bandwidth": usage.Total,
		"bwarning":  s.config.Bandwidth.Warning,
		"cooldown":  int(s.policy.Apply(usage.GiB()).Seconds()),
		"cpolicy":   s.policy.String(),
		"keyspace":  keyspace,
		"uptime":    int(time.Since(s.started).Seconds()),
		"version":   s.config.Proxy.Version,
	}

	writeJSON(w, s.logger, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Handling stats")

	buckets, err := s.stats.Query(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Stats query failed")
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	payload := make(map[string]map[string]int64, len(buckets))
	for _, bucket := range buckets {
		payload[bucket.Name] = bucket.Counters
	}

	writeJSON(w, s.logger, payload)
}

func writeJSON(w http.ResponseWriter, logger *logrus.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("Failed to write JSON response")
	}
}
