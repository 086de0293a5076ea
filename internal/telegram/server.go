package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baibot/bai/internal/dispatch"
	"github.com/baibot/bai/internal/logger"
	"github.com/baibot/bai/internal/upstream"
)

const maxUpdateBytes = 1 << 20

// Identity is the getMe call used for health checks.
type Identity interface {
	Me() (tgbotapi.User, error)
}

// Submitter accepts updates for asynchronous dispatch.
type Submitter interface {
	Submit(u dispatch.Update) error
}

// statsReporter is implemented by submitters that can describe their queue;
// *WorkerPool does.
type statsReporter interface {
	GetStats() map[string]interface{}
}

type ServerConfig struct {
	Port        string
	WebhookPath string // empty disables the webhook route
}

// Server exposes the webhook intake, /health and /metrics.
type Server struct {
	cfg       ServerConfig
	identity  Identity
	submitter Submitter
	recorder  *upstream.Recorder
	gatherer  prometheus.Gatherer
	startedAt time.Time
	now       func() time.Time
	router    chi.Router
}

// NewServer builds the router. gatherer defaults to the global registry.
func NewServer(cfg ServerConfig, identity Identity, submitter Submitter, recorder *upstream.Recorder, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:       cfg,
		identity:  identity,
		submitter: submitter,
		recorder:  recorder,
		gatherer:  gatherer,
		startedAt: time.Now(),
		now:       time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if s.cfg.WebhookPath != "" && s.submitter != nil {
		r.Post(s.cfg.WebhookPath, s.handleWebhook)
	}

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.InfoMsg("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.Info("HTTP server starting", map[string]interface{}{
		"port":         s.cfg.Port,
		"webhook_path": s.cfg.WebhookPath,
	})

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// handleWebhook acknowledges as soon as the update is queued. A full queue
// gets 503 so Telegram redelivers; the dedup store absorbs the repeat.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		logger.Warn("Invalid webhook payload", map[string]interface{}{
			"error":  err.Error(),
			"remote": r.RemoteAddr,
		})
		jsonResponse(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid update"})
		return
	}

	if !handleUpdate(update, s.submitter.Submit) {
		jsonResponse(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": "busy"})
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type healthResponse struct {
	Status          string                 `json:"status"`
	Bot             string                 `json:"bot"`
	Uptime          float64                `json:"uptime"`
	Timestamp       string                 `json:"timestamp"`
	Error           string                 `json:"error,omitempty"`
	PollinationsAPI apiHealth              `json:"pollinationsApi"`
	WorkerPool      map[string]interface{} `json:"workerPool,omitempty"`
}

type apiHealth struct {
	ResponseTime string          `json:"responseTime"`
	Status       upstream.Status `json:"status"`
	LastChecked  string          `json:"lastChecked"`
	Error        *string         `json:"error"`
	AttemptCount int             `json:"attemptCount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	resp := healthResponse{
		Uptime:          now.Sub(s.startedAt).Seconds(),
		Timestamp:       now.UTC().Format(time.RFC3339Nano),
		PollinationsAPI: toAPIHealth(s.recorder.Snapshot()),
	}
	if sr, ok := s.submitter.(statsReporter); ok {
		resp.WorkerPool = sr.GetStats()
	}

	me, err := s.identity.Me()
	if err != nil {
		logger.Error("Health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		resp.Status = "unhealthy"
		resp.Bot = "unknown"
		resp.Error = err.Error()
		jsonResponse(w, http.StatusInternalServerError, resp)
		return
	}

	resp.Status = "healthy"
	resp.Bot = "@" + me.UserName
	jsonResponse(w, http.StatusOK, resp)
}

func toAPIHealth(o upstream.Outcome) apiHealth {
	h := apiHealth{
		ResponseTime: "Failed or no successful calls",
		Status:       o.Status,
		LastChecked:  "Never",
		AttemptCount: o.AttemptCount,
	}
	if o.ResponseTime != nil {
		h.ResponseTime = fmt.Sprintf("%dms", o.ResponseTime.Milliseconds())
	}
	if !o.LastCheckedAt.IsZero() {
		h.LastChecked = o.LastCheckedAt.UTC().Format(time.RFC3339Nano)
	}
	if o.Error != "" {
		errMsg := o.Error
		h.Error = &errMsg
	}
	return h
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
