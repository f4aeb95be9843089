package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scribe/internal/auth"
	"scribe/internal/logging"
	"scribe/internal/schedule"
)

// RouterDeps carries the services the HTTP surface is built on.
type RouterDeps struct {
	Auth     *auth.Service
	Manager  *schedule.Manager
	Fetcher  AudioFetcher
	Gatherer prometheus.Gatherer
}

// NewRouter creates the HTTP router with all endpoints.
// Routes use Go 1.22+ method-specific patterns ("METHOD /path/{param}").
func NewRouter(deps RouterDeps) http.Handler {
	logger := logging.NewComponentLogger("Router")

	asrHandler := NewASRHandler(deps.Auth, deps.Manager, deps.Fetcher)
	authHandler := NewAuthHandler(deps.Auth)
	scheduleHandler := NewScheduleHandler(deps.Manager)
	callbackHandler := NewCallbackHandler()

	mux := http.NewServeMux()

	mux.Handle("POST /asr/transcribe", http.HandlerFunc(asrHandler.HandleTranscribe))

	mux.Handle("POST /auth/api-keys", http.HandlerFunc(authHandler.HandleCreateKey))
	mux.Handle("DELETE /auth/api-keys/{key}", http.HandlerFunc(authHandler.HandleRevokeKey))
	mux.Handle("GET /auth/api-keys/{key}/stats", http.HandlerFunc(authHandler.HandleKeyStats))
	mux.Handle("GET /auth/api-keys/{key}/usage", http.HandlerFunc(authHandler.HandleUsageReport))

	mux.Handle("POST /schedule/tasks", http.HandlerFunc(scheduleHandler.HandleCreateTask))
	mux.Handle("GET /schedule/tasks/stats", http.HandlerFunc(scheduleHandler.HandleTaskStats))
	mux.Handle("GET /schedule/tasks/{id}", http.HandlerFunc(scheduleHandler.HandleGetTask))
	mux.Handle("GET /schedule/tasks/{id}/status", http.HandlerFunc(scheduleHandler.HandleGetTaskStatus))
	mux.Handle("POST /schedule/tasks/{id}/priority", http.HandlerFunc(scheduleHandler.HandleUpdatePriority))

	mux.Handle("POST /callback/http", http.HandlerFunc(callbackHandler.HandleHTTPCallback))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return withRequestLogging(logger, mux)
}
