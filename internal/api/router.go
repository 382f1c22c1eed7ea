// Package api is the HTTP surface: the webhook ingress, health,
// the job inspection endpoint, and the manual scan trigger.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/jobs"
	"github.com/orgguard/orgguard/internal/scanner"
	"github.com/orgguard/orgguard/internal/webhook"
)

const jobListLimit = 100

// Router wires the HTTP endpoints.
type Router struct {
	mux       *http.ServeMux
	webhook   *webhook.Handler
	queue     *jobs.Queue
	authorize AuthorizeFunc
	startTime time.Time
}

// AuthorizeFunc answers whether the given user token and login may
// reach privileged endpoints.
type AuthorizeFunc func(r *http.Request, userToken, login string) (bool, error)

// NewRouter creates the HTTP router.
func NewRouter(wh *webhook.Handler, queue *jobs.Queue, authorize AuthorizeFunc) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		webhook:   wh,
		queue:     queue,
		authorize: authorize,
		startTime: time.Now(),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/webhooks/github", r.webhook.HandleWebhook)
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/jobs", r.requireTeam(r.handleJobs))
	r.mux.HandleFunc("/api/scan", r.requireTeam(r.handleScan))
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// requireTeam denies the request unless the caller presents a user
// token and login that pass the team authorizer.
func (r *Router) requireTeam(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		login := strings.TrimSpace(req.Header.Get("X-GitHub-Login"))
		if token == "" || login == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ok, err := r.authorize(req, token, login)
		if err != nil {
			log.Error().Err(err).Str("login", login).Msg("Authorization check failed")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
	}
	writeJSON(w, http.StatusOK, health)
}

func (r *Router) handleJobs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobList, err := r.queue.ListJobs(jobListLimit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobList})
}

// handleScan enqueues a full organization scan.
func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID, err := r.queue.Enqueue(req.Context(), scanner.MethodPerformScan, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue scan")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "jobId": jobID})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}
