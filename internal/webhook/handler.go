// Package webhook receives GitHub webhook deliveries, verifies their
// signatures, and re-evaluates repositories on pull-request events.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/logging"
	"github.com/orgguard/orgguard/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1MiB

// Webhook headers GitHub sends with every delivery.
const (
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, method string, args any) (string, error)
}

// Handler is the webhook HTTP ingress.
//
// SECURITY: signature verification is the authentication mechanism for
// this endpoint. Handlers acknowledge within GitHub's delivery timeout
// and never await background work.
type Handler struct {
	secret []byte
	queue  Enqueuer
}

// NewHandler creates the webhook ingress handler.
func NewHandler(secret string, queue Enqueuer) *Handler {
	return &Handler{secret: []byte(secret), queue: queue}
}

// HandleWebhook processes one webhook delivery.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	event := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)
	signature := r.Header.Get(headerSignature)
	if event == "" || deliveryID == "" || signature == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing webhook headers"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	if !VerifySignature(h.secret, body, signature) {
		// Deliberately vague, and no payload or signature material in
		// the log line.
		metrics.WebhookDeliveriesTotal.WithLabelValues(event, "rejected").Inc()
		log.Warn().Str("event", event).Str("delivery_id", deliveryID).Msg("Webhook signature verification failed")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	switch event {
	case "ping":
		metrics.WebhookDeliveriesTotal.WithLabelValues(event, "accepted").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "pull_request":
		h.enqueuePREvent(w, r, body, deliveryID)
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues(event, "ignored").Inc()
		log.Debug().Str("event", event).Str("delivery_id", deliveryID).Msg("Webhook event ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *Handler) enqueuePREvent(w http.ResponseWriter, r *http.Request, body []byte, deliveryID string) {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("pull_request", "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	ctx, deliveryID := logging.WithDeliveryID(r.Context(), deliveryID)
	args := PREventArgs{
		Action:     probe.Action,
		DeliveryID: deliveryID,
		Payload:    json.RawMessage(body),
	}
	if _, err := h.queue.Enqueue(ctx, MethodHandlePREvent, args); err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("Failed to enqueue PR event")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue"})
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("pull_request", "accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to encode webhook response")
	}
}
