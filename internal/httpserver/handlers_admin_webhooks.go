package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/walker77/paygate-mcp/internal/webhookqueue"
)

type createSubscriptionRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"eventTypes"`
	KeyPrefix  string   `json:"keyPrefix"`
}

// createSubscription handles POST /admin/webhooks/subscriptions.
func (h *handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.URL == "" {
		writeValidationError(w, "url is required")
		return
	}

	sub := h.subscriptions.Add(req.URL, req.EventTypes, req.KeyPrefix)
	h.auditLog.Record("webhook_subscription.created", "admin", "created subscription "+sub.ID, map[string]any{"url": sub.URL}, time.Now())
	writeCreated(w, sub)
}

// listSubscriptions handles GET /admin/webhooks/subscriptions.
func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.subscriptions.List())
}

// deleteSubscription handles DELETE /admin/webhooks/subscriptions/{id}.
func (h *handlers) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.subscriptions.Remove(id)
	h.auditLog.Record("webhook_subscription.deleted", "admin", "deleted subscription "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}

// listWebhookEntries handles GET /admin/webhooks/entries. An optional
// ?status= filters to pending/delivered/dead.
func (h *handlers) listWebhookEntries(w http.ResponseWriter, r *http.Request) {
	status := webhookqueue.Status(r.URL.Query().Get("status"))
	writeJSON(w, h.webhooks.List(status, 0))
}

// retryWebhookEntry handles POST /admin/webhooks/entries/{id}/retry,
// resetting a dead or pending entry for immediate re-delivery.
func (h *handlers) retryWebhookEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.webhooks.Retry(id, time.Now()); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("webhook_entry.retried", "admin", "retried delivery "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}
