package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/walker77/paygate-mcp/internal/keystore"
)

type createKeyRequest struct {
	Alias           string                  `json:"alias"`
	Credits         int64                   `json:"credits"`
	SpendingLimit   int64                   `json:"spendingLimit"`
	AllowedTools    []string                `json:"allowedTools"`
	DeniedTools     []string                `json:"deniedTools"`
	RateLimitPerMin int                     `json:"rateLimitPerMin"`
	IPAllowlist     []string                `json:"ipAllowlist"`
	Quota           *keystore.QuotaOverride `json:"quota"`
	Tags            map[string]string       `json:"tags"`
	GroupID         string                  `json:"groupId"`
	Namespace       string                  `json:"namespace"`
	CountryAllow    []string                `json:"countryAllow"`
	CountryDeny     []string                `json:"countryDeny"`
	AutoTopup       *keystore.AutoTopup     `json:"autoTopup"`
	ExpiresInSec    int64                   `json:"expiresInSeconds"`
}

// createKey handles POST /admin/keys.
func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	params := keystore.CreateParams{
		Alias:           req.Alias,
		Credits:         req.Credits,
		SpendingLimit:   req.SpendingLimit,
		AllowedTools:    req.AllowedTools,
		DeniedTools:     req.DeniedTools,
		RateLimitPerMin: req.RateLimitPerMin,
		IPAllowlist:     req.IPAllowlist,
		Quota:           req.Quota,
		Tags:            req.Tags,
		GroupID:         req.GroupID,
		Namespace:       req.Namespace,
		CountryAllow:    req.CountryAllow,
		CountryDeny:     req.CountryDeny,
		AutoTopup:       req.AutoTopup,
	}
	if req.ExpiresInSec > 0 {
		at := time.Now().Add(time.Duration(req.ExpiresInSec) * time.Second)
		params.ExpiresAt = &at
	}

	key, err := h.keys.CreateKey(params)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}

	h.auditLog.Record("key.created", "admin", "created key "+key.ID, map[string]any{"keyPrefix": keyPrefixFor(key.ID)}, time.Now())
	writeCreated(w, key)
}

// listKeys handles GET /admin/keys.
func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := keystore.Filter{
		Namespace: q.Get("namespace"),
		GroupID:   q.Get("groupId"),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err == nil {
			filter.Active = &active
		}
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	writeJSON(w, h.keys.ListKeys(filter))
}

// getKey handles GET /admin/keys/{id}.
func (h *handlers) getKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, ok := h.keys.GetKey(id)
	if !ok {
		writeNotFound(w, "key not found")
		return
	}
	writeJSON(w, key.Mask(key.IsExpired(time.Now())))
}

type topupRequest struct {
	Credits int64 `json:"credits"`
}

// topupKey handles POST /admin/keys/{id}/topup.
func (h *handlers) topupKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req topupRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Credits <= 0 {
		writeValidationError(w, "credits must be a positive integer")
		return
	}
	if err := h.keys.AddCredits(id, req.Credits); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("key.topped_up", "admin", "topped up "+id, map[string]any{"credits": req.Credits}, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}

// suspendKey handles POST /admin/keys/{id}/suspend.
func (h *handlers) suspendKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keys.Suspend(id); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("key.suspended", "admin", "suspended "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}

// resumeKey handles POST /admin/keys/{id}/resume.
func (h *handlers) resumeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keys.Resume(id); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("key.resumed", "admin", "resumed "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}

// revokeKey handles POST /admin/keys/{id}/revoke.
func (h *handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keys.Revoke(id); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("key.revoked", "admin", "revoked "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}

// rotateKey handles POST /admin/keys/{id}/rotate.
func (h *handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newKey, err := h.keys.RotateKey(id)
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("key.rotated", "admin", "rotated "+id+" -> "+newKey.ID, nil, time.Now())
	writeCreated(w, newKey)
}

type setExpiryRequest struct {
	ExpiresInSeconds *int64 `json:"expiresInSeconds"` // nil or 0 clears expiry
}

// setKeyExpiry handles POST /admin/keys/{id}/expiry.
func (h *handlers) setKeyExpiry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setExpiryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	var at *time.Time
	if req.ExpiresInSeconds != nil && *req.ExpiresInSeconds > 0 {
		t := time.Now().Add(time.Duration(*req.ExpiresInSeconds) * time.Second)
		at = &t
	}
	if err := h.keys.SetExpiry(id, at); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

const bulkOpDefaultMax = 100

type bulkKeyOpRequest struct {
	Op     string   `json:"op"` // suspend, resume, revoke
	KeyIDs []string `json:"keyIds"`
}

type bulkKeyOpResult struct {
	KeyID string `json:"keyId"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// bulkKeyOp handles POST /admin/keys/bulk. Per §6, requests over the
// configured (or default 100) cap are rejected outright rather than
// partially applied.
func (h *handlers) bulkKeyOp(w http.ResponseWriter, r *http.Request) {
	var req bulkKeyOpRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	max := h.cfg.Admin.BulkOpMaxSize
	if max <= 0 {
		max = bulkOpDefaultMax
	}
	if len(req.KeyIDs) > max {
		ferrorsBulkTooLarge(w, max)
		return
	}

	var apply func(string) error
	switch req.Op {
	case "suspend":
		apply = h.keys.Suspend
	case "resume":
		apply = h.keys.Resume
	case "revoke":
		apply = h.keys.Revoke
	default:
		writeValidationError(w, "op must be one of: suspend, resume, revoke")
		return
	}

	results := make([]bulkKeyOpResult, 0, len(req.KeyIDs))
	for _, id := range req.KeyIDs {
		if err := apply(id); err != nil {
			results = append(results, bulkKeyOpResult{KeyID: id, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, bulkKeyOpResult{KeyID: id, OK: true})
	}
	h.auditLog.Record("key.bulk_"+req.Op, "admin", "bulk "+req.Op+" on "+strconv.Itoa(len(req.KeyIDs))+" keys", nil, time.Now())
	writeJSON(w, results)
}

func keyPrefixFor(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "..."
}
