package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/walker77/paygate-mcp/internal/keygroup"
)

// createGroup handles POST /admin/groups.
func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	var g keygroup.KeyGroup
	if err := decodeJSON(r.Body, &g); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if g.Name == "" {
		writeValidationError(w, "name is required")
		return
	}

	created, err := h.groups.Create(g)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	h.auditLog.Record("group.created", "admin", "created group "+created.ID, nil, time.Now())
	writeCreated(w, created)
}

// listGroups handles GET /admin/groups.
func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.groups.List())
}

// getGroup handles GET /admin/groups/{id}.
func (h *handlers) getGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, ok := h.groups.Get(id)
	if !ok {
		writeNotFound(w, "group not found")
		return
	}
	writeJSON(w, g)
}

// updateGroup handles PUT /admin/groups/{id}. Identity and name are
// immutable; every other field is replaced wholesale.
func (h *handlers) updateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch keygroup.KeyGroup
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	err := h.groups.Update(id, func(g *keygroup.KeyGroup) {
		g.AllowedTools = patch.AllowedTools
		g.DeniedTools = patch.DeniedTools
		g.RateLimitPerMin = patch.RateLimitPerMin
		g.ToolPricing = patch.ToolPricing
		g.Quota = patch.Quota
		g.IPAllowlist = patch.IPAllowlist
		g.DefaultCredits = patch.DefaultCredits
		g.MaxSpendingLimit = patch.MaxSpendingLimit
		g.Tags = patch.Tags
	})
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("group.updated", "admin", "updated group "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}

// deleteGroup handles DELETE /admin/groups/{id}.
func (h *handlers) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.groups.Delete(id); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	h.auditLog.Record("group.deleted", "admin", "deleted group "+id, nil, time.Now())
	writeJSON(w, map[string]any{"ok": true})
}
