package httpserver

import "net/http"

// listAuditEvents handles GET /admin/audit, returning the retained
// ring-buffer events oldest first.
func (h *handlers) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.auditLog.Events())
}

// listNamespaces handles GET /admin/namespaces, aggregating per-namespace
// key counts and balances for tenant-level reporting.
func (h *handlers) listNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.keys.ListNamespaces())
}
