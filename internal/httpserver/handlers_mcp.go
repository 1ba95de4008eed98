package httpserver

import (
	"io"
	"net/http"
	"time"

	"github.com/walker77/paygate-mcp/internal/dispatcher"
	"github.com/walker77/paygate-mcp/internal/ipaccess"
)

// mcp handles POST /mcp, the client-facing JSON-RPC 2.0 surface. It only
// extracts what the Dispatcher needs from the transport (client IP,
// country, signature header, raw body) and hands the rest of the §4.16
// sequence to Dispatcher.Dispatch.
func (h *handlers) mcp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, dispatcher.MaxBodyBytes+1))
	if err != nil {
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "error": map[string]any{"code": -32700, "message": "failed to read request body"}})
		return
	}

	req := dispatcher.Request{
		KeyID:           r.Header.Get("X-API-Key"),
		ClientIP:        ipaccess.ResolveClientIP(r, h.cfg.Server.TrustedProxyDepth),
		Country:         r.Header.Get(h.cfg.Server.GeoHeaderName),
		SignatureHeader: r.Header.Get("X-Signature"),
		Method:          r.Method,
		Path:            r.URL.Path,
		Body:            body,
		ContentLength:   r.ContentLength,
	}

	resp := h.dispatcher.Dispatch(r.Context(), req, time.Now())
	writeJSON(w, resp)
}
