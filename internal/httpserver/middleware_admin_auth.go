package httpserver

import (
	"net/http"

	"github.com/walker77/paygate-mcp/internal/ferrors"
)

// adminAuth protects the admin surface with the bootstrap X-Admin-Key
// header (§6). An empty configured key disables the surface entirely
// rather than admitting everyone, since an admin surface nobody can lock
// is worse than one that refuses to start.
func adminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" || r.Header.Get("X-Admin-Key") != adminKey {
				ferrors.WriteSimpleError(w, ferrors.AdminErrCodeUnauthorized, "missing or invalid X-Admin-Key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
