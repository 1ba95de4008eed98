// Package namespace extracts and carries the tenant tag (GLOSSARY:
// "Namespace") that is attached to every API key and propagated onto usage
// events for multi-tenant isolation of reports.
package namespace

import (
	"context"
	"net/http"
	"strings"
)

// Default is used when a request or key carries no explicit namespace.
const Default = "default"

type contextKey string

const namespaceContextKey contextKey = "namespace"

// FromContext retrieves the namespace from the request context, or Default
// if none was set.
func FromContext(ctx context.Context) string {
	if ns, ok := ctx.Value(namespaceContextKey).(string); ok && ns != "" {
		return ns
	}
	return Default
}

// WithNamespace attaches a namespace to the context.
func WithNamespace(ctx context.Context, ns string) context.Context {
	if ns == "" {
		ns = Default
	}
	return context.WithValue(ctx, namespaceContextKey, ns)
}

// Extraction is HTTP middleware that resolves the namespace for a request
// from the X-Namespace header (falling back to Default) and attaches it to
// the request context. The Gate itself resolves the authoritative namespace
// from the matched ApiKey record — this middleware only supplies a
// namespace for requests that fail before key lookup (e.g. malformed JSON).
func Extraction(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns := Sanitize(r.Header.Get("X-Namespace"))
		ctx := WithNamespace(r.Context(), ns)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Sanitize lowercases, strips non-alphanumeric/hyphen/underscore characters,
// caps length at 50 chars, and defaults to Default when the result is
// empty — the exact rule §4.1 specifies for ApiKey.namespace.
func Sanitize(ns string) string {
	if ns == "" {
		return Default
	}
	ns = strings.ToLower(strings.TrimSpace(ns))

	var b strings.Builder
	for _, r := range ns {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	result := b.String()
	if result == "" {
		return Default
	}
	if len(result) > 50 {
		result = result[:50]
	}
	return result
}

// Summary aggregates key counts and balances for a single namespace, as
// returned by KeyStore.listNamespaces.
type Summary struct {
	Namespace    string `json:"namespace"`
	KeyCount     int    `json:"keyCount"`
	ActiveKeys   int    `json:"activeKeys"`
	TotalCredits int64  `json:"totalCredits"`
}
