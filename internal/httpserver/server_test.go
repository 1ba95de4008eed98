package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/audit"
	"github.com/walker77/paygate-mcp/internal/config"
	"github.com/walker77/paygate-mcp/internal/idempotency"
	"github.com/walker77/paygate-mcp/internal/keygroup"
	"github.com/walker77/paygate-mcp/internal/keystore"
	"github.com/walker77/paygate-mcp/internal/webhookqueue"
)

func newTestHandlers(t *testing.T) (*handlers, *chi.Mux) {
	t.Helper()

	keys, err := keystore.New(t.TempDir()+"/keys.json", time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = keys.Close() })

	cfg := &config.Config{}
	cfg.Admin.AdminKey = "test-admin-key"

	h := &handlers{
		cfg:           cfg,
		keys:          keys,
		groups:        keygroup.New(),
		webhooks:      webhookqueue.New(webhookqueue.BackoffConfig{}, 0),
		subscriptions: webhookqueue.NewSubscriptions(),
		auditLog:      audit.New(100),
		idempotency:   idempotency.NewMemoryStore(),
		logger:        zerolog.Nop(),
	}

	router := chi.NewRouter()
	ConfigureRouter(router, h)
	return h, router
}

func doAdminRequest(router *chi.Mux, method, path, adminKey, idempotencyKey string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotency.HeaderKey, idempotencyKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRejectMissingKey(t *testing.T) {
	_, router := newTestHandlers(t)

	rec := doAdminRequest(router, http.MethodGet, "/admin/keys", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateKeyThenGet(t *testing.T) {
	_, router := newTestHandlers(t)

	rec := doAdminRequest(router, http.MethodPost, "/admin/keys", "test-admin-key", "", map[string]any{
		"alias":   "ci-key",
		"credits": 500,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created keystore.ApiKey
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected created key to have an id")
	}

	rec = doAdminRequest(router, http.MethodGet, "/admin/keys/"+created.ID, "test-admin-key", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateKeyIdempotencyReplaysResponse(t *testing.T) {
	_, router := newTestHandlers(t)

	body := map[string]any{"alias": "retry-key", "credits": 100}
	first := doAdminRequest(router, http.MethodPost, "/admin/keys", "test-admin-key", "dedupe-1", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}

	second := doAdminRequest(router, http.MethodPost, "/admin/keys", "test-admin-key", "dedupe-1", body)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Fatalf("expected replay header on second response, headers: %v", second.Header())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected identical bodies, got %q vs %q", first.Body.String(), second.Body.String())
	}

	list := doAdminRequest(router, http.MethodGet, "/admin/keys", "test-admin-key", "", nil)
	var keys []keystore.MaskedApiKey
	if err := json.Unmarshal(list.Body.Bytes(), &keys); err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, k := range keys {
		if k.Alias == "retry-key" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one key created despite the retry, found %d", count)
	}
}

func TestGroupCRUD(t *testing.T) {
	_, router := newTestHandlers(t)

	rec := doAdminRequest(router, http.MethodPost, "/admin/groups", "test-admin-key", "", map[string]any{
		"name":            "tier-gold",
		"rateLimitPerMin": 120,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created keygroup.KeyGroup
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = doAdminRequest(router, http.MethodDelete, "/admin/groups/"+created.ID, "test-admin-key", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doAdminRequest(router, http.MethodGet, "/admin/groups/"+created.ID, "test-admin-key", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", rec.Code, rec.Body.String())
	}
}
