// Package dispatcher implements §4.16's Dispatcher: the eight-step
// sequence a single HTTP request to the client-facing /mcp endpoint goes
// through, wrapping the Gate and Proxy and emitting usage/audit/webhook
// side effects.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/audit"
	"github.com/walker77/paygate-mcp/internal/gate"
	"github.com/walker77/paygate-mcp/internal/ipaccess"
	"github.com/walker77/paygate-mcp/internal/keygroup"
	"github.com/walker77/paygate-mcp/internal/proxy"
	"github.com/walker77/paygate-mcp/internal/respcache"
	"github.com/walker77/paygate-mcp/internal/usage"
	"github.com/walker77/paygate-mcp/internal/webhookqueue"
)

// jsonrpcRequest is the client's envelope, validated per §4.16 step 2.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// jsonrpcResponse is the Dispatcher's reply, echoing the request's own
// JSON-RPC id (step 8).
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	errParse          = -32700
	errInvalidRequest = -32600
	errInternal       = -32603
	errBillingDenial  = -32402
)

// toolCallParams is the shape the spec's admitted calls carry: a tool
// name plus opaque arguments, mirroring MCP's tools/call envelope.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is everything the Dispatcher needs about the inbound HTTP call
// that the httpserver layer has already extracted.
type Request struct {
	KeyID           string
	ClientIP        string
	Country         string
	SignatureHeader string
	Method          string // HTTP method, for signature verification
	Path            string
	Body            []byte // raw HTTP body, for signature verification
	ContentLength   int64
}

// MaxBodyBytes is the declared Content-Length ceiling from §4.16 step 1.
const MaxBodyBytes = 1 << 20 // 1 MB

// Dispatcher wires the Gate, Proxy, ResponseCache, UsageMeter,
// WebhookQueue, and AuditLog together for one tool call.
//
// Webhook HTTP delivery itself is out of scope; the Dispatcher only owns
// the enqueue contract. Which URLs get an event is an admin-managed
// concern (the "webhook filter management" admin surface), so rather
// than a single configured target the Dispatcher consults a
// Subscriptions registry and enqueues once per match.
type Dispatcher struct {
	gate              *gate.Gate
	proxy             *proxy.Proxy
	cache             *respcache.Cache
	usageMeter        *usage.Meter
	webhooks          *webhookqueue.Queue
	subscriptions     *webhookqueue.Subscriptions
	auditLog          *audit.Log
	ipAccess          *ipaccess.Controller
	trustedProxyDepth int
	cacheTTL          time.Duration
	logger            zerolog.Logger
}

// Config bundles the Dispatcher's own tunables.
type Config struct {
	TrustedProxyDepth int
	CacheTTL          time.Duration
}

// New constructs a Dispatcher from its component dependencies.
func New(cfg Config, g *gate.Gate, p *proxy.Proxy, cache *respcache.Cache, usageMeter *usage.Meter, webhooks *webhookqueue.Queue, subscriptions *webhookqueue.Subscriptions, auditLog *audit.Log, ipAccess *ipaccess.Controller, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		gate:              g,
		proxy:             p,
		cache:             cache,
		usageMeter:        usageMeter,
		webhooks:          webhooks,
		subscriptions:     subscriptions,
		auditLog:          auditLog,
		ipAccess:          ipAccess,
		trustedProxyDepth: cfg.TrustedProxyDepth,
		cacheTTL:          cfg.CacheTTL,
		logger:            logger,
	}
}

// rpcError builds a JSON-RPC error response carrying the given id. id is
// nil only when the request couldn't even be parsed (step 1/2 failures).
func rpcError(id interface{}, code int, message string) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: message}}
}

// Dispatch runs the full eight-step sequence for one HTTP request and
// returns the JSON-RPC reply to write back.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, now time.Time) jsonrpcResponse {
	started := now

	// Step 1: declared Content-Length ceiling, checked before any parsing.
	if req.ContentLength > MaxBodyBytes {
		return rpcError(nil, errInvalidRequest, "request body exceeds the 1 MB limit")
	}

	// Step 2: parse the JSON-RPC envelope.
	var parsed jsonrpcRequest
	if err := json.Unmarshal(req.Body, &parsed); err != nil {
		return rpcError(nil, errParse, "malformed JSON-RPC request")
	}
	if parsed.JSONRPC != "2.0" || parsed.Method == "" {
		return rpcError(parsed.ID, errInvalidRequest, "invalid JSON-RPC request")
	}

	var params toolCallParams
	if len(parsed.Params) > 0 {
		_ = json.Unmarshal(parsed.Params, &params)
	}
	tool := params.Name
	if tool == "" {
		tool = parsed.Method
	}

	// Step 3: client IP, as already resolved by the caller (httpserver fills
	// it in); the Dispatcher does no resolution of its own.
	clientIP := req.ClientIP

	// Step 4: Gate.evaluate.
	decision := d.gate.Evaluate(gate.EvaluateRequest{
		KeyID:              req.KeyID,
		ClientIP:           clientIP,
		Country:            req.Country,
		SignatureHeader:    req.SignatureHeader,
		Method:             req.Method,
		Path:               req.Path,
		Body:               req.Body,
		Tool:               tool,
		ArgumentsSizeBytes: int64(len(params.Arguments)),
		Now:                now,
	})

	if !decision.Allowed {
		d.recordUsage(usage.Event{
			Timestamp:  now,
			Tool:       tool,
			Allowed:    false,
			DenyReason: string(decision.Reason),
			DurationMs: time.Since(started).Milliseconds(),
		})
		return rpcError(parsed.ID, errBillingDenial, "Payment required: "+string(decision.Reason))
	}

	isFree := d.proxy.IsFreeMethod(parsed.Method)
	cacheTTL := d.resolveCacheTTL(decision.Policy, tool)

	// Step 5: cache lookup, skipped for free methods (never cached) and
	// skipped entirely when the tool's resolved TTL is 0 (§4.8: per-tool
	// cacheTtlSeconds=0 bypasses the cache outright).
	var cacheKey string
	if !isFree && cacheTTL > 0 && d.cache != nil {
		if key, err := respcache.Key(tool, params.Arguments); err == nil {
			cacheKey = key
			if cached, hit := d.cache.Lookup(cacheKey, now); hit {
				d.gate.Settle(decision, true, int64(len(cached)), now)
				d.recordUsage(usage.Event{
					Timestamp:      now,
					KeyPrefix:      keyPrefix(decision.Key.ID),
					Tool:           tool,
					Allowed:        true,
					CreditsCharged: decision.CreditsCharged,
					DurationMs:     time.Since(started).Milliseconds(),
					Namespace:      decision.Key.Namespace,
				})
				d.enqueueWebhookIfMatched("tool.served_from_cache", decision.Key.ID, now)
				return jsonrpcResponse{JSONRPC: "2.0", ID: parsed.ID, Result: cached}
			}
		}
	}

	// Step 6: forward to the backend.
	resp, err := d.proxy.Forward(ctx, tool, proxy.Request{Method: parsed.Method, Params: parsed.Params})
	success := err == nil

	finalCharged := d.gate.Settle(decision, success, int64(len(resp.Result)), now)

	d.recordUsage(usage.Event{
		Timestamp:      now,
		KeyPrefix:      keyPrefix(decision.Key.ID),
		Tool:           tool,
		Allowed:        true,
		CreditsCharged: finalCharged,
		DurationMs:     time.Since(started).Milliseconds(),
		Namespace:      decision.Key.Namespace,
	})

	if !success {
		d.enqueueWebhookIfMatched("tool.call_failed", decision.Key.ID, now)
		return rpcError(parsed.ID, errInternal, "backend call failed: "+err.Error())
	}

	if !isFree && cacheKey != "" && d.cache != nil {
		d.cache.Populate(cacheKey, tool, resp.Result, cacheTTL, now)
	}

	d.enqueueWebhookIfMatched("tool.call_succeeded", decision.Key.ID, now)

	// Step 8: reply with the request's JSON-RPC id.
	return jsonrpcResponse{JSONRPC: "2.0", ID: parsed.ID, Result: resp.Result}
}

// resolveCacheTTL derives the effective per-call cache TTL for tool, per
// §4.8: a tool-level cacheTtlSeconds override (0 meaning "never cache this
// tool") takes precedence over the server's global default TTL.
func (d *Dispatcher) resolveCacheTTL(policy keygroup.EffectivePolicy, tool string) time.Duration {
	if override, ok := policy.ToolPricing[tool]; ok && override.CacheTTLSeconds != nil {
		if *override.CacheTTLSeconds <= 0 {
			return 0
		}
		return time.Duration(*override.CacheTTLSeconds) * time.Second
	}
	return d.cacheTTL
}

func keyPrefix(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "..."
}

func (d *Dispatcher) recordUsage(e usage.Event) {
	if d.usageMeter != nil {
		d.usageMeter.Record(e)
	}
}

// enqueueWebhookIfMatched enqueues one delivery per subscription whose
// filter matches this event type and key prefix (§4.16 step 7).
func (d *Dispatcher) enqueueWebhookIfMatched(eventType, keyID string, now time.Time) {
	if d.webhooks == nil || d.subscriptions == nil {
		return
	}
	prefix := keyPrefix(keyID)
	matches := d.subscriptions.Matching(eventType, prefix)
	if len(matches) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{"eventType": eventType, "keyPrefix": prefix})
	if err != nil {
		return
	}
	for _, sub := range matches {
		if _, err := d.webhooks.Enqueue(sub.URL, eventType, payload, 0, now); err != nil {
			d.logger.Warn().Err(err).Str("event_type", eventType).Str("subscription_id", sub.ID).Msg("dispatcher.webhook_enqueue_failed")
		}
	}
}
