package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Envelope is a decoded webhook body: {"event": name, "payload": {...}}.
type Envelope struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Verifier authenticates a delivery against its exact raw body.
type Verifier func(r *http.Request, body []byte, secret string) bool

// Decoder parses a verified body into an Envelope.
type Decoder func(body []byte) (*Envelope, error)

// HMACVerifier checks the hex HMAC-SHA256 carried by the first non-empty
// header in headers (default: X-Signature).
func HMACVerifier(headers ...string) Verifier {
	if len(headers) == 0 {
		headers = []string{SignatureHeader}
	}
	return func(r *http.Request, body []byte, secret string) bool {
		for _, h := range headers {
			if sig := r.Header.Get(h); sig != "" {
				return VerifySignature(body, sig, secret)
			}
		}
		return false
	}
}

// DecodeEnvelope decodes the generic {event, payload} body. Numbers are kept
// as json.Number so long numeric ids survive intact.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidWebhookPayload)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return &env, nil
}

// WebhookHandler verifies, normalizes and applies webhook deliveries for one
// provider. The signature is always checked before the body is parsed and
// before any store access.
type WebhookHandler struct {
	provider   string
	config     Config
	manager    *entitlement.Manager
	normalizer *Normalizer
	verify     Verifier
	decode     Decoder
	handler    http.Handler
}

// NewWebhookHandler creates a handler for table. A nil verify uses
// HMACVerifier() and a nil decode uses DecodeEnvelope.
func NewWebhookHandler(config Config, table Table, verify Verifier, decode Decoder) (*WebhookHandler, error) {
	if config.Manager == nil {
		return nil, ErrProviderNotConfigured
	}
	if table.Provider == "" || len(table.Events) == 0 {
		return nil, fmt.Errorf("%w: empty event table", ErrProviderNotConfigured)
	}
	config = config.withDefaults()
	if verify == nil {
		verify = HMACVerifier()
	}
	if decode == nil {
		decode = DecodeEnvelope
	}

	h := &WebhookHandler{
		provider:   table.Provider,
		config:     config,
		manager:    config.Manager,
		normalizer: config.Normalizer(table),
		verify:     verify,
		decode:     decode,
	}
	h.handler = http.HandlerFunc(h.handleWebhook)
	if !config.RateLimit.Disabled {
		limiter := internal.NewRateLimiter(config.RateLimit.Requests, config.RateLimit.Window, config.RateLimit.TrustProxy)
		h.handler = limiter.Middleware(h.handler)
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.config.WebhookSecret == "" {
		h.config.Logger.Error("Webhook secret not configured", entitlement.Field{Key: "provider", Value: h.provider})
		_ = internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	select {
	case <-r.Context().Done():
		_ = internal.WriteError(w, http.StatusRequestTimeout, "request timeout")
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.config.Metrics.RecordWebhookError(h.provider, "payload_too_large")
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.config.Metrics.RecordWebhookError(h.provider, "invalid_payload")
		_ = internal.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	if !h.verify(r, body, h.config.WebhookSecret) {
		authErr := &AuthenticationError{Provider: h.provider, Reason: "signature missing or mismatched"}
		h.config.Metrics.RecordWebhookError(h.provider, "auth_failed")
		h.config.Logger.Warn("Webhook signature verification failed",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "remote_ip", Value: internal.ClientIP(r, h.config.RateLimit.TrustProxy)},
			entitlement.Field{Key: "error", Value: authErr},
		)
		_ = internal.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	env, err := h.decode(body)
	if err != nil {
		h.config.Metrics.RecordWebhookError(h.provider, "invalid_payload")
		h.config.Logger.Warn("Webhook body could not be decoded",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "error", Value: err},
		)
		_ = internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	_, err = h.Process(r.Context(), env, body)
	h.config.Metrics.RecordWebhookProcessingDuration(h.provider, env.Event, time.Since(startTime))

	var attrErr *AttributionError
	switch {
	case err == nil, errors.Is(err, ErrUnknownEvent):
		_ = internal.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "event": env.Event})
	case errors.As(err, &attrErr):
		_ = internal.WriteError(w, http.StatusBadRequest, "event cannot be attributed to a user")
	case errors.Is(err, ErrStore):
		_ = internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
	default:
		_ = internal.WriteError(w, http.StatusBadRequest, err.Error())
	}
}

// Process normalizes env and applies it. raw is the delivery body, kept only
// for attribution failure logs. It returns a nil result for informational
// and unknown events, *AttributionError when no user id is found, *StoreError
// when the store fails, and a wrapped ErrInvalidWebhookPayload or
// entitlement.ErrInvalidTier for malformed grants.
func (h *WebhookHandler) Process(ctx context.Context, env *Envelope, raw []byte) (*entitlement.Result, error) {
	ev, err := h.normalizer.Normalize(env.Event, env.Payload)
	if err != nil {
		return nil, h.normalizeFailed(env, raw, err)
	}
	if ev == nil {
		h.config.Metrics.RecordWebhookEvent(h.provider, env.Event, "informational")
		h.config.Logger.Debug("Informational webhook acknowledged",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "event", Value: env.Event},
		)
		return nil, nil
	}
	if ev.TierDefaulted {
		h.config.Metrics.RecordTierDefaulted(h.provider, string(ev.Tier))
	}

	res, err := h.manager.Apply(ctx, ev)
	if err != nil {
		h.config.Metrics.RecordWebhookEvent(h.provider, env.Event, "error")
		if errors.Is(err, entitlement.ErrInvalidEvent) || errors.Is(err, entitlement.ErrInvalidTier) {
			h.config.Metrics.RecordWebhookError(h.provider, "invalid_event")
			return nil, err
		}
		h.config.Metrics.RecordWebhookError(h.provider, "store")
		h.config.Logger.Error("Failed to persist webhook event",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "event", Value: env.Event},
			entitlement.Field{Key: "user_id", Value: ev.UserID},
			entitlement.Field{Key: "idempotency_key", Value: ev.IdempotencyKey},
			entitlement.Field{Key: "error", Value: err},
		)
		return nil, &StoreError{UserID: ev.UserID, Err: err}
	}

	h.config.Metrics.RecordWebhookEvent(h.provider, env.Event, string(res.Outcome))
	if res.Outcome == entitlement.OutcomeDuplicate {
		h.config.Logger.Info("Duplicate webhook delivery ignored",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "event", Value: env.Event},
			entitlement.Field{Key: "user_id", Value: ev.UserID},
			entitlement.Field{Key: "idempotency_key", Value: ev.IdempotencyKey},
		)
		return res, nil
	}

	we := newWebhookEvent(ev, res)
	if res.TierChanged() {
		h.config.Metrics.RecordTierChange(h.provider, string(we.PreviousTier), string(we.NewTier))
	}
	if h.config.WebhookCallback != nil && (res.Outcome == entitlement.OutcomeApplied || res.Outcome == entitlement.OutcomeExpired) {
		if err := h.config.WebhookCallback(ctx, we); err != nil {
			h.config.Logger.Error("Webhook callback failed",
				entitlement.Field{Key: "provider", Value: h.provider},
				entitlement.Field{Key: "event", Value: env.Event},
				entitlement.Field{Key: "user_id", Value: ev.UserID},
				entitlement.Field{Key: "error", Value: err},
			)
		}
	}
	return res, nil
}

func (h *WebhookHandler) normalizeFailed(env *Envelope, raw []byte, err error) error {
	var attrErr *AttributionError
	switch {
	case errors.Is(err, ErrUnknownEvent):
		h.config.Metrics.RecordWebhookEvent(h.provider, env.Event, "unknown")
		h.config.Metrics.RecordWebhookError(h.provider, "unknown_event")
		h.config.Logger.Warn("Unhandled webhook event acknowledged",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "event", Value: env.Event},
		)
	case errors.As(err, &attrErr):
		if len(raw) > 0 {
			attrErr.Payload = raw
		}
		h.config.Metrics.RecordWebhookEvent(h.provider, env.Event, "error")
		h.config.Metrics.RecordWebhookError(h.provider, "attribution")
		h.config.Logger.Error("Webhook event has no resolvable user id",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "event", Value: env.Event},
			entitlement.Field{Key: "raw_payload", Value: string(attrErr.Payload)},
		)
	default:
		h.config.Metrics.RecordWebhookEvent(h.provider, env.Event, "error")
		h.config.Metrics.RecordWebhookError(h.provider, "invalid_event")
		h.config.Logger.Warn("Webhook event rejected",
			entitlement.Field{Key: "provider", Value: h.provider},
			entitlement.Field{Key: "event", Value: env.Event},
			entitlement.Field{Key: "error", Value: err},
		)
	}
	return err
}
