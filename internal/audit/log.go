package audit

import (
	"context"
	"strings"

	"passage.org/internal/auth"
	"passage.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request and actor context.
// It never includes secrets: events carry ids and reason codes only.
func LogEvent(ctx context.Context, e Event) {
	entry := obs.Logger().Info().
		Str("type", "audit").
		Str("event", string(e.Kind)).
		Str("event_id", e.ID).
		Str("outcome", string(e.Outcome)).
		Str("origin", e.Origin)
	if e.FailureReason != "" {
		entry = entry.Str("reason", e.FailureReason)
	}
	if e.CredentialID != "" {
		entry = entry.Str("credential_id", e.CredentialID)
	}
	if e.WhitelistID != "" {
		entry = entry.Str("whitelist_id", e.WhitelistID)
	}
	if e.AccountID != "" {
		entry = entry.Str("account_id", e.AccountID)
	}
	rid := e.RequestID
	if rid == "" {
		rid = RequestIDFromContext(ctx)
	}
	if rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.Str("actor", p.Subject)
	}
	if len(e.Context) > 0 {
		entry = entry.Interface("fields", e.Context)
	}
	entry.Msg("audit")
}
