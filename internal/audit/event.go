package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of audited transitions.
type Kind string

const (
	KindCredentialIssued    Kind = "credential_issued"
	KindCredentialRevoked   Kind = "credential_revoked"
	KindPreviewAttempt      Kind = "preview_attempt"
	KindActivationFailed    Kind = "activation_failed"
	KindActivationSucceeded Kind = "activation_succeeded"
	KindRateLimited         Kind = "rate_limited"
	KindCredentialArchived  Kind = "credential_archived"
)

var kinds = map[Kind]struct{}{
	KindCredentialIssued:    {},
	KindCredentialRevoked:   {},
	KindPreviewAttempt:      {},
	KindActivationFailed:    {},
	KindActivationSucceeded: {},
	KindRateLimited:         {},
	KindCredentialArchived:  {},
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Outcome of the audited decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OriginSystem marks events produced by background jobs rather than a caller.
const OriginSystem = "system"

// ClientMeta is opaque caller metadata.
type ClientMeta struct {
	UserAgent string `json:"user_agent,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Event is one immutable audit record. Empty link fields mean "not linked".
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	CredentialID  string         `json:"credential_id,omitempty"`
	WhitelistID   string         `json:"whitelist_id,omitempty"`
	AccountID     string         `json:"account_id,omitempty"`
	Origin        string         `json:"origin"`
	Client        ClientMeta     `json:"client"`
	Outcome       Outcome        `json:"outcome"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	// ErrUnavailable is returned by Append only when fail-closed is configured.
	ErrUnavailable = errors.New("audit: store unavailable")
)

// Validate checks the structural invariants of an event.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if strings.TrimSpace(e.Origin) == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalidEvent)
	}
	switch e.Outcome {
	case OutcomeSuccess:
		if e.FailureReason != "" {
			return fmt.Errorf("%w: failure reason on success", ErrInvalidEvent)
		}
	case OutcomeFailure:
		if e.FailureReason == "" {
			return fmt.Errorf("%w: failure reason is required", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, e.Outcome)
	}
	return nil
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Filter narrows an investigation query. Zero fields match everything.
type Filter struct {
	CredentialID string
	Origin       string
	Kind         Kind
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Normalize clamps the limit.
func (f Filter) Normalize() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultQueryLimit
	case f.Limit > maxQueryLimit:
		f.Limit = maxQueryLimit
	}
	return f
}

// Match reports whether e satisfies f.
func (f Filter) Match(e Event) bool {
	if f.CredentialID != "" && e.CredentialID != f.CredentialID {
		return false
	}
	if f.Origin != "" && e.Origin != f.Origin {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Store persists events. Implementations must never update or delete.
type Store interface {
	Append(ctx context.Context, e Event) error
	// Query returns matching events, newest first.
	Query(ctx context.Context, f Filter) ([]Event, error)
}
