package activation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("activation: not found")
	ErrInvalidInput = errors.New("activation: invalid input")
	ErrConflict     = errors.New("activation: conflict")
	// ErrDuplicateKey means a freshly drawn secret collided with a stored lookup key.
	ErrDuplicateKey = errors.New("activation: duplicate lookup key")
	// ErrUnavailable hides infrastructure failures from callers.
	ErrUnavailable = errors.New("activation: service unavailable")
)

// Class is the caller-facing classification of a rejected request.
type Class string

const (
	ClassNotValid    Class = "not_valid"
	ClassMismatch    Class = "mismatch"
	ClassAlreadyUsed Class = "already_used"
	ClassExpired     Class = "expired"
	ClassLocked      Class = "locked"
)

// Internal reason codes recorded in the audit trail.
const (
	ReasonNotFound           = "not_found"
	ReasonDigestMismatch     = "digest_mismatch"
	ReasonExpired            = "expired"
	ReasonLocked             = "locked"
	ReasonRevoked            = "revoked"
	ReasonUsed               = "used"
	ReasonEntryActivated     = "entry_activated"
	ReasonIdentifierTaken    = "identifier_taken"
	ReasonIdentifierMismatch = "identifier_mismatch"
	ReasonMismatchLockout    = "identifier_mismatch_lockout"
	ReasonStoreUnavailable   = "store_unavailable"
)

// Rejection is a policy decision, not a fault. Stores return it from Consume
// when a precondition fails under the lock.
type Rejection struct {
	Class  Class
	Reason string
	// Attempts is the counter value after the rejected attempt was recorded.
	Attempts int
}

func reject(class Class, reason string) *Rejection {
	return &Rejection{Class: class, Reason: reason}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("activation rejected: %s (%s)", r.Class, r.Reason)
}

// AsRejection unwraps err into a Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// ValidationError reports per-field input problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "activation: invalid input: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// RateLimitedError carries the client backoff hint.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("activation: rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}
