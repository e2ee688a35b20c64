package activation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math"
	"time"

	"passage.org/internal/audit"
	"passage.org/internal/auth"
	"passage.org/internal/codec"
	"passage.org/internal/ids"
	"passage.org/internal/obs"
	"passage.org/internal/ratelimit"
)

const (
	opPreview  = "preview"
	opComplete = "complete"
)

// Preview checks a secret without consuming it. Every failure after the
// format check is reported as the same not-valid rejection, and the response
// takes at least the preview latency floor.
func (s *Service) Preview(ctx context.Context, raw string, caller Caller) (p Preview, err error) {
	defer holdFloor(ctx, time.Now(), s.previewFloor)
	defer func() { observe(opPreview, err) }()

	now := s.now()
	rule := s.rule(ScopePreviewOrigin, caller.Origin, s.limits.PreviewOrigin)
	if err := s.admit(ctx, caller, rule); err != nil {
		return Preview{}, err
	}

	secret, err := s.codec.Normalize(raw)
	if err != nil {
		return Preview{}, &ValidationError{Fields: map[string]string{"secret": "malformed"}}
	}
	defer secret.Zero()

	cred, entry, rej, err := s.find(ctx, secret)
	if err != nil {
		return Preview{}, s.unavailable("preview_lookup", err)
	}
	if rej == nil {
		if st := cred.State(now, s.threshold); st != StateActive {
			rej = reject(ClassNotValid, string(st))
		}
	}
	if rej != nil {
		rej.Class = ClassNotValid
		ev := s.event(ctx, audit.KindPreviewAttempt, caller, cred, entry)
		ev.Outcome = audit.OutcomeFailure
		ev.FailureReason = rej.Reason
		if err := s.record(ctx, ev); err != nil {
			return Preview{}, err
		}
		return Preview{}, rej
	}

	attempts, err := s.store.RecordAttempt(ctx, cred.ID, caller.Origin, now.UTC())
	if err != nil {
		return Preview{}, s.unavailable("preview_attempt", err)
	}
	ev := s.event(ctx, audit.KindPreviewAttempt, caller, cred, entry)
	ev.Outcome = audit.OutcomeSuccess
	ev.Context = map[string]any{"attempts": attempts}
	if err := s.record(ctx, ev); err != nil {
		return Preview{}, err
	}
	supervisor, err := s.supervisorName(ctx, entry.SupervisorID)
	if err != nil {
		return Preview{}, s.unavailable("preview_supervisor", err)
	}

	return Preview{
		DisplayName:    entry.DisplayName,
		SupervisorName: supervisor,
		Role:           entry.Role,
		IdentifierKind: entry.IdentifierKind,
		ExpiresAt:      cred.ExpiresAt,
		RemainingHours: math.Round(cred.ExpiresAt.Sub(now).Hours()*10) / 10,
		Requirements: Requirements{
			IdentifierRequired: true,
			IdentifierKind:     entry.IdentifierKind,
			PasswordMinLength:  auth.PasswordMinLength,
		},
	}, nil
}

// supervisorName is empty when the entry names no supervisor or the
// supervisor account no longer exists.
func (s *Service) supervisorName(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	acct, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return acct.DisplayName, nil
}

// Result is what a successful completion returns to the caller.
type Result struct {
	Account Account    `json:"account"`
	Session auth.Token `json:"session_credential"`
}

// Complete consumes a credential and creates the account. Once the credential
// lock is taken the transaction runs to completion even if ctx is cancelled.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (res Result, err error) {
	defer holdFloor(ctx, time.Now(), s.completeFloor)
	defer func() { observe(opComplete, err) }()

	secret, secretErr := s.codec.Normalize(req.Secret)
	if secretErr == nil {
		defer secret.Zero()
	}

	rules := []ratelimit.Rule{s.rule(ScopeCompleteOrigin, req.Caller.Origin, s.limits.CompleteOrigin)}
	var lookupKey string
	if secretErr == nil {
		lookupKey = s.codec.LookupKey(secret)
		rules = append(rules, s.rule(ScopeCompleteCredential, lookupKey, s.limits.CompleteCredential))
	}
	if err := s.admit(ctx, req.Caller, rules...); err != nil {
		return Result{}, err
	}

	if fields := s.validateCompletion(req, secretErr); fields != nil {
		return Result{}, &ValidationError{Fields: fields}
	}

	cred, entry, rej, err := s.find(ctx, secret)
	if err != nil {
		return Result{}, s.unavailable("complete_lookup", err)
	}
	if rej != nil {
		rej.Class = ClassMismatch
		return Result{}, s.fail(ctx, req.Caller, cred, entry, rej)
	}

	passwordHash, err := s.hashPassword(req.NewSecret)
	if err != nil {
		return Result{}, s.unavailable("hash_password", err)
	}
	supplied := NormalizeIdentifier(entry.IdentifierKind, req.Identifier)

	// the locked section belongs to the engine, not to the caller
	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTimeout)
	defer cancel()

	var account Account
	err = s.store.WithLock(lockCtx, cred.ID, func(l Locked) error {
		now := s.now().UTC()
		c, e := l.Credential(), l.Entry()
		cred, entry = c, e

		if r := CheckConsumable(c, e, now, s.threshold); r != nil {
			n, err := l.RecordAttempt(lockCtx, req.Caller.Origin, now)
			if err != nil {
				return err
			}
			r.Attempts = n
			return r
		}
		if !identifiersEqual(supplied, e.Identifier) {
			n, err := l.RecordAttempt(lockCtx, req.Caller.Origin, now)
			if err != nil {
				return err
			}
			if n >= s.threshold {
				return &Rejection{Class: ClassLocked, Reason: ReasonMismatchLockout, Attempts: n}
			}
			return &Rejection{Class: ClassMismatch, Reason: ReasonIdentifierMismatch, Attempts: n}
		}

		acct, err := l.Consume(lockCtx, NewAccount{
			ID:           ids.NewAt(now),
			PasswordHash: passwordHash,
			At:           now,
			Threshold:    s.threshold,
		})
		if err != nil {
			if r, ok := AsRejection(err); ok {
				n, aerr := l.RecordAttempt(lockCtx, req.Caller.Origin, now)
				if aerr != nil {
					return aerr
				}
				r.Attempts = n
			}
			return err
		}
		account = acct
		return nil
	})
	if err != nil {
		if r, ok := AsRejection(err); ok {
			return Result{}, s.fail(ctx, req.Caller, cred, entry, r)
		}
		if errors.Is(err, ErrNotFound) {
			return Result{}, s.fail(ctx, req.Caller, Credential{}, WhitelistEntry{}, reject(ClassMismatch, ReasonNotFound))
		}
		ev := s.event(ctx, audit.KindActivationFailed, req.Caller, cred, entry)
		ev.Outcome = audit.OutcomeFailure
		ev.FailureReason = ReasonStoreUnavailable
		_ = s.record(ctx, ev)
		return Result{}, s.unavailable("complete_consume", err)
	}

	session, tokenErr := s.issuer.GenerateToken(account.ID, []string{account.Role})
	ev := s.event(ctx, audit.KindActivationSucceeded, req.Caller, cred, entry)
	ev.AccountID = account.ID
	ev.Outcome = audit.OutcomeSuccess
	ev.Context = map[string]any{"session_issued": tokenErr == nil}
	// consumption is committed; an audit failure here is logged but cannot undo it
	_ = s.record(ctx, ev)
	if tokenErr != nil {
		return Result{}, s.unavailable("issue_session", tokenErr)
	}
	return Result{Account: account, Session: session}, nil
}

func (s *Service) validateCompletion(req CompleteRequest, secretErr error) map[string]string {
	fields := map[string]string{}
	if secretErr != nil {
		fields["secret"] = "malformed"
	}
	identifier := normalizeAnyIdentifier(req.Identifier)
	if identifier == "" {
		fields["identifier"] = "required"
	}
	for k, v := range auth.CheckPasswordPolicy(req.NewSecret, req.NewSecretConfirmation, identifier) {
		fields[k] = v
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// find looks a secret up by its keyed hash and confirms it against the slow
// digest. A miss is a Rejection; only store faults are errors.
func (s *Service) find(ctx context.Context, secret codec.Secret) (Credential, WhitelistEntry, *Rejection, error) {
	cred, entry, err := s.store.LookupByHash(ctx, s.codec.LookupKey(secret))
	if errors.Is(err, ErrNotFound) {
		return Credential{}, WhitelistEntry{}, reject(ClassNotValid, ReasonNotFound), nil
	}
	if err != nil {
		return Credential{}, WhitelistEntry{}, nil, err
	}
	ok, err := s.codec.Verify(secret, cred.Digest)
	if err != nil {
		return Credential{}, WhitelistEntry{}, nil, err
	}
	if !ok {
		return cred, entry, reject(ClassNotValid, ReasonDigestMismatch), nil
	}
	return cred, entry, nil, nil
}

// admit applies every rule and audits a denial.
func (s *Service) admit(ctx context.Context, caller Caller, rules ...ratelimit.Rule) error {
	d, err := s.limiter.AllowAll(ctx, rules...)
	if err != nil {
		return s.unavailable("rate_limit", err)
	}
	if d.Allowed {
		return nil
	}
	obs.ObserveRateLimited(d.Scope)
	ev := audit.Event{
		Kind:          audit.KindRateLimited,
		Origin:        caller.Origin,
		Client:        audit.ClientMeta{UserAgent: caller.UserAgent, DeviceID: caller.DeviceID},
		Outcome:       audit.OutcomeFailure,
		FailureReason: d.Scope,
	}
	if err := s.record(ctx, ev); err != nil {
		return err
	}
	return &RateLimitedError{Scope: d.Scope, RetryAfter: d.RetryAfter(s.now())}
}

// fail audits a rejected completion before it is returned.
func (s *Service) fail(ctx context.Context, caller Caller, cred Credential, entry WhitelistEntry, r *Rejection) error {
	ev := s.event(ctx, audit.KindActivationFailed, caller, cred, entry)
	ev.Outcome = audit.OutcomeFailure
	ev.FailureReason = r.Reason
	if cred.ID != "" {
		ev.Context = map[string]any{"attempts": r.Attempts}
	}
	if err := s.record(ctx, ev); err != nil {
		return err
	}
	return r
}

func (s *Service) event(ctx context.Context, kind audit.Kind, caller Caller, cred Credential, entry WhitelistEntry) audit.Event {
	return audit.Event{
		Kind:         kind,
		CredentialID: cred.ID,
		WhitelistID:  entry.ID,
		Origin:       originOrSystem(caller.Origin),
		Client:       audit.ClientMeta{UserAgent: caller.UserAgent, DeviceID: caller.DeviceID},
		RequestID:    audit.RequestIDFromContext(ctx),
	}
}

func (s *Service) rule(scope, key string, l Limit) ratelimit.Rule {
	return ratelimit.Rule{Scope: scope, Key: key, Limit: l.Count, Window: l.Window}
}

// identifiersEqual compares fixed-size digests so neither content nor length
// leaks through timing.
func identifiersEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// normalizeAnyIdentifier is the kind-agnostic check used before the entry is known.
func normalizeAnyIdentifier(raw string) string {
	return NormalizeIdentifier(KindEmail, raw)
}

func observe(op string, err error) {
	var (
		rl  *RateLimitedError
		val *ValidationError
	)
	switch {
	case err == nil:
		obs.ObserveOutcome(op, "success", "")
	case errors.As(err, &rl):
		obs.ObserveOutcome(op, "rate_limited", rl.Scope)
	case errors.As(err, &val):
		obs.ObserveOutcome(op, "invalid_input", "")
	default:
		if r, ok := AsRejection(err); ok {
			obs.ObserveOutcome(op, "rejected", r.Reason)
			return
		}
		obs.ObserveOutcome(op, "error", "unavailable")
	}
}
