// Package activation turns pre-authorized whitelist entries into accounts
// through single-use, time-boxed credentials.
package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"passage.org/internal/audit"
	"passage.org/internal/auth"
	"passage.org/internal/codec"
	"passage.org/internal/ids"
	"passage.org/internal/obs"
	"passage.org/internal/ratelimit"
)

const (
	DefaultLockoutThreshold = 5
	DefaultTTL              = 72 * time.Hour
	MinTTL                  = time.Hour
	MaxTTL                  = 720 * time.Hour
	DefaultRetention        = 365 * 24 * time.Hour

	defaultPreviewFloor  = 250 * time.Millisecond
	defaultCompleteFloor = 500 * time.Millisecond
	defaultLockTimeout   = 5 * time.Second
	issueRetries         = 3
)

// Limit is one sliding-window budget.
type Limit struct {
	Count  int
	Window time.Duration
}

// Limits are the public endpoint budgets.
type Limits struct {
	PreviewOrigin      Limit
	CompleteOrigin     Limit
	CompleteCredential Limit
}

// DefaultLimits allow 10 previews a minute and 10 completions an hour per
// origin, and 10 completions an hour per credential.
func DefaultLimits() Limits {
	return Limits{
		PreviewOrigin:      Limit{Count: 10, Window: time.Minute},
		CompleteOrigin:     Limit{Count: 10, Window: time.Hour},
		CompleteCredential: Limit{Count: 10, Window: time.Hour},
	}
}

// Rate limiter scopes.
const (
	ScopePreviewOrigin      = "preview_origin"
	ScopeCompleteOrigin     = "complete_origin"
	ScopeCompleteCredential = "complete_credential"
)

// Service runs the activation pipeline and the administrative operations
// around it.
type Service struct {
	store   Store
	codec   *codec.Codec
	limiter *ratelimit.Limiter
	trail   *audit.Trail
	issuer  *auth.Issuer

	now           func() time.Time
	threshold     int
	defaultTTL    time.Duration
	previewFloor  time.Duration
	completeFloor time.Duration
	limits        Limits
	lockTimeout   time.Duration
	retention     time.Duration
	hashPassword  func(string) (string, error)
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLockoutThreshold sets how many attempts lock a credential.
func WithLockoutThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithDefaultTTL sets the lifetime of credentials issued without an explicit
// TTL. Values outside [MinTTL, MaxTTL] are ignored.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Service) {
		if d >= MinTTL && d <= MaxTTL {
			s.defaultTTL = d
		}
	}
}

// WithLatencyFloors sets the minimum response time of Preview and Complete.
// Zero disables a floor.
func WithLatencyFloors(preview, complete time.Duration) Option {
	return func(s *Service) {
		s.previewFloor = max(preview, 0)
		s.completeFloor = max(complete, 0)
	}
}

// WithLimits overrides the rate budgets.
func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithLockTimeout bounds how long Complete waits for and holds a credential lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithRetention sets how long used credentials stay unarchived.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithPasswordHasher replaces bcrypt, for tests that need speed.
func WithPasswordHasher(fn func(string) (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.hashPassword = fn
		}
	}
}

// New wires a Service.
func New(store Store, c *codec.Codec, limiter *ratelimit.Limiter, trail *audit.Trail, issuer *auth.Issuer, opts ...Option) *Service {
	s := &Service{
		store:         store,
		codec:         c,
		limiter:       limiter,
		trail:         trail,
		issuer:        issuer,
		now:           time.Now,
		threshold:     DefaultLockoutThreshold,
		defaultTTL:    DefaultTTL,
		previewFloor:  defaultPreviewFloor,
		completeFloor: defaultCompleteFloor,
		limits:        DefaultLimits(),
		lockTimeout:   defaultLockTimeout,
		retention:     DefaultRetention,
		hashPassword:  auth.HashPassword,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold is the configured lockout threshold.
func (s *Service) Threshold() int { return s.threshold }

// StateOf reports the effective state of c now.
func (s *Service) StateOf(c Credential) State { return c.State(s.now(), s.threshold) }

// Ready checks the credential store.
func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

// NewEntry is the administrative input for CreateEntry.
type NewEntry struct {
	Identifier     string
	IdentifierKind IdentifierKind
	Role           string
	SupervisorID   string
	DisplayName    string
	Actor          string
}

// CreateEntry validates and stores a whitelist entry.
func (s *Service) CreateEntry(ctx context.Context, in NewEntry) (WhitelistEntry, error) {
	fields := map[string]string{}
	if !in.IdentifierKind.Valid() {
		fields["identifier_kind"] = "unsupported"
	}
	identifier := NormalizeIdentifier(in.IdentifierKind, in.Identifier)
	switch {
	case identifier == "":
		fields["identifier"] = "required"
	case in.IdentifierKind == KindEmail && !strings.Contains(identifier, "@"):
		fields["identifier"] = "malformed"
	}
	role := strings.ToLower(strings.TrimSpace(in.Role))
	if !auth.KnownRole(role) {
		fields["role"] = "unsupported"
	}
	supervisor := strings.TrimSpace(in.SupervisorID)
	if auth.RequiresSupervisor(role) && supervisor == "" {
		fields["supervisor_id"] = "required"
	}
	if !auth.RequiresSupervisor(role) && supervisor != "" {
		fields["supervisor_id"] = "not_allowed"
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		fields["display_name"] = "required"
	}
	if len(fields) > 0 {
		return WhitelistEntry{}, &ValidationError{Fields: fields}
	}

	e := WhitelistEntry{
		ID:             ids.New(),
		Identifier:     identifier,
		IdentifierKind: in.IdentifierKind,
		Role:           role,
		SupervisorID:   supervisor,
		DisplayName:    name,
		CreatedBy:      in.Actor,
		CreatedAt:      s.now().UTC(),
	}
	created, err := s.store.CreateEntry(ctx, e)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return WhitelistEntry{}, err
		}
		return WhitelistEntry{}, s.unavailable("create_entry", err)
	}
	return created, nil
}

// IssueRequest is the administrative input for Issue.
type IssueRequest struct {
	EntryID string
	TTL     time.Duration
	Actor   string
	Origin  string
}

// Issued is returned once; Secret is never retrievable again.
type Issued struct {
	Credential Credential `json:"credential"`
	Secret     string     `json:"secret"`
	Revoked    []string   `json:"revoked,omitempty"`
}

// Issue draws a fresh secret for an entry, revoking any credential of the
// entry that could still be used.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return Issued{}, &ValidationError{Fields: map[string]string{"expires_in_hours": "out_of_range"}}
	}
	entry, err := s.store.GetEntry(ctx, req.EntryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Issued{}, err
		}
		return Issued{}, s.unavailable("issue", err)
	}
	if entry.Activated {
		return Issued{}, fmt.Errorf("%w: entry already activated", ErrConflict)
	}

	var (
		secret  codec.Secret
		cred    Credential
		revoked []string
	)
	for attempt := 0; ; attempt++ {
		secret, err = s.codec.Issue()
		if err != nil {
			return Issued{}, s.unavailable("issue", err)
		}
		digest, err := s.codec.Hash(secret)
		if err != nil {
			secret.Zero()
			return Issued{}, s.unavailable("issue", err)
		}
		now := s.now().UTC()
		cred = Credential{
			ID:        ids.NewAt(now),
			EntryID:   entry.ID,
			LookupKey: s.codec.LookupKey(secret),
			Digest:    digest,
			ExpiresAt: now.Add(ttl),
			IssuedBy:  req.Actor,
			IssuedAt:  now,
		}
		revoked, err = s.store.IssueCredential(ctx, cred)
		if err == nil {
			break
		}
		secret.Zero()
		switch {
		case errors.Is(err, ErrDuplicateKey) && attempt+1 < issueRetries:
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			return Issued{}, err
		default:
			return Issued{}, s.unavailable("issue", err)
		}
	}
	display := secret.Display()
	secret.Zero()

	origin := originOrSystem(req.Origin)
	for _, id := range revoked {
		_ = s.record(ctx, audit.Event{
			Kind:         audit.KindCredentialRevoked,
			CredentialID: id,
			WhitelistID:  entry.ID,
			Origin:       origin,
			Outcome:      audit.OutcomeSuccess,
			Context:      map[string]any{"reason": "reissued", "actor": req.Actor, "replaced_by": cred.ID},
		})
	}
	if err := s.record(ctx, audit.Event{
		Kind:         audit.KindCredentialIssued,
		CredentialID: cred.ID,
		WhitelistID:  entry.ID,
		Origin:       origin,
		Outcome:      audit.OutcomeSuccess,
		Context:      map[string]any{"actor": req.Actor, "expires_at": cred.ExpiresAt, "ttl_hours": ttl.Hours()},
	}); err != nil {
		return Issued{}, err
	}
	return Issued{Credential: cred, Secret: display, Revoked: revoked}, nil
}

// RevokeRequest is the administrative input for Revoke.
type RevokeRequest struct {
	CredentialID string
	Actor        string
	Reason       string
	Origin       string
}

// Revoke invalidates a credential that has not been used.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (Credential, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "revoked_by_admin"
	}
	c, err := s.store.Revoke(ctx, req.CredentialID, req.Actor, reason, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return Credential{}, err
		}
		return Credential{}, s.unavailable("revoke", err)
	}
	if err := s.record(ctx, audit.Event{
		Kind:         audit.KindCredentialRevoked,
		CredentialID: c.ID,
		WhitelistID:  c.EntryID,
		Origin:       originOrSystem(req.Origin),
		Outcome:      audit.OutcomeSuccess,
		Context:      map[string]any{"reason": reason, "actor": req.Actor},
	}); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// ListCredentials returns one page of credentials with their current state.
func (s *Service) ListCredentials(ctx context.Context, f CredentialFilter) (CredentialPage, error) {
	fields := map[string]string{}
	if f.Status != "" && !f.Status.Valid() {
		fields["status"] = "unsupported"
	}
	if f.SortBy != SortIssuedAt && f.SortBy != SortExpiresAt && f.SortBy != "" {
		fields["sort_by"] = "unsupported"
	}
	if f.Offset < 0 {
		fields["offset"] = "negative"
	}
	if len(fields) > 0 {
		return CredentialPage{}, &ValidationError{Fields: fields}
	}
	f.Now = s.now()
	f.Threshold = s.threshold
	creds, total, err := s.store.ListCredentials(ctx, f)
	if err != nil {
		return CredentialPage{}, s.unavailable("list_credentials", err)
	}
	out := make([]CredentialStatus, 0, len(creds))
	for _, c := range creds {
		out = append(out, CredentialStatus{Credential: c, State: c.State(f.Now, s.threshold)})
	}
	return CredentialPage{Items: out, Total: total}, nil
}

// SweepResult summarizes one Sweep.
type SweepResult struct {
	Archived      int
	ExpiredUnused int
}

// Sweep archives used credentials past the retention interval and refreshes
// the expired-unused gauge.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	archived, err := s.store.ArchiveUsedBefore(ctx, now.Add(-s.retention), now)
	for _, c := range archived {
		_ = s.record(ctx, audit.Event{
			Kind:         audit.KindCredentialArchived,
			CredentialID: c.ID,
			WhitelistID:  c.EntryID,
			AccountID:    c.ConsumedBy,
			Origin:       audit.OriginSystem,
			Outcome:      audit.OutcomeSuccess,
		})
	}
	obs.ObserveArchived(len(archived))
	if err != nil {
		return SweepResult{Archived: len(archived)}, s.unavailable("sweep", err)
	}
	expired, err := s.store.CountExpiredUnused(ctx, now)
	if err != nil {
		return SweepResult{Archived: len(archived)}, s.unavailable("sweep", err)
	}
	obs.SetExpiredUnused(expired)
	return SweepResult{Archived: len(archived), ExpiredUnused: expired}, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if res, err := s.Sweep(ctx); err == nil {
			obs.Logger().Info().Int("archived", res.Archived).Int("expired_unused", res.ExpiredUnused).Msg("sweep_complete")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// record appends to the audit trail. Only a fail-closed trail reports errors.
func (s *Service) record(ctx context.Context, e audit.Event) error {
	if err := s.trail.Append(ctx, e); err != nil {
		obs.Logger().Error().Err(err).Str("event", string(e.Kind)).Msg("audit_append_failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// unavailable logs the full cause and returns the generic error.
func (s *Service) unavailable(op string, err error) error {
	obs.Logger().Error().Err(err).Str("op", op).Msg("infrastructure_error")
	return fmt.Errorf("%w: %s", ErrUnavailable, op)
}

func originOrSystem(origin string) string {
	if strings.TrimSpace(origin) == "" {
		return audit.OriginSystem
	}
	return origin
}
