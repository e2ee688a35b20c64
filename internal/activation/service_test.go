package activation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"passage.org/internal/audit"
	"passage.org/internal/auth"
	"passage.org/internal/codec"
	"passage.org/internal/obs"
	"passage.org/internal/ratelimit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *Service
	store  *InMemory
	events *audit.Memory
	issuer *auth.Issuer
	clock  *testClock
}

var fastArgon = &codec.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func fastHash(p string) (string, error) { return "test$" + p, nil }

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	restore := obs.SetOutput(io.Discard)
	t.Cleanup(restore)

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := codec.New(bytes.Repeat([]byte{3}, 32), codec.WithParams(fastArgon))
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	issuer, err := auth.NewIssuer(bytes.Repeat([]byte("s"), 32), auth.WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("auth.NewIssuer: %v", err)
	}
	store := NewInMemory()
	events := audit.NewMemory()
	base := []Option{
		WithClock(clock.Now),
		WithLatencyFloors(0, 0),
		WithPasswordHasher(fastHash),
	}
	svc := New(store, c,
		ratelimit.New(ratelimit.NewMemory(), ratelimit.WithClock(clock.Now)),
		audit.NewTrail(events, audit.WithClock(clock.Now)),
		issuer,
		append(base, opts...)...,
	)
	return &harness{svc: svc, store: store, events: events, issuer: issuer, clock: clock}
}

func (h *harness) entry(t *testing.T, identifier string) WhitelistEntry {
	t.Helper()
	e, err := h.svc.CreateEntry(context.Background(), NewEntry{
		Identifier:     identifier,
		IdentifierKind: KindEmail,
		Role:           "encargado",
		DisplayName:    "Ana Pérez",
		Actor:          "admin-1",
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return e
}

func (h *harness) issue(t *testing.T, entryID string) Issued {
	t.Helper()
	iss, err := h.svc.Issue(context.Background(), IssueRequest{EntryID: entryID, Actor: "admin-1", Origin: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return iss
}

func (h *harness) credential(t *testing.T, id string) Credential {
	t.Helper()
	c, err := h.store.GetCredential(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	return c
}

func (h *harness) kinds(t *testing.T, credentialID string) []audit.Kind {
	t.Helper()
	events, err := h.events.Query(context.Background(), audit.Filter{CredentialID: credentialID, Limit: 1000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	out := make([]audit.Kind, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i].Kind)
	}
	return out
}

func completeReq(secret, identifier string, origin string) CompleteRequest {
	return CompleteRequest{
		Secret:                secret,
		Identifier:            identifier,
		NewSecret:             "Sunrise2025",
		NewSecretConfirmation: "Sunrise2025",
		Caller:                Caller{Origin: origin, UserAgent: "test", DeviceID: "dev-1"},
	}
}

func wantRejection(t *testing.T, err error, class Class) *Rejection {
	t.Helper()
	r, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected rejection %s, got %v", class, err)
	}
	if r.Class != class {
		t.Fatalf("expected class %s, got %s (%s)", class, r.Class, r.Reason)
	}
	return r
}

func TestActivationScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.entry(t, "Ana@Example.org")
	iss := h.issue(t, e.ID)
	if !iss.Credential.ExpiresAt.Equal(h.clock.Now().Add(72 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", iss.Credential.ExpiresAt)
	}

	p, err := h.svc.Preview(ctx, iss.Secret, Caller{Origin: "203.0.113.9"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.DisplayName != "Ana Pérez" || p.Role != "encargado" || p.IdentifierKind != KindEmail {
		t.Fatalf("unexpected preview %+v", p)
	}
	if p.RemainingHours != 72 {
		t.Fatalf("remaining hours = %v", p.RemainingHours)
	}
	before := h.credential(t, iss.Credential.ID).Attempts

	_, err = h.svc.Complete(ctx, completeReq(iss.Secret, "someone@example.org", "203.0.113.9"))
	r := wantRejection(t, err, ClassMismatch)
	if r.Reason != ReasonIdentifierMismatch {
		t.Fatalf("unexpected reason %s", r.Reason)
	}
	if got := h.credential(t, iss.Credential.ID).Attempts; got != before+1 {
		t.Fatalf("attempts = %d, want %d", got, before+1)
	}

	res, err := h.svc.Complete(ctx, completeReq(iss.Secret, "  ana@EXAMPLE.org ", "203.0.113.9"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Account.EntryID != e.ID || res.Account.Role != "encargado" || res.Account.ID == "" {
		t.Fatalf("unexpected account %+v", res.Account)
	}
	claims, err := h.issuer.ParseAndValidate(res.Session.Value)
	if err != nil {
		t.Fatalf("session token invalid: %v", err)
	}
	if claims.Subject != res.Account.ID {
		t.Fatalf("session subject %s != account %s", claims.Subject, res.Account.ID)
	}
	if st := h.svc.StateOf(h.credential(t, iss.Credential.ID)); st != StateUsed {
		t.Fatalf("state = %s, want used", st)
	}
	entry, _ := h.store.GetEntry(ctx, e.ID)
	if !entry.Activated || entry.AccountID != res.Account.ID || entry.ActivatedAt == nil {
		t.Fatalf("entry not flipped: %+v", entry)
	}
	stored, err := h.store.GetAccount(ctx, res.Account.ID)
	if err != nil || stored.PasswordHash != "test$Sunrise2025" {
		t.Fatalf("account not stored with password hash: %+v", stored)
	}

	_, err = h.svc.Complete(ctx, completeReq(iss.Secret, "ana@example.org", "203.0.113.9"))
	wantRejection(t, err, ClassAlreadyUsed)

	want := []audit.Kind{
		audit.KindCredentialIssued,
		audit.KindPreviewAttempt,
		audit.KindActivationFailed,
		audit.KindActivationSucceeded,
		audit.KindActivationFailed,
	}
	got := h.kinds(t, iss.Credential.ID)
	if len(got) != len(want) {
		t.Fatalf("audit kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit kinds = %v, want %v", got, want)
		}
	}
}

func TestFirstMismatchCountsOneAttempt(t *testing.T) {
	h := newHarness(t)
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)

	_, err := h.svc.Complete(context.Background(), completeReq(iss.Secret, "bob@example.org", "203.0.113.9"))
	wantRejection(t, err, ClassMismatch)
	if got := h.credential(t, iss.Credential.ID).Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestCompleteAfterExpiry(t *testing.T) {
	h := newHarness(t)
	e := h.entry(t, "ana@example.org")
	iss := h.issue(t, e.ID)

	h.clock.Advance(72*time.Hour + time.Second)
	_, err := h.svc.Complete(context.Background(), completeReq(iss.Secret, "ana@example.org", "203.0.113.9"))
	wantRejection(t, err, ClassExpired)

	entry, _ := h.store.GetEntry(context.Background(), e.ID)
	if entry.Activated {
		t.Fatal("no account may be created for an expired credential")
	}
	if c := h.credential(t, iss.Credential.ID); c.Used || c.Attempts != 1 {
		t.Fatalf("unexpected credential after expiry: used=%v attempts=%d", c.Used, c.Attempts)
	}
}

func TestLockoutCrossingAttemptFailsLocked(t *testing.T) {
	h := newHarness(t)
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)
	ctx := context.Background()

	for i := 1; i < DefaultLockoutThreshold; i++ {
		_, err := h.svc.Complete(ctx, completeReq(iss.Secret, "wrong@example.org", "203.0.113.9"))
		wantRejection(t, err, ClassMismatch)
	}
	_, err := h.svc.Complete(ctx, completeReq(iss.Secret, "wrong@example.org", "203.0.113.9"))
	r := wantRejection(t, err, ClassLocked)
	if r.Reason != ReasonMismatchLockout || r.Attempts != DefaultLockoutThreshold {
		t.Fatalf("unexpected rejection %+v", r)
	}

	_, err = h.svc.Complete(ctx, completeReq(iss.Secret, "ana@example.org", "203.0.113.9"))
	wantRejection(t, err, ClassLocked)
	if st := h.svc.StateOf(h.credential(t, iss.Credential.ID)); st != StateLocked {
		t.Fatalf("state = %s", st)
	}

	_, err = h.svc.Preview(ctx, iss.Secret, Caller{Origin: "203.0.113.9"})
	wantRejection(t, err, ClassNotValid)
}

func TestExpiredTakesPriorityOverLocked(t *testing.T) {
	h := newHarness(t, WithLockoutThreshold(2))
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = h.svc.Complete(ctx, completeReq(iss.Secret, "wrong@example.org", "203.0.113.9"))
	}
	h.clock.Advance(73 * time.Hour)

	_, err := h.svc.Complete(ctx, completeReq(iss.Secret, "ana@example.org", "203.0.113.9"))
	wantRejection(t, err, ClassExpired)
}

func TestConcurrentCompleteExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	e := h.entry(t, "ana@example.org")
	iss := h.issue(t, e.ID)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		alreadys int
		other    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Complete(context.Background(), completeReq(iss.Secret, "ana@example.org", "203.0.113.9"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if r, ok := AsRejection(err); ok && r.Class == ClassAlreadyUsed {
				alreadys++
				return
			}
			other = append(other, err)
		}()
	}
	wg.Wait()

	if wins != 1 || alreadys != n-1 || len(other) != 0 {
		t.Fatalf("wins=%d already_used=%d other=%v", wins, alreadys, other)
	}
}

func TestEleventhCompleteIsRateLimited(t *testing.T) {
	h := newHarness(t)
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)
	ctx := context.Background()

	c, _ := codec.New(bytes.Repeat([]byte{9}, 32), codec.WithParams(fastArgon))
	for i := 0; i < 10; i++ {
		wrong, _ := c.Issue()
		_, err := h.svc.Complete(ctx, completeReq(wrong.Display(), "ana@example.org", "198.51.100.7"))
		r := wantRejection(t, err, ClassMismatch)
		if r.Reason != ReasonNotFound {
			t.Fatalf("unexpected reason %s", r.Reason)
		}
	}

	_, err := h.svc.Complete(ctx, completeReq(iss.Secret, "ana@example.org", "198.51.100.7"))
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if rl.RetryAfter <= 0 || rl.Scope != ScopeCompleteOrigin {
		t.Fatalf("unexpected rate limit %+v", rl)
	}
	if c := h.credential(t, iss.Credential.ID); c.Used || c.Attempts != 0 {
		t.Fatalf("rate limited call reached the credential: %+v", c)
	}

	// other origins are unaffected
	if _, err := h.svc.Complete(ctx, completeReq(iss.Secret, "ana@example.org", "198.51.100.8")); err != nil {
		t.Fatalf("Complete from another origin: %v", err)
	}
}

func TestPreviewRejectsGenerically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	caller := Caller{Origin: "203.0.113.9"}

	used := h.issue(t, h.entry(t, "used@example.org").ID)
	if _, err := h.svc.Complete(ctx, completeReq(used.Secret, "used@example.org", "10.1.1.1")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	expired := h.issue(t, h.entry(t, "late@example.org").ID)

	if _, err := h.svc.Preview(ctx, "not a secret", caller); err == nil {
		t.Fatal("expected validation error")
	} else {
		var v *ValidationError
		if !errors.As(err, &v) || v.Fields["secret"] != "malformed" {
			t.Fatalf("unexpected error %v", err)
		}
	}

	_, err := h.svc.Preview(ctx, "ABCD-EFGH-JKMN", caller)
	wantRejection(t, err, ClassNotValid)

	_, err = h.svc.Preview(ctx, used.Secret, caller)
	wantRejection(t, err, ClassNotValid)

	h.clock.Advance(100 * time.Hour)
	_, err = h.svc.Preview(ctx, expired.Secret, caller)
	wantRejection(t, err, ClassNotValid)
	if c := h.credential(t, expired.Credential.ID); c.Attempts != 0 {
		t.Fatalf("preview of an expired credential must not count: %d", c.Attempts)
	}
}

func TestRepeatedPreviewOnlyCountsAttempts(t *testing.T) {
	h := newHarness(t, WithLockoutThreshold(10))
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)
	orig := h.credential(t, iss.Credential.ID)

	for i := 1; i <= 3; i++ {
		if _, err := h.svc.Preview(context.Background(), iss.Secret, Caller{Origin: "203.0.113.9"}); err != nil {
			t.Fatalf("Preview %d: %v", i, err)
		}
		c := h.credential(t, iss.Credential.ID)
		if c.Attempts != i {
			t.Fatalf("attempts = %d, want %d", c.Attempts, i)
		}
		if c.Used || !c.ExpiresAt.Equal(orig.ExpiresAt) || c.LastAttemptOrigin != "203.0.113.9" {
			t.Fatalf("preview changed credential state: %+v", c)
		}
	}
}

func TestCompleteValidation(t *testing.T) {
	h := newHarness(t)
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)

	req := completeReq(iss.Secret, "", "203.0.113.9")
	req.NewSecret = "weak"
	req.NewSecretConfirmation = "different"
	_, err := h.svc.Complete(context.Background(), req)
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatal("validation error should wrap ErrInvalidInput")
	}
	for _, field := range []string{"identifier", "new_secret", "new_secret_confirmation"} {
		if v.Fields[field] == "" {
			t.Fatalf("missing field %s in %v", field, v.Fields)
		}
	}

	req = completeReq("XXXX", "ana@example.org", "203.0.113.9")
	_, err = h.svc.Complete(context.Background(), req)
	if !errors.As(err, &v) || v.Fields["secret"] != "malformed" {
		t.Fatalf("expected malformed secret, got %v", err)
	}

	if c := h.credential(t, iss.Credential.ID); c.Attempts != 0 {
		t.Fatalf("validation failures must not count attempts: %d", c.Attempts)
	}
	if got := h.kinds(t, iss.Credential.ID); len(got) != 1 {
		t.Fatalf("validation failures must not be audited: %v", got)
	}
}

func TestIssueRevokesPreviousCredential(t *testing.T) {
	h := newHarness(t)
	e := h.entry(t, "ana@example.org")
	first := h.issue(t, e.ID)
	second := h.issue(t, e.ID)

	if len(second.Revoked) != 1 || second.Revoked[0] != first.Credential.ID {
		t.Fatalf("expected first credential revoked, got %v", second.Revoked)
	}
	_, err := h.svc.Complete(context.Background(), completeReq(first.Secret, "ana@example.org", "203.0.113.9"))
	r := wantRejection(t, err, ClassLocked)
	if r.Reason != ReasonRevoked {
		t.Fatalf("unexpected reason %s", r.Reason)
	}

	active, err := h.svc.ListCredentials(context.Background(), CredentialFilter{EntryID: e.ID, Status: StateActive})
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if active.Total != 1 || active.Items[0].ID != second.Credential.ID {
		t.Fatalf("unexpected active credentials %+v", active)
	}
	revoked, _ := h.svc.ListCredentials(context.Background(), CredentialFilter{Status: StateRevoked})
	if revoked.Total != 1 || revoked.Items[0].RevokeReason != "reissued" {
		t.Fatalf("unexpected revoked credentials %+v", revoked)
	}
	if _, err := h.svc.ListCredentials(context.Background(), CredentialFilter{Status: "bogus"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestListCredentialsPagesAndSorts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var issued []string
	for i, ttl := range []int{72, 24, 48} {
		e := h.entry(t, fmt.Sprintf("user%d@example.org", i))
		iss, err := h.svc.Issue(ctx, IssueRequest{EntryID: e.ID, TTL: time.Duration(ttl) * time.Hour, Actor: "admin-1"})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		issued = append(issued, iss.Credential.ID)
		h.clock.Advance(time.Minute)
	}

	ids := func(p CredentialPage) []string {
		var out []string
		for _, c := range p.Items {
			out = append(out, c.ID)
		}
		return out
	}
	cases := []struct {
		name string
		f    CredentialFilter
		want []string
	}{
		{"newest first", CredentialFilter{}, []string{issued[2], issued[1], issued[0]}},
		{"oldest first", CredentialFilter{Ascending: true}, []string{issued[0], issued[1], issued[2]}},
		{"expiring first", CredentialFilter{SortBy: SortExpiresAt, Ascending: true}, []string{issued[1], issued[2], issued[0]}},
		{"second page", CredentialFilter{Limit: 2, Offset: 2}, []string{issued[0]}},
		{"past the end", CredentialFilter{Limit: 2, Offset: 4}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := h.svc.ListCredentials(ctx, tc.f)
			if err != nil {
				t.Fatalf("ListCredentials: %v", err)
			}
			if page.Total != 3 {
				t.Fatalf("total = %d", page.Total)
			}
			if got := ids(page); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("order = %v, want %v", got, tc.want)
			}
		})
	}

	var verr *ValidationError
	_, err := h.svc.ListCredentials(ctx, CredentialFilter{SortBy: "attempts", Offset: -1})
	if !errors.As(err, &verr) || verr.Fields["sort_by"] == "" || verr.Fields["offset"] == "" {
		t.Fatalf("expected sort_by and offset errors, got %v", err)
	}
}

func TestPreviewNamesSupervisor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	boss := h.entry(t, "boss@example.org")
	bossIss := h.issue(t, boss.ID)
	res, err := h.svc.Complete(ctx, completeReq(bossIss.Secret, "boss@example.org", "203.0.113.9"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	e, err := h.svc.CreateEntry(ctx, NewEntry{
		Identifier: "field@example.org", IdentifierKind: KindEmail, Role: auth.RoleBrigadista,
		SupervisorID: res.Account.ID, DisplayName: "Field Worker", Actor: "admin-1",
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	p, err := h.svc.Preview(ctx, h.issue(t, e.ID).Secret, Caller{Origin: "203.0.113.9"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.SupervisorName != boss.DisplayName {
		t.Fatalf("supervisor name = %q, want %q", p.SupervisorName, boss.DisplayName)
	}

	orphan, err := h.svc.CreateEntry(ctx, NewEntry{
		Identifier: "orphan@example.org", IdentifierKind: KindEmail, Role: auth.RoleBrigadista,
		SupervisorID: "missing-account", DisplayName: "Orphan", Actor: "admin-1",
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	p, err = h.svc.Preview(ctx, h.issue(t, orphan.ID).Secret, Caller{Origin: "203.0.113.9"})
	if err != nil || p.SupervisorName != "" {
		t.Fatalf("unknown supervisor: name=%q err=%v", p.SupervisorName, err)
	}
}

func TestIssueChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.entry(t, "ana@example.org")

	for _, ttl := range []time.Duration{30 * time.Minute, 721 * time.Hour} {
		_, err := h.svc.Issue(ctx, IssueRequest{EntryID: e.ID, TTL: ttl})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ttl %v: expected ErrInvalidInput, got %v", ttl, err)
		}
	}
	if _, err := h.svc.Issue(ctx, IssueRequest{EntryID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	iss := h.issue(t, e.ID)
	if _, err := h.svc.Complete(ctx, completeReq(iss.Secret, "ana@example.org", "203.0.113.9")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := h.svc.Issue(ctx, IssueRequest{EntryID: e.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for activated entry, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)

	c, err := h.svc.Revoke(ctx, RevokeRequest{CredentialID: iss.Credential.ID, Actor: "admin-1", Reason: "sent to wrong address"})
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if h.svc.StateOf(c) != StateRevoked || c.RevokedBy != "admin-1" {
		t.Fatalf("unexpected credential %+v", c)
	}
	if _, err := h.svc.Revoke(ctx, RevokeRequest{CredentialID: iss.Credential.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second revoke, got %v", err)
	}
	if _, err := h.svc.Revoke(ctx, RevokeRequest{CredentialID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	used := h.issue(t, h.entry(t, "bob@example.org").ID)
	if _, err := h.svc.Complete(ctx, completeReq(used.Secret, "bob@example.org", "203.0.113.9")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := h.svc.Revoke(ctx, RevokeRequest{CredentialID: used.Credential.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for used credential, got %v", err)
	}
}

func TestSweepArchivesUsedCredentials(t *testing.T) {
	h := newHarness(t, WithRetention(24*time.Hour))
	ctx := context.Background()
	used := h.issue(t, h.entry(t, "ana@example.org").ID)
	if _, err := h.svc.Complete(ctx, completeReq(used.Secret, "ana@example.org", "203.0.113.9")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	h.issue(t, h.entry(t, "bob@example.org").ID)

	res, err := h.svc.Sweep(ctx)
	if err != nil || res.Archived != 0 {
		t.Fatalf("early sweep: %+v %v", res, err)
	}

	h.clock.Advance(100 * time.Hour)
	res, err = h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Archived != 1 || res.ExpiredUnused != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if st := h.svc.StateOf(h.credential(t, used.Credential.ID)); st != StateArchived {
		t.Fatalf("state = %s, want archived", st)
	}
	kinds := h.kinds(t, used.Credential.ID)
	if kinds[len(kinds)-1] != audit.KindCredentialArchived {
		t.Fatalf("missing archive event: %v", kinds)
	}

	res, _ = h.svc.Sweep(ctx)
	if res.Archived != 0 {
		t.Fatal("archival must happen once")
	}
}

type downStore struct{}

func (downStore) Hit(context.Context, string, time.Time, time.Duration, int) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("dial tcp: connection refused")
}

func (downStore) Peek(context.Context, string, time.Time, time.Duration, int) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("dial tcp: connection refused")
}

func TestRateLimiterOutageFailsClosed(t *testing.T) {
	h := newHarness(t)
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)
	h.svc.limiter = ratelimit.New(downStore{})

	_, err := h.svc.Complete(context.Background(), completeReq(iss.Secret, "ana@example.org", "203.0.113.9"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, ok := AsRejection(err); ok {
		t.Fatal("infrastructure failures must not look like state errors")
	}
	if c := h.credential(t, iss.Credential.ID); c.Used {
		t.Fatal("credential consumed while limiter was down")
	}
}

func TestLatencyFloor(t *testing.T) {
	h := newHarness(t, WithLatencyFloors(40*time.Millisecond, 40*time.Millisecond))
	start := time.Now()
	_, err := h.svc.Preview(context.Background(), "ABCD-EFGH-JKMN", Caller{Origin: "203.0.113.9"})
	wantRejection(t, err, ClassNotValid)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("preview returned after %v", elapsed)
	}
}

func TestCreateEntryValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateEntry(ctx, NewEntry{Identifier: "x", IdentifierKind: "fax", Role: "brigadista"})
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"identifier_kind", "supervisor_id", "display_name"} {
		if v.Fields[field] == "" {
			t.Fatalf("missing field %s in %v", field, v.Fields)
		}
	}

	e, err := h.svc.CreateEntry(ctx, NewEntry{
		Identifier:     "+52 (55) 1234-5678",
		IdentifierKind: KindPhone,
		Role:           "Brigadista",
		SupervisorID:   "sup-1",
		DisplayName:    "Luis",
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if e.Identifier != "+525512345678" || e.Role != "brigadista" {
		t.Fatalf("unexpected entry %+v", e)
	}
	_, err = h.svc.CreateEntry(ctx, NewEntry{Identifier: "+52 55 1234 5678", IdentifierKind: KindPhone, Role: "brigadista", SupervisorID: "sup-1", DisplayName: "Dup"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDefaultTTLOption(t *testing.T) {
	h := newHarness(t, WithDefaultTTL(24*time.Hour))
	iss := h.issue(t, h.entry(t, "ana@example.org").ID)
	if want := h.clock.Now().Add(24 * time.Hour); !iss.Credential.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", iss.Credential.ExpiresAt, want)
	}
}

func TestLockoutThresholdOption(t *testing.T) {
	if got := newHarness(t, WithLockoutThreshold(3)).svc.Threshold(); got != 3 {
		t.Fatalf("threshold = %d, want 3", got)
	}
	if got := newHarness(t, WithLockoutThreshold(0)).svc.Threshold(); got != DefaultLockoutThreshold {
		t.Fatalf("non-positive threshold changed the default: %d", got)
	}
}
