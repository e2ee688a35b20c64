package activation

import (
	"testing"
	"time"
)

func TestCredentialState(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		c    Credential
		want State
	}{
		{name: "active", c: Credential{ExpiresAt: future, Attempts: 4}, want: StateActive},
		{name: "locked at threshold", c: Credential{ExpiresAt: future, Attempts: 5}, want: StateLocked},
		{name: "expired at boundary", c: Credential{ExpiresAt: now}, want: StateExpired},
		{name: "expired and locked reports expired", c: Credential{ExpiresAt: past, Attempts: 9}, want: StateExpired},
		{name: "used", c: Credential{ExpiresAt: past, Used: true, UsedAt: &past}, want: StateUsed},
		{name: "archived", c: Credential{Used: true, UsedAt: &past, ArchivedAt: &past}, want: StateArchived},
		{name: "revoked", c: Credential{ExpiresAt: future, Revoked: true}, want: StateRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.State(now, 5); got != tt.want {
				t.Fatalf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRejectionFor(t *testing.T) {
	cases := map[State]Class{
		StateUsed:     ClassAlreadyUsed,
		StateArchived: ClassAlreadyUsed,
		StateExpired:  ClassExpired,
		StateLocked:   ClassLocked,
		StateRevoked:  ClassLocked,
	}
	for st, want := range cases {
		if r := rejectionFor(st); r == nil || r.Class != want {
			t.Fatalf("%s: got %+v, want %s", st, r, want)
		}
	}
	if rejectionFor(StateActive) != nil {
		t.Fatal("active credentials are not rejected")
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		kind IdentifierKind
		raw  string
		want string
	}{
		{KindEmail, "  Ana@Example.ORG ", "ana@example.org"},
		{KindPhone, "+52 (55) 1234-5678", "+525512345678"},
		{KindNationalID, "abc-123.45", "abc12345"},
	}
	for _, tt := range tests {
		if got := NormalizeIdentifier(tt.kind, tt.raw); got != tt.want {
			t.Fatalf("NormalizeIdentifier(%s, %q) = %q, want %q", tt.kind, tt.raw, got, tt.want)
		}
	}
	if !identifiersEqual("ana@example.org", "ana@example.org") || identifiersEqual("ana@example.org", "ana@example.or") {
		t.Fatal("identifiersEqual mismatch")
	}
}
