package activation

import (
	"strings"
	"time"
)

// IdentifierKind says how an entry's identifier is normalized and compared.
type IdentifierKind string

const (
	KindEmail      IdentifierKind = "email"
	KindPhone      IdentifierKind = "phone"
	KindNationalID IdentifierKind = "national_id"
)

// Valid reports whether k is a supported kind.
func (k IdentifierKind) Valid() bool {
	switch k {
	case KindEmail, KindPhone, KindNationalID:
		return true
	}
	return false
}

// NormalizeIdentifier trims and case-folds raw. Phone numbers and national ids
// also lose their formatting separators.
func NormalizeIdentifier(kind IdentifierKind, raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch kind {
	case KindPhone, KindNationalID:
		s = strings.Map(func(r rune) rune {
			switch r {
			case ' ', '-', '.', '(', ')', '\t':
				return -1
			}
			return r
		}, s)
	default:
		s = strings.Join(strings.Fields(s), " ")
	}
	return s
}

// WhitelistEntry is a pre-authorized identity awaiting activation.
type WhitelistEntry struct {
	ID             string         `json:"id"`
	Identifier     string         `json:"identifier"`
	IdentifierKind IdentifierKind `json:"identifier_kind"`
	Role           string         `json:"role"`
	SupervisorID   string         `json:"supervisor_id,omitempty"`
	DisplayName    string         `json:"display_name"`
	Activated      bool           `json:"activated"`
	AccountID      string         `json:"account_id,omitempty"`
	ActivatedAt    *time.Time     `json:"activated_at,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Credential is a single-use activation credential. Only the digest and the
// lookup key of the secret are ever stored.
type Credential struct {
	ID                string     `json:"id"`
	EntryID           string     `json:"whitelist_id"`
	LookupKey         string     `json:"-"`
	Digest            string     `json:"-"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Used              bool       `json:"used"`
	ConsumedBy        string     `json:"consumed_by,omitempty"`
	UsedAt            *time.Time `json:"used_at,omitempty"`
	Attempts          int        `json:"attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	LastAttemptOrigin string     `json:"last_attempt_origin,omitempty"`
	Revoked           bool       `json:"revoked"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedBy         string     `json:"revoked_by,omitempty"`
	RevokeReason      string     `json:"revoke_reason,omitempty"`
	ArchivedAt        *time.Time `json:"archived_at,omitempty"`
	IssuedBy          string     `json:"issued_by"`
	IssuedAt          time.Time  `json:"issued_at"`
}

// Account is the public profile of an account created by consumption.
type Account struct {
	ID             string         `json:"id"`
	EntryID        string         `json:"whitelist_id"`
	Identifier     string         `json:"identifier"`
	IdentifierKind IdentifierKind `json:"identifier_kind"`
	Role           string         `json:"role"`
	SupervisorID   string         `json:"supervisor_id,omitempty"`
	DisplayName    string         `json:"display_name"`
	PasswordHash   string         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewAccount carries what consumption needs beyond the locked entry.
type NewAccount struct {
	ID           string
	PasswordHash string
	At           time.Time
	// Threshold is the lockout threshold consumption re-validates against.
	Threshold int
}

// Caller describes where a public request came from.
type Caller struct {
	Origin    string
	UserAgent string
	DeviceID  string
}

// Requirements tell the client what completion will ask for.
type Requirements struct {
	IdentifierRequired bool           `json:"identifier_required"`
	IdentifierKind     IdentifierKind `json:"identifier_kind"`
	PasswordMinLength  int            `json:"password_min_length"`
}

// Preview holds the non-identifying fields shown before completion. It never
// carries the identifier value.
type Preview struct {
	DisplayName    string         `json:"display_name"`
	SupervisorName string         `json:"supervisor_name,omitempty"`
	Role           string         `json:"role"`
	IdentifierKind IdentifierKind `json:"identifier_kind"`
	ExpiresAt      time.Time      `json:"expires_at"`
	RemainingHours float64        `json:"remaining_hours"`
	Requirements   Requirements   `json:"requirements"`
}

// CompleteRequest is the caller input to Complete.
type CompleteRequest struct {
	Secret                string
	Identifier            string
	NewSecret             string
	NewSecretConfirmation string
	Caller                Caller
}

// SortField names the timestamp a credential listing is ordered by.
type SortField string

const (
	SortIssuedAt  SortField = "issued_at"
	SortExpiresAt SortField = "expires_at"
)

// ParseSortField accepts "generated_at" as another name for issued_at. The
// empty string means issued_at.
func ParseSortField(raw string) (SortField, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(SortIssuedAt), "generated_at":
		return SortIssuedAt, true
	case string(SortExpiresAt):
		return SortExpiresAt, true
	}
	return "", false
}

// CredentialFilter narrows ListCredentials. Now and Threshold are filled by
// the service so stores can evaluate derived states. The zero value lists
// newest first.
type CredentialFilter struct {
	EntryID   string
	Status    State
	Limit     int
	Offset    int
	SortBy    SortField
	Ascending bool
	Now       time.Time
	Threshold int
}

// PageLimit clamps Limit to 1..1000, defaulting to 100.
func (f CredentialFilter) PageLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// CredentialPage is one page of a listing and the number of matches overall.
type CredentialPage struct {
	Items []CredentialStatus `json:"items"`
	Total int                `json:"total_items"`
}

// CredentialStatus pairs a credential with its state at listing time.
type CredentialStatus struct {
	Credential
	State State `json:"state"`
}
