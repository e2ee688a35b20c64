package activation

import (
	"context"
	"time"
)

// Store persists whitelist entries, credentials and the accounts consumption
// creates. Every mutation of a credential is linearizable per credential id.
type Store interface {
	// CreateEntry inserts e. ErrConflict when the identifier is already listed.
	CreateEntry(ctx context.Context, e WhitelistEntry) (WhitelistEntry, error)
	GetEntry(ctx context.Context, id string) (WhitelistEntry, error)

	// IssueCredential revokes every non-terminal credential of c.EntryID and
	// inserts c in one transaction, returning the ids it revoked. ErrNotFound
	// when the entry is missing, ErrConflict when it is already activated,
	// ErrDuplicateKey when c.LookupKey is taken.
	IssueCredential(ctx context.Context, c Credential) (revoked []string, err error)
	GetCredential(ctx context.Context, id string) (Credential, error)
	// LookupByHash finds a credential and its entry by lookup key.
	LookupByHash(ctx context.Context, lookupKey string) (Credential, WhitelistEntry, error)
	// ListCredentials returns one page of the credentials matching f and the
	// total number of matches.
	ListCredentials(ctx context.Context, f CredentialFilter) (page []Credential, total int, err error)

	// RecordAttempt increments the attempt counter and returns the new value.
	RecordAttempt(ctx context.Context, id, origin string, at time.Time) (int, error)

	// WithLock holds an exclusive lock on credential id while fn runs. Writes
	// made through Locked are committed when fn returns nil or a *Rejection
	// and rolled back on any other error.
	WithLock(ctx context.Context, id string, fn func(Locked) error) error

	// Revoke marks a credential revoked. ErrConflict when it is already used or revoked.
	Revoke(ctx context.Context, id, actor, reason string, at time.Time) (Credential, error)
	// ArchiveUsedBefore stamps used credentials consumed before cutoff.
	ArchiveUsedBefore(ctx context.Context, cutoff, at time.Time) ([]Credential, error)
	CountExpiredUnused(ctx context.Context, now time.Time) (int, error)

	// GetAccount returns an account created by consumption.
	GetAccount(ctx context.Context, id string) (Account, error)

	Ping(ctx context.Context) error
}

// Locked is the view of a credential under its exclusive lock.
type Locked interface {
	Credential() Credential
	Entry() WhitelistEntry
	RecordAttempt(ctx context.Context, origin string, at time.Time) (int, error)
	// Consume re-validates every precondition against the locked rows, then
	// creates the account, marks the credential used, links the consumer and
	// flips the entry. A failed precondition returns a *Rejection and writes
	// nothing.
	Consume(ctx context.Context, acct NewAccount) (Account, error)
}

// CheckConsumable is the precondition every Locked implementation re-checks
// before consuming.
func CheckConsumable(c Credential, e WhitelistEntry, at time.Time, threshold int) *Rejection {
	if s := c.State(at, threshold); s != StateActive {
		return rejectionFor(s)
	}
	if e.Activated {
		return reject(ClassAlreadyUsed, ReasonEntryActivated)
	}
	return nil
}
