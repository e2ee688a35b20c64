package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"passage.org/internal/activation"
)

const credentialColumns = `id, whitelist_id, lookup_key, digest, expires_at, used, consumed_by, used_at,
	attempts, last_attempt_at, last_attempt_origin, revoked, revoked_at, revoked_by, revoke_reason,
	archived_at, issued_by, issued_at`

const reissuedReason = "reissued"

func scanCredential(row scanner) (activation.Credential, error) {
	var (
		c                                     activation.Credential
		consumedBy, lastOrigin, revokedBy     sql.NullString
		revokeReason                          sql.NullString
		usedAt, lastAttempt, revokedAt, archd sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.EntryID, &c.LookupKey, &c.Digest, &c.ExpiresAt, &c.Used, &consumedBy, &usedAt,
		&c.Attempts, &lastAttempt, &lastOrigin, &c.Revoked, &revokedAt, &revokedBy, &revokeReason,
		&archd, &c.IssuedBy, &c.IssuedAt); err != nil {
		return activation.Credential{}, err
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.IssuedAt = c.IssuedAt.UTC()
	c.ConsumedBy = consumedBy.String
	c.UsedAt = timePtr(usedAt)
	c.LastAttemptAt = timePtr(lastAttempt)
	c.LastAttemptOrigin = lastOrigin.String
	c.RevokedAt = timePtr(revokedAt)
	c.RevokedBy = revokedBy.String
	c.RevokeReason = revokeReason.String
	c.ArchivedAt = timePtr(archd)
	return c, nil
}

func (s *Store) IssueCredential(ctx context.Context, c activation.Credential) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var activated bool
	err = tx.QueryRowContext(ctx, `select activated from whitelist_entries where id=$1 for update`, c.EntryID).Scan(&activated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, activation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if activated {
		return nil, activation.ErrConflict
	}

	rows, err := tx.QueryContext(ctx, `
		update activation_credentials
		set revoked=true, revoked_at=$2, revoked_by=$3, revoke_reason=$4
		where whitelist_id=$1 and not used and not revoked
		returning id
	`, c.EntryID, c.IssuedAt, c.IssuedBy, reissuedReason)
	if err != nil {
		return nil, err
	}
	var revoked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		revoked = append(revoked, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into activation_credentials(id, whitelist_id, lookup_key, digest, expires_at, issued_by, issued_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, c.ID, c.EntryID, c.LookupKey, c.Digest, c.ExpiresAt, c.IssuedBy, c.IssuedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch {
			case pgErr.Code == pgErrUniqueViolation && pgErr.ConstraintName == lookupKeyConstraint:
				return nil, activation.ErrDuplicateKey
			case pgErr.Code == pgErrForeignKeyViolation:
				return nil, activation.ErrNotFound
			}
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return revoked, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (activation.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `select `+credentialColumns+` from activation_credentials where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return activation.Credential{}, activation.ErrNotFound
	}
	return c, err
}

func (s *Store) LookupByHash(ctx context.Context, lookupKey string) (activation.Credential, activation.WhitelistEntry, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `select `+credentialColumns+` from activation_credentials where lookup_key=$1`, lookupKey))
	if errors.Is(err, sql.ErrNoRows) {
		return activation.Credential{}, activation.WhitelistEntry{}, activation.ErrNotFound
	}
	if err != nil {
		return activation.Credential{}, activation.WhitelistEntry{}, err
	}
	e, err := s.GetEntry(ctx, c.EntryID)
	if err != nil {
		return activation.Credential{}, activation.WhitelistEntry{}, err
	}
	return c, e, nil
}

// statusCondition mirrors Credential.State in SQL.
func statusCondition(st activation.State, p *placeholders, now time.Time, threshold int) (string, error) {
	switch st {
	case activation.StateArchived:
		return `used and archived_at is not null`, nil
	case activation.StateUsed:
		return `used and archived_at is null`, nil
	case activation.StateRevoked:
		return `not used and revoked`, nil
	case activation.StateExpired:
		return fmt.Sprintf(`not used and not revoked and expires_at <= %s`, p.add(now)), nil
	case activation.StateLocked:
		return fmt.Sprintf(`not used and not revoked and expires_at > %s and attempts >= %s`, p.add(now), p.add(threshold)), nil
	case activation.StateActive:
		return fmt.Sprintf(`not used and not revoked and expires_at > %s and attempts < %s`, p.add(now), p.add(threshold)), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", activation.ErrInvalidInput, st)
}

// sortColumns whitelists the order by columns a listing may use.
var sortColumns = map[activation.SortField]string{
	"":                       "issued_at",
	activation.SortIssuedAt:  "issued_at",
	activation.SortExpiresAt: "expires_at",
}

func (s *Store) ListCredentials(ctx context.Context, f activation.CredentialFilter) ([]activation.Credential, int, error) {
	column, ok := sortColumns[f.SortBy]
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown sort %q", activation.ErrInvalidInput, f.SortBy)
	}
	dir := "desc"
	if f.Ascending {
		dir = "asc"
	}
	var (
		p     placeholders
		conds []string
	)
	if f.EntryID != "" {
		conds = append(conds, "whitelist_id = "+p.add(f.EntryID))
	}
	if f.Status != "" {
		cond, err := statusCondition(f.Status, &p, f.Now, f.Threshold)
		if err != nil {
			return nil, 0, err
		}
		conds = append(conds, cond)
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from activation_credentials`+where, p.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 || f.Offset >= total {
		return nil, total, nil
	}

	query := `select ` + credentialColumns + ` from activation_credentials` + where +
		fmt.Sprintf(" order by %s %s, id %s limit %s offset %s", column, dir, dir, p.add(f.PageLimit()), p.add(max(f.Offset, 0)))
	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []activation.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func recordAttempt(ctx context.Context, q rowQueryer, id, origin string, at time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		update activation_credentials
		set attempts = attempts + 1, last_attempt_at=$2, last_attempt_origin=$3
		where id=$1
		returning attempts
	`, id, at, nullIfEmpty(origin)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, activation.ErrNotFound
	}
	return n, err
}

func (s *Store) RecordAttempt(ctx context.Context, id, origin string, at time.Time) (int, error) {
	return recordAttempt(ctx, s.db, id, origin, at)
}

// WithLock locks the entry row and then the credential row, the same order
// IssueCredential takes them in.
func (s *Store) WithLock(ctx context.Context, id string, fn func(activation.Locked) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var entryID string
	err = tx.QueryRowContext(ctx, `select whitelist_id from activation_credentials where id=$1`, id).Scan(&entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return activation.ErrNotFound
	}
	if err != nil {
		return err
	}
	entry, err := scanEntry(tx.QueryRowContext(ctx, `select `+entryColumns+` from whitelist_entries where id=$1 for update`, entryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return activation.ErrNotFound
		}
		return err
	}
	cred, err := scanCredential(tx.QueryRowContext(ctx, `select `+credentialColumns+` from activation_credentials where id=$1 for update`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return activation.ErrNotFound
		}
		return err
	}

	fnErr := fn(&pgLocked{tx: tx, cred: cred, entry: entry})
	if fnErr != nil {
		if _, ok := activation.AsRejection(fnErr); !ok {
			return fnErr
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential %s: %w", id, err)
	}
	return fnErr
}

type pgLocked struct {
	tx    *sql.Tx
	cred  activation.Credential
	entry activation.WhitelistEntry
}

func (l *pgLocked) Credential() activation.Credential { return l.cred }
func (l *pgLocked) Entry() activation.WhitelistEntry  { return l.entry }

func (l *pgLocked) RecordAttempt(ctx context.Context, origin string, at time.Time) (int, error) {
	n, err := recordAttempt(ctx, l.tx, l.cred.ID, origin, at)
	if err != nil {
		return 0, err
	}
	l.cred.Attempts = n
	l.cred.LastAttemptAt = &at
	l.cred.LastAttemptOrigin = origin
	return n, nil
}

// Consume runs inside a savepoint so a rejected consumption leaves the
// transaction usable for recording the attempt.
func (l *pgLocked) Consume(ctx context.Context, acct activation.NewAccount) (activation.Account, error) {
	if rej := activation.CheckConsumable(l.cred, l.entry, acct.At, acct.Threshold); rej != nil {
		return activation.Account{}, rej
	}
	if _, err := l.tx.ExecContext(ctx, `savepoint consume`); err != nil {
		return activation.Account{}, err
	}
	account, err := l.consume(ctx, acct)
	if err != nil {
		if _, ok := activation.AsRejection(err); ok {
			if _, rbErr := l.tx.ExecContext(ctx, `rollback to savepoint consume`); rbErr != nil {
				return activation.Account{}, rbErr
			}
		}
		return activation.Account{}, err
	}
	if _, err := l.tx.ExecContext(ctx, `release savepoint consume`); err != nil {
		return activation.Account{}, err
	}
	return account, nil
}

func (l *pgLocked) consume(ctx context.Context, acct activation.NewAccount) (activation.Account, error) {
	e := l.entry
	at := acct.At
	account := activation.Account{
		ID:             acct.ID,
		EntryID:        e.ID,
		Identifier:     e.Identifier,
		IdentifierKind: e.IdentifierKind,
		Role:           e.Role,
		SupervisorID:   e.SupervisorID,
		DisplayName:    e.DisplayName,
		PasswordHash:   acct.PasswordHash,
		CreatedAt:      at,
	}
	if _, err := l.tx.ExecContext(ctx, `
		insert into accounts(id, whitelist_id, identifier, identifier_kind, role, supervisor_id, display_name, password_hash, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, account.ID, e.ID, e.Identifier, string(e.IdentifierKind), e.Role, nullIfEmpty(e.SupervisorID),
		e.DisplayName, account.PasswordHash, at); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return activation.Account{}, &activation.Rejection{Class: activation.ClassAlreadyUsed, Reason: activation.ReasonIdentifierTaken}
		}
		return activation.Account{}, err
	}

	res, err := l.tx.ExecContext(ctx, `
		update activation_credentials
		set used=true, consumed_by=$2, used_at=$3
		where id=$1 and not used and not revoked
	`, l.cred.ID, account.ID, at)
	if err != nil {
		return activation.Account{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return activation.Account{}, err
	} else if n != 1 {
		return activation.Account{}, &activation.Rejection{Class: activation.ClassAlreadyUsed, Reason: activation.ReasonUsed}
	}

	res, err = l.tx.ExecContext(ctx, `
		update whitelist_entries
		set activated=true, account_id=$2, activated_at=$3
		where id=$1 and not activated
	`, e.ID, account.ID, at)
	if err != nil {
		return activation.Account{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return activation.Account{}, err
	} else if n != 1 {
		return activation.Account{}, &activation.Rejection{Class: activation.ClassAlreadyUsed, Reason: activation.ReasonEntryActivated}
	}

	l.cred.Used = true
	l.cred.ConsumedBy = account.ID
	l.cred.UsedAt = &at
	l.entry.Activated = true
	l.entry.AccountID = account.ID
	l.entry.ActivatedAt = &at
	return account, nil
}

func (s *Store) Revoke(ctx context.Context, id, actor, reason string, at time.Time) (activation.Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return activation.Credential{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanCredential(tx.QueryRowContext(ctx, `select `+credentialColumns+` from activation_credentials where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return activation.Credential{}, activation.ErrNotFound
	}
	if err != nil {
		return activation.Credential{}, err
	}
	if c.Used || c.Revoked {
		return c, activation.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		update activation_credentials
		set revoked=true, revoked_at=$2, revoked_by=$3, revoke_reason=$4
		where id=$1
	`, id, at, nullIfEmpty(actor), nullIfEmpty(reason)); err != nil {
		return activation.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return activation.Credential{}, err
	}
	c.Revoked = true
	c.RevokedAt = &at
	c.RevokedBy = actor
	c.RevokeReason = reason
	return c, nil
}

func (s *Store) ArchiveUsedBefore(ctx context.Context, cutoff, at time.Time) ([]activation.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		update activation_credentials
		set archived_at=$2
		where used and archived_at is null and used_at < $1
		returning `+credentialColumns, cutoff, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []activation.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountExpiredUnused(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from activation_credentials
		where not used and not revoked and expires_at <= $1
	`, now).Scan(&n)
	return n, err
}
