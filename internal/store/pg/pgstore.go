package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"passage.org/internal/activation"
	"passage.org/internal/audit"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	lookupKeyConstraint = "activation_credentials_lookup_key"
)

// Store is the Postgres implementation of the credential store and the audit
// store.
type Store struct {
	db *sql.DB
}

var (
	_ activation.Store = (*Store)(nil)
	_ audit.Store      = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const entryColumns = `id, identifier, identifier_kind, role, supervisor_id, display_name,
	activated, account_id, activated_at, created_by, created_at`

func (s *Store) CreateEntry(ctx context.Context, e activation.WhitelistEntry) (activation.WhitelistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into whitelist_entries(id, identifier, identifier_kind, role, supervisor_id, display_name, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning `+entryColumns,
		e.ID, e.Identifier, string(e.IdentifierKind), e.Role, nullIfEmpty(e.SupervisorID),
		e.DisplayName, nullIfEmpty(e.CreatedBy), e.CreatedAt)
	created, err := scanEntry(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return activation.WhitelistEntry{}, activation.ErrConflict
		}
		return activation.WhitelistEntry{}, err
	}
	return created, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (activation.WhitelistEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `select `+entryColumns+` from whitelist_entries where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return activation.WhitelistEntry{}, activation.ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (activation.WhitelistEntry, error) {
	var (
		e                              activation.WhitelistEntry
		kind                           string
		supervisor, account, createdBy sql.NullString
		activatedAt                    sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Identifier, &kind, &e.Role, &supervisor, &e.DisplayName,
		&e.Activated, &account, &activatedAt, &createdBy, &e.CreatedAt); err != nil {
		return activation.WhitelistEntry{}, err
	}
	e.IdentifierKind = activation.IdentifierKind(kind)
	e.SupervisorID = supervisor.String
	e.AccountID = account.String
	e.ActivatedAt = timePtr(activatedAt)
	e.CreatedBy = createdBy.String
	return e, nil
}

const accountColumns = `id, whitelist_id, identifier, identifier_kind, role, supervisor_id, display_name, password_hash, created_at`

func (s *Store) GetAccount(ctx context.Context, id string) (activation.Account, error) {
	var (
		a          activation.Account
		kind       string
		supervisor sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id).
		Scan(&a.ID, &a.EntryID, &a.Identifier, &kind, &a.Role, &supervisor, &a.DisplayName, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return activation.Account{}, activation.ErrNotFound
	}
	if err != nil {
		return activation.Account{}, err
	}
	a.IdentifierKind = activation.IdentifierKind(kind)
	a.SupervisorID = supervisor.String
	return a, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// placeholders builds "$n" references as conditions are appended.
type placeholders struct {
	args []any
}

func (p *placeholders) add(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}
