package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"passage.org/internal/audit"
)

const auditColumns = `id, kind, credential_id, whitelist_id, account_id, origin, user_agent, device_id,
	outcome, failure_reason, context, request_id, created_at`

// Append inserts an event. A retried insert of an id that already landed is
// treated as success.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	meta := []byte("{}")
	if len(e.Context) > 0 {
		raw, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("encode audit context: %w", err)
		}
		meta = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events(`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, string(e.Kind), nullIfEmpty(e.CredentialID), nullIfEmpty(e.WhitelistID), nullIfEmpty(e.AccountID),
		e.Origin, nullIfEmpty(e.Client.UserAgent), nullIfEmpty(e.Client.DeviceID),
		string(e.Outcome), nullIfEmpty(e.FailureReason), meta, nullIfEmpty(e.RequestID), e.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	f = f.Normalize()
	var (
		p     placeholders
		conds []string
	)
	if f.CredentialID != "" {
		conds = append(conds, "credential_id = "+p.add(f.CredentialID))
	}
	if f.Origin != "" {
		conds = append(conds, "origin = "+p.add(f.Origin))
	}
	if f.Kind != "" {
		conds = append(conds, "kind = "+p.add(string(f.Kind)))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= "+p.add(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < "+p.add(f.Until))
	}
	query := `select ` + auditColumns + ` from audit_events`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by created_at desc, id desc limit " + p.add(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (audit.Event, error) {
	var (
		e                                  audit.Event
		kind, outcome                      string
		credID, entryID, accountID         sql.NullString
		userAgent, deviceID, reason, reqID sql.NullString
		rawContext                         []byte
	)
	if err := row.Scan(&e.ID, &kind, &credID, &entryID, &accountID, &e.Origin, &userAgent, &deviceID,
		&outcome, &reason, &rawContext, &reqID, &e.CreatedAt); err != nil {
		return audit.Event{}, err
	}
	e.Kind = audit.Kind(kind)
	e.Outcome = audit.Outcome(outcome)
	e.CredentialID = credID.String
	e.WhitelistID = entryID.String
	e.AccountID = accountID.String
	e.Client = audit.ClientMeta{UserAgent: userAgent.String, DeviceID: deviceID.String}
	e.FailureReason = reason.String
	e.RequestID = reqID.String
	e.CreatedAt = e.CreatedAt.UTC()
	if len(rawContext) > 0 && string(rawContext) != "{}" {
		if err := json.Unmarshal(rawContext, &e.Context); err != nil {
			return audit.Event{}, fmt.Errorf("decode audit context: %w", err)
		}
	}
	return e, nil
}
