package store

import (
	"context"
	"fmt"
)

// Check attribute names owned by the credential store.
const (
	attrCleartextPassword = "Cleartext-Password"
	attrExpiration        = "Expiration"
	attrAuthType          = "Auth-Type"
	rejectValue           = "Reject"
)

// RadCheckRepo manages a subscriber's check attributes: credential,
// expiration, and the Auth-Type reject row used for blocking.
type RadCheckRepo struct{ q Querier }

// NewRadCheckRepo constructs a check-attribute repository.
func NewRadCheckRepo(q Querier) *RadCheckRepo { return &RadCheckRepo{q: q} }

// UpsertCredential ensures exactly one Cleartext-Password and one
// Expiration row exist for the user, updating in place when present.
// Uniqueness is maintained here, not by a table constraint.
func (r *RadCheckRepo) UpsertCredential(ctx context.Context, username, password, expiration string) error {
	const sel = `
SELECT attribute FROM radcheck WHERE username=$1 AND attribute = ANY($2)`

	rows, err := r.q.Query(ctx, sel, username, []string{attrCleartextPassword, attrExpiration})
	if err != nil {
		return fmt.Errorf("select check attributes: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var attr string
		if err := rows.Scan(&attr); err != nil {
			rows.Close()
			return err
		}
		existing[attr] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if err := r.upsertCheck(ctx, username, attrCleartextPassword, password, existing[attrCleartextPassword]); err != nil {
		return err
	}
	return r.upsertCheck(ctx, username, attrExpiration, expiration, existing[attrExpiration])
}

func (r *RadCheckRepo) upsertCheck(ctx context.Context, username, attribute, value string, exists bool) error {
	if exists {
		const upd = `
UPDATE radcheck SET op=':=', value=$3 WHERE username=$1 AND attribute=$2`
		if _, err := r.q.Exec(ctx, upd, username, attribute, value); err != nil {
			return fmt.Errorf("update %s: %w", attribute, err)
		}
		return nil
	}

	const ins = `
INSERT INTO radcheck (username, attribute, op, value) VALUES ($1, $2, ':=', $3)`
	if _, err := r.q.Exec(ctx, ins, username, attribute, value); err != nil {
		return fmt.Errorf("insert %s: %w", attribute, err)
	}
	return nil
}

// Block idempotently ensures a single Auth-Type := Reject row exists.
func (r *RadCheckRepo) Block(ctx context.Context, username string) error {
	const upd = `
UPDATE radcheck SET op=':=', value=$2 WHERE username=$1 AND attribute='Auth-Type'`
	tag, err := r.q.Exec(ctx, upd, username, rejectValue)
	if err != nil {
		return fmt.Errorf("update auth-type: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	const ins = `
INSERT INTO radcheck (username, attribute, op, value) VALUES ($1, 'Auth-Type', ':=', $2)`
	if _, err := r.q.Exec(ctx, ins, username, rejectValue); err != nil {
		return fmt.Errorf("insert auth-type: %w", err)
	}
	return nil
}

// Unblock removes the reject row and reports whether one was present.
// Unblocking a never-blocked user is a no-op, not an error.
func (r *RadCheckRepo) Unblock(ctx context.Context, username string) (bool, error) {
	const del = `
DELETE FROM radcheck WHERE username=$1 AND attribute='Auth-Type' AND value=$2`
	tag, err := r.q.Exec(ctx, del, username, rejectValue)
	if err != nil {
		return false, fmt.Errorf("delete auth-type: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IsBlocked reports whether the reject row exists for the user.
func (r *RadCheckRepo) IsBlocked(ctx context.Context, username string) (bool, error) {
	const sel = `
SELECT EXISTS (SELECT 1 FROM radcheck WHERE username=$1 AND attribute='Auth-Type' AND value=$2)`
	var blocked bool
	if err := r.q.QueryRow(ctx, sel, username, rejectValue).Scan(&blocked); err != nil {
		return false, err
	}
	return blocked, nil
}
