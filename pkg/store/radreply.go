package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/codelaboratoryltd/radman/pkg/bandwidth"
)

// ManagedAttributes is the fixed set of reply-attribute names owned
// exclusively by the reconciler. Every write path consults this list; a
// row in this set that does not match the currently-desired plan is
// removed, which is what makes a vendor switch leave no leftovers.
var ManagedAttributes = []string{
	bandwidth.AttrMikrotikRateLimit,
	bandwidth.AttrCiscoAVPair,
	bandwidth.AttrJuniperAVPair,
	bandwidth.AttrHuaweiInputPeakRate,
	bandwidth.AttrHuaweiOutputPeakRate,
	bandwidth.AttrHuaweiVolumeLimit,
}

// legacyAttributes are purged unconditionally: earlier policy
// generations wrote them and nothing reconciles them anymore.
var legacyAttributes = []string{
	"Vendor-Type",
	"Mikrotik-Total-Limit",
	"Session-Timeout",
}

// RadReplyRepo reconciles a subscriber's reply attributes against a
// desired attribute map.
type RadReplyRepo struct{ q Querier }

// NewRadReplyRepo constructs a reply-attribute repository.
func NewRadReplyRepo(q Querier) *RadReplyRepo { return &RadReplyRepo{q: q} }

// Reconcile synchronizes the user's managed reply rows to the desired
// map. It deletes managed attributes absent from the desired keys,
// drops stale values of multi-valued attributes, and upserts each
// desired (attribute, value) pair with op ':='. Calling it repeatedly
// with the same input leaves exactly the desired rows. Run it inside a
// transaction; the row lock serializes concurrent reconciliation for
// the same user.
func (r *RadReplyRepo) Reconcile(ctx context.Context, username string, desired map[string][]string) error {
	const purge = `
DELETE FROM radreply WHERE username=$1 AND attribute = ANY($2)`
	if _, err := r.q.Exec(ctx, purge, username, legacyAttributes); err != nil {
		return fmt.Errorf("purge legacy attributes: %w", err)
	}

	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	const dropAttrs = `
DELETE FROM radreply WHERE username=$1 AND attribute = ANY($2) AND NOT (attribute = ANY($3))`
	if _, err := r.q.Exec(ctx, dropAttrs, username, ManagedAttributes, keys); err != nil {
		return fmt.Errorf("drop unmanaged-vendor attributes: %w", err)
	}

	const sel = `
SELECT attribute, value FROM radreply WHERE username=$1 AND attribute = ANY($2) FOR UPDATE`
	rows, err := r.q.Query(ctx, sel, username, ManagedAttributes)
	if err != nil {
		return fmt.Errorf("select managed attributes: %w", err)
	}
	existing := map[string][]string{}
	for rows.Next() {
		var attr, value string
		if err := rows.Scan(&attr, &value); err != nil {
			rows.Close()
			return err
		}
		existing[attr] = append(existing[attr], value)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, attr := range keys {
		values := dedupe(desired[attr])

		if len(existing[attr]) > 0 {
			const dropValues = `
DELETE FROM radreply WHERE username=$1 AND attribute=$2 AND NOT (value = ANY($3))`
			if _, err := r.q.Exec(ctx, dropValues, username, attr, values); err != nil {
				return fmt.Errorf("drop stale values of %s: %w", attr, err)
			}
		}

		for _, value := range values {
			if contains(existing[attr], value) {
				const upd = `
UPDATE radreply SET op=':=' WHERE username=$1 AND attribute=$2 AND value=$3`
				if _, err := r.q.Exec(ctx, upd, username, attr, value); err != nil {
					return fmt.Errorf("update %s: %w", attr, err)
				}
				continue
			}

			const ins = `
INSERT INTO radreply (username, attribute, op, value) VALUES ($1, $2, ':=', $3)`
			if _, err := r.q.Exec(ctx, ins, username, attr, value); err != nil {
				return fmt.Errorf("insert %s: %w", attr, err)
			}
		}
	}

	return nil
}

// Managed returns the user's current managed reply rows in insertion
// order. Used by the FUP sweep for vendor detection and throttle input.
func (r *RadReplyRepo) Managed(ctx context.Context, username string) ([]bandwidth.AttributeValue, error) {
	const sel = `
SELECT attribute, value FROM radreply WHERE username=$1 AND attribute = ANY($2) ORDER BY id`
	rows, err := r.q.Query(ctx, sel, username, ManagedAttributes)
	if err != nil {
		return nil, fmt.Errorf("select managed attributes: %w", err)
	}
	defer rows.Close()

	var out []bandwidth.AttributeValue
	for rows.Next() {
		var av bandwidth.AttributeValue
		if err := rows.Scan(&av.Name, &av.Value); err != nil {
			return nil, err
		}
		out = append(out, av)
	}
	return out, rows.Err()
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
