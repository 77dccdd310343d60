package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// NASRecord is one NAS device row, keyed by its address.
type NASRecord struct {
	Name        string // nasname: IP address or hostname, the join key
	ShortName   string
	Type        string
	Ports       int
	Secret      string
	Server      string
	Community   string
	Description string
}

// Defaults applied on upsert.
const (
	defaultNASType  = "other"
	defaultNASPorts = 3799
)

var nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// ShortName derives a short name from a NAS address: non-alphanumerics
// collapse to underscores, lower-cased, with an auto_ prefix.
func ShortName(nasname string) string {
	s := nonAlnumRe.ReplaceAllString(nasname, "_")
	return "auto_" + strings.ToLower(strings.Trim(s, "_"))
}

// NASRepo manages NAS device rows.
type NASRepo struct{ q Querier }

// NewNASRepo constructs a NAS repository.
func NewNASRepo(q Querier) *NASRepo { return &NASRepo{q: q} }

// Upsert creates or updates the NAS row keyed by address and reports
// whether a new row was created. A missing short name is generated from
// the address; zero ports and empty type take the defaults.
func (r *NASRepo) Upsert(ctx context.Context, rec NASRecord) (bool, error) {
	if rec.Name == "" || rec.Secret == "" {
		return false, fmt.Errorf("nas upsert requires both address and secret")
	}
	if rec.ShortName == "" {
		rec.ShortName = ShortName(rec.Name)
	}
	if rec.Type == "" {
		rec.Type = defaultNASType
	}
	if rec.Ports == 0 {
		rec.Ports = defaultNASPorts
	}

	const upd = `
UPDATE nas SET shortname=$2, type=$3, ports=$4, secret=$5, server=$6, community=$7, description=$8
WHERE nasname=$1`
	tag, err := r.q.Exec(ctx, upd, rec.Name, rec.ShortName, rec.Type, rec.Ports,
		rec.Secret, rec.Server, rec.Community, rec.Description)
	if err != nil {
		return false, fmt.Errorf("update nas: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}

	const ins = `
INSERT INTO nas (nasname, shortname, type, ports, secret, server, community, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.q.Exec(ctx, ins, rec.Name, rec.ShortName, rec.Type, rec.Ports,
		rec.Secret, rec.Server, rec.Community, rec.Description); err != nil {
		return false, fmt.Errorf("insert nas: %w", err)
	}
	return true, nil
}

// Get returns the NAS row for an address, or ErrNASNotFound.
func (r *NASRepo) Get(ctx context.Context, nasname string) (*NASRecord, error) {
	const sel = `
SELECT nasname, shortname, type, ports, secret, COALESCE(server,''), COALESCE(community,''), COALESCE(description,'')
FROM nas WHERE nasname=$1`
	var rec NASRecord
	err := r.q.QueryRow(ctx, sel, nasname).Scan(&rec.Name, &rec.ShortName, &rec.Type,
		&rec.Ports, &rec.Secret, &rec.Server, &rec.Community, &rec.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNASNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Delete removes the NAS row, or returns ErrNASNotFound.
func (r *NASRepo) Delete(ctx context.Context, nasname string) error {
	const del = `DELETE FROM nas WHERE nasname=$1`
	tag, err := r.q.Exec(ctx, del, nasname)
	if err != nil {
		return fmt.Errorf("delete nas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNASNotFound
	}
	return nil
}
