package store

import (
	"context"
	"fmt"
	"time"
)

// ActiveSession is one live accounting session joined with its NAS row:
// everything a control-plane dispatch needs to reach the session.
type ActiveSession struct {
	NASName        string
	Ports          int
	Secret         string
	SessionID      string
	FramedIP       string
	CallingStation string
}

// UsageRow is one over-quota subscriber with their summed active usage.
type UsageRow struct {
	Username   string
	TotalBytes int64
}

// NASSession is one live session row on a specific NAS.
type NASSession struct {
	Username       string
	SessionID      string
	FramedIP       string
	CallingStation string
	StartTime      time.Time
}

// AcctRepo reads accounting state. The radacct table is written by the
// AAA daemon; this engine never writes it.
type AcctRepo struct{ q Querier }

// NewAcctRepo constructs an accounting repository.
func NewAcctRepo(q Querier) *AcctRepo { return &AcctRepo{q: q} }

// ActiveSessions returns the user's live sessions joined with their NAS
// records. An empty result is a valid outcome, not an error.
func (r *AcctRepo) ActiveSessions(ctx context.Context, username string) ([]ActiveSession, error) {
	const sel = `
SELECT nas.nasname, nas.ports, nas.secret, radacct.acctsessionid,
       COALESCE(radacct.framedipaddress, ''), COALESCE(radacct.callingstationid, '')
FROM radacct
JOIN nas ON radacct.nasipaddress = nas.nasname
WHERE radacct.username=$1 AND radacct.acctstoptime IS NULL`
	rows, err := r.q.Query(ctx, sel, username)
	if err != nil {
		return nil, fmt.Errorf("select active sessions: %w", err)
	}
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		var s ActiveSession
		if err := rows.Scan(&s.NASName, &s.Ports, &s.Secret, &s.SessionID, &s.FramedIP, &s.CallingStation); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// OverQuota returns users whose summed active-session octets meet or
// exceed the quota, ordered by username for stable sweep output.
func (r *AcctRepo) OverQuota(ctx context.Context, quotaBytes int64) ([]UsageRow, error) {
	const sel = `
SELECT username, SUM(acctinputoctets + acctoutputoctets) AS total_usage
FROM radacct
WHERE acctstoptime IS NULL
GROUP BY username
HAVING SUM(acctinputoctets + acctoutputoctets) >= $1
ORDER BY username`
	rows, err := r.q.Query(ctx, sel, quotaBytes)
	if err != nil {
		return nil, fmt.Errorf("select over-quota users: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.Username, &u.TotalBytes); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ActiveSessionsOnNAS returns the live session rows on a NAS address,
// most recent start first.
func (r *AcctRepo) ActiveSessionsOnNAS(ctx context.Context, nasname string) ([]NASSession, error) {
	const sel = `
SELECT username, acctsessionid, COALESCE(framedipaddress, ''), COALESCE(callingstationid, ''), acctstarttime
FROM radacct
WHERE nasipaddress=$1 AND acctstoptime IS NULL
ORDER BY acctstarttime DESC`
	rows, err := r.q.Query(ctx, sel, nasname)
	if err != nil {
		return nil, fmt.Errorf("select sessions on nas: %w", err)
	}
	defer rows.Close()

	var out []NASSession
	for rows.Next() {
		var s NASSession
		if err := rows.Scan(&s.Username, &s.SessionID, &s.FramedIP, &s.CallingStation, &s.StartTime); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DistinctUsers extracts the distinct usernames from NAS session rows,
// preserving first-seen order.
func DistinctUsers(sessions []NASSession) []string {
	seen := make(map[string]bool, len(sessions))
	var out []string
	for _, s := range sessions {
		if !seen[s.Username] {
			seen[s.Username] = true
			out = append(out, s.Username)
		}
	}
	return out
}
