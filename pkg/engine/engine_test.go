package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/bandwidth"
	"github.com/codelaboratoryltd/radman/pkg/probe"
	"github.com/codelaboratoryltd/radman/pkg/radclient"
	"github.com/codelaboratoryltd/radman/pkg/store"
)

type fakeDispatcher struct {
	requests []radclient.Request
	failNAS  map[string]bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req radclient.Request) (radclient.Result, error) {
	f.requests = append(f.requests, req)
	res := radclient.Result{Target: req.NASAddr, Success: !f.failNAS[req.NASAddr]}
	if !res.Success {
		res.Error = "exit status 1"
	}
	return res, nil
}

type fakeReloader struct {
	reloads int
	quiet   int
	err     error
}

func (f *fakeReloader) Reload(context.Context) error { f.reloads++; return f.err }
func (f *fakeReloader) ReloadQuietly(context.Context) { f.quiet++ }

type fakeProber struct {
	rep probe.Report
	err error
}

func (f *fakeProber) Test(context.Context, probe.Request) (probe.Report, error) {
	return f.rep, f.err
}

func newService(t *testing.T) (*Service, pgxmock.PgxPoolIface, *fakeDispatcher, *fakeReloader) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	fd := &fakeDispatcher{failNAS: map[string]bool{}}
	fr := &fakeReloader{}
	svc := New(mock, fd, fr, &fakeProber{}, nil, Config{}, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }
	return svc, mock, fd, fr
}

func expectActiveSessions(mock pgxmock.PgxPoolIface, username string, sessions ...store.ActiveSession) {
	rows := pgxmock.NewRows([]string{"nasname", "ports", "secret", "acctsessionid", "framedipaddress", "callingstationid"})
	for _, s := range sessions {
		rows.AddRow(s.NASName, s.Ports, s.Secret, s.SessionID, s.FramedIP, s.CallingStation)
	}
	mock.ExpectQuery(`FROM radacct JOIN nas`).WithArgs(username).WillReturnRows(rows)
}

func TestProvisionRejectsUnknownVendor(t *testing.T) {
	svc, _, _, _ := newService(t)

	_, err := svc.AddUser(context.Background(), ProvisionRequest{
		Username: "alice", Password: "pw", Vendor: "arista",
	})
	require.Error(t, err)

	var uv *bandwidth.UnsupportedVendorError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "arista", uv.Tag)
}

func TestProvisionSingleTransaction(t *testing.T) {
	svc, mock, fd, _ := newService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	// Credential upsert: neither check row exists yet.
	mock.ExpectQuery(`SELECT attribute FROM radcheck`).
		WithArgs("alice", []string{"Cleartext-Password", "Expiration"}).
		WillReturnRows(pgxmock.NewRows([]string{"attribute"}))
	mock.ExpectExec(`INSERT INTO radcheck`).
		WithArgs("alice", "Cleartext-Password", "pw").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO radcheck`).
		WithArgs("alice", "Expiration", "Mar 01 2026 00:00:00").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Attribute reconciliation.
	mock.ExpectExec(`DELETE FROM radreply WHERE username=\$1 AND attribute = ANY\(\$2\)$`).
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM radreply WHERE username=\$1 AND attribute = ANY\(\$2\) AND NOT`).
		WithArgs("alice", pgxmock.AnyArg(), []string{bandwidth.AttrMikrotikRateLimit}).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(`SELECT attribute, value FROM radreply .* FOR UPDATE`).
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"attribute", "value"}))
	mock.ExpectExec(`INSERT INTO radreply`).
		WithArgs("alice", bandwidth.AttrMikrotikRateLimit, "20M/5M").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// NAS upsert inside the same transaction.
	mock.ExpectExec(`UPDATE nas SET`).
		WithArgs("10.0.0.1", "auto_10_0_0_1", "mikrotik", 3799, "secret", "", "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	// Post-commit CoA refresh against the live session.
	expectActiveSessions(mock, "alice", store.ActiveSession{
		NASName: "10.0.0.1", Ports: 3799, Secret: "secret", SessionID: "sess-1",
	})

	res, err := svc.AddUser(ctx, ProvisionRequest{
		Username:   "alice",
		Password:   "pw",
		Vendor:     "mikrotik",
		Expiration: "Mar 01 2026 00:00:00",
		Bandwidth:  bandwidth.Intent{MaxDownload: "20M", MaxUpload: "5M"},
		NASAddress: "10.0.0.1",
		NASPort:    3799,
		NASSecret:  "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "Mar 01 2026 00:00:00", res.Expiration)
	assert.False(t, res.NASCreated)
	assert.True(t, res.CoA.Success)
	require.Len(t, fd.requests, 1)
	assert.Equal(t, radclient.CommandCoA, fd.requests[0].Command)
	assert.Equal(t, []string{"20M/5M"}, fd.requests[0].Attributes[bandwidth.AttrMikrotikRateLimit])
	assert.Equal(t, []string{"sess-1"}, fd.requests[0].Attributes["Acct-Session-Id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionRollsBackOnStorageFailure(t *testing.T) {
	svc, mock, fd, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attribute FROM radcheck`).
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnError(assertError("disk on fire"))
	mock.ExpectRollback()

	_, err := svc.AddUser(context.Background(), ProvisionRequest{
		Username: "alice", Password: "pw", Vendor: "mikrotik",
	})
	require.Error(t, err)
	assert.Empty(t, fd.requests)
	require.NoError(t, mock.ExpectationsWereMet())
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestResolveExpiration(t *testing.T) {
	svc, _, _, _ := newService(t)

	// Canonical and alternate formats all render canonically.
	assert.Equal(t, "Mar 01 2026 00:00:00", svc.resolveExpiration("Mar 01 2026 00:00:00"))
	assert.Equal(t, "Mar 01 2026 10:30:00", svc.resolveExpiration("01 Mar 2026 10:30:00"))
	assert.Equal(t, "Mar 01 2026 10:30:00", svc.resolveExpiration("2026-03-01 10:30:00"))
	assert.Equal(t, "Mar 01 2026 00:00:00", svc.resolveExpiration("2026-03-01"))

	// Empty and unparseable inputs fall back to now + 30 days.
	assert.Equal(t, "Feb 14 2026 12:00:00", svc.resolveExpiration(""))
	assert.Equal(t, "Feb 14 2026 12:00:00", svc.resolveExpiration("whenever"))
}

func TestBlockUserWithDisconnect(t *testing.T) {
	svc, mock, fd, _ := newService(t)

	mock.ExpectExec(`UPDATE radcheck SET op=':=', value=\$2`).
		WithArgs("bob", "Reject").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	sess := store.ActiveSession{NASName: "10.0.0.1", Ports: 3799, Secret: "s", SessionID: "sess-1", FramedIP: "100.64.0.7"}
	expectActiveSessions(mock, "bob", sess)
	expectActiveSessions(mock, "bob", sess)

	res, err := svc.BlockUser(context.Background(), "bob", true)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Dispatch.Success)
	require.Len(t, fd.requests, 2)
	assert.Equal(t, radclient.CommandCoA, fd.requests[0].Command)
	assert.Equal(t, radclient.CommandDisconnect, fd.requests[1].Command)
	assert.Equal(t, []string{"100.64.0.7"}, fd.requests[1].Attributes["Framed-IP-Address"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnblockNeverBlockedUserIsNoOp(t *testing.T) {
	svc, mock, fd, _ := newService(t)

	mock.ExpectExec(`DELETE FROM radcheck`).
		WithArgs("bob", "Reject").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	res, err := svc.UnblockUser(context.Background(), "bob", false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, fd.requests)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectUserAggregatesFailures(t *testing.T) {
	svc, mock, fd, _ := newService(t)
	fd.failNAS["10.0.0.2"] = true

	expectActiveSessions(mock, "alice",
		store.ActiveSession{NASName: "10.0.0.1", Ports: 3799, Secret: "s1", SessionID: "sess-1"},
		store.ActiveSession{NASName: "10.0.0.2", Ports: 3799, Secret: "s2", SessionID: "sess-2"},
	)

	summary, err := svc.DisconnectUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, summary.Success)
	require.Len(t, summary.Sessions, 2)
	assert.True(t, summary.Sessions[0].Success)
	assert.False(t, summary.Sessions[1].Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectUserNoSessions(t *testing.T) {
	svc, mock, fd, _ := newService(t)

	expectActiveSessions(mock, "ghost")

	summary, err := svc.DisconnectUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Empty(t, summary.Sessions)
	assert.Empty(t, fd.requests)
}

func expectNASGet(mock pgxmock.PgxPoolIface, address string) {
	mock.ExpectQuery(`SELECT nasname, shortname, type, ports, secret`).
		WithArgs(address).
		WillReturnRows(pgxmock.NewRows([]string{"nasname", "shortname", "type", "ports", "secret", "server", "community", "description"}).
			AddRow(address, "auto_nas", "mikrotik", 3799, "secret", "", "", ""))
}

func TestDeactivateNASCascadesToActiveUsers(t *testing.T) {
	svc, mock, fd, _ := newService(t)
	started := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	expectNASGet(mock, "10.0.0.1")
	mock.ExpectQuery(`WHERE nasipaddress=\$1 AND acctstoptime IS NULL`).
		WithArgs("10.0.0.1").
		WillReturnRows(pgxmock.NewRows([]string{"username", "acctsessionid", "framedipaddress", "callingstationid", "acctstarttime"}).
			AddRow("alice", "sess-1", "100.64.0.7", "", started).
			AddRow("bob", "sess-2", "100.64.0.8", "", started))
	mock.ExpectExec(`UPDATE radcheck SET op=':=', value=\$2`).
		WithArgs("alice", "Reject").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE radcheck SET op=':=', value=\$2`).
		WithArgs("bob", "Reject").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res, err := svc.DeactivateNAS(context.Background(), "10.0.0.1", true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, res.Users)
	assert.True(t, res.Dispatch.Success)
	require.Len(t, fd.requests, 2)
	for _, req := range fd.requests {
		assert.Equal(t, radclient.CommandDisconnect, req.Command)
		assert.Equal(t, "10.0.0.1", req.NASAddr)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateNASUnblocksUsers(t *testing.T) {
	svc, mock, fd, fr := newService(t)
	started := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	expectNASGet(mock, "10.0.0.1")
	mock.ExpectQuery(`WHERE nasipaddress=\$1 AND acctstoptime IS NULL`).
		WithArgs("10.0.0.1").
		WillReturnRows(pgxmock.NewRows([]string{"username", "acctsessionid", "framedipaddress", "callingstationid", "acctstarttime"}).
			AddRow("alice", "sess-1", "", "", started))
	mock.ExpectExec(`DELETE FROM radcheck`).
		WithArgs("alice", "Reject").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	res, err := svc.ActivateNAS(context.Background(), "10.0.0.1", false, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, res.Users)
	assert.Empty(t, fd.requests)
	assert.Equal(t, 1, fr.quiet)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNASWithoutDisconnectLeavesUsersUntouched(t *testing.T) {
	svc, mock, fd, _ := newService(t)
	started := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	expectNASGet(mock, "10.0.0.1")
	mock.ExpectQuery(`WHERE nasipaddress=\$1 AND acctstoptime IS NULL`).
		WithArgs("10.0.0.1").
		WillReturnRows(pgxmock.NewRows([]string{"username", "acctsessionid", "framedipaddress", "callingstationid", "acctstarttime"}).
			AddRow("alice", "sess-1", "100.64.0.7", "", started))
	// Only the nas row goes away; no radcheck writes, no dispatches.
	mock.ExpectExec(`DELETE FROM nas WHERE nasname=\$1`).
		WithArgs("10.0.0.1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	res, err := svc.DeleteNAS(context.Background(), "10.0.0.1", false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, res.Users)
	assert.True(t, res.Dispatch.Success)
	assert.Empty(t, fd.requests)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNASWithDisconnectBlocksActiveUsers(t *testing.T) {
	svc, mock, fd, _ := newService(t)
	started := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	expectNASGet(mock, "10.0.0.1")
	mock.ExpectQuery(`WHERE nasipaddress=\$1 AND acctstoptime IS NULL`).
		WithArgs("10.0.0.1").
		WillReturnRows(pgxmock.NewRows([]string{"username", "acctsessionid", "framedipaddress", "callingstationid", "acctstarttime"}).
			AddRow("alice", "sess-1", "100.64.0.7", "", started))
	mock.ExpectExec(`UPDATE radcheck SET op=':=', value=\$2`).
		WithArgs("alice", "Reject").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM nas WHERE nasname=\$1`).
		WithArgs("10.0.0.1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	res, err := svc.DeleteNAS(context.Background(), "10.0.0.1", true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, res.Users)
	require.Len(t, fd.requests, 1)
	assert.Equal(t, radclient.CommandDisconnect, fd.requests[0].Command)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNASNotFound(t *testing.T) {
	svc, mock, _, _ := newService(t)

	mock.ExpectQuery(`SELECT nasname, shortname, type, ports, secret`).
		WithArgs("10.9.9.9").
		WillReturnError(pgx.ErrNoRows)

	_, err := svc.DeleteNAS(context.Background(), "10.9.9.9", false, false)
	require.ErrorIs(t, err, store.ErrNASNotFound)
}

func TestSyncNASReloadsQuietly(t *testing.T) {
	svc, mock, _, fr := newService(t)

	mock.ExpectExec(`UPDATE nas SET`).
		WithArgs("10.0.0.1", "auto_10_0_0_1", "other", 3799, "secret", "", "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO nas`).
		WithArgs("10.0.0.1", "auto_10_0_0_1", "other", 3799, "secret", "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := svc.SyncNAS(context.Background(), store.NASRecord{Name: "10.0.0.1", Secret: "secret"}, true)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, fr.quiet)
	assert.Equal(t, 0, fr.reloads)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReloadDaemonPropagatesFailure(t *testing.T) {
	svc, _, _, fr := newService(t)
	fr.err = &radclient.ReloadError{ExitCode: 1, Stderr: "unit not found"}

	err := svc.ReloadDaemon(context.Background())
	require.Error(t, err)

	var re *radclient.ReloadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.ExitCode)
}
