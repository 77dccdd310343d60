// Package engine is the policy and session-control core: provisioning,
// blocking, NAS lifecycle with subscriber cascades, live CoA/Disconnect
// push, and the fair-usage throttle.
//
// Database writes and control-plane dispatch are two phases: policy is
// persisted in a transaction first, then pushed to live sessions
// best-effort. A dispatch failure never rolls back persisted policy.
package engine

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/metrics"
	"github.com/codelaboratoryltd/radman/pkg/probe"
	"github.com/codelaboratoryltd/radman/pkg/radclient"
	"github.com/codelaboratoryltd/radman/pkg/store"
)

// Dispatcher sends one CoA or Disconnect through the control tool.
type Dispatcher interface {
	Dispatch(ctx context.Context, req radclient.Request) (radclient.Result, error)
}

// Reloader restarts the AAA daemon configuration.
type Reloader interface {
	Reload(ctx context.Context) error
	ReloadQuietly(ctx context.Context)
}

// Prober checks NAS connectivity.
type Prober interface {
	Test(ctx context.Context, req probe.Request) (probe.Report, error)
}

// Config holds engine-level settings.
type Config struct {
	// FUPQuotaBytes is the active-session usage threshold, in decimal
	// bytes, above which the throttle applies.
	FUPQuotaBytes int64
}

// DefaultFUPQuotaBytes is 100 GB in decimal units, matching the K/M/G
// rate conversion used throughout.
const DefaultFUPQuotaBytes = 100 * 1000 * 1000 * 1000

// Service is the engine facade used by the CLI and any API layer. All
// operations return structured results so callers can render status
// without re-deriving it.
type Service struct {
	pool       store.PgxPool
	dispatcher Dispatcher
	reloader   Reloader
	prober     Prober
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

// New creates the engine service.
func New(pool store.PgxPool, d Dispatcher, r Reloader, p Prober, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Service {
	if cfg.FUPQuotaBytes <= 0 {
		cfg.FUPQuotaBytes = DefaultFUPQuotaBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:       pool,
		dispatcher: d,
		reloader:   r,
		prober:     p,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// begin opens a read-write transaction.
func (s *Service) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{})
}

// ReloadDaemon reloads the AAA daemon. This is the one operation where
// a reload failure propagates to the caller.
func (s *Service) ReloadDaemon(ctx context.Context) error {
	err := s.reloader.Reload(ctx)
	s.metrics.RecordReload(err == nil)
	s.metrics.RecordOperation("reloadDaemon", err == nil)
	return err
}

// TestNASConnection probes a NAS's auth and acct ports, with an
// optional live authentication test.
func (s *Service) TestNASConnection(ctx context.Context, req probe.Request) (probe.Report, error) {
	rep, err := s.prober.Test(ctx, req)
	if err != nil {
		s.metrics.RecordOperation("testNasConnection", false)
		return probe.Report{}, err
	}
	s.metrics.RecordProbe(rep.Reachable)
	s.metrics.RecordOperation("testNasConnection", true)
	return rep, nil
}
