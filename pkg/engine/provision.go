package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/bandwidth"
	"github.com/codelaboratoryltd/radman/pkg/store"
)

// expirationFormat is the single canonical representation stored in the
// Expiration check row, regardless of what the caller supplied.
const expirationFormat = "Jan 02 2006 15:04:05"

// expirationInputFormats are tried in order when parsing a supplied
// expiration string.
var expirationInputFormats = []string{
	expirationFormat,
	"02 Jan 2006 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"01/02/2006",
}

// defaultExpirationWindow applies when no expiration is supplied or
// none of the accepted formats match.
const defaultExpirationWindow = 30 * 24 * time.Hour

// ProvisionRequest describes one subscriber provisioning call: the
// credential, the vendor bandwidth intent, and optionally the NAS the
// subscriber terminates on.
type ProvisionRequest struct {
	Username   string
	Password   string
	Vendor     string
	Expiration string
	Bandwidth  bandwidth.Intent

	// NAS fields are optional; when Address and Secret are both set
	// the NAS row is upserted in the same transaction.
	NASAddress string
	NASPort    int
	NASSecret  string
}

// ProvisionResult reports what a provisioning call did.
type ProvisionResult struct {
	Username   string          `json:"username"`
	Vendor     string          `json:"vendor"`
	Expiration string          `json:"expiration"`
	NASCreated bool            `json:"nas_created,omitempty"`
	CoA        DispatchSummary `json:"coa"`
}

// AddUser provisions a subscriber: credential and expiration rows, the
// vendor attribute plan, and the NAS row, all in one transaction,
// followed by a best-effort CoA refresh of any live sessions.
func (s *Service) AddUser(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	res, err := s.provision(ctx, req)
	s.metrics.RecordOperation("addUser", err == nil)
	return res, err
}

// UpdateUser re-provisions a subscriber. Reconciliation makes this the
// same operation as AddUser: rows are updated in place, a vendor change
// drops the prior vendor's attributes.
func (s *Service) UpdateUser(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	res, err := s.provision(ctx, req)
	s.metrics.RecordOperation("updateUser", err == nil)
	return res, err
}

func (s *Service) provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if req.Username == "" {
		return nil, fmt.Errorf("provision: username is required")
	}

	vendor, err := bandwidth.ParseVendor(req.Vendor)
	if err != nil {
		return nil, err
	}
	plan, err := bandwidth.Resolve(vendor, req.Bandwidth, s.cfg.FUPQuotaBytes)
	if err != nil {
		return nil, err
	}
	expiration := s.resolveExpiration(req.Expiration)

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin provisioning: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := store.NewRadCheckRepo(tx).UpsertCredential(ctx, req.Username, req.Password, expiration); err != nil {
		return nil, err
	}
	if err := store.NewRadReplyRepo(tx).Reconcile(ctx, req.Username, plan.Attributes); err != nil {
		return nil, err
	}

	var nasCreated bool
	if req.NASAddress != "" && req.NASSecret != "" {
		nasCreated, err = store.NewNASRepo(tx).Upsert(ctx, store.NASRecord{
			Name:   req.NASAddress,
			Type:   vendor.String(),
			Ports:  req.NASPort,
			Secret: req.NASSecret,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit provisioning: %w", err)
	}

	// Policy is persisted; push it to any live sessions best-effort.
	coa, err := s.coaRefresh(ctx, req.Username, plan.Attributes)
	if err != nil {
		s.logger.Warn("session lookup after provisioning failed",
			zap.String("username", req.Username), zap.Error(err))
		coa = DispatchSummary{}
	}

	return &ProvisionResult{
		Username:   req.Username,
		Vendor:     vendor.String(),
		Expiration: expiration,
		NASCreated: nasCreated,
		CoA:        coa,
	}, nil
}

// resolveExpiration parses the supplied expiration against the accepted
// formats and renders the canonical representation. Anything
// unparseable falls back to now plus the default window.
func (s *Service) resolveExpiration(raw string) string {
	if raw != "" {
		for _, format := range expirationInputFormats {
			if t, err := time.Parse(format, raw); err == nil {
				return t.Format(expirationFormat)
			}
		}
		s.logger.Warn("unparseable expiration, using default window",
			zap.String("expiration", raw))
	}
	return s.now().Add(defaultExpirationWindow).Format(expirationFormat)
}
