package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/bandwidth"
	"github.com/codelaboratoryltd/radman/pkg/store"
)

// FUP sweep statuses.
const (
	StatusApplied = "FUP Applied"
	StatusFailed  = "Failed"
)

// FUPOutcome is one user's result from a sweep run.
type FUPOutcome struct {
	Username string `json:"username"`
	Usage    string `json:"usage"`
	Status   string `json:"status"`
}

// CheckFUPAndApplyLimit finds every subscriber whose summed
// active-session octets meet the quota and throttles them. Each user
// runs in their own transaction; one user's failure never aborts the
// rest. Returns the per-user outcome list.
func (s *Service) CheckFUPAndApplyLimit(ctx context.Context) ([]FUPOutcome, error) {
	over, err := store.NewAcctRepo(s.pool).OverQuota(ctx, s.cfg.FUPQuotaBytes)
	if err != nil {
		s.metrics.RecordOperation("checkFUPAndApplyLimit", false)
		return nil, err
	}

	outcomes := make([]FUPOutcome, 0, len(over))
	for _, row := range over {
		outcome := FUPOutcome{
			Username: row.Username,
			Usage:    fmt.Sprintf("%.2f GB", float64(row.TotalBytes)/1e9),
		}
		outcome.Status = s.throttleUser(ctx, row.Username)

		switch outcome.Status {
		case StatusApplied:
			s.metrics.RecordSweepUser("applied")
		case StatusFailed:
			s.metrics.RecordSweepUser("failed")
		default:
			s.metrics.RecordSweepUser("error")
		}
		outcomes = append(outcomes, outcome)
	}

	s.metrics.RecordOperation("checkFUPAndApplyLimit", true)
	return outcomes, nil
}

// throttleUser persists the throttled plan for one user, then pushes it
// to their live sessions. The CoA is fired only after commit and its
// failure does not undo the persisted policy.
func (s *Service) throttleUser(ctx context.Context, username string) string {
	tx, err := s.begin(ctx)
	if err != nil {
		return errorStatus(err)
	}
	defer tx.Rollback(ctx)

	reply := store.NewRadReplyRepo(tx)
	rows, err := reply.Managed(ctx, username)
	if err != nil {
		return errorStatus(err)
	}

	planType, ok := bandwidth.DetectPlanType(rows)
	if !ok {
		s.logger.Warn("skipping user, vendor indeterminate",
			zap.String("username", username))
		return StatusFailed
	}

	throttled, err := bandwidth.ThrottlePlan(planType, rows)
	if err != nil {
		if errors.Is(err, bandwidth.ErrPolicyIndeterminate) || errors.Is(err, bandwidth.ErrVendorIndeterminate) {
			s.logger.Warn("skipping user, policy indeterminate",
				zap.String("username", username), zap.Error(err))
			return StatusFailed
		}
		return errorStatus(err)
	}

	if err := reply.Reconcile(ctx, username, throttled); err != nil {
		return errorStatus(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errorStatus(err)
	}

	// The volume limit row survives in the DB but has no place in a
	// rate-change CoA.
	coaAttrs := make(map[string][]string, len(throttled))
	for name, values := range throttled {
		if name == bandwidth.AttrHuaweiVolumeLimit {
			continue
		}
		coaAttrs[name] = values
	}

	summary, err := s.coaRefresh(ctx, username, coaAttrs)
	if err != nil {
		s.logger.Warn("session lookup after throttle failed",
			zap.String("username", username), zap.Error(err))
	} else if !summary.Success {
		s.logger.Warn("throttle coa incomplete",
			zap.String("username", username),
			zap.Int("sessions", len(summary.Sessions)))
	}
	return StatusApplied
}

func errorStatus(err error) string {
	return "Error: " + err.Error()
}
