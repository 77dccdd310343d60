package engine

import (
	"context"

	"github.com/codelaboratoryltd/radman/pkg/radclient"
	"github.com/codelaboratoryltd/radman/pkg/store"
)

// BlockResult reports a block or unblock and its live-session push.
type BlockResult struct {
	Username string          `json:"username"`
	Changed  bool            `json:"changed"`
	Dispatch DispatchSummary `json:"dispatch"`
}

// BlockUser ensures the subscriber's reject row exists and, when
// disconnect is set, tears down their live sessions.
func (s *Service) BlockUser(ctx context.Context, username string, disconnect bool) (*BlockResult, error) {
	if err := store.NewRadCheckRepo(s.pool).Block(ctx, username); err != nil {
		s.metrics.RecordOperation("blockUser", false)
		return nil, err
	}

	res := &BlockResult{Username: username, Changed: true, Dispatch: DispatchSummary{Success: true}}
	if disconnect {
		summary, err := s.teardownSessions(ctx, username)
		if err != nil {
			s.metrics.RecordOperation("blockUser", false)
			return nil, err
		}
		res.Dispatch = summary
	}
	s.metrics.RecordOperation("blockUser", true)
	return res, nil
}

// UnblockUser removes the reject row. A never-blocked user is a no-op,
// reported through Changed.
func (s *Service) UnblockUser(ctx context.Context, username string, disconnect bool) (*BlockResult, error) {
	removed, err := store.NewRadCheckRepo(s.pool).Unblock(ctx, username)
	if err != nil {
		s.metrics.RecordOperation("unblockUser", false)
		return nil, err
	}

	res := &BlockResult{Username: username, Changed: removed, Dispatch: DispatchSummary{Success: true}}
	if disconnect {
		summary, err := s.teardownSessions(ctx, username)
		if err != nil {
			s.metrics.RecordOperation("unblockUser", false)
			return nil, err
		}
		res.Dispatch = summary
	}
	s.metrics.RecordOperation("unblockUser", true)
	return res, nil
}

// IsBlocked reports whether the subscriber has a reject row.
func (s *Service) IsBlocked(ctx context.Context, username string) (bool, error) {
	return store.NewRadCheckRepo(s.pool).IsBlocked(ctx, username)
}

// DisconnectUser sends a Disconnect-Message to every active session of
// the subscriber. Per-session failures are data, not errors.
func (s *Service) DisconnectUser(ctx context.Context, username string) (DispatchSummary, error) {
	summary, err := s.dispatchAll(ctx, username, radclient.CommandDisconnect, nil)
	s.metrics.RecordOperation("disconnectUser", err == nil)
	return summary, err
}

// teardownSessions nudges then terminates every active session: a CoA
// carrying the session identifiers followed by a Disconnect.
func (s *Service) teardownSessions(ctx context.Context, username string) (DispatchSummary, error) {
	coa, err := s.dispatchAll(ctx, username, radclient.CommandCoA, nil)
	if err != nil {
		return DispatchSummary{}, err
	}
	disc, err := s.dispatchAll(ctx, username, radclient.CommandDisconnect, nil)
	if err != nil {
		return DispatchSummary{}, err
	}

	merged := DispatchSummary{Success: coa.Success && disc.Success}
	merged.Sessions = append(merged.Sessions, coa.Sessions...)
	merged.Sessions = append(merged.Sessions, disc.Sessions...)
	return merged, nil
}
