package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/store"
)

// NASResult reports a NAS registry change.
type NASResult struct {
	Address string `json:"address"`
	Created bool   `json:"created,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// CascadeResult reports a NAS operation that fanned out to the
// subscribers active on it.
type CascadeResult struct {
	Address  string          `json:"address"`
	Users    []string        `json:"users"`
	Dispatch DispatchSummary `json:"dispatch"`
}

// NASUsers lists who is currently online through a NAS.
type NASUsers struct {
	Address  string             `json:"address"`
	Users    []string           `json:"users"`
	Sessions []store.NASSession `json:"sessions"`
}

// SyncNAS upserts the NAS row and optionally reloads the AAA daemon so
// it picks up the new client. The reload here is a courtesy; its
// failure is logged, not returned.
func (s *Service) SyncNAS(ctx context.Context, rec store.NASRecord, reload bool) (*NASResult, error) {
	created, err := store.NewNASRepo(s.pool).Upsert(ctx, rec)
	if err != nil {
		s.metrics.RecordOperation("syncNas", false)
		return nil, err
	}
	if reload {
		s.reloader.ReloadQuietly(ctx)
	}
	s.metrics.RecordOperation("syncNas", true)
	return &NASResult{Address: rec.Name, Created: created}, nil
}

// DeleteNAS removes the NAS row. With disconnectUsers set, every
// subscriber active on it is first disconnected and blocked, so a
// decommissioned device cannot strand authenticated-but-unreachable
// users. Without it the subscribers are only listed, never touched.
func (s *Service) DeleteNAS(ctx context.Context, address string, disconnectUsers, reload bool) (*CascadeResult, error) {
	var mutate func(context.Context, string) error
	if disconnectUsers {
		mutate = func(ctx context.Context, username string) error {
			return store.NewRadCheckRepo(s.pool).Block(ctx, username)
		}
	}
	res, err := s.cascade(ctx, address, disconnectUsers, mutate)
	if err != nil {
		s.metrics.RecordOperation("deleteNas", false)
		return nil, err
	}

	if err := store.NewNASRepo(s.pool).Delete(ctx, address); err != nil {
		s.metrics.RecordOperation("deleteNas", false)
		return nil, err
	}
	if reload {
		s.reloader.ReloadQuietly(ctx)
	}
	s.metrics.RecordOperation("deleteNas", true)
	return res, nil
}

// DeactivateNAS blocks every subscriber active on the NAS, optionally
// disconnecting their sessions. The NAS row stays.
func (s *Service) DeactivateNAS(ctx context.Context, address string, disconnectUsers, reload bool) (*CascadeResult, error) {
	res, err := s.cascade(ctx, address, disconnectUsers, func(ctx context.Context, username string) error {
		return store.NewRadCheckRepo(s.pool).Block(ctx, username)
	})
	if err != nil {
		s.metrics.RecordOperation("deactivateNas", false)
		return nil, err
	}
	if reload {
		s.reloader.ReloadQuietly(ctx)
	}
	s.metrics.RecordOperation("deactivateNas", true)
	return res, nil
}

// ActivateNAS unblocks every subscriber associated with the NAS. This
// can touch many users; callers should budget for a long run.
func (s *Service) ActivateNAS(ctx context.Context, address string, disconnectUsers, reload bool) (*CascadeResult, error) {
	res, err := s.cascade(ctx, address, disconnectUsers, func(ctx context.Context, username string) error {
		_, err := store.NewRadCheckRepo(s.pool).Unblock(ctx, username)
		return err
	})
	if err != nil {
		s.metrics.RecordOperation("activateNas", false)
		return nil, err
	}
	if reload {
		s.reloader.ReloadQuietly(ctx)
	}
	s.metrics.RecordOperation("activateNas", true)
	return res, nil
}

// cascade applies a per-user mutation to every subscriber active on the
// NAS, optionally disconnecting their sessions on it. A nil mutate
// leaves the users untouched. Fails with ErrNASNotFound for an unknown
// address.
func (s *Service) cascade(ctx context.Context, address string, disconnectUsers bool, mutate func(context.Context, string) error) (*CascadeResult, error) {
	nas, err := store.NewNASRepo(s.pool).Get(ctx, address)
	if err != nil {
		return nil, err
	}

	sessions, err := store.NewAcctRepo(s.pool).ActiveSessionsOnNAS(ctx, address)
	if err != nil {
		return nil, err
	}
	users := store.DistinctUsers(sessions)

	res := &CascadeResult{
		Address:  address,
		Users:    users,
		Dispatch: DispatchSummary{Success: true},
	}
	for _, username := range users {
		if mutate != nil {
			if err := mutate(ctx, username); err != nil {
				return nil, err
			}
		}
		if !disconnectUsers {
			continue
		}
		summary := s.disconnectSessions(ctx, nas, username, sessions)
		if !summary.Success {
			res.Dispatch.Success = false
			s.logger.Warn("session teardown incomplete during nas cascade",
				zap.String("nas", address), zap.String("username", username))
		}
		res.Dispatch.Sessions = append(res.Dispatch.Sessions, summary.Sessions...)
	}
	return res, nil
}

// ListNASUsers returns the distinct active usernames on a NAS plus the
// raw session rows, most recent first.
func (s *Service) ListNASUsers(ctx context.Context, address string) (*NASUsers, error) {
	if _, err := store.NewNASRepo(s.pool).Get(ctx, address); err != nil {
		s.metrics.RecordOperation("listNasUsers", false)
		return nil, err
	}
	sessions, err := store.NewAcctRepo(s.pool).ActiveSessionsOnNAS(ctx, address)
	if err != nil {
		s.metrics.RecordOperation("listNasUsers", false)
		return nil, err
	}
	s.metrics.RecordOperation("listNasUsers", true)
	return &NASUsers{
		Address:  address,
		Users:    store.DistinctUsers(sessions),
		Sessions: sessions,
	}, nil
}
