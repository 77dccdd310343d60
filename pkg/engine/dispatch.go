package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/radclient"
	"github.com/codelaboratoryltd/radman/pkg/store"
)

// DispatchSummary aggregates the per-session control-plane results of
// one operation. Success is the conjunction of every session's result;
// an operation touching zero sessions is successful.
type DispatchSummary struct {
	Success  bool               `json:"success"`
	Sessions []radclient.Result `json:"sessions,omitempty"`
}

func (d *DispatchSummary) add(res radclient.Result) {
	d.Sessions = append(d.Sessions, res)
	if !res.Success {
		d.Success = false
	}
}

// sessionAttrs builds the session-identifying attributes carried on a
// dispatch so the NAS can match the exact session.
func sessionAttrs(sess store.ActiveSession) map[string][]string {
	attrs := map[string][]string{
		"Acct-Session-Id": {sess.SessionID},
	}
	if sess.FramedIP != "" {
		attrs["Framed-IP-Address"] = []string{sess.FramedIP}
	}
	if sess.CallingStation != "" {
		attrs["Calling-Station-Id"] = []string{sess.CallingStation}
	}
	return attrs
}

// dispatchAll issues one command per active session of the user,
// merging extra attributes into the session-identifying set. Dispatch
// failures are collected, never propagated.
func (s *Service) dispatchAll(ctx context.Context, username string, command radclient.Command, extra map[string][]string) (DispatchSummary, error) {
	acct := store.NewAcctRepo(s.pool)
	sessions, err := acct.ActiveSessions(ctx, username)
	if err != nil {
		return DispatchSummary{}, err
	}

	summary := DispatchSummary{Success: true}
	for _, sess := range sessions {
		attrs := sessionAttrs(sess)
		for name, values := range extra {
			attrs[name] = values
		}

		start := time.Now()
		res, err := s.dispatcher.Dispatch(ctx, radclient.Request{
			Command:    command,
			NASAddr:    sess.NASName,
			Port:       sess.Ports,
			Secret:     sess.Secret,
			Username:   username,
			Attributes: attrs,
		})
		if err != nil {
			s.logger.Warn("dispatch rejected",
				zap.String("username", username),
				zap.String("nas", sess.NASName),
				zap.Error(err))
			res = radclient.Result{Target: sess.NASName, Error: err.Error()}
		}
		s.metrics.RecordDispatch(string(command), res.Success, time.Since(start).Seconds())
		summary.add(res)
	}
	return summary, nil
}

// coaRefresh pushes an attribute plan to every active session.
func (s *Service) coaRefresh(ctx context.Context, username string, attrs map[string][]string) (DispatchSummary, error) {
	return s.dispatchAll(ctx, username, radclient.CommandCoA, attrs)
}

// disconnectSessions sends a Disconnect-Message per session on one NAS.
func (s *Service) disconnectSessions(ctx context.Context, nas *store.NASRecord, username string, sessions []store.NASSession) DispatchSummary {
	summary := DispatchSummary{Success: true}
	for _, sess := range sessions {
		if sess.Username != username {
			continue
		}
		attrs := sessionAttrs(store.ActiveSession{
			SessionID:      sess.SessionID,
			FramedIP:       sess.FramedIP,
			CallingStation: sess.CallingStation,
		})

		start := time.Now()
		res, err := s.dispatcher.Dispatch(ctx, radclient.Request{
			Command:    radclient.CommandDisconnect,
			NASAddr:    nas.Name,
			Port:       nas.Ports,
			Secret:     nas.Secret,
			Username:   username,
			Attributes: attrs,
		})
		if err != nil {
			res = radclient.Result{Target: nas.Name, Error: err.Error()}
		}
		s.metrics.RecordDispatch(string(radclient.CommandDisconnect), res.Success, time.Since(start).Seconds())
		summary.add(res)
	}
	return summary
}
