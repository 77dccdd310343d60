// Package probe checks NAS reachability: TCP connects to the auth and
// acct ports, plus an optional live Access-Request when credentials are
// supplied.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

// Request describes one connectivity test.
type Request struct {
	Address  string
	AuthPort int
	AcctPort int
	Secret   string
	Timeout  time.Duration

	// Username and Password, when both set, trigger a live auth test.
	Username string
	Password string
}

// Report is the probe outcome. Reachable means both TCP ports
// accepted; the auth test result is informational and never affects
// Reachable.
type Report struct {
	Address      string `json:"address"`
	AuthPortOpen bool   `json:"auth_port_open"`
	AcctPortOpen bool   `json:"acct_port_open"`
	Reachable    bool   `json:"reachable"`
	AuthTested   bool   `json:"auth_tested"`
	AuthAccepted bool   `json:"auth_accepted"`
	Message      string `json:"message"`
}

// Prober runs connectivity tests against NAS devices.
type Prober struct {
	logger *zap.Logger
}

// NewProber creates a Prober.
func NewProber(logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{logger: logger}
}

// Test probes the NAS. Unreachable ports are reported, not returned as
// errors; err is reserved for invalid requests.
func (p *Prober) Test(ctx context.Context, req Request) (Report, error) {
	if req.Address == "" {
		return Report{}, fmt.Errorf("probe: address is required")
	}
	if req.AuthPort <= 0 {
		req.AuthPort = 1812
	}
	if req.AcctPort <= 0 {
		req.AcctPort = 1813
	}
	if req.Timeout <= 0 {
		req.Timeout = 5 * time.Second
	}

	rep := Report{Address: req.Address}
	var parts []string

	rep.AuthPortOpen = p.dial(ctx, req.Address, req.AuthPort, req.Timeout)
	parts = append(parts, portStatus("auth", req.AuthPort, rep.AuthPortOpen))

	rep.AcctPortOpen = p.dial(ctx, req.Address, req.AcctPort, req.Timeout)
	parts = append(parts, portStatus("acct", req.AcctPort, rep.AcctPortOpen))

	rep.Reachable = rep.AuthPortOpen && rep.AcctPortOpen

	if req.Username != "" && req.Password != "" {
		rep.AuthTested = true
		accepted, detail := p.authTest(ctx, req)
		rep.AuthAccepted = accepted
		parts = append(parts, detail)
	}

	rep.Message = strings.Join(parts, "; ")
	p.logger.Debug("nas probe finished",
		zap.String("address", req.Address),
		zap.Bool("reachable", rep.Reachable),
		zap.Bool("auth_tested", rep.AuthTested))
	return rep, nil
}

func (p *Prober) dial(ctx context.Context, address string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// authTest sends a live Access-Request over UDP. Accept means the AAA
// path end to end is healthy, not just the socket.
func (p *Prober) authTest(ctx context.Context, req Request) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	packet := radius.New(radius.CodeAccessRequest, []byte(req.Secret))
	rfc2865.UserName_SetString(packet, req.Username)
	rfc2865.UserPassword_SetString(packet, req.Password)

	addr := net.JoinHostPort(req.Address, strconv.Itoa(req.AuthPort))
	response, err := radius.Exchange(ctx, packet, addr)
	if err != nil {
		return false, fmt.Sprintf("auth test failed: %v", err)
	}
	if response.Code == radius.CodeAccessAccept {
		return true, "auth test accepted"
	}
	return false, fmt.Sprintf("auth test rejected (%s)", response.Code)
}

func portStatus(name string, port int, open bool) string {
	if open {
		return fmt.Sprintf("%s port %d open", name, port)
	}
	return fmt.Sprintf("%s port %d unreachable", name, port)
}
