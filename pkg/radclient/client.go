// Package radclient drives the external RADIUS control-plane tool for
// CoA and Disconnect dispatch against NAS devices, and the AAA daemon
// reload command. Dispatch failure is expected operational data, not an
// error: NAS devices come and go.
package radclient

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Command selects the control-plane packet type.
type Command string

const (
	CommandCoA        Command = "coa"
	CommandDisconnect Command = "disconnect"
)

// secretPlaceholder replaces the shared secret in any command string
// that leaves this package.
const secretPlaceholder = "****"

// Config holds dispatcher settings.
type Config struct {
	// Path is the control tool binary, resolved via PATH if relative.
	Path string
	// Timeout bounds a single tool invocation.
	Timeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a
	// NAS's circuit. Zero disables the breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long an open circuit stays open.
	BreakerCooldown time.Duration
}

// Request describes one dispatch to one NAS session.
type Request struct {
	Command    Command
	NASAddr    string
	Port       int
	Secret     string
	Username   string
	Attributes map[string][]string
}

// Result is the outcome of a single dispatch. Command carries the
// redacted argv for operator display.
type Result struct {
	DispatchID string `json:"dispatch_id"`
	Target     string `json:"target"`
	Command    string `json:"command"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Client shells out to the control tool. Safe for concurrent use; a
// circuit breaker per NAS address sheds dispatches to a device that
// keeps failing.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a dispatcher.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Path == "" {
		cfg.Path = "radclient"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch runs one control-tool invocation. The returned Result
// reports failure in-band; err is reserved for invalid requests.
func (c *Client) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.Username == "" {
		return Result{}, fmt.Errorf("dispatch: username is required")
	}
	if req.NASAddr == "" {
		return Result{}, fmt.Errorf("dispatch: nas address is required")
	}
	if req.Command != CommandCoA && req.Command != CommandDisconnect {
		return Result{}, fmt.Errorf("dispatch: unknown command %q", req.Command)
	}
	port := req.Port
	if port <= 0 {
		port = 3799
	}

	target := net.JoinHostPort(req.NASAddr, strconv.Itoa(port))
	res := Result{
		DispatchID: uuid.New().String(),
		Target:     target,
		Command:    redactedCommand(c.cfg.Path, target, req.Command),
	}

	run := func() (interface{}, error) {
		out, err := c.invoke(ctx, target, req)
		return out, err
	}

	var out string
	var err error
	if br := c.breaker(req.NASAddr); br != nil {
		var v interface{}
		v, err = br.Execute(run)
		if s, ok := v.(string); ok {
			out = s
		}
	} else {
		out, err = c.invoke(ctx, target, req)
	}

	res.Output = out
	if err != nil {
		res.Error = err.Error()
		c.logger.Warn("control-plane dispatch failed",
			zap.String("dispatch_id", res.DispatchID),
			zap.String("target", target),
			zap.String("command", string(req.Command)),
			zap.String("username", req.Username),
			zap.Error(err))
		return res, nil
	}

	res.Success = true
	c.logger.Debug("control-plane dispatch succeeded",
		zap.String("dispatch_id", res.DispatchID),
		zap.String("target", target),
		zap.String("command", string(req.Command)),
		zap.String("username", req.Username))
	return res, nil
}

func (c *Client) invoke(ctx context.Context, target string, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Path, "-x", target, string(req.Command), req.Secret)
	cmd.Stdin = strings.NewReader(Payload(req.Username, req.Attributes))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("timed out after %s", c.cfg.Timeout)
	}
	if runErr != nil {
		return out, fmt.Errorf("%s %s: %w", c.cfg.Path, string(req.Command), runErr)
	}
	return out, nil
}

// Payload renders the line-oriented stdin protocol: User-Name first,
// then attribute lines in stable order.
func Payload(username string, attrs map[string][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User-Name=%s\n", username)

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range attrs[name] {
			fmt.Fprintf(&b, "%s=%s\n", name, value)
		}
	}
	return b.String()
}

func redactedCommand(path, target string, command Command) string {
	return strings.Join([]string{path, "-x", target, string(command), secretPlaceholder}, " ")
}

func (c *Client) breaker(nasAddr string) *gobreaker.CircuitBreaker {
	if c.cfg.BreakerThreshold == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[nasAddr]; ok {
		return br
	}
	threshold := c.cfg.BreakerThreshold
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "radclient:" + nasAddr,
		Timeout: c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("nas circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[nasAddr] = br
	return br
}
