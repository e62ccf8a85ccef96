// Package health probes services and drives their Running, Degraded and
// Failed transitions.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"slices"
	"strings"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
)

// maxBody bounds how much of a health response is read.
const maxBody = 64 << 10

// Checker runs one probe. It must be safe for concurrent use.
type Checker interface {
	// Check returns nil when the target is healthy. Failures are
	// *orcherr.HealthCheckError.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// NewChecker builds the checker for a declared health check, or nil when h
// is nil.
func NewChecker(h *registry.HealthCheck, client *http.Client) Checker {
	if h == nil {
		return nil
	}
	switch h.Kind {
	case registry.CheckTCP:
		return TCPChecker{Address: h.Address}
	case registry.CheckCommand:
		return CommandChecker{Command: h.Command}
	default:
		if client == nil {
			client = http.DefaultClient
		}
		return HTTPChecker{
			URL:            h.URL,
			ExpectedStatus: h.ExpectedStatus,
			BodyContains:   h.BodyContains,
			JSONStatus:     h.JSONStatus,
			Client:         client,
		}
	}
}

// HTTPChecker issues a GET. The status must be in ExpectedStatus (any 2xx
// when empty); BodyContains, when set, must appear in the body ignoring case;
// JSONStatus requires a JSON body whose "status" is "healthy" or "ok".
type HTTPChecker struct {
	URL            string
	ExpectedStatus []int
	BodyContains   string
	JSONStatus     bool
	Client         *http.Client
}

func (c HTTPChecker) Describe() string { return "http:" + c.URL }

func (c HTTPChecker) Check(ctx context.Context) error {
	fail := func(status int, err error) error {
		return &orcherr.HealthCheckError{Target: c.URL, Status: status, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fail(0, err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !c.statusOK(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return fail(resp.StatusCode, nil)
	}
	if c.BodyContains == "" && !c.JSONStatus {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if c.BodyContains != "" && !strings.Contains(strings.ToLower(string(body)), strings.ToLower(c.BodyContains)) {
		return fail(0, fmt.Errorf("body does not contain %q", c.BodyContains))
	}
	if c.JSONStatus {
		if err := jsonStatusHealthy(body); err != nil {
			return fail(0, err)
		}
	}
	return nil
}

func (c HTTPChecker) statusOK(code int) bool {
	if len(c.ExpectedStatus) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(c.ExpectedStatus, code)
}

func jsonStatusHealthy(body []byte) error {
	var doc struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decode status body: %w", err)
	}
	if doc.Status == nil {
		return errors.New(`body has no "status" field`)
	}
	switch strings.ToLower(strings.TrimSpace(*doc.Status)) {
	case "healthy", "ok":
		return nil
	default:
		return fmt.Errorf("status %q", *doc.Status)
	}
}

// TCPChecker succeeds when a TCP connection to Address can be opened.
type TCPChecker struct{ Address string }

func (c TCPChecker) Describe() string { return "tcp:" + c.Address }

func (c TCPChecker) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return &orcherr.HealthCheckError{Target: c.Address, Err: err}
	}
	_ = conn.Close()
	return nil
}

// CommandChecker runs a command; exit status 0 means healthy.
type CommandChecker struct{ Command string }

func (c CommandChecker) Describe() string { return "cmd:" + c.Command }

func (c CommandChecker) Check(ctx context.Context) error {
	cmd := process.CommandContext(ctx, c.Command)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		err = fmt.Errorf("exit status %d", ee.ExitCode())
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return &orcherr.HealthCheckError{Target: c.Command, Err: err}
}
