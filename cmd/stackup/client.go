package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loykin/stackup"
	iapi "github.com/loykin/stackup/internal/server"
)

const defaultAPIURL = "http://127.0.0.1:8787/api"

// APIClient talks to a running stackup daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	cl := &http.Client{Timeout: 2 * time.Second}
	if c.client.Timeout > 0 && c.client.Timeout < cl.Timeout {
		cl.Timeout = c.client.Timeout
	}
	resp, err := cl.Get(c.baseURL + "/status")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// withTimeout returns a client whose timeout covers at least d.
func (c *APIClient) withTimeout(d time.Duration) *http.Client {
	if c.client.Timeout == 0 || c.client.Timeout >= d {
		return c.client
	}
	cl := *c.client
	cl.Timeout = d
	return &cl
}

// Start asks the daemon to start services and returns its report. A report
// is returned for configuration errors too, with exit code 2.
func (c *APIClient) Start(body iapi.StartBody, wait time.Duration) (stackup.StartReport, error) {
	return c.report(c.baseURL+"/start", body, wait)
}

func (c *APIClient) Restart(body iapi.RestartBody, wait time.Duration) (stackup.StartReport, error) {
	return c.report(c.baseURL+"/restart", body, wait)
}

func (c *APIClient) report(u string, body any, wait time.Duration) (stackup.StartReport, error) {
	var rep stackup.StartReport
	data, err := json.Marshal(body)
	if err != nil {
		return rep, err
	}
	resp, err := c.withTimeout(wait).Post(u, "application/json", bytes.NewReader(data))
	if err != nil {
		return rep, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return rep, fmt.Errorf("decode report: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if rep.ExitCode == 0 {
			rep.ExitCode = stackup.ExitConfigError
		}
		return rep, fmt.Errorf("API error: %s", rep.Error)
	}
	return rep, nil
}

// Stop stops services (and their dependents) or everything.
func (c *APIClient) Stop(body iapi.StopBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.baseURL+"/stop", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return apiError(resp)
}

// Status returns the daemon's current snapshot.
func (c *APIClient) Status() (stackup.Snapshot, error) {
	var snap stackup.Snapshot
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return snap, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := apiError(resp); err != nil {
		return snap, err
	}
	err = json.NewDecoder(resp.Body).Decode(&snap)
	return snap, err
}

// Logs copies a service's output to w. With follow the request stays open
// until the daemon or the caller closes it.
func (c *APIClient) Logs(service string, tail int, follow bool, w io.Writer) error {
	q := url.Values{}
	q.Set("service", service)
	q.Set("tail", strconv.Itoa(tail))
	if follow {
		q.Set("follow", "1")
	}
	cl := c.client
	if follow {
		cl = &http.Client{Transport: c.client.Transport}
	}
	resp, err := cl.Get(c.baseURL + "/logs?" + q.Encode())
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := apiError(resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func apiError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: %s", resp.Status)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
