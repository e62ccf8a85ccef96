// Package opensearch indexes history events into OpenSearch over its REST API.
// Transitions and start reports go to separate indices so each keeps a
// uniform document shape.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/stackup/internal/history"
)

// Options configure a Sink. Index is the prefix; events land in
// "<Index>-transitions" or "<Index>-reports".
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Index == "" {
		opts.Index = "stackup-history"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// IndexFor returns the index an event of type t is written to.
func (s *Sink) IndexFor(t history.EventType) string {
	switch t {
	case history.EventTransition:
		return s.opts.Index + "-transitions"
	case history.EventStartReport:
		return s.opts.Index + "-reports"
	}
	return s.opts.Index + "-events"
}

// document is the indexed form of an event; @timestamp lets dashboards pick
// the time field without mapping changes.
type document struct {
	history.Event
	Timestamp time.Time `json:"@timestamp"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Event: e, Timestamp: e.OccurredAt})
	if err != nil {
		return err
	}
	index := s.IndexFor(e.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.BaseURL+"/"+index+"/_doc", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch %s: %w", index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
