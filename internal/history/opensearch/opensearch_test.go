package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/history"
)

type indexed struct {
	path string
	user string
	body map[string]any
}

func recordingServer(t *testing.T) (*httptest.Server, func() []indexed) {
	t.Helper()
	var mu sync.Mutex
	var got []indexed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		var doc map[string]any
		assert.NoError(t, json.Unmarshal(b, &doc))
		user, _, _ := r.BasicAuth()
		mu.Lock()
		got = append(got, indexed{path: r.URL.Path, user: user, body: doc})
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []indexed {
		mu.Lock()
		defer mu.Unlock()
		return append([]indexed(nil), got...)
	}
}

func TestSendRoutesByEventType(t *testing.T) {
	srv, got := recordingServer(t)
	sink := New(Options{BaseURL: srv.URL + "/", Index: "stackup"})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type: history.EventTransition, OccurredAt: at, Service: "web", From: "Pending", To: "Blocked",
		Error: "web blocked by dependency api",
	}))
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type: history.EventStartReport, OccurredAt: at, Mode: "core", HealthPercent: 50, ExitCode: 1,
	}))

	docs := got()
	require.Len(t, docs, 2)
	assert.Equal(t, "/stackup-transitions/_doc", docs[0].path)
	assert.Equal(t, "web", docs[0].body["service"])
	assert.Equal(t, "Blocked", docs[0].body["to"])
	assert.Equal(t, "2026-01-02T03:04:05Z", docs[0].body["@timestamp"])
	assert.Equal(t, "/stackup-reports/_doc", docs[1].path)
	assert.Equal(t, "core", docs[1].body["mode"])
	assert.Empty(t, docs[0].user)
}

func TestSendUsesBasicAuth(t *testing.T) {
	srv, got := recordingServer(t)
	sink := New(Options{BaseURL: srv.URL, Username: "admin", Password: "pw"})
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventTransition}))
	docs := got()
	require.Len(t, docs, 1)
	assert.Equal(t, "admin", docs[0].user)
	assert.Equal(t, "/stackup-history-transitions/_doc", docs[0].path)
}

func TestIndexFor(t *testing.T) {
	s := New(Options{Index: "h"})
	assert.Equal(t, "h-transitions", s.IndexFor(history.EventTransition))
	assert.Equal(t, "h-reports", s.IndexFor(history.EventStartReport))
	assert.Equal(t, "h-events", s.IndexFor("other"))
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	err := New(Options{BaseURL: srv.URL, Index: "idx"}).Send(context.Background(), history.Event{Type: history.EventStartReport})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "idx-reports")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSendUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, New(Options{BaseURL: "http://127.0.0.1:1"}).Send(ctx, history.Event{}))
}
