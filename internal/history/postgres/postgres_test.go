package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/stackup/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { _ = pg.Terminate(ctx) }()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventTransition, OccurredAt: now, Service: "db", From: "Pending", To: "Starting"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventTransition, OccurredAt: now, Service: "db", From: "Starting", To: "Running"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStartReport, OccurredAt: now, Mode: "full", HealthPercent: 100, Ready: true}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM service_history WHERE service = $1", "db").Scan(&count))
	assert.Equal(t, 2, count)

	var ready bool
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT ready FROM service_history WHERE type = $1", string(history.EventStartReport)).Scan(&ready))
	assert.True(t, ready)
}

func TestPostgresSinkEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
