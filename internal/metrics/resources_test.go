package metrics

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceCollectorSamplesAndForgets(t *testing.T) {
	var mu sync.Mutex
	pids := map[string]int32{"self": int32(os.Getpid()), "gone": -1}
	c := NewResourceCollector(time.Hour, func() map[string]int32 {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]int32, len(pids))
		for k, v := range pids {
			out[k] = v
		}
		return out
	})
	reg := prometheus.NewRegistry()
	require.NoError(t, c.RegisterMetrics(reg))
	require.NoError(t, c.RegisterMetrics(reg))

	c.Collect()
	got := c.Latest()
	require.Len(t, got, 1)
	assert.Equal(t, "self", got[0].Service)
	assert.Equal(t, int32(os.Getpid()), got[0].PID)
	assert.Positive(t, got[0].MemoryRSS)
	assert.Positive(t, got[0].NumThreads)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["stackup_service_memory_mb"])

	mu.Lock()
	delete(pids, "self")
	mu.Unlock()
	c.Collect()
	assert.Empty(t, c.Latest())
}

func TestResourceCollectorStartStop(t *testing.T) {
	calls := make(chan struct{}, 16)
	c := NewResourceCollector(5*time.Millisecond, func() map[string]int32 {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})
	c.Start(context.Background())
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("collector never sampled")
	}
	c.Stop()
	c.Stop()
}
