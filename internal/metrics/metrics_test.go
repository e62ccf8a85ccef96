package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { regOK.Store(false) })
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncLaunch("db", "compose", true)
	IncLaunch("db", "compose", true)
	IncLaunch("api", "exec", false)
	IncRestart("api")
	IncStop("db", false)
	RecordStateTransition("db", "Starting", "Running")
	ObserveProbe("db", true, 0.01)
	SetReadiness(75, false, map[string]bool{"core": true})

	if got := value(t, launches.WithLabelValues("db", "compose", "success")); got != 2 {
		t.Fatalf("launches = %v", got)
	}
	if got := value(t, currentStates.WithLabelValues("db", "Running")); got != 1 {
		t.Fatalf("current_state Running = %v", got)
	}
	if got := value(t, currentStates.WithLabelValues("db", "Starting")); got != 0 {
		t.Fatalf("current_state Starting = %v", got)
	}
	if got := value(t, healthPercent); got != 75 {
		t.Fatalf("health_percent = %v", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"stackup_service_launches_total":          false,
		"stackup_service_restarts_total":          false,
		"stackup_service_stops_total":             false,
		"stackup_service_state_transitions_total": false,
		"stackup_health_probes_total":             false,
		"stackup_health_probe_duration_seconds":   false,
		"stackup_system_health_percent":           false,
		"stackup_system_ready":                    false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(false) })
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncLaunch("x", "exec", true)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "stackup_service_launches_total") {
		t.Fatalf("metrics output missing launches_total")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLaunch("c", "exec", true)
			IncRestart("c")
			IncStop("c", true)
			ObserveProbe("c", false, 0.2)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got := value(t, restarts.WithLabelValues("c")); got != 50 {
		t.Fatalf("restarts = %v", got)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	regOK.Store(false)
	IncLaunch("test", "exec", true)
	IncRestart("test")
	IncStop("test", false)
	RecordStateTransition("test", "Pending", "Starting")
	ObserveProbe("test", true, 1)
	SetReadiness(100, true, nil)
}

func TestRegisterError(t *testing.T) {
	regOK.Store(false)
	defer regOK.Store(false)
	err := Register(errorRegisterer{})
	if err == nil || err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatalf("failed registration must leave helpers disabled")
	}
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (errorRegisterer) MustRegister(...prometheus.Collector) {}

func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }
