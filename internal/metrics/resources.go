package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a service's main process.
type Usage struct {
	Service    string    `json:"service"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceCollector samples CPU and memory of running services.
type ResourceCollector struct {
	interval time.Duration
	pids     func() map[string]int32

	mu     sync.RWMutex
	latest map[string]Usage
	procs  map[string]*process.Process // reused so CPUPercent has a baseline

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceCollector samples the processes returned by pids every
// interval (default 5s).
func NewResourceCollector(interval time.Duration, pids func() map[string]int32) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"service"})
	}
	return &ResourceCollector{
		interval:   interval,
		pids:       pids,
		latest:     make(map[string]Usage),
		procs:      make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of a service's main process."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of a service's main process."),
		numThreads: gauge("num_threads", "Threads of a service's main process."),
		numFDs:     gauge("num_fds", "Open file descriptors of a service's main process (Unix only)."),
	}
}

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every current process.
func (c *ResourceCollector) Collect() {
	now := time.Now()
	active := c.pids()
	samples := make(map[string]Usage, len(active))
	for name, pid := range active {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		samples[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range samples {
		c.latest[name] = u
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
	}
	for name := range c.latest {
		if _, ok := samples[name]; ok {
			continue
		}
		delete(c.latest, name)
		delete(c.procs, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

func (c *ResourceCollector) sample(name string, pid int32, now time.Time) (Usage, error) {
	c.mu.Lock()
	proc, ok := c.procs[name]
	if !ok || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		proc = p
		c.procs[name] = p
	}
	c.mu.Unlock()

	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	u := Usage{
		Service:    name,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}

// Latest returns the most recent sample of every sampled service, sorted by
// service name.
func (c *ResourceCollector) Latest() []Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Usage, 0, len(c.latest))
	for _, u := range c.latest {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
