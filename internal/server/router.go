package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackup/internal/dispatcher"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
	"github.com/loykin/stackup/internal/status"
)

// Router exposes a Dispatcher over HTTP.
// Endpoints:
//   GET  {basePath}/status     query: name=... (optional, single service)
//   GET  {basePath}/services   declared services
//   GET  {basePath}/modes      mode table
//   POST {basePath}/start      body: StartBody, returns status.StartReport
//   POST {basePath}/stop       body: StopBody
//   POST {basePath}/restart    body: RestartBody, returns status.StartReport
//   GET  {basePath}/logs       query: service=...&tail=100&follow=1
//   GET  {basePath}/resources  CPU/memory samples when resource sampling is on
//   GET  /metrics              when metrics are enabled
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	d         *dispatcher.Dispatcher
	basePath  string
	metrics   bool
	resources *metrics.ResourceCollector
	log       *slog.Logger
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/start, /api/stop, /api/status.
func NewRouter(d *dispatcher.Dispatcher, basePath string, withMetrics bool) *Router {
	return &Router{d: d, basePath: sanitizeBase(basePath), metrics: withMetrics, log: slog.Default().With("component", "server")}
}

// WithResources serves the collector's samples at {basePath}/resources.
func (r *Router) WithResources(c *metrics.ResourceCollector) *Router {
	r.resources = c
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/services", r.handleServices)
	group.GET("/modes", r.handleModes)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/logs", r.handleLogs)
	group.GET("/resources", r.handleResources)
	return g
}

// NewServer starts serving on addr in the background. The listener is bound
// before returning so address errors surface to the caller.
func NewServer(addr, basePath string, d *dispatcher.Dispatcher, withMetrics bool) (*http.Server, error) {
	return Serve(addr, NewRouter(d, basePath, withMetrics))
}

// Serve starts r on addr in the background.
func Serve(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	// no WriteTimeout: start blocks until readiness and logs can follow
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("serve", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StartBody is the payload of POST /start. Timeout uses Go duration syntax.
type StartBody struct {
	Mode     string   `json:"mode,omitempty"`
	Services []string `json:"services,omitempty"`
	Force    bool     `json:"force,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// StopBody is the payload of POST /stop.
type StopBody struct {
	Services []string `json:"services,omitempty"`
	All      bool     `json:"all,omitempty"`
}

// RestartBody is the payload of POST /restart.
type RestartBody struct {
	Services []string `json:"services,omitempty"`
	All      bool     `json:"all,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// ServiceInfo describes one declared service.
type ServiceInfo struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Launch    string   `json:"launch"`
	DependsOn []string `json:"depends_on,omitempty"`
	Priority  int      `json:"priority"`
	Tags      []string `json:"tags,omitempty"`
	Ports     []int    `json:"ports,omitempty"`
	Health    string   `json:"health,omitempty"`
	Restarts  int      `json:"max_retries"`
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.d.Status()
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, snap)
		return
	}
	if !registry.IsSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	st, ok := snap.Services[name]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: fmt.Sprintf("%v: %s", orcherr.ErrUnknownService, name)})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleServices(c *gin.Context) {
	reg := r.d.Registry()
	out := make([]ServiceInfo, 0, reg.Len())
	for i := range reg.Len() {
		d := reg.At(registry.Index(i))
		info := ServiceInfo{
			Name:      d.Name,
			Kind:      string(d.Launch.Kind()),
			Launch:    fmt.Sprint(d.Launch),
			DependsOn: d.DependsOn,
			Priority:  d.Priority,
			Tags:      d.Tags,
			Ports:     d.Ports,
			Restarts:  d.Restart.MaxRetries,
		}
		if d.Health != nil {
			info.Health = string(d.Health.Kind) + ":" + d.Health.Target()
		}
		out = append(out, info)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleModes(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.d.Modes())
}

func (r *Router) handleStart(c *gin.Context) {
	var body StartBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	timeout, err := parseDuration(body.Timeout)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + err.Error()})
		return
	}
	rep, err := r.d.Start(c.Request.Context(), dispatcher.StartRequest{
		Mode:    body.Mode,
		Names:   body.Services,
		Force:   body.Force,
		Timeout: timeout,
	})
	r.writeReport(c, rep, err)
}

func (r *Router) handleStop(c *gin.Context) {
	var body StopBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !body.All && len(body.Services) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "one of services or all required"})
		return
	}
	if body.All && len(body.Services) > 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "only one of services or all must be provided"})
		return
	}
	if err := r.d.Stop(c.Request.Context(), body.Services, body.All); err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	var body RestartBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !body.All && len(body.Services) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "one of services or all required"})
		return
	}
	timeout, err := parseDuration(body.Timeout)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + err.Error()})
		return
	}
	rep, err := r.d.Restart(c.Request.Context(), body.Services, body.All, timeout)
	r.writeReport(c, rep, err)
}

// writeReport always sends the report; its exit_code carries the outcome.
func (r *Router) writeReport(c *gin.Context, rep status.StartReport, err error) {
	if err != nil {
		if rep.Error == "" {
			rep.Error = err.Error()
		}
		rep.ExitCode = status.ExitConfigError
		writeJSON(c, errStatus(err), rep)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Query("service")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "service query param required"})
		return
	}
	if _, ok := r.d.Registry().Index(name); !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: fmt.Sprintf("%v: %s", orcherr.ErrUnknownService, name)})
		return
	}
	tail := 100
	if s := c.Query("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tail: " + err.Error()})
			return
		}
		tail = n
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if err := r.d.Logs(c.Request.Context(), name, tail, truthy(c.Query("follow")), c.Writer); err != nil {
		r.log.Warn("logs", "service", name, "error", err)
	}
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusOK, []metrics.Usage{})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.Latest())
}
