package registry

import (
	"slices"
	"time"

	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/process"
)

// Index addresses a descriptor inside a Registry.
type Index int

// CheckKind selects how a service's health is probed.
type CheckKind string

const (
	CheckHTTP    CheckKind = "http"
	CheckTCP     CheckKind = "tcp"
	CheckCommand CheckKind = "command"
)

// HealthCheck is a service's declared health check. A nil *HealthCheck means
// the service counts as Running as soon as its launch succeeds.
type HealthCheck struct {
	Kind CheckKind `json:"kind"`

	// http
	URL            string `json:"url,omitempty"`
	ExpectedStatus []int  `json:"expected_status,omitempty"` // empty means any 2xx
	BodyContains   string `json:"body_contains,omitempty"`   // case-insensitive
	JSONStatus     bool   `json:"json_status,omitempty"`     // body {"status": "healthy"|"ok"}

	// tcp
	Address string `json:"address,omitempty"`

	// command
	Command string `json:"command,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"` // per probe; 0 uses the poller default
}

// Target describes what the check points at, for logs and errors.
func (h *HealthCheck) Target() string {
	switch h.Kind {
	case CheckTCP:
		return h.Address
	case CheckCommand:
		return h.Command
	default:
		return h.URL
	}
}

// RestartPolicy bounds automatic restarts after a health failure.
type RestartPolicy struct {
	MaxRetries  int           `json:"max_retries"`
	BackoffBase time.Duration `json:"backoff_base,omitempty"`
	BackoffCap  time.Duration `json:"backoff_cap,omitempty"`
}

// Backoff returns the delay before restart attempt n (0-based): base*2^n,
// capped.
func (p RestartPolicy) Backoff(n int, defBase, defCap time.Duration) time.Duration {
	base, limit := p.BackoffBase, p.BackoffCap
	if base <= 0 {
		base = defBase
	}
	if limit <= 0 {
		limit = defCap
	}
	d := base
	for i := 0; i < n && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// Descriptor is the static declaration of one service. It is immutable once
// the registry has been loaded.
type Descriptor struct {
	Name      string         `json:"name"`
	Launch    process.Launch `json:"-"`
	WorkDir   string         `json:"workdir,omitempty"`
	Env       []string       `json:"env,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Priority  int            `json:"priority"`
	Health    *HealthCheck   `json:"health,omitempty"`
	Restart   RestartPolicy  `json:"restart"`
	Ports     []int          `json:"ports,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	StopGrace time.Duration  `json:"stop_grace,omitempty"` // 0 uses the engine default
	Log       logger.Config  `json:"log"`
}

// HasTag reports whether the descriptor carries tag.
func (d Descriptor) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// Selection picks a subset of services. An empty selection matches
// everything. Names, when set, match exactly; otherwise a service matches if
// it has any of Tags (or Tags is empty) and none of Exclude.
type Selection struct {
	Names   []string `json:"names,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// All selects every service.
var All = Selection{}

func (s Selection) Match(d Descriptor) bool {
	if len(s.Names) > 0 {
		return slices.Contains(s.Names, d.Name)
	}
	for _, t := range s.Exclude {
		if d.HasTag(t) {
			return false
		}
	}
	if len(s.Tags) == 0 {
		return true
	}
	for _, t := range s.Tags {
		if d.HasTag(t) {
			return true
		}
	}
	return false
}
