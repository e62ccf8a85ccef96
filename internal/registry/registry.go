// Package registry holds the validated set of service descriptors and their
// dependency graph, stored as an arena of descriptors plus index adjacency.
package registry

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/loykin/stackup/internal/orcherr"
)

// Graph is the raw dependency graph consumed by the resolver.
type Graph struct {
	Names    []string
	Priority []int
	Deps     [][]Index
}

// Len returns the number of nodes.
func (g Graph) Len() int { return len(g.Names) }

type Registry struct {
	descs      []Descriptor
	byName     map[string]Index
	deps       [][]Index
	dependents [][]Index
}

// Load validates descs and builds the registry. Every problem found is
// collected into a single *orcherr.ConfigError.
func Load(descs []Descriptor) (*Registry, error) {
	cerr := &orcherr.ConfigError{}
	r := &Registry{
		descs:  make([]Descriptor, 0, len(descs)),
		byName: make(map[string]Index, len(descs)),
	}
	for _, d := range descs {
		d = cloneDescriptor(d)
		if !IsSafeName(d.Name) {
			cerr.Add("invalid service name %q", d.Name)
			continue
		}
		if _, dup := r.byName[d.Name]; dup {
			cerr.Add("duplicate service name %q", d.Name)
			continue
		}
		if d.Launch == nil {
			cerr.Add("service %q: no launch command", d.Name)
		} else if err := d.Launch.Validate(); err != nil {
			cerr.Add("service %q: %v", d.Name, err)
		}
		if d.Health != nil {
			if err := validateHealth(d.Health); err != nil {
				cerr.Add("service %q: %v", d.Name, err)
			}
		}
		for _, p := range d.Ports {
			if p <= 0 || p > 65535 {
				cerr.Add("service %q: invalid port %d", d.Name, p)
			}
		}
		if d.Restart.MaxRetries < 0 {
			cerr.Add("service %q: negative max_retries", d.Name)
		}
		r.byName[d.Name] = Index(len(r.descs))
		r.descs = append(r.descs, d)
	}

	r.deps = make([][]Index, len(r.descs))
	r.dependents = make([][]Index, len(r.descs))
	for i, d := range r.descs {
		for _, dep := range d.DependsOn {
			j, ok := r.byName[dep]
			if !ok {
				cerr.Add("service %q depends on unknown service %q", d.Name, dep)
				continue
			}
			if slices.Contains(r.deps[i], j) {
				continue
			}
			r.deps[i] = append(r.deps[i], j)
			r.dependents[j] = append(r.dependents[j], Index(i))
		}
	}
	if cycle := r.findCycle(); cycle != nil {
		cerr.Cycle = cycle
	}
	if err := cerr.OrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

func validateHealth(h *HealthCheck) error {
	if h.Kind == "" {
		h.Kind = CheckHTTP
	}
	switch h.Kind {
	case CheckHTTP:
		u, err := url.Parse(h.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("malformed health-check url %q", h.URL)
		}
		for _, s := range h.ExpectedStatus {
			if s < 100 || s > 599 {
				return fmt.Errorf("invalid expected status %d", s)
			}
		}
	case CheckTCP:
		if !strings.Contains(h.Address, ":") {
			return fmt.Errorf("malformed health-check address %q", h.Address)
		}
	case CheckCommand:
		if strings.TrimSpace(h.Command) == "" {
			return fmt.Errorf("empty health-check command")
		}
	default:
		return fmt.Errorf("unknown health-check kind %q", h.Kind)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("negative health-check timeout")
	}
	return nil
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Env = slices.Clone(d.Env)
	d.DependsOn = slices.Clone(d.DependsOn)
	d.Ports = slices.Clone(d.Ports)
	d.Tags = slices.Clone(d.Tags)
	if d.Health != nil {
		h := *d.Health
		h.ExpectedStatus = slices.Clone(h.ExpectedStatus)
		d.Health = &h
	}
	return d
}

// findCycle runs a three-colour DFS and returns the member names of the first
// cycle found, in dependency order, or nil.
func (r *Registry) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(r.descs))
	var stack []Index
	var cycle []string
	var visit func(i Index) bool
	visit = func(i Index) bool {
		color[i] = grey
		stack = append(stack, i)
		for _, j := range r.deps[i] {
			switch color[j] {
			case grey:
				start := slices.Index(stack, j)
				for _, k := range stack[start:] {
					cycle = append(cycle, r.descs[k].Name)
				}
				cycle = append(cycle, r.descs[j].Name)
				return true
			case white:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}
	for i := range r.descs {
		if color[i] == white && visit(Index(i)) {
			return cycle
		}
	}
	return nil
}

// Len returns the number of services.
func (r *Registry) Len() int { return len(r.descs) }

// At returns the descriptor at i.
func (r *Registry) At(i Index) Descriptor { return r.descs[i] }

// Index returns the index of the named service.
func (r *Registry) Index(name string) (Index, bool) {
	i, ok := r.byName[name]
	return i, ok
}

// Lookup returns the named descriptor.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	i, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", orcherr.ErrUnknownService, name)
	}
	return r.descs[i], nil
}

// Names returns all service names in load order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.descs))
	for i, d := range r.descs {
		out[i] = d.Name
	}
	return out
}

// ListByTag returns the descriptors carrying tag, sorted by name.
func (r *Registry) ListByTag(tag string) []Descriptor {
	var out []Descriptor
	for _, d := range r.descs {
		if d.HasTag(tag) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Tags returns every tag in use, sorted.
func (r *Registry) Tags() []string {
	seen := map[string]struct{}{}
	for _, d := range r.descs {
		for _, t := range d.Tags {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Graph returns a copy of the dependency graph.
func (r *Registry) Graph() Graph {
	g := Graph{
		Names:    make([]string, len(r.descs)),
		Priority: make([]int, len(r.descs)),
		Deps:     make([][]Index, len(r.descs)),
	}
	for i, d := range r.descs {
		g.Names[i] = d.Name
		g.Priority[i] = d.Priority
		g.Deps[i] = slices.Clone(r.deps[i])
	}
	return g
}

// Deps returns the direct dependencies of i.
func (r *Registry) Deps(i Index) []Index { return r.deps[i] }

// Dependents returns the services that directly depend on i.
func (r *Registry) Dependents(i Index) []Index { return r.dependents[i] }

// TransitiveDependents returns every service that depends on i, directly or
// not, excluding i itself.
func (r *Registry) TransitiveDependents(i Index) []Index {
	return r.walk([]Index{i}, r.dependents, false)
}

// Select returns the indices matched by sel plus all of their transitive
// dependencies, ascending.
func (r *Registry) Select(sel Selection) []Index {
	var roots []Index
	for i, d := range r.descs {
		if sel.Match(d) {
			roots = append(roots, Index(i))
		}
	}
	return r.walk(roots, r.deps, true)
}

func (r *Registry) walk(roots []Index, edges [][]Index, includeRoots bool) []Index {
	seen := make([]bool, len(r.descs))
	queue := slices.Clone(roots)
	for _, i := range roots {
		if includeRoots {
			seen[i] = true
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, j := range edges[i] {
			if !seen[j] {
				seen[j] = true
				queue = append(queue, j)
			}
		}
	}
	var out []Index
	for i, ok := range seen {
		if ok {
			out = append(out, Index(i))
		}
	}
	return out
}

// IsSafeName validates service names, which end up in file names and
// environment variable names. Allowed: A-Z a-z 0-9 . _ - and no "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
