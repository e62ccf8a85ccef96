package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func svc(name string, deps ...string) Descriptor {
	return Descriptor{Name: name, Launch: process.DirectExecutable{Command: "sleep 60"}, DependsOn: deps}
}

func tagged(d Descriptor, tags ...string) Descriptor {
	d.Tags = tags
	return d
}

func TestLoadBuildsGraph(t *testing.T) {
	r, err := Load([]Descriptor{svc("db"), svc("cache"), svc("api", "db", "cache"), svc("web", "api")})
	require.NoError(t, err)
	assert.Equal(t, 4, r.Len())

	api, ok := r.Index("api")
	require.True(t, ok)
	db, _ := r.Index("db")
	cache, _ := r.Index("cache")
	web, _ := r.Index("web")
	assert.ElementsMatch(t, []Index{db, cache}, r.Deps(api))
	assert.Equal(t, []Index{api}, r.Dependents(db))
	assert.ElementsMatch(t, []Index{api, web}, r.TransitiveDependents(db))

	g := r.Graph()
	assert.Equal(t, []string{"db", "cache", "api", "web"}, g.Names)
	g.Deps[api] = nil
	assert.Len(t, r.Deps(api), 2, "Graph must return a copy")
}

func TestLoadCollectsAllProblems(t *testing.T) {
	_, err := Load([]Descriptor{
		svc("db"),
		svc("db"),
		svc("api", "nope"),
		{Name: "bad/name", Launch: process.DirectExecutable{Command: "x"}},
		{Name: "nolaunch"},
	})
	var ce *orcherr.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Len(t, ce.Problems, 4)
	assert.Contains(t, err.Error(), `duplicate service name "db"`)
	assert.Contains(t, err.Error(), `depends on unknown service "nope"`)
	assert.True(t, orcherr.IsConfig(err))
}

func TestLoadDetectsCycleMembers(t *testing.T) {
	_, err := Load([]Descriptor{svc("a", "c"), svc("b", "a"), svc("c", "b"), svc("d")})
	var ce *orcherr.ConfigError
	require.True(t, errors.As(err, &ce))
	require.NotEmpty(t, ce.Cycle)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ce.Cycle[:len(ce.Cycle)-1])
	assert.Equal(t, ce.Cycle[0], ce.Cycle[len(ce.Cycle)-1])
	assert.NotContains(t, ce.Cycle, "d")
}

func TestLoadSelfDependencyIsCycle(t *testing.T) {
	_, err := Load([]Descriptor{svc("a", "a")})
	var ce *orcherr.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "a"}, ce.Cycle)
}

func TestLoadValidatesHealthChecks(t *testing.T) {
	bad := []*HealthCheck{
		{URL: "localhost:8080/health"},
		{Kind: CheckHTTP, URL: "ftp://x/health"},
		{Kind: CheckHTTP, URL: "http://x/health", ExpectedStatus: []int{42}},
		{Kind: CheckTCP, Address: "5432"},
		{Kind: CheckCommand},
		{Kind: "grpc"},
	}
	for _, h := range bad {
		d := svc("x")
		d.Health = h
		_, err := Load([]Descriptor{d})
		assert.Error(t, err, "%+v", h)
	}

	good := svc("api")
	good.Health = &HealthCheck{URL: "http://127.0.0.1:3000/healthz", Timeout: time.Second}
	r, err := Load([]Descriptor{good})
	require.NoError(t, err)
	d, err := r.Lookup("api")
	require.NoError(t, err)
	assert.Equal(t, CheckHTTP, d.Health.Kind)
	assert.Empty(t, good.Health.Kind, "input descriptor must not be mutated")
}

func TestLookupUnknown(t *testing.T) {
	r, err := Load([]Descriptor{svc("db")})
	require.NoError(t, err)
	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, orcherr.ErrUnknownService)
}

func TestListByTagAndSelect(t *testing.T) {
	r, err := Load([]Descriptor{
		tagged(svc("db"), "core"),
		tagged(svc("grafana", "db"), "monitoring"),
		tagged(svc("ollama"), "ai"),
		tagged(svc("n8n", "db"), "core"),
		tagged(svc("vault-api"), "core", "dev"),
	})
	require.NoError(t, err)

	var names []string
	for _, d := range r.ListByTag("core") {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"db", "n8n", "vault-api"}, names)
	assert.Equal(t, []string{"ai", "core", "dev", "monitoring"}, r.Tags())

	nameOf := func(ix []Index) []string {
		var out []string
		for _, i := range ix {
			out = append(out, r.At(i).Name)
		}
		return out
	}
	assert.Equal(t, []string{"db", "grafana"}, nameOf(r.Select(Selection{Tags: []string{"monitoring"}})),
		"dependencies are pulled into the selection")
	assert.Equal(t, []string{"db", "n8n"}, nameOf(r.Select(Selection{Tags: []string{"core"}, Exclude: []string{"dev"}})))
	assert.Len(t, r.Select(All), 5)
	assert.Equal(t, []string{"ollama"}, nameOf(r.Select(Selection{Names: []string{"ollama"}})))
}

func TestRestartBackoff(t *testing.T) {
	p := RestartPolicy{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffCap: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0, time.Second, time.Minute))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1, time.Second, time.Minute))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2, time.Second, time.Minute))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(5, time.Second, time.Minute))
	assert.Equal(t, 2*time.Second, RestartPolicy{}.Backoff(1, time.Second, time.Minute))
}

func TestIsSafeName(t *testing.T) {
	for _, ok := range []string{"db", "vault-api", "n8n_1", "a.b"} {
		assert.True(t, IsSafeName(ok), ok)
	}
	for _, bad := range []string{"", "..", "a/b", "a b", `a\b`} {
		assert.False(t, IsSafeName(bad), bad)
	}
}
