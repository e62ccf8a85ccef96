package resolver

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graph(names []string, deps map[string][]string) registry.Graph {
	idx := map[string]registry.Index{}
	for i, n := range names {
		idx[n] = registry.Index(i)
	}
	g := registry.Graph{Names: names, Priority: make([]int, len(names)), Deps: make([][]registry.Index, len(names))}
	for n, ds := range deps {
		for _, d := range ds {
			g.Deps[idx[n]] = append(g.Deps[idx[n]], idx[d])
		}
	}
	return g
}

func names(g registry.Graph, tiers []Tier) [][]string {
	var out [][]string
	for _, t := range tiers {
		var row []string
		for _, i := range t {
			row = append(row, g.Names[i])
		}
		out = append(out, row)
	}
	return out
}

func TestTiersWebStack(t *testing.T) {
	g := graph([]string{"web", "api", "db", "cache"}, map[string][]string{
		"api": {"db", "cache"},
		"web": {"api"},
	})
	tiers, err := Tiers(g, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cache", "db"}, {"api"}, {"web"}}, names(g, tiers))
}

func TestTiersOrderByPriorityThenName(t *testing.T) {
	g := graph([]string{"b", "a", "c"}, nil)
	g.Priority = []int{0, 5, 0}
	tiers, err := Tiers(g, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b", "c", "a"}}, names(g, tiers))
}

func TestTiersCycle(t *testing.T) {
	g := graph([]string{"root", "a", "b", "c"}, map[string][]string{
		"a": {"c"}, "b": {"a"}, "c": {"b", "root"},
	})
	_, err := Tiers(g, nil)
	var cy *orcherr.CycleDetectedError
	require.True(t, errors.As(err, &cy))
	assert.Equal(t, []string{"a", "b", "c"}, cy.Members)
	assert.True(t, orcherr.IsConfig(err))
}

func TestTiersSubsetTreatsExcludedDepsAsSatisfied(t *testing.T) {
	g := graph([]string{"db", "api", "web"}, map[string][]string{"api": {"db"}, "web": {"api"}})
	tiers, err := Tiers(g, []registry.Index{1, 2})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"api"}, {"web"}}, names(g, tiers))
	assert.Equal(t, []registry.Index{1, 2}, Flatten(tiers))
}

// Every dependency of a service in tier i sits in a tier < i.
func TestTiersPropertyRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(25)
		g := registry.Graph{Names: make([]string, n), Priority: make([]int, n), Deps: make([][]registry.Index, n)}
		for i := 0; i < n; i++ {
			g.Names[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
			g.Priority[i] = rng.Intn(3)
			// edges only to lower indices keep the graph acyclic
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					g.Deps[i] = append(g.Deps[i], registry.Index(j))
				}
			}
		}
		tiers, err := Tiers(g, nil)
		require.NoError(t, err)
		tierOf := make([]int, n)
		seen := 0
		for ti, tier := range tiers {
			seen += len(tier)
			for _, i := range tier {
				tierOf[i] = ti
			}
		}
		require.Equal(t, n, seen)
		for i := 0; i < n; i++ {
			for _, d := range g.Deps[i] {
				require.Less(t, tierOf[d], tierOf[i], "round %d: %s depends on %s", round, g.Names[i], g.Names[d])
			}
			if len(g.Deps[i]) == 0 {
				require.Equal(t, 0, tierOf[i])
			}
		}
	}
}
