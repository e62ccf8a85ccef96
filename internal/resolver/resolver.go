// Package resolver orders services into start tiers.
package resolver

import (
	"sort"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
)

// Tier is a set of services with no dependency on each other.
type Tier []registry.Index

// Tiers peels g with Kahn's algorithm. Tier 0 holds every included service
// with no dependencies; tier i holds the services whose dependencies all sit
// in earlier tiers. Within a tier services are ordered by priority, then name.
//
// include limits the run to a subset (nil means every node). Dependencies of
// an included node that are themselves excluded are treated as satisfied.
func Tiers(g registry.Graph, include []registry.Index) ([]Tier, error) {
	n := g.Len()
	in := make([]bool, n)
	if include == nil {
		for i := range in {
			in[i] = true
		}
	} else {
		for _, i := range include {
			in[i] = true
		}
	}

	indegree := make([]int, n)
	dependents := make([][]registry.Index, n)
	remaining := 0
	for i := 0; i < n; i++ {
		if !in[i] {
			continue
		}
		remaining++
		for _, d := range g.Deps[i] {
			if !in[d] {
				continue
			}
			indegree[i]++
			dependents[d] = append(dependents[d], registry.Index(i))
		}
	}

	var frontier Tier
	for i := 0; i < n; i++ {
		if in[i] && indegree[i] == 0 {
			frontier = append(frontier, registry.Index(i))
		}
	}

	var tiers []Tier
	for len(frontier) > 0 {
		sortTier(g, frontier)
		tiers = append(tiers, frontier)
		remaining -= len(frontier)
		var next Tier
		for _, i := range frontier {
			for _, j := range dependents[i] {
				indegree[j]--
				if indegree[j] == 0 {
					next = append(next, j)
				}
			}
		}
		frontier = next
	}

	if remaining > 0 {
		var members []string
		for i := 0; i < n; i++ {
			if in[i] && indegree[i] > 0 {
				members = append(members, g.Names[i])
			}
		}
		sort.Strings(members)
		return nil, &orcherr.CycleDetectedError{Members: members}
	}
	return tiers, nil
}

func sortTier(g registry.Graph, t Tier) {
	sort.Slice(t, func(a, b int) bool {
		pa, pb := g.Priority[t[a]], g.Priority[t[b]]
		if pa != pb {
			return pa < pb
		}
		return g.Names[t[a]] < g.Names[t[b]]
	})
}

// Flatten returns the tiers' members in start order.
func Flatten(tiers []Tier) []registry.Index {
	var out []registry.Index
	for _, t := range tiers {
		out = append(out, t...)
	}
	return out
}
