package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// TopoOrder returns step indices in a topological order using Kahn's
// algorithm. A graph with a cycle fails with types.ErrInvalidGraph naming
// the steps that could not be ordered.
func TopoOrder(g *types.Graph) ([]int, error) {
	n := len(g.Steps)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for _, e := range g.Edges {
		dependents[e.From] = append(dependents[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != n {
		var stuck []string
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				stuck = append(stuck, g.Steps[i])
			}
		}
		return nil, fmt.Errorf("%w: cycle through steps %s", types.ErrInvalidGraph, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Fingerprint hashes the canonical form of a graph: sorted step names and
// sorted, de-duplicated edges by name. Declaration order does not matter.
func Fingerprint(g *types.Graph) string {
	steps := append([]string(nil), g.Steps...)
	sort.Strings(steps)

	seen := make(map[[2]string]struct{}, len(g.Edges))
	edges := make([][2]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		pair := [2]string{g.Steps[e.From], g.Steps[e.To]}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		edges = append(edges, pair)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})

	h := sha256.New()
	for _, s := range steps {
		fmt.Fprintf(h, "s:%d:%s\n", len(s), s)
	}
	for _, e := range edges {
		fmt.Fprintf(h, "e:%d:%s:%d:%s\n", len(e[0]), e[0], len(e[1]), e[1])
	}
	return hex.EncodeToString(h.Sum(nil))
}
