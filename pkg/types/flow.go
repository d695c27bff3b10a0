// Package types provides shared types for the flowtrack service.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Flow is a registered, immutable step graph.
type Flow struct {
	ID          string         `json:"flow_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Graph       *Graph         `json:"graph"`
	Fingerprint string         `json:"fingerprint"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HasStep reports whether name is a declared step of the flow.
func (f *Flow) HasStep(name string) bool {
	return f.Graph != nil && f.Graph.Index(name) >= 0
}

// Edge is a directed dependency between two steps, by arena index.
type Edge struct {
	From int
	To   int
}

// EdgeSpec is the by-name form of an edge used on the wire.
type EdgeSpec struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Graph stores steps in an arena; edges refer to step positions.
// A Graph is never mutated after construction and may be shared freely.
type Graph struct {
	Steps []string
	Edges []Edge

	index map[string]int
}

// NewGraph builds the arena form of a step graph. Edge endpoints that are
// not declared steps, and duplicate or empty step names, are rejected.
// Acyclicity is checked separately.
func NewGraph(steps []string, edges []EdgeSpec) (*Graph, error) {
	g := &Graph{
		Steps: make([]string, 0, len(steps)),
		Edges: make([]Edge, 0, len(edges)),
		index: make(map[string]int, len(steps)),
	}
	for _, s := range steps {
		if s == "" {
			return nil, fmt.Errorf("%w: empty step name", ErrInvalidGraph)
		}
		if _, dup := g.index[s]; dup {
			return nil, fmt.Errorf("%w: duplicate step %q", ErrInvalidGraph, s)
		}
		g.index[s] = len(g.Steps)
		g.Steps = append(g.Steps, s)
	}
	for _, e := range edges {
		from, ok := g.index[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge references undeclared step %q", ErrInvalidGraph, e.From)
		}
		to, ok := g.index[e.To]
		if !ok {
			return nil, fmt.Errorf("%w: edge references undeclared step %q", ErrInvalidGraph, e.To)
		}
		g.Edges = append(g.Edges, Edge{From: from, To: to})
	}
	return g, nil
}

// Index returns the arena position of a step, or -1.
func (g *Graph) Index(name string) int {
	if g.index == nil {
		for i, s := range g.Steps {
			if s == name {
				return i
			}
		}
		return -1
	}
	if i, ok := g.index[name]; ok {
		return i
	}
	return -1
}

// EdgeSpecs returns the edges in by-name form.
func (g *Graph) EdgeSpecs() []EdgeSpec {
	out := make([]EdgeSpec, len(g.Edges))
	for i, e := range g.Edges {
		out[i] = EdgeSpec{From: g.Steps[e.From], To: g.Steps[e.To]}
	}
	return out
}

type graphJSON struct {
	Steps []string   `json:"steps"`
	Edges []EdgeSpec `json:"edges"`
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{Steps: g.Steps, Edges: g.EdgeSpecs()})
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewGraph(raw.Steps, raw.Edges)
	if err != nil {
		return err
	}
	*g = *built
	return nil
}
