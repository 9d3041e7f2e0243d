// Package graph maintains the directed link graph between notes and derives
// a PageRank-style centrality score per note.
//
// Centrality distinguishes hub notes, ones referenced often or referencing
// other well-connected notes, from peripheral ones. It is comparatively
// expensive and changes slowly, so it is recomputed lazily: topology updates
// only mark the scores stale once enough edges have changed, and the next
// read pays for the recompute. Queries never trigger it directly.
package graph

import (
	"math"
	"sort"
	"sync"
)

// Defaults.
const (
	DefaultDamping       = 0.85
	DefaultMaxIterations = 40

	// DefaultRecomputeThreshold is the number of edge changes that marks
	// cached centrality stale.
	DefaultRecomputeThreshold = 1

	// convergenceEpsilon stops iteration early once the scores settle.
	convergenceEpsilon = 1e-6
)

// Edge is one directed reference between two notes.
type Edge struct {
	Source string
	Target string
}

// Options configures centrality computation.
type Options struct {
	Damping            float64
	MaxIterations      int
	RecomputeThreshold int
}

// Graph holds the adjacency structure and cached centrality scores.
type Graph struct {
	opts Options

	mu      sync.RWMutex
	nodes   map[string]bool
	out     map[string][]string
	in      map[string][]string
	edgeSet map[Edge]bool

	scores   map[string]float64
	computed bool
	dirty    int // Edge changes since the last recompute
}

// New creates an empty graph.
func New(opts Options) *Graph {
	if opts.Damping <= 0 || opts.Damping >= 1 {
		opts.Damping = DefaultDamping
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.RecomputeThreshold <= 0 {
		opts.RecomputeThreshold = DefaultRecomputeThreshold
	}
	return &Graph{
		opts:    opts,
		nodes:   make(map[string]bool),
		out:     make(map[string][]string),
		in:      make(map[string][]string),
		edgeSet: make(map[Edge]bool),
	}
}

// Update replaces the topology with the given nodes and edges. Edges whose
// endpoints are not in nodes are dropped. Cached scores stay valid until
// the accumulated change count crosses the recompute threshold.
func (g *Graph) Update(nodes []string, edges []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	edgeSet := make(map[Edge]bool, len(edges))
	out := make(map[string][]string)
	in := make(map[string][]string)
	for _, e := range edges {
		if !nodeSet[e.Source] || !nodeSet[e.Target] || e.Source == e.Target {
			continue
		}
		if edgeSet[e] {
			continue
		}
		edgeSet[e] = true
		out[e.Source] = append(out[e.Source], e.Target)
		in[e.Target] = append(in[e.Target], e.Source)
	}

	// Count the symmetric difference so both additions and removals age
	// the cache.
	changed := 0
	for e := range edgeSet {
		if !g.edgeSet[e] {
			changed++
		}
	}
	for e := range g.edgeSet {
		if !edgeSet[e] {
			changed++
		}
	}
	if len(nodeSet) != len(g.nodes) {
		changed++
	}

	g.nodes = nodeSet
	g.out = out
	g.in = in
	g.edgeSet = edgeSet
	g.dirty += changed
}

// Centrality returns the cached centrality for path, recomputing first if
// the topology has drifted past the threshold. Unknown paths score zero.
func (g *Graph) Centrality(path string) float64 {
	g.refresh()

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.scores[path]
}

// Scores returns a copy of all centrality scores, recomputing if stale.
func (g *Graph) Scores() map[string]float64 {
	g.refresh()

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.scores))
	for k, v := range g.scores {
		out[k] = v
	}
	return out
}

// Neighbors returns the notes directly connected to path in either
// direction, sorted and deduplicated. Used for the activation signal.
func (g *Graph) Neighbors(path string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	for _, n := range g.out[path] {
		seen[n] = true
	}
	for _, n := range g.in[path] {
		seen[n] = true
	}

	neighbors := make([]string, 0, len(seen))
	for n := range seen {
		neighbors = append(neighbors, n)
	}
	sort.Strings(neighbors)
	return neighbors
}

// Size returns node and edge counts.
func (g *Graph) Size() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edgeSet)
}

// refresh recomputes centrality when enough topology change has
// accumulated, or when scores have never been computed.
func (g *Graph) refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.computed && g.dirty < g.opts.RecomputeThreshold {
		return
	}

	g.scores = g.pagerank()
	g.computed = true
	g.dirty = 0
}

// pagerank iterates the damped random-surfer fixed point. Dangling-node
// mass is redistributed uniformly. Caller holds the write lock.
func (g *Graph) pagerank() map[string]float64 {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}
	}

	scores := make(map[string]float64, n)
	for node := range g.nodes {
		scores[node] = 1.0 / float64(n)
	}

	d := g.opts.Damping
	base := (1.0 - d) / float64(n)

	for iter := 0; iter < g.opts.MaxIterations; iter++ {
		next := make(map[string]float64, n)

		var danglingMass float64
		for node := range g.nodes {
			if len(g.out[node]) == 0 {
				danglingMass += scores[node]
			}
		}
		danglingShare := d * danglingMass / float64(n)

		for node := range g.nodes {
			next[node] = base + danglingShare
		}
		for node, targets := range g.out {
			share := d * scores[node] / float64(len(targets))
			for _, t := range targets {
				next[t] += share
			}
		}

		var delta float64
		for node := range g.nodes {
			delta += math.Abs(next[node] - scores[node])
		}
		scores = next
		if delta < convergenceEpsilon {
			break
		}
	}

	return scores
}
