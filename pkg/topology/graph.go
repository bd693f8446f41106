// Package topology builds the switch adjacency model used for path
// computation.
package topology

import (
	"encoding/binary"
	"hash/fnv"
	"slices"

	"github.com/openconfig/spf-simulator/pkg/api"
)

// Edge is an outbound adjacency of a switch.
type Edge struct {
	Neighbor api.SwitchID
	// Port is the egress port on the owning switch.
	Port api.Port
	// PeerPort is the ingress port on the neighbour.
	PeerPort api.Port
}

// Graph is an immutable adjacency model of switches and bidirectional links.
type Graph struct {
	adj      map[api.SwitchID][]Edge
	switches []api.SwitchID
	implicit []api.SwitchID
	edges    int
	fp       uint64
}

// Build returns the graph for the given snapshot. Duplicate links are
// collapsed, every link also yields its reverse edge, and switches referenced
// only by links are added as nodes.
func Build(switches []api.SwitchID, links []api.Link) *Graph {
	g := &Graph{adj: make(map[api.SwitchID][]Edge)}
	for _, sw := range switches {
		if _, ok := g.adj[sw]; !ok {
			g.adj[sw] = nil
		}
	}

	seen := make(map[api.Link]struct{}, 2*len(links))
	add := func(l api.Link) {
		if _, ok := seen[l]; ok {
			return
		}
		seen[l] = struct{}{}
		g.adj[l.Src] = append(g.adj[l.Src], Edge{Neighbor: l.Dst, Port: l.SrcPort, PeerPort: l.DstPort})
		g.edges++
	}
	for _, l := range links {
		for _, id := range []api.SwitchID{l.Src, l.Dst} {
			if _, ok := g.adj[id]; !ok {
				g.adj[id] = nil
				g.implicit = append(g.implicit, id)
			}
		}
		// Self-loops carry no traffic between switches.
		if l.Src == l.Dst {
			continue
		}
		add(l)
		add(l.Reverse())
	}

	for id, edges := range g.adj {
		slices.SortFunc(edges, compareEdges)
		g.adj[id] = edges
		g.switches = append(g.switches, id)
	}
	slices.Sort(g.switches)
	slices.Sort(g.implicit)
	g.fp = g.fingerprint()
	return g
}

func compareEdges(a, b Edge) int {
	switch {
	case a.Neighbor != b.Neighbor:
		if a.Neighbor < b.Neighbor {
			return -1
		}
		return 1
	case a.Port != b.Port:
		if a.Port < b.Port {
			return -1
		}
		return 1
	case a.PeerPort < b.PeerPort:
		return -1
	case a.PeerPort > b.PeerPort:
		return 1
	}
	return 0
}

// Has reports whether the switch is a node of the graph.
func (g *Graph) Has(id api.SwitchID) bool {
	_, ok := g.adj[id]
	return ok
}

// Neighbors returns the outbound edges of a switch ordered by neighbour id,
// then port. The returned slice must not be modified.
func (g *Graph) Neighbors(id api.SwitchID) []Edge {
	return g.adj[id]
}

// Switches returns all switch ids in ascending order.
func (g *Graph) Switches() []api.SwitchID {
	return slices.Clone(g.switches)
}

// Implicit returns the switches that were referenced by a link but missing
// from the switch snapshot.
func (g *Graph) Implicit() []api.SwitchID {
	return slices.Clone(g.implicit)
}

// Len returns the number of switches.
func (g *Graph) Len() int {
	return len(g.switches)
}

// EdgeCount returns the number of directed edges, reverse edges included.
func (g *Graph) EdgeCount() int {
	return g.edges
}

// Fingerprint returns a hash of the node and edge sets. Two graphs built from
// snapshots with the same structure have the same fingerprint regardless of
// input order or duplication.
func (g *Graph) Fingerprint() uint64 {
	return g.fp
}

func (g *Graph) fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	for _, id := range g.switches {
		put(uint64(id))
		edges := g.adj[id]
		put(uint64(len(edges)))
		for _, e := range edges {
			put(uint64(e.Neighbor))
			put(uint64(e.Port)<<32 | uint64(e.PeerPort))
		}
	}
	return h.Sum64()
}

// Fingerprint returns the fingerprint of the graph that Build would return
// for the snapshot.
func Fingerprint(switches []api.SwitchID, links []api.Link) uint64 {
	return Build(switches, links).Fingerprint()
}
