// Package spf computes unit-cost shortest-path next-hop tables over a
// topology graph.
package spf

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/rib"
	"github.com/openconfig/spf-simulator/pkg/topology"
)

// ErrUnknownSwitch is returned when the source switch is not in the graph.
var ErrUnknownSwitch = errors.New("unknown switch")

const linkCost = 1

type item struct {
	id   api.SwitchID
	dist int
}

// queue is a min-heap ordered by distance, then switch id.
type queue []item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].id < q[j].id
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// ComputeFromSource runs Dijkstra from src and returns, for every reachable
// switch, the first hop out of src and the hop count. src itself maps to a
// zero-cost entry. Unreachable switches have no entry.
func ComputeFromSource(src api.SwitchID, g *topology.Graph) (rib.Routes, error) {
	if !g.Has(src) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSwitch, src)
	}

	dist := map[api.SwitchID]int{src: 0}
	// first holds the neighbour of src and the egress port on src that lead
	// toward each switch.
	first := make(map[api.SwitchID]api.RouteEntry)
	visited := make(map[api.SwitchID]bool, g.Len())

	q := &queue{{id: src, dist: 0}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(item)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true

		for _, e := range g.Neighbors(cur.id) {
			if visited[e.Neighbor] {
				continue
			}
			nd := cur.dist + linkCost
			if old, ok := dist[e.Neighbor]; ok && nd >= old {
				continue
			}
			dist[e.Neighbor] = nd
			if cur.id == src {
				first[e.Neighbor] = api.RouteEntry{NextHop: e.Neighbor, Port: e.Port}
			} else {
				first[e.Neighbor] = first[cur.id]
			}
			heap.Push(q, item{id: e.Neighbor, dist: nd})
		}
	}

	routes := make(rib.Routes, len(dist))
	for id, d := range dist {
		if id == src {
			routes[id] = api.RouteEntry{}
			continue
		}
		e := first[id]
		e.Cost = d
		routes[id] = e
	}
	return routes, nil
}

// Engine computes complete routing tables.
type Engine struct {
	log *slog.Logger
}

// New creates an Engine.
func New(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log.With("component", "spf")}
}

// ComputeAll computes the routes from every switch of g.
func (e *Engine) ComputeAll(g *topology.Graph) (*rib.Table, error) {
	if g == nil {
		return nil, errors.New("spf: nil graph")
	}
	routes := make(map[api.SwitchID]rib.Routes, g.Len())
	for _, src := range g.Switches() {
		r, err := ComputeFromSource(src, g)
		if err != nil {
			if errors.Is(err, ErrUnknownSwitch) {
				e.log.Warn("skipping source", "switch", src, "err", err)
				continue
			}
			return nil, err
		}
		routes[src] = r
	}
	e.log.Debug("computed routing table", "switches", g.Len(), "edges", g.EdgeCount())
	return rib.NewTable(g.Fingerprint(), routes), nil
}
