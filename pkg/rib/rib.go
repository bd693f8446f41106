package rib

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openconfig/spf-simulator/pkg/api"
)

var (
	// ErrNoRoute is returned when a switch on a path has no route toward the
	// destination switch.
	ErrNoRoute = errors.New("no route")
	// ErrLoop is returned when following next hops does not reach the
	// destination within the number of known switches.
	ErrLoop = errors.New("forwarding loop")
)

// Routes maps a destination switch to the forwarding decision toward it.
type Routes map[api.SwitchID]api.RouteEntry

// Table is a complete next-hop table for every (source, destination) switch
// pair. A Table is never modified after it has been built.
type Table struct {
	routes      map[api.SwitchID]Routes
	fingerprint uint64
	generation  uint64
	computedAt  time.Time
}

// NewTable creates a table from per-source routes. The table takes ownership
// of routes. fingerprint identifies the graph the routes were computed on.
func NewTable(fingerprint uint64, routes map[api.SwitchID]Routes) *Table {
	if routes == nil {
		routes = make(map[api.SwitchID]Routes)
	}
	return &Table{
		routes:      routes,
		fingerprint: fingerprint,
		computedAt:  time.Now(),
	}
}

// NextHop returns the route from src toward dst.
func (t *Table) NextHop(src, dst api.SwitchID) (api.RouteEntry, bool) {
	e, ok := t.routes[src][dst]
	return e, ok
}

// Len returns the number of source switches in the table.
func (t *Table) Len() int {
	return len(t.routes)
}

// Has reports whether src is a source switch of the table.
func (t *Table) Has(src api.SwitchID) bool {
	_, ok := t.routes[src]
	return ok
}

// Sources returns all source switches in ascending order.
func (t *Table) Sources() []api.SwitchID {
	out := make([]api.SwitchID, 0, len(t.routes))
	for id := range t.routes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Destinations returns the destinations reachable from src in ascending
// order.
func (t *Table) Destinations(src api.SwitchID) []api.SwitchID {
	out := make([]api.SwitchID, 0, len(t.routes[src]))
	for id := range t.routes[src] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Fingerprint identifies the graph the table was computed on.
func (t *Table) Fingerprint() uint64 {
	return t.fingerprint
}

// Generation is the cache generation the table was published as. It is zero
// for tables that were never published.
func (t *Table) Generation() uint64 {
	return t.generation
}

// ComputedAt returns when the table was built.
func (t *Table) ComputedAt() time.Time {
	return t.computedAt
}

// Path expands the next hops from src to dst.
func (t *Table) Path(src, dst api.SwitchID) ([]api.Hop, error) {
	return Walk(t, src, dst)
}

// Walk follows next hops from src until dst is reached. The returned hops
// cover every switch before dst, each with its egress port. Walk returns an
// empty path when src equals dst.
func Walk(nh api.NextHopper, src, dst api.SwitchID) ([]api.Hop, error) {
	hops := make([]api.Hop, 0)
	cur := src
	for cur != dst {
		if len(hops) >= nh.Len() {
			return nil, fmt.Errorf("%w: %s to %s after %d hops", ErrLoop, src, dst, len(hops))
		}
		e, ok := nh.NextHop(cur, dst)
		if !ok || !e.HasNextHop() {
			return nil, fmt.Errorf("%w: %s has no route to %s", ErrNoRoute, cur, dst)
		}
		hops = append(hops, api.Hop{Switch: cur, OutPort: e.Port})
		cur = e.NextHop
	}
	return hops, nil
}

// Cache holds the active routing table. Readers always observe a complete
// table; Replace swaps tables atomically.
type Cache struct {
	mu      sync.Mutex
	current atomic.Pointer[Table]
}

// New creates a cache holding an empty table.
func New() *Cache {
	c := &Cache{}
	c.current.Store(NewTable(0, nil))
	return c
}

// Replace publishes t as the active table and returns its generation.
func (c *Cache) Replace(t *Table) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.current.Load().generation + 1
	published := *t
	published.generation = gen
	c.current.Store(&published)
	return gen
}

// Current returns the active table. Callers that issue several lookups which
// must agree with each other should hold on to the returned table instead of
// calling Lookup repeatedly.
func (c *Cache) Current() *Table {
	return c.current.Load()
}

// Lookup returns the route from src toward dst in the active table.
func (c *Cache) Lookup(src, dst api.SwitchID) (api.RouteEntry, bool) {
	return c.current.Load().NextHop(src, dst)
}

// Generation returns the number of tables published so far. It is the
// generation of the table Current returns.
func (c *Cache) Generation() uint64 {
	return c.current.Load().generation
}
