package rib

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openconfig/spf-simulator/pkg/api"
)

// lineTable returns the table for switches 1..3 connected 1-2-3, where
// switch i reaches switch i+1 through port 2 and switch i-1 through port 1.
func lineTable() *Table {
	return NewTable(7, map[api.SwitchID]Routes{
		1: {1: {}, 2: {NextHop: 2, Port: 2, Cost: 1}, 3: {NextHop: 2, Port: 2, Cost: 2}},
		2: {1: {NextHop: 1, Port: 1, Cost: 1}, 2: {}, 3: {NextHop: 3, Port: 2, Cost: 1}},
		3: {1: {NextHop: 2, Port: 1, Cost: 2}, 2: {NextHop: 2, Port: 1, Cost: 1}, 3: {}},
	})
}

func TestTable_Path(t *testing.T) {
	tbl := lineTable()

	got, err := tbl.Path(1, 3)
	if err != nil {
		t.Fatalf("Path(1, 3) failed: %v", err)
	}
	want := []api.Hop{{Switch: 1, OutPort: 2}, {Switch: 2, OutPort: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Path(1, 3) mismatch (-want +got):\n%s", diff)
	}

	got, err = tbl.Path(2, 2)
	if err != nil || len(got) != 0 {
		t.Errorf("Expected empty path for src == dst, got %v, %v", got, err)
	}
}

func TestTable_PathNoRoute(t *testing.T) {
	tbl := NewTable(0, map[api.SwitchID]Routes{
		1: {1: {}, 2: {NextHop: 2, Port: 1, Cost: 1}},
		2: {2: {}},
	})
	_, err := tbl.Path(1, 3)
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute, got %v", err)
	}
}

func TestTable_PathLoop(t *testing.T) {
	tbl := NewTable(0, map[api.SwitchID]Routes{
		1: {3: {NextHop: 2, Port: 1, Cost: 2}},
		2: {3: {NextHop: 1, Port: 1, Cost: 2}},
	})
	_, err := tbl.Path(1, 3)
	if !errors.Is(err, ErrLoop) {
		t.Errorf("Expected ErrLoop, got %v", err)
	}
}

func TestTable_Listing(t *testing.T) {
	tbl := lineTable()
	if diff := cmp.Diff([]api.SwitchID{1, 2, 3}, tbl.Sources()); diff != "" {
		t.Errorf("Sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]api.SwitchID{1, 2, 3}, tbl.Destinations(2)); diff != "" {
		t.Errorf("Destinations mismatch (-want +got):\n%s", diff)
	}
	if tbl.Fingerprint() != 7 {
		t.Errorf("Expected fingerprint 7, got %d", tbl.Fingerprint())
	}
}

func TestCache_ReplaceBumpsGeneration(t *testing.T) {
	c := New()
	if c.Generation() != 0 {
		t.Fatalf("Expected generation 0, got %d", c.Generation())
	}
	if _, ok := c.Lookup(1, 2); ok {
		t.Errorf("Expected empty cache to have no routes")
	}

	tbl := lineTable()
	if gen := c.Replace(tbl); gen != 1 {
		t.Errorf("Expected generation 1, got %d", gen)
	}
	if tbl.Generation() != 0 {
		t.Errorf("Replace must not modify the caller's table")
	}
	if c.Current().Generation() != 1 {
		t.Errorf("Expected published table generation 1, got %d", c.Current().Generation())
	}

	e, ok := c.Lookup(1, 3)
	if !ok || e.NextHop != 2 || e.Port != 2 || e.Cost != 2 {
		t.Errorf("Unexpected lookup result %+v, %v", e, ok)
	}

	if gen := c.Replace(NewTable(0, nil)); gen != 2 {
		t.Errorf("Expected generation 2, got %d", gen)
	}
	if _, ok := c.Lookup(1, 3); ok {
		t.Errorf("Expected route to disappear after replace")
	}
}

// Every table written by the writer has all costs equal to its index, so a
// reader holding one table must never see two different costs.
func TestCache_ConcurrentReaders(t *testing.T) {
	c := New()
	mk := func(cost int) *Table {
		routes := make(map[api.SwitchID]Routes)
		for src := api.SwitchID(1); src <= 8; src++ {
			routes[src] = make(Routes)
			for dst := api.SwitchID(1); dst <= 8; dst++ {
				routes[src][dst] = api.RouteEntry{NextHop: dst, Port: 1, Cost: cost}
			}
		}
		return NewTable(uint64(cost), routes)
	}
	c.Replace(mk(1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tbl := c.Current()
				want := int(tbl.Fingerprint())
				for src := api.SwitchID(1); src <= 8; src++ {
					for dst := api.SwitchID(1); dst <= 8; dst++ {
						if e, _ := tbl.NextHop(src, dst); e.Cost != want {
							errs <- "mixed table observed"
							return
						}
					}
				}
			}
		}()
	}
	for i := 2; i < 200; i++ {
		c.Replace(mk(i))
	}
	close(stop)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if c.Generation() != 199 {
		t.Errorf("Expected generation 199, got %d", c.Generation())
	}
}

// Generation is read from the published table, so it never lags behind a
// table a reader already holds.
func TestCache_GenerationFollowsTable(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				held := c.Current().Generation()
				if g := c.Generation(); g < held {
					errs <- "cache generation behind the current table"
					return
				}
			}
		}()
	}
	for i := 0; i < 500; i++ {
		c.Replace(lineTable())
	}
	close(stop)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if got := c.Current().Generation(); got != c.Generation() || got != 500 {
		t.Errorf("Expected generation 500 on both, got table %d cache %d", got, c.Generation())
	}
}
