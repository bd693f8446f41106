// Package mock generates topology churn against a discovery store.
package mock

import (
	"context"
	"log/slog"
	"time"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/discovery"
)

// Flapper takes the configured links down and up again, one at a time.
type Flapper struct {
	store    *discovery.Store
	links    []api.Link
	interval time.Duration
	log      *slog.Logger

	next int
	down *api.Link
}

// New creates a Flapper cycling through links every interval.
func New(store *discovery.Store, links []api.Link, interval time.Duration, log *slog.Logger) *Flapper {
	if log == nil {
		log = slog.Default()
	}
	return &Flapper{
		store:    store,
		links:    links,
		interval: interval,
		log:      log.With("component", "mock"),
	}
}

// Run steps until ctx is done. A downed link is restored before Run returns;
// its event is dropped if the store has been closed.
func (m *Flapper) Run(ctx context.Context) error {
	if len(m.links) == 0 {
		m.log.Info("no links to flap")
		return nil
	}
	m.log.Info("starting", "links", len(m.links), "interval", m.interval)
	defer func() {
		if m.down != nil {
			m.Step()
		}
		m.log.Info("stopped")
	}()

	for {
		select {
		case <-time.After(m.interval):
			m.Step()
		case <-ctx.Done():
			return nil
		}
	}
}

// Step restores the downed link, or takes the next link down when all are
// up.
func (m *Flapper) Step() {
	if len(m.links) == 0 {
		return
	}
	if m.down != nil {
		m.log.Info("link up", "link", *m.down)
		m.store.AddLink(*m.down)
		m.down = nil
		return
	}
	l := m.links[m.next%len(m.links)]
	m.next++
	m.log.Info("link down", "link", l)
	m.store.RemoveLink(l)
	m.down = &l
}
