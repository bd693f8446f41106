// Package coordinator reacts to topology and host notifications and keeps
// installed forwarding state consistent with the latest routing table.
//
// All notifications and upward route requests are serialized: a
// recompute-and-reinstall cycle finishes before the next event is handled.
// Route lookups read the table cache without taking part in that
// serialization.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/installer"
	"github.com/openconfig/spf-simulator/pkg/metrics"
	"github.com/openconfig/spf-simulator/pkg/rib"
	"github.com/openconfig/spf-simulator/pkg/spf"
	"github.com/openconfig/spf-simulator/pkg/topology"
)

// ErrUnknownHost is returned for hosts missing from the host directory.
var ErrUnknownHost = errors.New("unknown host")

// State is the coordinator state.
type State int32

const (
	Stable State = iota
	Recomputing
)

func (s State) String() string {
	switch s {
	case Stable:
		return "STABLE"
	case Recomputing:
		return "RECOMPUTING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Engine computes the routing table for a graph. *spf.Engine implements it.
type Engine interface {
	ComputeAll(g *topology.Graph) (*rib.Table, error)
}

// Config holds the collaborators of a Coordinator. Discovery, Hosts and
// Installer are required.
type Config struct {
	Discovery api.Discovery
	Hosts     api.HostDirectory
	Installer *installer.Installer
	Engine    Engine
	Cache     *rib.Cache
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Coordinator owns the recompute-and-reinstall cycle.
type Coordinator struct {
	mu        sync.Mutex
	discovery api.Discovery
	hosts     api.HostDirectory
	installer *installer.Installer
	engine    Engine
	cache     *rib.Cache
	metrics   *metrics.Metrics
	log       *slog.Logger

	state atomic.Int32
	// graph is the graph the cached table was computed on; nil until the
	// first successful recompute.
	graph *topology.Graph
	// retired holds switches of earlier graphs whose rules may still need
	// clearing.
	retired map[api.SwitchID]struct{}
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engine == nil {
		cfg.Engine = spf.New(cfg.Logger)
	}
	if cfg.Cache == nil {
		cfg.Cache = rib.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Coordinator{
		discovery: cfg.Discovery,
		hosts:     cfg.Hosts,
		installer: cfg.Installer,
		engine:    cfg.Engine,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With("component", "coordinator"),
		retired:   make(map[api.SwitchID]struct{}),
	}
}

// Start handles events until the channel is closed or ctx is done.
func (c *Coordinator) Start(ctx context.Context, events <-chan api.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ctx, ev)
		}
	}
}

// Handle processes a single event.
func (c *Coordinator) Handle(ctx context.Context, ev api.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.Events.WithLabelValues(string(ev.Type)).Inc()
	c.log.Debug("event", "event", ev)

	switch ev.Type {
	case api.LinkAdded, api.LinkRemoved, api.SwitchAdded, api.SwitchRemoved:
		c.refresh(ctx, false)
	case api.TopologyChanged:
		c.refresh(ctx, true)
	case api.HostAdded:
		c.log.Info("host added", "host", ev.Host)
		// Rules matching the old address are not reached by routeHost.
		if prev := ev.Previous; prev != nil && (prev.IPv4 != ev.Host.IPv4 || !ev.Host.Routable()) {
			c.removeHost(ctx, *prev)
		}
		c.routeHost(ctx, ev.Host)
	case api.HostRemoved:
		c.log.Info("host removed", "host", ev.Host)
		c.removeHost(ctx, ev.Host)
	case api.HostMoved:
		c.log.Info("host moved", "host", ev.Host)
		c.removeHost(ctx, ev.Host)
		c.routeHost(ctx, ev.Host)
	default:
		c.log.Warn("ignoring unknown event", "type", ev.Type)
	}
}

// Recompute unconditionally rebuilds the routing table from the current
// discovery snapshot and reinstalls all routes.
func (c *Coordinator) Recompute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recompute(ctx, c.snapshot())
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Table returns the active routing table.
func (c *Coordinator) Table() *rib.Table {
	return c.cache.Current()
}

// LookupNextHop returns the active route from src toward dst.
func (c *Coordinator) LookupNextHop(src, dst api.SwitchID) (api.RouteEntry, bool) {
	return c.cache.Lookup(src, dst)
}

// InstallRoute installs the route from the host with MAC src to the host with
// MAC dst using the active table.
func (c *Coordinator) InstallRoute(ctx context.Context, src, dst net.HardwareAddr) bool {
	s, ok := c.hosts.Host(src)
	if !ok {
		c.log.Warn("install route", "err", fmt.Errorf("%w: %s", ErrUnknownHost, src))
		return false
	}
	d, ok := c.hosts.Host(dst)
	if !ok {
		c.log.Warn("install route", "err", fmt.Errorf("%w: %s", ErrUnknownHost, dst))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.install(ctx, c.cache.Current(), s, d) == nil
}

// InstallRouteIP is InstallRoute for hosts identified by IPv4 address.
func (c *Coordinator) InstallRouteIP(ctx context.Context, src, dst netip.Addr) bool {
	s, ok := c.hosts.HostByIP(src)
	if !ok {
		c.log.Warn("install route", "err", fmt.Errorf("%w: %s", ErrUnknownHost, src))
		return false
	}
	d, ok := c.hosts.HostByIP(dst)
	if !ok {
		c.log.Warn("install route", "err", fmt.Errorf("%w: %s", ErrUnknownHost, dst))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.install(ctx, c.cache.Current(), s, d) == nil
}

// RemoveRoute removes the rules toward the host with the given MAC from every
// switch.
func (c *Coordinator) RemoveRoute(ctx context.Context, mac net.HardwareAddr) bool {
	h, ok := c.hosts.Host(mac)
	if !ok {
		c.log.Warn("remove route", "err", fmt.Errorf("%w: %s", ErrUnknownHost, mac))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove(ctx, h, c.allSwitches()) == nil
}

type snapshot struct {
	switches []api.SwitchID
	links    []api.Link
}

func (c *Coordinator) snapshot() snapshot {
	return snapshot{switches: c.discovery.Switches(), links: c.discovery.Links()}
}

// refresh recomputes when forced or when the snapshot graph differs from the
// one the active table was computed on.
func (c *Coordinator) refresh(ctx context.Context, force bool) {
	snap := c.snapshot()
	if !force && c.graph != nil {
		if topology.Fingerprint(snap.switches, snap.links) == c.graph.Fingerprint() {
			c.metrics.Recomputes.WithLabelValues(metrics.ResultSkipped).Inc()
			c.log.Debug("topology unchanged, skipping recompute")
			return
		}
	}
	_ = c.recompute(ctx, snap)
}

func (c *Coordinator) recompute(ctx context.Context, snap snapshot) error {
	c.state.Store(int32(Recomputing))
	defer c.state.Store(int32(Stable))
	start := time.Now()
	defer func() {
		c.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	}()

	g := topology.Build(snap.switches, snap.links)
	if implicit := g.Implicit(); len(implicit) > 0 {
		c.log.Warn("inconsistent topology: links reference unknown switches", "switches", implicit)
	}

	tbl, err := c.compute(g)
	if err != nil {
		c.metrics.Recomputes.WithLabelValues(metrics.ResultError).Inc()
		c.log.Error("recompute failed, keeping previous table", "generation", c.cache.Generation(), "err", err)
		return err
	}

	if c.graph != nil {
		for _, sw := range c.graph.Switches() {
			c.retired[sw] = struct{}{}
		}
	}
	gen := c.cache.Replace(tbl)
	c.graph = g
	c.metrics.Recomputes.WithLabelValues(metrics.ResultOK).Inc()
	c.metrics.Generation.Set(float64(gen))
	c.metrics.Switches.Set(float64(g.Len()))
	c.log.Info("routing table recomputed", "generation", gen, "switches", g.Len(), "edges", g.EdgeCount())

	// Retired switches stay known until a pass has cleared them.
	if c.reinstall(ctx, c.cache.Current()) {
		clear(c.retired)
	}
	return nil
}

func (c *Coordinator) compute(g *topology.Graph) (tbl *rib.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route computation panicked: %v", r)
		}
	}()
	return c.engine.ComputeAll(g)
}

// routable returns the hosts that can be routed, ordered by MAC.
func (c *Coordinator) routable() []api.Host {
	var out []api.Host
	for _, h := range c.hosts.Hosts() {
		if h.Routable() {
			out = append(out, h)
		}
	}
	c.metrics.Hosts.Set(float64(len(out)))
	return out
}

// allSwitches returns every switch that may hold rules: the active graph,
// the discovery snapshot and switches of graphs retired during this cycle.
func (c *Coordinator) allSwitches() []api.SwitchID {
	set := make(map[api.SwitchID]struct{}, len(c.retired))
	for sw := range c.retired {
		set[sw] = struct{}{}
	}
	if c.graph != nil {
		for _, sw := range c.graph.Switches() {
			set[sw] = struct{}{}
		}
	}
	for _, sw := range c.discovery.Switches() {
		set[sw] = struct{}{}
	}
	out := make([]api.SwitchID, 0, len(set))
	for sw := range set {
		out = append(out, sw)
	}
	slices.Sort(out)
	return out
}

// reinstall installs routes for every ordered pair of routable hosts and
// clears rules toward each host from switches no longer on any of its paths.
// It reports whether every stale rule was cleared.
func (c *Coordinator) reinstall(ctx context.Context, tbl *rib.Table) bool {
	hosts := c.routable()
	switches := c.allSwitches()
	failed := 0
	cleared := true
	for _, dst := range hosts {
		if ctx.Err() != nil {
			c.log.Warn("reinstall interrupted", "err", ctx.Err())
			return false
		}
		n, err := c.routeTo(ctx, tbl, dst, hosts, switches)
		failed += n
		if err != nil {
			cleared = false
		}
	}
	c.log.Info("reinstall pass complete", "hosts", len(hosts), "failed", failed)
	return cleared && ctx.Err() == nil
}

// routeTo installs the routes from every host in srcs toward dst and removes
// the rules for dst from every switch that is not on one of those paths. It
// returns the number of failed installs and the error of the removal.
func (c *Coordinator) routeTo(ctx context.Context, tbl *rib.Table, dst api.Host, srcs []api.Host, switches []api.SwitchID) (int, error) {
	onPath := make(map[api.SwitchID]struct{})
	failed := 0
	for _, src := range srcs {
		if src.Equal(dst) {
			continue
		}
		if err := c.install(ctx, tbl, src, dst); err != nil {
			failed++
			continue
		}
		onPath[dst.Attachment.Switch] = struct{}{}
		if src.Attachment.Switch == dst.Attachment.Switch {
			continue
		}
		hops, _ := tbl.Path(src.Attachment.Switch, dst.Attachment.Switch)
		for _, h := range hops {
			onPath[h.Switch] = struct{}{}
		}
	}

	stale := make([]api.SwitchID, 0, len(switches))
	for _, sw := range switches {
		if _, ok := onPath[sw]; !ok {
			stale = append(stale, sw)
		}
	}
	if len(stale) == 0 {
		return failed, nil
	}
	return failed, c.remove(ctx, dst, stale)
}

// routeHost installs the routes toward and from h.
func (c *Coordinator) routeHost(ctx context.Context, h api.Host) {
	if !h.Routable() {
		c.log.Info("host is not routable", "host", h, "ipv4", h.IPv4)
		return
	}
	if c.graph == nil {
		// No table yet; the initial recompute routes every host.
		c.refresh(ctx, true)
		return
	}

	tbl := c.cache.Current()
	hosts := c.routable()
	_, _ = c.routeTo(ctx, tbl, h, hosts, c.allSwitches())
	for _, dst := range hosts {
		if dst.Equal(h) {
			continue
		}
		_ = c.install(ctx, tbl, h, dst)
	}
}

func (c *Coordinator) removeHost(ctx context.Context, h api.Host) {
	_ = c.remove(ctx, h, c.allSwitches())
}

func (c *Coordinator) install(ctx context.Context, tbl *rib.Table, src, dst api.Host) error {
	err := c.installer.InstallRoute(ctx, src, dst, tbl)
	switch {
	case err == nil:
		c.metrics.RouteInstalls.WithLabelValues(metrics.ResultOK).Inc()
	case errors.Is(err, installer.ErrNoPath), errors.Is(err, installer.ErrLoop):
		c.metrics.RouteInstalls.WithLabelValues(metrics.ResultNoPath).Inc()
	default:
		c.metrics.RouteInstalls.WithLabelValues(metrics.ResultError).Inc()
		c.log.Warn("route install failed", "src", src, "dst", dst, "err", err)
	}
	return err
}

func (c *Coordinator) remove(ctx context.Context, h api.Host, switches []api.SwitchID) error {
	err := c.installer.RemoveRoutes(ctx, h, switches)
	if err != nil {
		c.metrics.RouteRemovals.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	c.metrics.RouteRemovals.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}
