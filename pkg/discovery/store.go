// Package discovery holds an in-memory view of switches, links and hosts and
// publishes change notifications for it.
package discovery

import (
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/gaissmai/bart"

	"github.com/openconfig/spf-simulator/pkg/api"
)

// Store implements api.Discovery and api.HostDirectory. Every mutation is
// applied before the matching event is published, so a consumer handling the
// event always sees a snapshot at least as new as the event.
type Store struct {
	mu       sync.RWMutex
	switches map[api.SwitchID]struct{}
	links    map[api.Link]struct{}
	hosts    map[string]api.Host
	byIP     *bart.Table[string]

	events    chan<- api.Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an empty Store. events may be nil.
func New(events chan<- api.Event) *Store {
	return &Store{
		switches: make(map[api.SwitchID]struct{}),
		links:    make(map[api.Link]struct{}),
		hosts:    make(map[string]api.Host),
		byIP:     new(bart.Table[string]),
		events:   events,
		done:     make(chan struct{}),
	}
}

// Close stops event delivery and releases publishers blocked on a full
// channel. Mutations after Close still apply.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Store) publish(ev api.Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Switches returns the known switches in ascending order.
func (s *Store) Switches() []api.SwitchID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.SwitchID, 0, len(s.switches))
	for id := range s.switches {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Links returns the known links.
func (s *Store) Links() []api.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Link, 0, len(s.links))
	for l := range s.links {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b api.Link) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// Hosts returns the known hosts ordered by MAC address.
func (s *Store) Hosts() []api.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, cloneHost(h))
	}
	slices.SortFunc(out, func(a, b api.Host) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

// Host returns the host with the given MAC address.
func (s *Store) Host(mac net.HardwareAddr) (api.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[mac.String()]
	return cloneHost(h), ok
}

// HostByIP returns the host owning an IPv4 address.
func (s *Store) HostByIP(addr netip.Addr) (api.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byIP.Lookup(addr)
	if !ok {
		return api.Host{}, false
	}
	h, ok := s.hosts[key]
	if !ok || h.IPv4 != addr {
		return api.Host{}, false
	}
	return cloneHost(h), true
}

// AddSwitch records a switch.
func (s *Store) AddSwitch(id api.SwitchID) {
	s.mu.Lock()
	s.switches[id] = struct{}{}
	s.mu.Unlock()
	s.publish(api.Event{Type: api.SwitchAdded, Switch: id})
}

// RemoveSwitch forgets a switch and every link touching it. Hosts attached to
// it become unattached.
func (s *Store) RemoveSwitch(id api.SwitchID) {
	var detached []api.Host
	s.mu.Lock()
	delete(s.switches, id)
	for l := range s.links {
		if l.Src == id || l.Dst == id {
			delete(s.links, l)
		}
	}
	for k, h := range s.hosts {
		if h.Attachment != nil && h.Attachment.Switch == id {
			h.Attachment = nil
			s.hosts[k] = h
			detached = append(detached, cloneHost(h))
		}
	}
	s.mu.Unlock()

	s.publish(api.Event{Type: api.SwitchRemoved, Switch: id})
	for _, h := range detached {
		s.publish(api.Event{Type: api.HostMoved, Host: h})
	}
}

// AddLink records a link. Both ends are recorded as switches.
func (s *Store) AddLink(l api.Link) {
	s.mu.Lock()
	s.links[l] = struct{}{}
	s.switches[l.Src] = struct{}{}
	s.switches[l.Dst] = struct{}{}
	s.mu.Unlock()
	s.publish(api.Event{Type: api.LinkAdded, Link: l})
}

// RemoveLink forgets a link in both directions.
func (s *Store) RemoveLink(l api.Link) {
	s.mu.Lock()
	delete(s.links, l)
	delete(s.links, l.Reverse())
	s.mu.Unlock()
	s.publish(api.Event{Type: api.LinkRemoved, Link: l})
}

// AddHost records a host, replacing any host with the same MAC address. The
// replaced host is carried in the event's Previous field.
func (s *Store) AddHost(h api.Host) {
	h = cloneHost(h)
	ev := api.Event{Type: api.HostAdded, Host: cloneHost(h)}
	s.mu.Lock()
	if old, ok := s.hosts[h.Key()]; ok {
		prev := cloneHost(old)
		ev.Previous = &prev
	}
	s.putHost(h)
	s.mu.Unlock()
	s.publish(ev)
}

// MoveHost changes the attachment point of a known host. A nil attachment
// detaches the host. It reports false for unknown hosts.
func (s *Store) MoveHost(mac net.HardwareAddr, at *api.AttachmentPoint) bool {
	s.mu.Lock()
	h, ok := s.hosts[mac.String()]
	if !ok {
		s.mu.Unlock()
		return false
	}
	h.Attachment = nil
	if at != nil {
		a := *at
		h.Attachment = &a
	}
	s.putHost(h)
	s.mu.Unlock()
	s.publish(api.Event{Type: api.HostMoved, Host: cloneHost(h)})
	return true
}

// RemoveHost forgets a host. It reports false for unknown hosts.
func (s *Store) RemoveHost(mac net.HardwareAddr) bool {
	s.mu.Lock()
	h, ok := s.hosts[mac.String()]
	if ok {
		delete(s.hosts, h.Key())
		if h.IPv4.IsValid() {
			s.byIP.Delete(netip.PrefixFrom(h.IPv4, h.IPv4.BitLen()))
		}
	}
	s.mu.Unlock()
	if ok {
		s.publish(api.Event{Type: api.HostRemoved, Host: cloneHost(h)})
	}
	return ok
}

// putHost must be called with the lock held.
func (s *Store) putHost(h api.Host) {
	if old, ok := s.hosts[h.Key()]; ok && old.IPv4.IsValid() && old.IPv4 != h.IPv4 {
		s.byIP.Delete(netip.PrefixFrom(old.IPv4, old.IPv4.BitLen()))
	}
	s.hosts[h.Key()] = h
	if h.IPv4.IsValid() {
		s.byIP.Insert(netip.PrefixFrom(h.IPv4, h.IPv4.BitLen()), h.Key())
	}
}

func cloneHost(h api.Host) api.Host {
	if h.MAC != nil {
		h.MAC = slices.Clone(h.MAC)
	}
	if h.Attachment != nil {
		a := *h.Attachment
		h.Attachment = &a
	}
	return h
}
