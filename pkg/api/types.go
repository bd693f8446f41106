package api

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/gopacket/gopacket/layers"
)

// SwitchID is the datapath identifier of a switch.
type SwitchID uint64

func (s SwitchID) String() string {
	return fmt.Sprintf("s%d", uint64(s))
}

// Port is a switch port number.
type Port uint32

// Link is a directed edge between two switch ports, as reported by discovery.
type Link struct {
	Src     SwitchID
	SrcPort Port
	Dst     SwitchID
	DstPort Port
}

// Reverse returns the link in the opposite direction. The egress port of the
// reverse link is the ingress port of l and vice versa.
func (l Link) Reverse() Link {
	return Link{
		Src:     l.Dst,
		SrcPort: l.DstPort,
		Dst:     l.Src,
		DstPort: l.SrcPort,
	}
}

func (l Link) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", l.Src, l.SrcPort, l.Dst, l.DstPort)
}

// AttachmentPoint is the switch port a host is connected to.
type AttachmentPoint struct {
	Switch SwitchID
	Port   Port
}

func (a AttachmentPoint) String() string {
	return fmt.Sprintf("%s:%d", a.Switch, a.Port)
}

// Host is an end system. Hosts are identified by MAC address.
type Host struct {
	Name string
	MAC  net.HardwareAddr
	// IPv4 is the zero Addr when the host has no known address.
	IPv4 netip.Addr
	// Attachment is nil when the host is not attached to any switch.
	Attachment *AttachmentPoint
}

// Key returns the identity of the host.
func (h Host) Key() string {
	return h.MAC.String()
}

// Equal reports whether h and o are the same host.
func (h Host) Equal(o Host) bool {
	return h.Key() == o.Key()
}

// Attached reports whether the host has a known attachment point.
func (h Host) Attached() bool {
	return h.Attachment != nil
}

// Routable reports whether rules can be installed toward the host.
func (h Host) Routable() bool {
	return h.IPv4.Is4() && h.Attached()
}

func (h Host) String() string {
	name := h.Name
	if name == "" {
		name = h.Key()
	}
	if h.Attachment == nil {
		return name + "@unattached"
	}
	return name + "@" + h.Attachment.String()
}

// RouteEntry is the forwarding decision at one switch toward one destination
// switch.
type RouteEntry struct {
	// NextHop is the neighbour to forward to. It is zero when the source is
	// the destination.
	NextHop SwitchID
	// Port is the egress port on the source switch facing NextHop.
	Port Port
	// Cost is the number of hops to the destination.
	Cost int
}

// HasNextHop reports whether the entry forwards to another switch.
func (e RouteEntry) HasNextHop() bool {
	return e.Cost > 0
}

// Hop is one step of an expanded path.
type Hop struct {
	Switch  SwitchID
	OutPort Port
}

// NextHopper answers next-hop queries. It is implemented by routing tables
// regardless of how they store paths internally.
type NextHopper interface {
	NextHop(src, dst SwitchID) (RouteEntry, bool)
	// Len returns the number of switches known to the table.
	Len() int
}

// Match selects the packets a rule applies to.
type Match struct {
	EthType layers.EthernetType
	IPv4Dst netip.Addr
	// EthDst is optional.
	EthDst net.HardwareAddr
}

// Key returns a string uniquely identifying the match, for use as a map key.
func (m Match) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "eth_type=0x%04x", uint16(m.EthType))
	if m.IPv4Dst.IsValid() {
		fmt.Fprintf(&b, ",ipv4_dst=%s", m.IPv4Dst)
	}
	if len(m.EthDst) > 0 {
		fmt.Fprintf(&b, ",eth_dst=%s", m.EthDst)
	}
	return b.String()
}

func (m Match) String() string {
	return m.Key()
}

// ActionKind is the type of an action applied by a rule.
type ActionKind string

const (
	// Output forwards the packet out of a port.
	Output ActionKind = "OUTPUT"
)

// Action is a single forwarding action.
type Action struct {
	Kind ActionKind
	Port Port
}

func (a Action) String() string {
	return fmt.Sprintf("%s:%d", a.Kind, a.Port)
}

// Rule is a forwarding rule for one switch table.
type Rule struct {
	Switch      SwitchID
	TableID     uint8
	Priority    uint16
	Match       Match
	Actions     []Action
	IdleTimeout time.Duration
	HardTimeout time.Duration
}

func (r Rule) String() string {
	return fmt.Sprintf("%s table=%d prio=%d %s -> %v", r.Switch, r.TableID, r.Priority, r.Match, r.Actions)
}

// RuleInstaller installs and removes rules on devices. Both calls are atomic
// and synchronous. Removing a rule that does not exist is not an error.
type RuleInstaller interface {
	Install(ctx context.Context, rule Rule) error
	Remove(ctx context.Context, sw SwitchID, tableID uint8, match Match) error
}

// Discovery supplies the current topology snapshot.
type Discovery interface {
	Switches() []SwitchID
	Links() []Link
}

// HostDirectory supplies the currently known hosts.
type HostDirectory interface {
	Hosts() []Host
	Host(mac net.HardwareAddr) (Host, bool)
	HostByIP(addr netip.Addr) (Host, bool)
}

// ActionType defines the type of update (Add or Delete).
type ActionType string

const (
	// Add indicates a rule addition or update.
	Add ActionType = "ADD"
	// Delete indicates a rule removal.
	Delete ActionType = "DELETE"
)

// RuleUpdate represents a change to a switch flow table. It is emitted by the
// fabric and consumed by the telemetry server.
type RuleUpdate struct {
	Action ActionType
	Rule   Rule
}

// EventType identifies a topology or host notification.
type EventType string

const (
	LinkAdded     EventType = "LINK_ADDED"
	LinkRemoved   EventType = "LINK_REMOVED"
	SwitchAdded   EventType = "SWITCH_ADDED"
	SwitchRemoved EventType = "SWITCH_REMOVED"
	HostAdded     EventType = "HOST_ADDED"
	HostRemoved   EventType = "HOST_REMOVED"
	HostMoved     EventType = "HOST_MOVED"
	// TopologyChanged is an explicit signal from discovery that the switch or
	// link set changed.
	TopologyChanged EventType = "TOPOLOGY_CHANGED"
)

// Event is a notification delivered to the coordinator. Only the field
// matching Type is meaningful.
type Event struct {
	Type   EventType
	Switch SwitchID
	Link   Link
	Host   Host
	// Previous is the host replaced by a HostAdded event, if any.
	Previous *Host
}

func (e Event) String() string {
	switch e.Type {
	case LinkAdded, LinkRemoved:
		return fmt.Sprintf("%s %s", e.Type, e.Link)
	case SwitchAdded, SwitchRemoved:
		return fmt.Sprintf("%s %s", e.Type, e.Switch)
	case HostAdded, HostRemoved, HostMoved:
		return fmt.Sprintf("%s %s", e.Type, e.Host)
	}
	return string(e.Type)
}
