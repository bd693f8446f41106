package discovery

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openconfig/spf-simulator/pkg/api"
)

func mac(last byte) net.HardwareAddr {
	return net.HardwareAddr{0, 0, 0, 0, 0, last}
}

func drain(ch chan api.Event) []api.EventType {
	var out []api.EventType
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestStore_Topology(t *testing.T) {
	events := make(chan api.Event, 16)
	s := New(events)

	l := api.Link{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1}
	s.AddSwitch(3)
	s.AddLink(l)
	assert.Equal(t, []api.SwitchID{1, 2, 3}, s.Switches())
	assert.Equal(t, []api.Link{l}, s.Links())

	s.RemoveLink(l.Reverse())
	assert.Empty(t, s.Links(), "removing either direction removes the link")

	assert.Equal(t, []api.EventType{api.SwitchAdded, api.LinkAdded, api.LinkRemoved}, drain(events))
}

func TestStore_RemoveSwitchDetachesHosts(t *testing.T) {
	events := make(chan api.Event, 16)
	s := New(events)
	s.AddLink(api.Link{Src: 1, SrcPort: 1, Dst: 2, DstPort: 1})
	s.AddHost(api.Host{MAC: mac(1), IPv4: netip.MustParseAddr("10.0.0.1"), Attachment: &api.AttachmentPoint{Switch: 2, Port: 3}})
	drain(events)

	s.RemoveSwitch(2)

	assert.Equal(t, []api.SwitchID{1}, s.Switches())
	assert.Empty(t, s.Links())
	h, ok := s.Host(mac(1))
	require.True(t, ok)
	assert.False(t, h.Attached())
	assert.Equal(t, []api.EventType{api.SwitchRemoved, api.HostMoved}, drain(events))
}

func TestStore_Hosts(t *testing.T) {
	s := New(nil)
	at := &api.AttachmentPoint{Switch: 1, Port: 1}
	s.AddHost(api.Host{Name: "h2", MAC: mac(2), IPv4: netip.MustParseAddr("10.0.0.2"), Attachment: at})
	s.AddHost(api.Host{Name: "h1", MAC: mac(1), IPv4: netip.MustParseAddr("10.0.0.1")})

	// The store keeps its own copy of the attachment point.
	at.Port = 9
	h, ok := s.Host(mac(2))
	require.True(t, ok)
	assert.Equal(t, api.Port(1), h.Attachment.Port)

	hosts := s.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, "h1", hosts[0].Name)

	got, ok := s.HostByIP(netip.MustParseAddr("10.0.0.2"))
	require.True(t, ok)
	assert.Equal(t, "h2", got.Name)
	_, ok = s.HostByIP(netip.MustParseAddr("10.0.0.3"))
	assert.False(t, ok)

	require.True(t, s.MoveHost(mac(1), &api.AttachmentPoint{Switch: 4, Port: 2}))
	h, _ = s.Host(mac(1))
	assert.Equal(t, api.AttachmentPoint{Switch: 4, Port: 2}, *h.Attachment)
	assert.False(t, s.MoveHost(mac(7), nil))

	// Readdressing a host drops the old index entry.
	s.AddHost(api.Host{Name: "h2", MAC: mac(2), IPv4: netip.MustParseAddr("10.0.0.20")})
	_, ok = s.HostByIP(netip.MustParseAddr("10.0.0.2"))
	assert.False(t, ok)
	_, ok = s.HostByIP(netip.MustParseAddr("10.0.0.20"))
	assert.True(t, ok)

	require.True(t, s.RemoveHost(mac(2)))
	assert.False(t, s.RemoveHost(mac(2)))
	_, ok = s.HostByIP(netip.MustParseAddr("10.0.0.20"))
	assert.False(t, ok)
}

func TestStore_AddHostCarriesPrevious(t *testing.T) {
	events := make(chan api.Event, 4)
	s := New(events)
	first := api.Host{Name: "h1", MAC: mac(1), IPv4: netip.MustParseAddr("10.0.0.1"), Attachment: &api.AttachmentPoint{Switch: 1, Port: 1}}
	s.AddHost(first)
	ev := <-events
	assert.Nil(t, ev.Previous)

	s.AddHost(api.Host{Name: "h1", MAC: mac(1), IPv4: netip.MustParseAddr("10.0.0.11")})
	ev = <-events
	require.NotNil(t, ev.Previous)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ev.Previous.IPv4)
	assert.Equal(t, api.AttachmentPoint{Switch: 1, Port: 1}, *ev.Previous.Attachment)
	assert.Equal(t, netip.MustParseAddr("10.0.0.11"), ev.Host.IPv4)
}

func TestStore_CloseReleasesPublisher(t *testing.T) {
	events := make(chan api.Event)
	s := New(events)

	done := make(chan struct{})
	go func() {
		s.AddSwitch(1)
		close(done)
	}()
	s.Close()
	<-done

	s.Close()
	s.AddSwitch(2)
	assert.Equal(t, []api.SwitchID{1, 2}, s.Switches(), "mutations still apply")
}
