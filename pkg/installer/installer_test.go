package installer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/fib"
	"github.com/openconfig/spf-simulator/pkg/rib"
	"github.com/openconfig/spf-simulator/pkg/spf"
	"github.com/openconfig/spf-simulator/pkg/topology"
)

func host(name string, last byte, sw api.SwitchID, port api.Port) api.Host {
	return api.Host{
		Name:       name,
		MAC:        net.HardwareAddr{0, 0, 0, 0, 0, last},
		IPv4:       netip.AddrFrom4([4]byte{10, 0, 0, last}),
		Attachment: &api.AttachmentPoint{Switch: sw, Port: port},
	}
}

// lineTable is 1 <-> 2 <-> 3; switch i uses port 2 toward i+1 and port 3
// toward i-1.
func lineTable(t *testing.T) *rib.Table {
	t.Helper()
	g := topology.Build([]api.SwitchID{1, 2, 3}, []api.Link{
		{Src: 1, SrcPort: 2, Dst: 2, DstPort: 3},
		{Src: 2, SrcPort: 2, Dst: 3, DstPort: 3},
	})
	tbl, err := spf.New(nil).ComputeAll(g)
	require.NoError(t, err)
	return tbl
}

func ipOnly() Options {
	return Options{Priority: 10}
}

type hopRule struct {
	Switch api.SwitchID
	Dst    string
	Port   api.Port
}

func summarize(f *fib.Fabric, switches ...api.SwitchID) []hopRule {
	var out []hopRule
	for _, sw := range switches {
		for _, r := range f.Rules(sw) {
			out = append(out, hopRule{Switch: sw, Dst: r.Match.IPv4Dst.String(), Port: r.Actions[0].Port})
		}
	}
	return out
}

func TestInstallRoute_Line(t *testing.T) {
	f := fib.New(nil, nil)
	in := New(f, ipOnly(), nil)
	h1 := host("h1", 1, 1, 1)
	h3 := host("h3", 3, 3, 1)

	require.NoError(t, in.InstallRoute(context.Background(), h1, h3, lineTable(t)))

	want := []hopRule{
		{Switch: 1, Dst: "10.0.0.3", Port: 2},
		{Switch: 2, Dst: "10.0.0.3", Port: 2},
		{Switch: 3, Dst: "10.0.0.3", Port: 1},
	}
	if diff := cmp.Diff(want, summarize(f, 1, 2, 3)); diff != "" {
		t.Errorf("installed rules mismatch (-want +got):\n%s", diff)
	}
	for _, r := range f.Rules(1) {
		assert.Equal(t, uint16(10), r.Priority)
		assert.Equal(t, layers.EthernetTypeIPv4, r.Match.EthType)
	}
}

// panicTable fails the test if it is ever consulted.
type panicTable struct{ t *testing.T }

func (p panicTable) NextHop(src, dst api.SwitchID) (api.RouteEntry, bool) {
	p.t.Fatalf("routing table consulted for %s -> %s", src, dst)
	return api.RouteEntry{}, false
}
func (p panicTable) Len() int { return 0 }

func TestInstallRoute_SameSwitch(t *testing.T) {
	f := fib.New(nil, nil)
	in := New(f, ipOnly(), nil)
	a := host("a", 1, 7, 1)
	b := host("b", 2, 7, 4)

	require.NoError(t, in.InstallRoute(context.Background(), a, b, panicTable{t}))

	rules := f.Rules(7)
	require.Len(t, rules, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), rules[0].Match.IPv4Dst)
	assert.Equal(t, []api.Action{{Kind: api.Output, Port: 4}}, rules[0].Actions)
	assert.Equal(t, 1, f.Count())
}

func TestInstallRoute_NoPathInstallsNothing(t *testing.T) {
	g := topology.Build([]api.SwitchID{1, 2, 3}, []api.Link{{Src: 1, SrcPort: 2, Dst: 2, DstPort: 1}})
	tbl, err := spf.New(nil).ComputeAll(g)
	require.NoError(t, err)

	f := fib.New(nil, nil)
	in := New(f, ipOnly(), nil)
	err = in.InstallRoute(context.Background(), host("h1", 1, 1, 1), host("h3", 3, 3, 1), tbl)

	assert.True(t, errors.Is(err, ErrNoPath), "got %v", err)
	assert.ErrorContains(t, err, "s1 has no route to s3")
	assert.Equal(t, 0, f.Count())
}

func TestInstallRoute_SameSwitchDefaults(t *testing.T) {
	f := fib.New(nil, nil)
	in := New(f, DefaultOptions(), nil)
	a := host("a", 1, 7, 1)
	b := host("b", 2, 7, 4)

	require.NoError(t, in.InstallRoute(context.Background(), a, b, panicTable{t}))

	require.Equal(t, 1, f.Count(), "exactly one rule for a same-switch route")
	r := f.Rules(7)[0]
	assert.Equal(t, layers.EthernetTypeIPv4, r.Match.EthType)
	assert.Equal(t, b.IPv4, r.Match.IPv4Dst)
	assert.Equal(t, []api.Action{{Kind: api.Output, Port: 4}}, r.Actions)
}

func TestInstallRoute_Idempotent(t *testing.T) {
	f := fib.New(nil, nil)
	in := New(f, Options{MatchARP: true}, nil)
	tbl := lineTable(t)
	h1 := host("h1", 1, 1, 1)
	h3 := host("h3", 3, 3, 1)

	require.NoError(t, in.InstallRoute(context.Background(), h1, h3, tbl))
	once := f.GetSnapshot()
	require.NoError(t, in.InstallRoute(context.Background(), h1, h3, tbl))
	twice := f.GetSnapshot()

	// IPv4 + ARP rule on each of three switches.
	assert.Len(t, once, 6)
	if diff := cmp.Diff(once, twice, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("second install changed the fabric (-once +twice):\n%s", diff)
	}
}

func TestInstallRoute_NotRoutable(t *testing.T) {
	in := New(fib.New(nil, nil), ipOnly(), nil)
	noIP := host("x", 9, 1, 1)
	noIP.IPv4 = netip.Addr{}
	detached := host("y", 8, 1, 1)
	detached.Attachment = nil

	err := in.InstallRoute(context.Background(), host("h1", 1, 1, 1), noIP, lineTable(t))
	assert.True(t, errors.Is(err, ErrHostNotRoutable))
	err = in.InstallRoute(context.Background(), detached, host("h1", 1, 1, 1), lineTable(t))
	assert.True(t, errors.Is(err, ErrHostNotRoutable))
}

func TestInstallRoute_FailureAbortsRemainingHops(t *testing.T) {
	f := fib.New(nil, nil)
	f.FailWith(func(r api.Rule) error {
		if r.Switch == 2 {
			return errors.New("switch unreachable")
		}
		return nil
	})
	in := New(f, ipOnly(), nil)

	err := in.InstallRoute(context.Background(), host("h1", 1, 1, 1), host("h3", 3, 3, 1), lineTable(t))
	assert.True(t, errors.Is(err, ErrInstallFailure), "got %v", err)

	assert.Len(t, f.Rules(1), 1, "hop before the failure stays installed")
	assert.Empty(t, f.Rules(2))
	assert.Empty(t, f.Rules(3), "hops after the failure must not be installed")
}

func TestInstallRoute_MatchMAC(t *testing.T) {
	f := fib.New(nil, nil)
	in := New(f, Options{MatchMAC: true, MatchARP: true}, nil)
	a := host("a", 1, 7, 1)
	b := host("b", 2, 7, 2)

	require.NoError(t, in.InstallRoute(context.Background(), a, b, panicTable{t}))
	rules := f.Rules(7)
	require.Len(t, rules, 2)
	var sawIP, sawARP bool
	for _, r := range rules {
		switch r.Match.EthType {
		case layers.EthernetTypeIPv4:
			sawIP = true
			assert.Equal(t, b.MAC, r.Match.EthDst)
		case layers.EthernetTypeARP:
			sawARP = true
			assert.Empty(t, r.Match.EthDst)
		}
		assert.Equal(t, uint16(1), r.Priority, "zero priority is raised above table-miss")
	}
	assert.True(t, sawIP)
	assert.True(t, sawARP)
}

func TestRemoveRoutes(t *testing.T) {
	f := fib.New(nil, nil)
	in := New(f, Options{MatchARP: true}, nil)
	tbl := lineTable(t)
	h1 := host("h1", 1, 1, 1)
	h3 := host("h3", 3, 3, 1)
	ctx := context.Background()

	require.NoError(t, in.InstallRoute(ctx, h1, h3, tbl))
	require.NoError(t, in.InstallRoute(ctx, h3, h1, tbl))
	require.Equal(t, 12, f.Count())

	require.NoError(t, in.RemoveRoutes(ctx, h3, []api.SwitchID{1, 2, 3, 4}))
	assert.Equal(t, 6, f.Count())
	for _, u := range f.GetSnapshot() {
		assert.Equal(t, h1.IPv4, u.Rule.Match.IPv4Dst)
	}

	// Idempotent.
	require.NoError(t, in.RemoveRoutes(ctx, h3, []api.SwitchID{1, 2, 3}))
	assert.Equal(t, 6, f.Count())

	noIP := host("x", 9, 1, 1)
	noIP.IPv4 = netip.Addr{}
	assert.NoError(t, in.RemoveRoutes(ctx, noIP, []api.SwitchID{1}))
}

func TestPlan(t *testing.T) {
	in := New(fib.New(nil, nil), ipOnly(), nil)
	rules, err := in.Plan(host("h3", 3, 3, 1), host("h1", 1, 1, 5), lineTable(t))
	require.NoError(t, err)
	require.Len(t, rules, 3)
	got := make([]api.Hop, 0, len(rules))
	for _, r := range rules {
		got = append(got, api.Hop{Switch: r.Switch, OutPort: r.Actions[0].Port})
	}
	assert.Equal(t, []api.Hop{{Switch: 3, OutPort: 3}, {Switch: 2, OutPort: 3}, {Switch: 1, OutPort: 5}}, got)
}
