// Package installer turns routing table entries into per-switch forwarding
// rules and pushes them through an api.RuleInstaller.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gopacket/gopacket/layers"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/rib"
)

var (
	// ErrNoPath is returned when a switch on the way to the destination has
	// no route. No rule is installed in that case.
	ErrNoPath = rib.ErrNoRoute
	// ErrLoop is returned when the table does not converge on the
	// destination switch.
	ErrLoop = rib.ErrLoop
	// ErrInstallFailure wraps errors reported by the rule sink.
	ErrInstallFailure = errors.New("rule install failed")
	// ErrHostNotRoutable is returned for hosts without an IPv4 address or
	// attachment point.
	ErrHostNotRoutable = errors.New("host not routable")
)

// Options controls the rules generated by the Installer.
type Options struct {
	TableID uint8
	// Priority must be above the table-miss rule of the switch.
	Priority    uint16
	IdleTimeout time.Duration
	HardTimeout time.Duration
	// MatchMAC additionally pins the destination MAC address in IPv4 rules.
	MatchMAC bool
	// MatchARP installs a companion rule forwarding ARP toward the host. Off
	// by default: one rule per hop.
	MatchARP bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		TableID:  0,
		Priority: 1,
	}
}

// Installer materializes host-to-host routes as forwarding rules.
type Installer struct {
	sink api.RuleInstaller
	opts Options
	log  *slog.Logger
}

// New creates an Installer.
func New(sink api.RuleInstaller, opts Options, log *slog.Logger) *Installer {
	if log == nil {
		log = slog.Default()
	}
	if opts.Priority == 0 {
		opts.Priority = 1
	}
	return &Installer{
		sink: sink,
		opts: opts,
		log:  log.With("component", "installer"),
	}
}

// Options returns the installer options.
func (i *Installer) Options() Options {
	return i.opts
}

// Matches returns the matches selecting traffic addressed to h.
func (i *Installer) Matches(h api.Host) []api.Match {
	if !h.IPv4.Is4() {
		return nil
	}
	ip := api.Match{EthType: layers.EthernetTypeIPv4, IPv4Dst: h.IPv4}
	if i.opts.MatchMAC {
		ip.EthDst = h.MAC
	}
	out := []api.Match{ip}
	if i.opts.MatchARP {
		out = append(out, api.Match{EthType: layers.EthernetTypeARP, IPv4Dst: h.IPv4})
	}
	return out
}

func (i *Installer) rules(dst api.Host, sw api.SwitchID, port api.Port) []api.Rule {
	matches := i.Matches(dst)
	out := make([]api.Rule, 0, len(matches))
	for _, m := range matches {
		out = append(out, api.Rule{
			Switch:      sw,
			TableID:     i.opts.TableID,
			Priority:    i.opts.Priority,
			Match:       m,
			Actions:     []api.Action{{Kind: api.Output, Port: port}},
			IdleTimeout: i.opts.IdleTimeout,
			HardTimeout: i.opts.HardTimeout,
		})
	}
	return out
}

// Plan returns the rules that carry traffic from src to dst, ordered from the
// source switch to the destination switch. The table is not consulted when
// both hosts share a switch.
func (i *Installer) Plan(src, dst api.Host, table api.NextHopper) ([]api.Rule, error) {
	if !src.Routable() {
		return nil, fmt.Errorf("%w: %s", ErrHostNotRoutable, src)
	}
	if !dst.Routable() {
		return nil, fmt.Errorf("%w: %s", ErrHostNotRoutable, dst)
	}

	srcSw, dstSw := src.Attachment.Switch, dst.Attachment.Switch
	if srcSw == dstSw {
		return i.rules(dst, dstSw, dst.Attachment.Port), nil
	}

	hops, err := rib.Walk(table, srcSw, dstSw)
	if err != nil {
		return nil, err
	}
	out := make([]api.Rule, 0, (len(hops)+1)*len(i.Matches(dst)))
	for _, h := range hops {
		out = append(out, i.rules(dst, h.Switch, h.OutPort)...)
	}
	return append(out, i.rules(dst, dstSw, dst.Attachment.Port)...), nil
}

// InstallRoute installs the rules carrying traffic from src to dst. The whole
// path is resolved before anything is installed, so a missing route installs
// nothing. Existing rules for the destination are removed from each switch
// before the replacement is installed. An install failure aborts the
// remaining hops; hops already installed stay in place.
func (i *Installer) InstallRoute(ctx context.Context, src, dst api.Host, table api.NextHopper) error {
	rules, err := i.Plan(src, dst, table)
	if err != nil {
		if errors.Is(err, ErrNoPath) || errors.Is(err, ErrLoop) {
			i.log.Warn("no path", "src", src, "dst", dst, "err", err)
		}
		return err
	}

	for n, r := range rules {
		if err := i.sink.Remove(ctx, r.Switch, r.TableID, r.Match); err != nil {
			i.log.Error("failed to clear rule", "rule", r, "installed", n, "err", err)
			return fmt.Errorf("%w: %w", ErrInstallFailure, err)
		}
		if err := i.sink.Install(ctx, r); err != nil {
			i.log.Error("failed to install rule", "rule", r, "installed", n, "err", err)
			return fmt.Errorf("%w: %w", ErrInstallFailure, err)
		}
	}
	i.log.Debug("installed route", "src", src, "dst", dst, "rules", len(rules))
	return nil
}

// RemoveRoutes removes the rules toward host from every given switch. All
// switches are attempted; errors are joined.
func (i *Installer) RemoveRoutes(ctx context.Context, host api.Host, switches []api.SwitchID) error {
	matches := i.Matches(host)
	if len(matches) == 0 {
		return nil
	}
	var errs []error
	for _, sw := range switches {
		for _, m := range matches {
			if err := i.sink.Remove(ctx, sw, i.opts.TableID, m); err != nil {
				errs = append(errs, fmt.Errorf("remove %s on %s: %w", m, sw, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		i.log.Error("failed to remove routes", "host", host, "err", err)
		return err
	}
	i.log.Debug("removed routes", "host", host, "switches", len(switches))
	return nil
}
