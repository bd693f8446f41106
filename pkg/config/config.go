// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/discovery"
	"github.com/openconfig/spf-simulator/pkg/installer"
	"github.com/openconfig/spf-simulator/pkg/logging"
)

// Config holds the application configuration.
type Config struct {
	GNMIPort    int             `yaml:"gnmi_port"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Log         LogConfig       `yaml:"log"`
	Installer   InstallerConfig `yaml:"installer"`
	Topology    TopologyConfig  `yaml:"topology"`
	Mock        MockConfig      `yaml:"mock"`
}

// LogConfig selects the log level and an optional log file.
type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// InstallerConfig holds the rule parameters used by the route installer.
type InstallerConfig struct {
	TableID     uint8         `yaml:"table_id"`
	Priority    uint16        `yaml:"priority"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
	MatchMAC    bool          `yaml:"match_mac"`
	MatchARP    bool          `yaml:"match_arp"`
}

// TopologyConfig is the static topology seeded into discovery at start-up.
type TopologyConfig struct {
	Switches []api.SwitchID `yaml:"switches"`
	Links    []LinkConfig   `yaml:"links"`
	Hosts    []HostConfig   `yaml:"hosts"`
}

// LinkConfig is one directed link; its reverse is implied.
type LinkConfig struct {
	Src     api.SwitchID `yaml:"src"`
	SrcPort api.Port     `yaml:"src_port"`
	Dst     api.SwitchID `yaml:"dst"`
	DstPort api.Port     `yaml:"dst_port"`
}

// HostConfig describes a host. A zero switch leaves the host unattached.
type HostConfig struct {
	Name   string       `yaml:"name"`
	MAC    string       `yaml:"mac"`
	IPv4   string       `yaml:"ipv4"`
	Switch api.SwitchID `yaml:"switch"`
	Port   api.Port     `yaml:"port"`
}

// MockConfig holds configuration for the link flap generator.
type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		GNMIPort:    50099,
		MetricsAddr: ":9099",
		Log:         LogConfig{Level: "info"},
		Installer: InstallerConfig{
			Priority: installer.DefaultOptions().Priority,
			MatchARP: installer.DefaultOptions().MatchARP,
		},
		Mock: MockConfig{
			Enabled:  false,
			Interval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a file. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.GNMIPort <= 0 || c.GNMIPort > 65535 {
		errs = append(errs, fmt.Errorf("gnmi_port %d out of range", c.GNMIPort))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Mock.Enabled && c.Mock.Interval <= 0 {
		errs = append(errs, errors.New("mock.interval must be positive"))
	}
	for i, l := range c.Topology.Links {
		if l.Src == l.Dst {
			errs = append(errs, fmt.Errorf("links[%d]: self-loop on %s", i, l.Src))
		}
	}
	if _, err := c.Topology.HostList(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InstallerOptions converts the installer section.
func (c *Config) InstallerOptions() installer.Options {
	return installer.Options{
		TableID:     c.Installer.TableID,
		Priority:    c.Installer.Priority,
		IdleTimeout: c.Installer.IdleTimeout,
		HardTimeout: c.Installer.HardTimeout,
		MatchMAC:    c.Installer.MatchMAC,
		MatchARP:    c.Installer.MatchARP,
	}
}

// LinkList returns the configured links.
func (t TopologyConfig) LinkList() []api.Link {
	out := make([]api.Link, 0, len(t.Links))
	for _, l := range t.Links {
		out = append(out, api.Link{Src: l.Src, SrcPort: l.SrcPort, Dst: l.Dst, DstPort: l.DstPort})
	}
	return out
}

// Undeclared returns the switches referenced by links but missing from the
// switch list.
func (t TopologyConfig) Undeclared() []api.SwitchID {
	var out []api.SwitchID
	for _, l := range t.Links {
		for _, id := range []api.SwitchID{l.Src, l.Dst} {
			if !slices.Contains(t.Switches, id) && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out
}

// HostList parses the configured hosts.
func (t TopologyConfig) HostList() ([]api.Host, error) {
	var errs []error
	seen := make(map[string]string, len(t.Hosts))
	out := make([]api.Host, 0, len(t.Hosts))
	for i, hc := range t.Hosts {
		mac, err := net.ParseMAC(hc.MAC)
		if err != nil {
			errs = append(errs, fmt.Errorf("hosts[%d]: %w", i, err))
			continue
		}
		if prev, ok := seen[mac.String()]; ok {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate mac %s (also %q)", i, mac, prev))
			continue
		}
		seen[mac.String()] = hc.Name

		h := api.Host{Name: hc.Name, MAC: mac}
		if hc.IPv4 != "" {
			addr, err := netip.ParseAddr(hc.IPv4)
			if err != nil || !addr.Is4() {
				errs = append(errs, fmt.Errorf("hosts[%d]: invalid ipv4 %q", i, hc.IPv4))
				continue
			}
			h.IPv4 = addr
		}
		if hc.Switch != 0 {
			if hc.Port == 0 {
				errs = append(errs, fmt.Errorf("hosts[%d]: attached to %s without a port", i, hc.Switch))
				continue
			}
			h.Attachment = &api.AttachmentPoint{Switch: hc.Switch, Port: hc.Port}
		}
		out = append(out, h)
	}
	return out, errors.Join(errs...)
}

// Seed records the configured topology in store.
func (t TopologyConfig) Seed(store *discovery.Store) error {
	hosts, err := t.HostList()
	if err != nil {
		return err
	}
	for _, id := range t.Switches {
		store.AddSwitch(id)
	}
	for _, l := range t.LinkList() {
		store.AddLink(l)
	}
	for _, h := range hosts {
		store.AddHost(h)
	}
	return nil
}
