package fib

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/openconfig/spf-simulator/pkg/api"
)

type ruleKey struct {
	table    uint8
	priority uint16
	match    string
}

// Fabric simulates the flow tables of a set of switches. It implements
// api.RuleInstaller and reports every table change on its update channel.
type Fabric struct {
	mu            sync.RWMutex
	tables        map[api.SwitchID]map[ruleKey]api.Rule
	telemetryChan chan<- api.RuleUpdate
	log           *slog.Logger

	failMu sync.Mutex
	fail   func(api.Rule) error
}

// New creates a new Fabric. telemetryChan may be nil.
func New(telemetryChan chan<- api.RuleUpdate, log *slog.Logger) *Fabric {
	if log == nil {
		log = slog.Default()
	}
	return &Fabric{
		tables:        make(map[api.SwitchID]map[ruleKey]api.Rule),
		telemetryChan: telemetryChan,
		log:           log.With("component", "fib"),
	}
}

// FailWith makes Install return the error produced by fn for matching rules.
// A nil fn clears the failure hook.
func (f *Fabric) FailWith(fn func(api.Rule) error) {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	f.fail = fn
}

func (f *Fabric) injected(rule api.Rule) error {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	if f.fail == nil {
		return nil
	}
	return f.fail(rule)
}

// Install adds a rule, replacing any rule with the same table, priority and
// match.
func (f *Fabric) Install(ctx context.Context, rule api.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.injected(rule); err != nil {
		return fmt.Errorf("install on %s: %w", rule.Switch, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tbl, ok := f.tables[rule.Switch]
	if !ok {
		tbl = make(map[ruleKey]api.Rule)
		f.tables[rule.Switch] = tbl
	}
	rule.Actions = slices.Clone(rule.Actions)
	tbl[keyOf(rule)] = rule
	f.notify(api.RuleUpdate{Action: api.Add, Rule: rule})
	f.log.Debug("installed rule", "rule", rule)
	return nil
}

// Remove deletes every rule in the table whose match agrees with all fields
// set in match. Removing nothing is not an error.
func (f *Fabric) Remove(ctx context.Context, sw api.SwitchID, tableID uint8, match api.Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tbl := f.tables[sw]
	for k, rule := range tbl {
		if k.table != tableID || !covers(match, rule.Match) {
			continue
		}
		delete(tbl, k)
		f.notify(api.RuleUpdate{Action: api.Delete, Rule: rule})
		f.log.Debug("removed rule", "rule", rule)
	}
	return nil
}

// notify must be called with the lock held.
func (f *Fabric) notify(u api.RuleUpdate) {
	if f.telemetryChan != nil {
		f.telemetryChan <- u
	}
}

// covers reports whether filter selects rule, i.e. every field set in filter
// has the same value in rule.
func covers(filter, rule api.Match) bool {
	if filter.EthType != 0 && filter.EthType != rule.EthType {
		return false
	}
	if filter.IPv4Dst.IsValid() && filter.IPv4Dst != rule.IPv4Dst {
		return false
	}
	if len(filter.EthDst) > 0 && !bytes.Equal(filter.EthDst, rule.EthDst) {
		return false
	}
	return true
}

func keyOf(r api.Rule) ruleKey {
	return ruleKey{table: r.TableID, priority: r.Priority, match: r.Match.Key()}
}

// Rules returns the rules installed on a switch, ordered by table, priority
// and match.
func (f *Fabric) Rules(sw api.SwitchID) []api.Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]api.Rule, 0, len(f.tables[sw]))
	for _, r := range f.tables[sw] {
		out = append(out, r)
	}
	sortRules(out)
	return out
}

// Count returns the total number of installed rules.
func (f *Fabric) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := 0
	for _, tbl := range f.tables {
		n += len(tbl)
	}
	return n
}

// GetSnapshot returns the current state of the fabric as a list of
// RuleUpdates. This is used to synchronize new telemetry clients.
func (f *Fabric) GetSnapshot() []api.RuleUpdate {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rules := make([]api.Rule, 0)
	for _, tbl := range f.tables {
		for _, r := range tbl {
			rules = append(rules, r)
		}
	}
	sortRules(rules)
	snapshot := make([]api.RuleUpdate, 0, len(rules))
	for _, r := range rules {
		snapshot = append(snapshot, api.RuleUpdate{Action: api.Add, Rule: r})
	}
	return snapshot
}

func sortRules(rules []api.Rule) {
	slices.SortFunc(rules, func(a, b api.Rule) int {
		switch {
		case a.Switch != b.Switch:
			if a.Switch < b.Switch {
				return -1
			}
			return 1
		case a.TableID != b.TableID:
			return int(a.TableID) - int(b.TableID)
		case a.Priority != b.Priority:
			return int(b.Priority) - int(a.Priority)
		}
		ka, kb := a.Match.Key(), b.Match.Key()
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}
