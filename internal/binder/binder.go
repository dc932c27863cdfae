// Package binder turns a validated rule list into running forwarders: for
// each active rule it expands the port mapping, deduplicates TCP upstream
// pools by target port, and constructs the protocol-appropriate forwarder
// per local port.
package binder

import (
	"fireproxy/internal/conf"
	"fireproxy/internal/flog"
	"fireproxy/internal/forwarder"
	"fireproxy/internal/pool"
	"fireproxy/internal/stats"
)

// Bound is one forwarder instance produced by binding a rule, tagged with
// the rule it came from for registration and logging.
type Bound struct {
	RuleID    int
	LocalPort int
	Instance  stats.Forwarder
}

// Bind expands every active rule in cfg.Forward into running forwarders.
// A rule that fails validation or whose listener can't be bound is logged
// and skipped; it never aborts the rest of the bind.
func Bind(cfg *conf.Conf) []Bound {
	var bound []Bound

	for _, rule := range cfg.ActiveRules() {
		if err := rule.Validate(); err != nil {
			flog.Warnw("skipping invalid rule", "rule", rule.ID, "error", err)
			continue
		}

		pairs := rule.Expand()
		switch rule.Type {
		case "tcp":
			bound = append(bound, bindTCP(rule, pairs, cfg.Pool)...)
		case "udp":
			bound = append(bound, bindUDP(rule, pairs, cfg.UDP)...)
		}
	}

	return bound
}

// bindTCP instantiates one listener per (localPort, targetPort) pair. Pools
// are deduplicated by target port within this rule — every pair shares the
// rule's single targetHost, so a map keyed by targetPort alone is exact.
// A rule's own parallel-range expansion never actually produces two pairs
// with the same target port (local and target advance in lockstep), so this
// dedup is a no-op for config-driven rules today; the map still exists so
// the pool-per-target-port invariant holds regardless of how pairs arrive.
func bindTCP(rule conf.Rule, pairs []conf.PortPair, poolCfg conf.PoolConfig) []Bound {
	pools := make(map[int]*pool.ConnectionPool)
	var bound []Bound
	for _, pair := range pairs {
		p, ok := pools[pair.TargetPort]
		if !ok {
			p = pool.New(rule.TargetHost, pair.TargetPort, poolCfg)
			pools[pair.TargetPort] = p
		}

		f, err := forwarder.NewTCP(rule.ID, rule.LocalHost, pair.LocalPort, pair.TargetPort, p)
		if err != nil {
			flog.Warnw("skipping rule: tcp listen failed", "rule", rule.ID, "localPort", pair.LocalPort, "error", err)
			continue
		}
		bound = append(bound, Bound{RuleID: rule.ID, LocalPort: pair.LocalPort, Instance: f})
	}
	return bound
}

func bindUDP(rule conf.Rule, pairs []conf.PortPair, udpCfg conf.UDPConfig) []Bound {
	var bound []Bound
	for _, pair := range pairs {
		f, err := forwarder.NewUDP(rule.ID, rule.LocalHost, pair.LocalPort, rule.TargetHost, pair.TargetPort, udpCfg)
		if err != nil {
			flog.Warnw("skipping rule: udp listen failed", "rule", rule.ID, "localPort", pair.LocalPort, "error", err)
			continue
		}
		bound = append(bound, Bound{RuleID: rule.ID, LocalPort: pair.LocalPort, Instance: f})
	}
	return bound
}
