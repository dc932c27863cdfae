// Package core wires configuration, binding, and the stats registry into
// one process lifecycle: boot loads rules and starts every forwarder; Run
// blocks until an OS termination signal arrives and then shuts everything
// down idempotently.
package core

import (
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"fireproxy/internal/binder"
	"fireproxy/internal/conf"
	"fireproxy/internal/flog"
	"fireproxy/internal/forwarder"
	"fireproxy/internal/pkg/buffer"
	"fireproxy/internal/stats"
)

// Core owns every running forwarder for the process's lifetime.
type Core struct {
	cfg      *conf.Conf
	registry *stats.Registry
	bound    []binder.Bound

	stopOnce sync.Once
}

// Boot loads the configuration at configPath, sizes the buffer pools,
// binds every active rule into a running forwarder, and registers each one
// with the stats registry under "{proto}_{ruleId}_{index}".
func Boot(configPath string) (*Core, error) {
	cfg, err := conf.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	flog.SetLevel(cfg.Log.Numeric())

	if err := buffer.Initialize(cfg.Pool.SocketBufferHint, cfg.UDP.SocketBufferHint); err != nil {
		return nil, err
	}

	bound := binder.Bind(cfg)
	registry := stats.NewRegistry()

	indices := make(map[string]int)
	for _, b := range bound {
		proto := protocolName(b.Instance)
		key := proto + "_" + strconv.Itoa(b.RuleID)
		idx := indices[key]
		indices[key] = idx + 1
		proxyId := key + "_" + strconv.Itoa(idx)
		registry.Register(proxyId, b.Instance)
	}

	flog.Infow("core booted", "rules", len(cfg.ActiveRules()), "forwarders", len(bound))

	return &Core{cfg: cfg, registry: registry, bound: bound}, nil
}

// Registry exposes the stats registry to an external collaborator (e.g. an
// introspection server) without handing out the forwarders themselves.
func (c *Core) Registry() *stats.Registry { return c.registry }

// Run blocks until an interrupt or terminate signal is received, then
// performs a graceful shutdown: stop accepting new connections on every
// listener, close every pool (idle and in-use upstream sockets alike) and
// every open client connection, which ends in-flight copies, close every
// UDP session, then return.
func (c *Core) Run() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	flog.Infow("shutdown signal received, stopping all forwarders")
	c.Shutdown()
}

// Shutdown stops every registered forwarder. Idempotent.
func (c *Core) Shutdown() {
	c.stopOnce.Do(func() {
		c.registry.StopAll()
		flog.Infow("shutdown complete")
	})
}

func protocolName(f stats.Forwarder) string {
	switch f.(type) {
	case *forwarder.TCP:
		return "tcp"
	case *forwarder.UDP:
		return "udp"
	default:
		return "unknown"
	}
}
