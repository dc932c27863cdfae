package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry tracks every live forwarder by its proxy id (of the form
// "tcp_{ruleId}_{index}" or "udp_{ruleId}_{index}") and mirrors their
// counters into a prometheus.Registry via GaugeFunc collectors. No HTTP
// scrape endpoint is mounted here — that is an external collaborator; this
// type only builds the registry such a server would expose.
type Registry struct {
	mu         sync.RWMutex
	forwarders map[string]Forwarder
	collectors map[string][]prometheus.Collector
	prom       *prometheus.Registry
}

func NewRegistry() *Registry {
	return &Registry{
		forwarders: make(map[string]Forwarder),
		collectors: make(map[string][]prometheus.Collector),
		prom:       prometheus.NewRegistry(),
	}
}

// Prometheus returns the underlying registry for an introspection server to
// mount, if one is wired up externally.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register adds a forwarder under proxyId, publishing its counters as
// GaugeFunc collectors scoped to that id. Re-registering the same id
// replaces the prior entry.
func (r *Registry) Register(proxyId string, f Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.collectors[proxyId]; ok {
		for _, c := range old {
			r.prom.Unregister(c)
		}
	}

	r.forwarders[proxyId] = f

	var cols []prometheus.Collector
	switch f.Snapshot().(type) {
	case TCPSnapshot:
		cols = tcpCollectors(proxyId, f)
	case UDPSnapshot:
		cols = udpCollectors(proxyId, f)
	}
	for _, c := range cols {
		_ = r.prom.Register(c)
	}
	r.collectors[proxyId] = cols
}

// Unregister removes a forwarder and its collectors. Safe to call on an
// unknown id.
func (r *Registry) Unregister(proxyId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.collectors[proxyId] {
		r.prom.Unregister(c)
	}
	delete(r.collectors, proxyId)
	delete(r.forwarders, proxyId)
}

// Snapshot returns the current snapshot for proxyId, or nil if unknown.
func (r *Registry) Snapshot(proxyId string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forwarders[proxyId]
	if !ok {
		return nil
	}
	return f.Snapshot()
}

// All returns every registered proxy id.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.forwarders))
	for id := range r.forwarders {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every registered forwarder, tolerating repeated calls on
// forwarders that have already stopped.
func (r *Registry) StopAll() {
	r.mu.RLock()
	forwarders := make([]Forwarder, 0, len(r.forwarders))
	for _, f := range r.forwarders {
		forwarders = append(forwarders, f)
	}
	r.mu.RUnlock()

	for _, f := range forwarders {
		_ = f.Stop()
	}
}

func tcpCollectors(proxyId string, f Forwarder) []prometheus.Collector {
	labels := prometheus.Labels{"proxy_id": proxyId}
	snap := func() TCPSnapshot { s, _ := f.Snapshot().(TCPSnapshot); return s }
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_total_connections", ConstLabels: labels}, func() float64 { return float64(snap().TotalConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_active_connections", ConstLabels: labels}, func() float64 { return float64(snap().ActiveConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_errors", ConstLabels: labels}, func() float64 { return float64(snap().Errors) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_reconnects", ConstLabels: labels}, func() float64 { return float64(snap().Reconnects) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_pool_size", ConstLabels: labels}, func() float64 { return float64(snap().PoolSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_idle_connections", ConstLabels: labels}, func() float64 { return float64(snap().IdleConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_waiting_queue_size", ConstLabels: labels}, func() float64 { return float64(snap().WaitingQueueSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_tcp_pool_scales", ConstLabels: labels}, func() float64 { return float64(snap().PoolScales) }),
	}
}

func udpCollectors(proxyId string, f Forwarder) []prometheus.Collector {
	labels := prometheus.Labels{"proxy_id": proxyId}
	snap := func() UDPSnapshot { s, _ := f.Snapshot().(UDPSnapshot); return s }
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_udp_messages_forwarded", ConstLabels: labels}, func() float64 { return float64(snap().MessagesForwarded) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_udp_client_connections", ConstLabels: labels}, func() float64 { return float64(snap().ClientConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_udp_errors", ConstLabels: labels}, func() float64 { return float64(snap().Errors) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "fireproxy_udp_active_clients", ConstLabels: labels}, func() float64 { return float64(snap().ActiveClients) }),
	}
}
