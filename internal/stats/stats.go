// Package stats exposes per-forwarder counters to external observers
// without the core ever blocking its data path to produce them.
package stats

// Forwarder is the capability every TCP and UDP forwarder exposes to the
// registry. The registry holds instances by this capability, never by
// concrete type, so TCP and UDP forwarders register identically.
type Forwarder interface {
	Snapshot() any
	Stop() error
}

// TCPSnapshot mirrors one TCP forwarder/pool's counters at the instant it
// was read. Safe to copy.
type TCPSnapshot struct {
	TotalConnections  int64
	ActiveConnections int64
	Errors            int64
	Reconnects        int64
	PoolSize          int64
	IdleConnections   int64
	WaitingQueueSize  int64
	PoolScales        int64
}

// UDPSnapshot mirrors one UDP forwarder's counters at the instant it was
// read. Safe to copy.
type UDPSnapshot struct {
	MessagesForwarded int64
	ClientConnections int64
	Errors            int64
	ActiveClients     int64
}
