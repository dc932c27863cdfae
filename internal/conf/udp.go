package conf

import "time"

// UDPConfig tunes one UDP session table.
type UDPConfig struct {
	ClientTimeoutMS    int `json:"clientTimeoutMs,omitempty"`
	SocketBufferHint   int `json:"socketBufferHint,omitempty"`
	CleanupIntervalMS  int `json:"cleanupIntervalMs,omitempty"`
}

func (c *UDPConfig) setDefaults() {
	if c.ClientTimeoutMS == 0 {
		c.ClientTimeoutMS = 300_000
	}
	if c.SocketBufferHint == 0 {
		c.SocketBufferHint = 64 * 1024
	}
	if c.CleanupIntervalMS == 0 {
		c.CleanupIntervalMS = 60_000
	}
}

func (c UDPConfig) ClientTimeout() time.Duration { return time.Duration(c.ClientTimeoutMS) * time.Millisecond }
func (c UDPConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMS) * time.Millisecond
}
