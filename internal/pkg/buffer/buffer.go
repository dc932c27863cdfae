// Package buffer provides the sync.Pool-backed, size-capped byte buffers
// used for TCP and UDP duplex copying. Buffers are transient and reused,
// never grown into an unbounded user-space queue.
package buffer

import (
	"fmt"
	"sync"
)

const (
	MinBufferSize = 1024             // 1KB minimum
	MaxBufferSize = 10 * 1024 * 1024 // 10MB maximum to prevent excessive memory allocation

	DefaultTCPBufferSize = 128 * 1024 // matches the pool's socketBufferHint default
	DefaultUDPBufferSize = 64 * 1024  // matches the UDP session's socketBufferHint default
)

// pool hands out []byte buffers of a fixed default size. Requests for a
// size beyond the default fall back to a fresh allocation that is never
// returned to the pool, so the pool's steady-state memory footprint stays
// bounded regardless of transient oversized requests.
type pool struct {
	defaultSize int
	sp          sync.Pool
}

func newPool(size int) *pool {
	return &pool{
		defaultSize: size,
		sp: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get returns a buffer of exactly the pool's default size.
func (p *pool) Get() *[]byte {
	return p.sp.Get().(*[]byte)
}

// GetN returns a buffer of length n. When n fits within the default size
// the pool-backed buffer is reused and sliced down; larger requests get a
// fresh allocation that Put will refuse to pool.
func (p *pool) GetN(n int) *[]byte {
	if n <= p.defaultSize {
		bufp := p.Get()
		b := (*bufp)[:n]
		return &b
	}
	b := make([]byte, n)
	return &b
}

// Put returns a buffer to the pool. Buffers whose capacity doesn't match
// the pool's default size are dropped instead of pooled, so an oversized
// GetN request can't permanently inflate pool memory.
func (p *pool) Put(bufp *[]byte) {
	if cap(*bufp) != p.defaultSize {
		return
	}
	*bufp = (*bufp)[:p.defaultSize]
	p.sp.Put(bufp)
}

var (
	TPool *pool
	UPool *pool
)

// Initialize sizes the TCP and UDP buffer pools. Called once at startup
// from the sizes resolved out of the pool/UDP configuration.
func Initialize(tcpSize, udpSize int) error {
	if tcpSize < MinBufferSize || tcpSize > MaxBufferSize {
		return fmt.Errorf("invalid TCP buffer size %d, must be between %d and %d", tcpSize, MinBufferSize, MaxBufferSize)
	}
	if udpSize < MinBufferSize || udpSize > MaxBufferSize {
		return fmt.Errorf("invalid UDP buffer size %d, must be between %d and %d", udpSize, MinBufferSize, MaxBufferSize)
	}

	TPool = newPool(tcpSize)
	UPool = newPool(udpSize)
	return nil
}
