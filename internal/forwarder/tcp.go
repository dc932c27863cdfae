// Package forwarder implements the TCP and UDP data-plane forwarders (C2,
// C3): accepting local traffic and relaying it to the upstream endpoint
// bound to one (localPort, targetPort) pair.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fireproxy/internal/flog"
	"fireproxy/internal/pkg/buffer"
	"fireproxy/internal/pool"
	"fireproxy/internal/stats"
)

const clientKeepAlivePeriod = 15 * time.Second

// TCP listens on one local (host, port), acquiring an upstream socket from
// its pool for every accepted client and splicing bytes bidirectionally
// until either side closes.
type TCP struct {
	ruleID     int
	localHost  string
	localPort  int
	targetPort int
	pool       *pool.ConnectionPool

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	clientsMu sync.Mutex
	clients   map[net.Conn]struct{}

	totalConns  int64
	activeConns int64
	errs        int64
	reconnects  int64
}

// NewTCP binds the local listener and returns a running forwarder, or the
// listen error unchanged if the local port can't be bound.
func NewTCP(ruleID int, localHost string, localPort int, targetPort int, p *pool.ConnectionPool) (*TCP, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(localHost, strconv.Itoa(localPort)))
	if err != nil {
		return nil, err
	}

	f := &TCP{
		ruleID:     ruleID,
		localHost:  localHost,
		localPort:  localPort,
		targetPort: targetPort,
		pool:       p,
		listener:   ln,
		stopCh:     make(chan struct{}),
		clients:    make(map[net.Conn]struct{}),
	}

	f.wg.Add(1)
	go f.acceptLoop()

	flog.Infow("tcp forwarder listening", "rule", ruleID, "localPort", localPort, "targetPort", targetPort)
	return f, nil
}

func (f *TCP) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				flog.Warnw("tcp accept error", "rule", f.ruleID, "localPort", f.localPort, "error", err)
				continue
			}
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

const (
	dirClientToUpstream = "client_to_upstream"
	dirUpstreamToClient = "upstream_to_client"
)

type copyResult struct {
	direction string
	err       error
}

func (f *TCP) handle(client net.Conn) {
	defer f.wg.Done()
	atomic.AddInt64(&f.totalConns, 1)
	atomic.AddInt64(&f.activeConns, 1)
	defer atomic.AddInt64(&f.activeConns, -1)

	f.clientsMu.Lock()
	f.clients[client] = struct{}{}
	f.clientsMu.Unlock()
	defer func() {
		f.clientsMu.Lock()
		delete(f.clients, client)
		f.clientsMu.Unlock()
	}()

	if tcpConn, ok := client.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(clientKeepAlivePeriod)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := f.pool.Acquire(ctx)
	if err != nil {
		atomic.AddInt64(&f.errs, 1)
		flog.Warnw("upstream acquire failed, dropping client", "rule", f.ruleID, "localPort", f.localPort, "error", err)
		client.Close()
		return
	}
	upstream := pc.Conn()

	done := make(chan copyResult, 2)
	go func() {
		done <- copyResult{direction: dirClientToUpstream, err: buffer.CopyT(upstream, client)}
	}()
	go func() {
		done <- copyResult{direction: dirUpstreamToClient, err: buffer.CopyT(client, upstream)}
	}()

	// Half-open is disallowed: whichever direction finishes first ends the
	// other one too. After a clean client EOF the client is closed and the
	// upstream read is interrupted with a deadline, leaving the pooled
	// socket open; any other outcome closes both sockets.
	first := <-done
	release := first.direction == dirClientToUpstream && first.err == nil
	client.Close()
	if release {
		_ = upstream.SetReadDeadline(time.Now())
	} else {
		upstream.Close()
	}
	<-done

	// Client sending a clean EOF (client-initiated close, no error) is the
	// only case that returns the upstream socket to the pool. A clean
	// upstream EOF, or an error on either direction, means the upstream
	// leg is gone and must be removed from the pool rather than reused.
	if release {
		_ = upstream.SetReadDeadline(time.Time{})
		f.pool.Release(pc)
	} else {
		if first.err != nil {
			atomic.AddInt64(&f.errs, 1)
			flog.Warnw("destroying pooled connection after copy error",
				"rule", f.ruleID, "localPort", f.localPort, "direction", first.direction,
				"error", fmt.Errorf("%w: %v", pool.ErrSocket, first.err))
		}
		f.pool.Destroy(pc)
	}
}

// Snapshot returns the forwarder's counters merged with its pool's.
func (f *TCP) Snapshot() any {
	poolSnap := f.pool.Snapshot()
	return stats.TCPSnapshot{
		TotalConnections:  atomic.LoadInt64(&f.totalConns),
		ActiveConnections: atomic.LoadInt64(&f.activeConns),
		Errors:            atomic.LoadInt64(&f.errs) + poolSnap.Errors,
		Reconnects:        atomic.LoadInt64(&f.reconnects) + poolSnap.Reconnects,
		PoolSize:          poolSnap.PoolSize,
		IdleConnections:   poolSnap.IdleConnections,
		WaitingQueueSize:  poolSnap.WaitingQueueSize,
		PoolScales:        poolSnap.PoolScales,
	}
}

// Stop drains the listener and pool. Idempotent.
func (f *TCP) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stopCh)
		err = f.listener.Close()
		// Stopping the pool closes every upstream socket, including ones
		// currently lent to an in-flight copy. That alone isn't enough: a
		// client that goes silent after its upstream disappears would still
		// block forever reading its own socket, so every open client
		// connection is force-closed too before waiting on wg.
		f.pool.Stop()
		f.clientsMu.Lock()
		for c := range f.clients {
			c.Close()
		}
		f.clientsMu.Unlock()
		f.wg.Wait()
	})
	return err
}
