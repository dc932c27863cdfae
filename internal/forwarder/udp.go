package forwarder

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"

	"fireproxy/internal/conf"
	"fireproxy/internal/flog"
	"fireproxy/internal/pkg/buffer"
	"fireproxy/internal/stats"
)

// session is one client's NAT-style entry: a dedicated upstream UDP socket
// and the client address replies are sent back to.
type session struct {
	conn       *net.UDPConn
	clientAddr *net.UDPAddr
}

// UDP listens on one local (host, port) and maintains a per-client session
// table, each entry holding its own upstream UDP socket toward
// (targetHost, targetPort). Sessions idle for longer than the configured
// client timeout are evicted by the session cache's own janitor.
type UDP struct {
	ruleID     int
	localHost  string
	localPort  int
	targetHost string
	targetPort int
	network    string
	cfg        conf.UDPConfig

	conn     *net.UDPConn
	sessions *gocache.Cache

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	messagesForwarded int64
	clientConnections int64
	errs              int64
	activeClients     int64
}

// NewUDP binds the local UDP socket and returns a running forwarder.
func NewUDP(ruleID int, localHost string, localPort int, targetHost string, targetPort int, cfg conf.UDPConfig) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(localHost, strconv.Itoa(localPort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	applyUDPBufferHint(conn, cfg.SocketBufferHint)

	f := &UDP{
		ruleID:     ruleID,
		localHost:  localHost,
		localPort:  localPort,
		targetHost: targetHost,
		targetPort: targetPort,
		network:    udpNetwork(targetHost),
		cfg:        cfg,
		conn:       conn,
		stopCh:     make(chan struct{}),
	}
	f.sessions = gocache.New(cfg.ClientTimeout(), cfg.CleanupInterval())
	f.sessions.OnEvicted(func(_ string, v any) {
		s := v.(*session)
		s.conn.Close()
		atomic.AddInt64(&f.activeClients, -1)
	})

	f.wg.Add(1)
	go f.acceptLoop()

	flog.Infow("udp forwarder listening", "rule", ruleID, "localPort", localPort, "targetPort", targetPort)
	return f, nil
}

// udpNetwork picks "udp6" iff targetHost parses as an IPv6 literal,
// "udp4" otherwise (including hostnames, resolved by the dialer as v4).
func udpNetwork(targetHost string) string {
	ip := net.ParseIP(targetHost)
	if ip != nil && ip.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

func applyUDPBufferHint(conn *net.UDPConn, hint int) {
	_ = conn.SetReadBuffer(hint)
	_ = conn.SetWriteBuffer(hint)
}

func (f *UDP) acceptLoop() {
	defer f.wg.Done()
	bufp := buffer.UPool.Get()
	defer buffer.UPool.Put(bufp)
	buf := *bufp

	for {
		n, clientAddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				flog.Warnw("udp read error", "rule", f.ruleID, "localPort", f.localPort, "error", err)
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		f.handleInbound(datagram, clientAddr)
	}
}

// handleInbound looks up (or lazily creates) the session for clientAddr and
// forwards the datagram on its upstream socket.
func (f *UDP) handleInbound(datagram []byte, clientAddr *net.UDPAddr) {
	key := clientAddr.String()

	s, found := f.sessions.Get(key)
	if !found {
		var err error
		s, err = f.newSession(key, clientAddr)
		if err != nil {
			atomic.AddInt64(&f.errs, 1)
			flog.Warnw("udp upstream dial failed", "rule", f.ruleID, "client", key, "error", err)
			return
		}
	} else {
		// Touch: re-Set with the default expiration extends the session's
		// idle deadline from this packet's arrival.
		f.sessions.SetDefault(key, s)
	}

	sess := s.(*session)
	if _, err := sess.conn.Write(datagram); err != nil {
		atomic.AddInt64(&f.errs, 1)
		flog.Warnw("udp send to upstream failed", "rule", f.ruleID, "client", key, "error", err)
		return
	}
	atomic.AddInt64(&f.messagesForwarded, 1)
}

// newSession dials a fresh upstream socket for a new client and starts its
// reply-relay goroutine. Races between concurrent first-packets from the
// same client are resolved by go-cache's Add: the loser closes its own
// freshly dialed socket and reuses the winner's session.
func (f *UDP) newSession(key string, clientAddr *net.UDPAddr) (any, error) {
	targetAddr, err := net.ResolveUDPAddr(f.network, net.JoinHostPort(f.targetHost, strconv.Itoa(f.targetPort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP(f.network, nil, targetAddr)
	if err != nil {
		return nil, err
	}
	applyUDPBufferHint(conn, f.cfg.SocketBufferHint)

	s := &session{conn: conn, clientAddr: clientAddr}
	if err := f.sessions.Add(key, s, gocache.DefaultExpiration); err != nil {
		// Lost the race to a concurrent first packet from the same client.
		conn.Close()
		existing, _ := f.sessions.Get(key)
		return existing, nil
	}

	atomic.AddInt64(&f.clientConnections, 1)
	atomic.AddInt64(&f.activeClients, 1)

	f.wg.Add(1)
	go f.handleUpstreamReplies(s)
	return s, nil
}

// handleUpstreamReplies relays every datagram the session's upstream socket
// produces back to the client via the shared server socket. The loop exits
// when the upstream socket is closed, whether by eviction or by Stop.
func (f *UDP) handleUpstreamReplies(s *session) {
	defer f.wg.Done()
	bufp := buffer.UPool.Get()
	defer buffer.UPool.Put(bufp)
	buf := *bufp

	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		if _, err := f.conn.WriteToUDP(buf[:n], s.clientAddr); err != nil {
			atomic.AddInt64(&f.errs, 1)
			flog.Warnw("udp send to client failed", "rule", f.ruleID, "client", s.clientAddr.String(), "error", err)
			continue
		}
		atomic.AddInt64(&f.messagesForwarded, 1)
	}
}

// Snapshot returns the forwarder's counters.
func (f *UDP) Snapshot() any {
	return stats.UDPSnapshot{
		MessagesForwarded: atomic.LoadInt64(&f.messagesForwarded),
		ClientConnections: atomic.LoadInt64(&f.clientConnections),
		Errors:            atomic.LoadInt64(&f.errs),
		ActiveClients:     atomic.LoadInt64(&f.activeClients),
	}
}

// Stop closes the server socket, every live session's upstream socket, and
// waits for the accept loop and every reply-relay goroutine to exit.
// Idempotent.
func (f *UDP) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stopCh)
		err = f.conn.Close()
		for _, item := range f.sessions.Items() {
			s := item.Object.(*session)
			s.conn.Close()
		}
		f.sessions.Flush()
		f.wg.Wait()
	})
	return err
}
