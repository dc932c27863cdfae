package binder

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"fireproxy/internal/conf"
	"fireproxy/internal/pkg/buffer"
)

func init() {
	if err := buffer.Initialize(buffer.DefaultTCPBufferSize, buffer.DefaultUDPBufferSize); err != nil {
		panic(err)
	}
}

func testConf() *conf.Conf {
	c := &conf.Conf{}
	c.Pool.MinPoolSize = 1
	c.Pool.MaxPoolSize = 2
	c.Pool.InitialPoolSize = 1
	c.Pool.ScaleUpThreshold = 0.8
	c.Pool.ScaleDownThreshold = 0.3
	c.Pool.ScaleUpStep = 1
	c.Pool.ScaleDownStep = 1
	c.Pool.ConnectTimeoutMS = 500
	c.Pool.KeepAliveIntervalMS = 15000
	c.Pool.IdleTimeoutMS = 180000
	c.Pool.ScaleIntervalMS = 5000
	c.Pool.SocketBufferHint = 128 * 1024
	c.UDP.ClientTimeoutMS = 300000
	c.UDP.SocketBufferHint = 64 * 1024
	c.UDP.CleanupIntervalMS = 60000
	return c
}

func TestBindSkipsInvalidRuleWithoutAbortingRest(t *testing.T) {
	c := testConf()
	c.Forward = []conf.Rule{
		{ID: 1, Status: "active", Type: "bogus", LocalHost: "127.0.0.1", TargetHost: "127.0.0.1", LocalPort: 1, TargetPort: 1},
		{ID: 2, Status: "active", Type: "tcp", LocalHost: "127.0.0.1", TargetHost: "127.0.0.1", LocalPort: freeTCPPort(t), TargetPort: 9},
	}

	bound := Bind(c)
	defer stopAll(bound)

	if len(bound) != 1 {
		t.Fatalf("expected exactly 1 bound forwarder (the valid rule), got %d", len(bound))
	}
	if bound[0].RuleID != 2 {
		t.Errorf("expected surviving rule ID 2, got %d", bound[0].RuleID)
	}
}

func TestBindIgnoresInactiveRules(t *testing.T) {
	c := testConf()
	c.Forward = []conf.Rule{
		{ID: 1, Status: "inactive", Type: "tcp", LocalHost: "127.0.0.1", TargetHost: "127.0.0.1", LocalPort: freeTCPPort(t), TargetPort: 9},
	}

	bound := Bind(c)
	defer stopAll(bound)

	if len(bound) != 0 {
		t.Fatalf("expected 0 bound forwarders for an inactive rule, got %d", len(bound))
	}
}

func TestBindExpandsSingleLengthRange(t *testing.T) {
	upstream := mustListen(t)
	defer upstream.Close()
	upPort := upstream.Addr().(*net.TCPAddr).Port

	c := testConf()
	// A single-pair range (start==end) exercises the range-expansion path
	// without needing to predict two free local ports.
	localPort := freeTCPPort(t)
	c.Forward = []conf.Rule{
		{
			ID: 3, Status: "active", Type: "tcp",
			LocalHost: "127.0.0.1", TargetHost: "127.0.0.1",
			LocalPortRange:  []int{localPort, localPort},
			TargetPortRange: []int{upPort, upPort},
		},
	}

	bound := Bind(c)
	defer stopAll(bound)

	if len(bound) != 1 {
		t.Fatalf("expected 1 bound forwarder, got %d", len(bound))
	}
}

// TestBindTCPDedupesPoolByTargetPort exercises bindTCP directly with two
// pairs sharing one target port. A rule's own range expansion can never
// produce this shape (local and target offsets advance in lockstep, so two
// pairs in one rule never collide on target port), so there is no way to
// build this case by going through Bind/Rule.Expand; calling bindTCP with a
// hand-built pairs slice is the only way to exercise the dedup map itself.
func TestBindTCPDedupesPoolByTargetPort(t *testing.T) {
	var accepted int64
	upstream := mustListen(t)
	defer upstream.Close()
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			atomic.AddInt64(&accepted, 1)
			conn.Close()
		}
	}()
	upPort := upstream.Addr().(*net.TCPAddr).Port

	cfg := testConf()
	cfg.Pool.MinPoolSize = 1
	cfg.Pool.MaxPoolSize = 1
	cfg.Pool.InitialPoolSize = 1

	rule := conf.Rule{ID: 7, Status: "active", Type: "tcp", LocalHost: "127.0.0.1", TargetHost: "127.0.0.1"}
	pairs := []conf.PortPair{
		{LocalPort: freeTCPPort(t), TargetPort: upPort},
		{LocalPort: freeTCPPort(t), TargetPort: upPort},
	}

	bound := bindTCP(rule, pairs, cfg.Pool)
	defer stopAll(bound)

	if len(bound) != 2 {
		t.Fatalf("expected 2 bound forwarders (one listener per local port), got %d", len(bound))
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt64(&accepted); got != 1 {
		t.Fatalf("expected the shared pool to prewarm the upstream exactly once, got %d connections", got)
	}
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// freeTCPPort reserves an ephemeral TCP port and releases it immediately so
// a rule under test can name a real, currently-unused local port (rules
// require ports in 1-65535, so 0 isn't a usable placeholder here).
func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func stopAll(bound []Bound) {
	for _, b := range bound {
		b.Instance.Stop()
	}
}
