package noise

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/p2pconn/crypto"
)

func newTestIdentity(t testing.TB) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

type handshakeOutcome struct {
	res *HandshakeResult
	err error
}

// runHandshake runs both sides over an in-memory pipe. A side that fails
// closes its end so the other side does not block.
func runHandshake(t *testing.T, initParams, respParams HandshakeParams) (initOut, respOut handshakeOutcome, initConn, respConn net.Conn) {
	t.Helper()
	initConn, respConn = net.Pipe()
	t.Cleanup(func() {
		initConn.Close()
		respConn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		initOut.res, initOut.err = PerformHandshakeInitiator(ctx, initConn, initParams)
		if initOut.err != nil {
			initConn.Close()
		}
		return nil
	})
	g.Go(func() error {
		respOut.res, respOut.err = PerformHandshakeResponder(ctx, respConn, respParams)
		if respOut.err != nil {
			respConn.Close()
		}
		return nil
	})
	require.NoError(t, g.Wait())
	return initOut, respOut, initConn, respConn
}

// countingConn records the size of every Write.
type countingConn struct {
	net.Conn
	mu     sync.Mutex
	writes []int
}

func (c *countingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, len(b))
	c.mu.Unlock()
	return c.Conn.Write(b)
}

func (c *countingConn) frames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.writes...)
}

// tamperConn flips one bit in the last byte of every Write.
type tamperConn struct {
	net.Conn
}

func (c *tamperConn) Write(b []byte) (int, error) {
	out := append([]byte(nil), b...)
	if len(out) > 0 {
		out[len(out)-1] ^= 0x01
	}
	return c.Conn.Write(out)
}

// countingMetrics implements metrics.Collector for assertions.
type countingMetrics struct {
	mu                                   sync.Mutex
	succeeded, failed, enc, dec, decFail int
}

func (m *countingMetrics) HandshakeSucceeded() { m.inc(&m.succeeded) }
func (m *countingMetrics) HandshakeFailed()    { m.inc(&m.failed) }
func (m *countingMetrics) PacketEncrypted()    { m.inc(&m.enc) }
func (m *countingMetrics) PacketDecrypted()    { m.inc(&m.dec) }
func (m *countingMetrics) DecryptFailed()      { m.inc(&m.decFail) }

func (m *countingMetrics) inc(v *int) {
	m.mu.Lock()
	*v++
	m.mu.Unlock()
}

func (m *countingMetrics) get(v *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *v
}
