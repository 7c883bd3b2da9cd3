package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2pconn/upgrader"
)

// ErrTransportClosed indicates use of a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// ConnHandler receives every successfully upgraded inbound connection.
type ConnHandler func(*upgrader.Connection)

// TCPTransport dials and accepts TCP connections and upgrades each one
// before handing it out. Inbound upgrades run concurrently; an inbound
// connection that fails to upgrade is dropped and only logged.
type TCPTransport struct {
	upgrader   *upgrader.Upgrader
	dialer     net.Dialer
	listener   net.Listener
	listenAddr net.Addr
	handler    ConnHandler
	conns      map[string]*upgrader.Connection
	mu         sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTCPTransport creates a transport that upgrades connections with u.
func NewTCPTransport(u *upgrader.Upgrader) *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		upgrader: u,
		dialer:   net.Dialer{KeepAlive: 30 * time.Second},
		conns:    make(map[string]*upgrader.Connection),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen starts accepting connections on listenAddr. handler is called on
// its own goroutine for every upgraded connection.
func (t *TCPTransport) Listen(listenAddr string, handler ConnHandler) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.listener != nil {
		t.mu.Unlock()
		listener.Close()
		return errors.New("transport already listening")
	}
	t.listener = listener
	t.listenAddr = listener.Addr()
	t.handler = handler
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"package":  "transport",
		"addr":     listener.Addr().String(),
	}).Info("Listening for connections")

	t.wg.Add(1)
	go t.acceptConnections(listener)
	return nil
}

// Dial connects to addr and upgrades the connection. A non-empty p pins the
// expected remote peer.
func (t *TCPTransport) Dial(ctx context.Context, addr string, p peer.ID) (*upgrader.Connection, error) {
	if t.ctx.Err() != nil {
		return nil, ErrTransportClosed
	}
	raw, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn, err := t.upgrader.Upgrade(ctx, raw, upgrader.DirOutbound, p)
	if err != nil {
		return nil, err
	}
	t.track(conn)
	return conn, nil
}

// LocalAddr returns the address the transport is listening on, or nil.
func (t *TCPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listenAddr
}

// Connections returns the open upgraded connections.
func (t *TCPTransport) Connections() []*upgrader.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*upgrader.Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Close stops listening, aborts inbound upgrades in progress and closes
// every tracked connection.
func (t *TCPTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	conns := make([]*upgrader.Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	return err
}

// acceptConnections handles incoming connections.
func (t *TCPTransport) acceptConnections(listener net.Listener) {
	defer t.wg.Done()
	for {
		raw, err := listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"package":  "transport",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.wg.Add(1)
		go t.handleConnection(raw)
	}
}

// handleConnection upgrades one inbound connection.
func (t *TCPTransport) handleConnection(raw net.Conn) {
	defer t.wg.Done()

	conn, err := t.upgrader.Upgrade(t.ctx, raw, upgrader.DirInbound, "")
	if err != nil {
		entry := logrus.WithFields(logrus.Fields{
			"function": "handleConnection",
			"package":  "transport",
			"remote":   raw.RemoteAddr().String(),
			"error":    err.Error(),
		})
		if upgrader.IsSecurityFailure(err) {
			entry.Warn("Dropping inbound connection after security failure")
		} else {
			entry.Debug("Dropping inbound connection")
		}
		return
	}

	t.track(conn)
	if t.handler != nil {
		go t.handler(conn)
	}
}

// track remembers conn until it closes.
func (t *TCPTransport) track(conn *upgrader.Connection) {
	t.mu.Lock()
	t.conns[conn.ID()] = conn
	t.mu.Unlock()

	go func() {
		select {
		case <-conn.Done():
		case <-t.ctx.Done():
		}
		t.mu.Lock()
		delete(t.conns, conn.ID())
		t.mu.Unlock()
	}()
}
