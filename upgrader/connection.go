package upgrader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multistream"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/interfaces"
)

// Connection is a fully upgraded connection. It owns the secure connection
// and the muxer session running over it.
type Connection struct {
	id        string
	dir       Direction
	security  string
	muxer     string
	early     bool
	timeout   time.Duration
	registrar Registrar

	secure interfaces.SecureConn
	muxed  interfaces.MuxedConn

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

func newConnection(u *Upgrader, id string, dir Direction, security, muxer string, early bool, secure interfaces.SecureConn, muxed interfaces.MuxedConn) *Connection {
	return &Connection{
		id:        id,
		dir:       dir,
		security:  security,
		muxer:     muxer,
		early:     early,
		timeout:   u.timeout,
		registrar: u.registrar,
		secure:    secure,
		muxed:     muxed,
		done:      make(chan struct{}),
	}
}

// start watches the muxer session and launches inbound stream dispatch
// when a registrar is configured.
func (c *Connection) start() {
	go func() {
		select {
		case <-c.muxed.CloseChan():
			_ = c.Close()
		case <-c.done:
		}
	}()
	if c.registrar == nil {
		return
	}
	c.wg.Add(1)
	go c.acceptLoop()
}

// ID returns the unique connection ID.
func (c *Connection) ID() string { return c.id }

// Direction returns whether we dialed or accepted the connection.
func (c *Connection) Direction() Direction { return c.dir }

// LocalPeer returns the local peer ID.
func (c *Connection) LocalPeer() peer.ID { return c.secure.LocalPeer() }

// RemotePeer returns the authenticated remote peer ID.
func (c *Connection) RemotePeer() peer.ID { return c.secure.RemotePeer() }

// RemotePublicKey returns the remote identity key.
func (c *Connection) RemotePublicKey() ic.PubKey { return c.secure.RemotePublicKey() }

// SecurityProtocol returns the negotiated security protocol ID.
func (c *Connection) SecurityProtocol() string { return c.security }

// MuxerProtocol returns the selected muxer protocol ID.
func (c *Connection) MuxerProtocol() string { return c.muxer }

// UsedEarlyMuxerNegotiation reports whether the muxer was agreed during the
// handshake instead of negotiated afterwards.
func (c *Connection) UsedEarlyMuxerNegotiation() bool { return c.early }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.muxed.IsClosed()
	}
}

// NewStream opens a stream and, when protocols are given, negotiates the
// first one the remote side supports.
func (c *Connection) NewStream(ctx context.Context, protocols ...string) (*Stream, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	ms, err := c.muxed.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	s := &Stream{MuxedStream: ms, conn: c}
	if len(protocols) == 0 {
		return s, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ms.SetDeadline(deadline)
	} else {
		_ = ms.SetDeadline(time.Now().Add(c.timeout))
	}
	proto, err := multistream.SelectOneOf(protocols, ms)
	_ = ms.SetDeadline(time.Time{})
	if err != nil {
		_ = ms.Reset()
		return nil, fmt.Errorf("negotiate stream protocol: %w", err)
	}
	s.protocol = proto
	return s, nil
}

// AcceptStream waits for a stream opened by the remote side. The stream has
// no protocol yet; use Stream.AcceptProtocol to negotiate one. It fails when
// a Registrar receives inbound streams.
func (c *Connection) AcceptStream() (*Stream, error) {
	if c.registrar != nil {
		return nil, ErrRegistrarOwnsStreams
	}
	ms, err := c.muxed.AcceptStream()
	if err != nil {
		if c.IsClosed() {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	return &Stream{MuxedStream: ms, conn: c}, nil
}

func (c *Connection) acceptLoop() {
	defer c.wg.Done()
	for {
		ms, err := c.muxed.AcceptStream()
		if err != nil {
			if !c.IsClosed() {
				crypto.NewPackageLogger("upgrader", "acceptLoop").
					WithError(err, "accept", "accept_stream").
					WithField("conn_id", c.id).
					Debug("Stream accept ended, closing connection")
			}
			_ = c.Close()
			return
		}
		c.wg.Add(1)
		go c.dispatch(&Stream{MuxedStream: ms, conn: c})
	}
}

// dispatch negotiates the stream protocol against the registrar and hands
// the stream over.
func (c *Connection) dispatch(s *Stream) {
	defer c.wg.Done()
	proto, err := s.AcceptProtocol(c.registrar.Protocols()...)
	if err != nil {
		crypto.NewPackageLogger("upgrader", "dispatch").
			WithError(err, "negotiation", "stream_protocol").
			WithField("conn_id", c.id).
			Debug("Dropping inbound stream")
		_ = s.Reset()
		return
	}
	c.registrar.HandleStream(c, s, proto)
}

// Close closes the muxer session and the secure connection. Streams that
// are still open are reset.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		err := c.muxed.Close()
		if serr := c.secure.Close(); err == nil {
			err = serr
		}
		c.closeErr = err
	})
	return c.closeErr
}

// Wait blocks until the accept loop and every dispatch have returned.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Stream is one logical stream of a Connection.
type Stream struct {
	interfaces.MuxedStream
	conn     *Connection
	protocol string
}

// Protocol returns the negotiated protocol ID, or "" if none was negotiated.
func (s *Stream) Protocol() string { return s.protocol }

// Conn returns the connection carrying the stream.
func (s *Stream) Conn() *Connection { return s.conn }

// AcceptProtocol runs the responder side of protocol negotiation on an
// inbound stream.
func (s *Stream) AcceptProtocol(protocols ...string) (string, error) {
	if s.protocol != "" {
		return "", errors.New("stream protocol already negotiated")
	}
	_ = s.SetDeadline(time.Now().Add(s.conn.timeout))
	proto, _, err := newProtocolTable(protocols).Negotiate(s.MuxedStream)
	_ = s.SetDeadline(time.Time{})
	if err != nil {
		return "", fmt.Errorf("negotiate stream protocol: %w", err)
	}
	s.protocol = proto
	return proto, nil
}
