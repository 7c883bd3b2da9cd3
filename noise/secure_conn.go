package noise

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/framing"
	"github.com/opd-ai/p2pconn/interfaces"
	"github.com/opd-ai/p2pconn/metrics"
)

// MaxPlaintextLength is the largest plaintext carried by one transport frame.
const MaxPlaintextLength = framing.MaxFrameSize - crypto.TagLength

// SecureConn is an encrypted, authenticated connection produced by a
// completed handshake. Reads and writes may run concurrently with each other,
// and Close may be called from any goroutine.
type SecureConn struct {
	raw     net.Conn
	session *HandshakeResult
	state   interfaces.ConnectionState
	metrics metrics.Collector

	readMu     sync.Mutex
	reader     *framing.Reader
	pending    []byte
	pendingBuf []byte
	readErr    error

	writeMu  sync.Mutex
	writer   *framing.Writer
	writeErr error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ interfaces.SecureConn = (*SecureConn)(nil)

// NewSecureConn wraps raw with the transport keys of a completed handshake.
// The SecureConn takes ownership of both raw and session.
func NewSecureConn(raw net.Conn, session *HandshakeResult, state interfaces.ConnectionState, collector metrics.Collector) *SecureConn {
	return &SecureConn{
		raw:     raw,
		session: session,
		state:   state,
		metrics: metrics.OrNoop(collector),
		reader:  framing.NewReader(raw, framing.MaxFrameSize),
		writer:  framing.NewWriter(raw, framing.MaxFrameSize),
	}
}

// Read returns decrypted application bytes. A frame larger than b is
// buffered and drained by subsequent calls.
func (c *SecureConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) > 0 {
		return c.drainPending(b), nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	frameBuf := pool.Get(framing.MaxFrameSize)
	defer pool.Put(frameBuf)

	for {
		frame, err := c.reader.ReadFrameInto(frameBuf)
		if err != nil {
			return 0, c.failRead(err)
		}
		if len(frame) < crypto.TagLength {
			return 0, c.failDecrypt(fmt.Errorf("%w: frame of %d bytes", crypto.ErrDecrypt, len(frame)))
		}

		plainLen := len(frame) - crypto.TagLength
		if plainLen <= len(b) {
			out, err := c.session.Decrypt(b[:0], frame)
			if err != nil {
				return 0, c.failDecrypt(err)
			}
			c.metrics.PacketDecrypted()
			if len(out) == 0 {
				continue
			}
			return len(out), nil
		}

		buf := pool.Get(plainLen)
		out, err := c.session.Decrypt(buf[:0], frame)
		if err != nil {
			pool.Put(buf)
			return 0, c.failDecrypt(err)
		}
		c.metrics.PacketDecrypted()
		c.pendingBuf = buf
		c.pending = out
		return c.drainPending(b), nil
	}
}

func (c *SecureConn) drainPending(b []byte) int {
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	if len(c.pending) == 0 {
		c.releasePending()
	}
	return n
}

func (c *SecureConn) releasePending() {
	if c.pendingBuf != nil {
		pool.Put(c.pendingBuf)
	}
	c.pendingBuf = nil
	c.pending = nil
}

// failRead records a transport read error. A deadline that expires on a
// frame boundary is returned without being recorded, so the caller may
// extend the deadline and read again. Must hold readMu.
func (c *SecureConn) failRead(err error) error {
	switch {
	case c.closed.Load():
		return net.ErrClosed
	case errors.Is(err, os.ErrDeadlineExceeded) && c.reader.Err() == nil:
		return fmt.Errorf("secure conn read: %w", err)
	case err == io.EOF:
		c.readErr = io.EOF
	default:
		c.readErr = fmt.Errorf("secure conn read: %w", err)
	}
	return c.readErr
}

// failDecrypt makes a decryption failure sticky and tears the connection
// down. Must hold readMu.
func (c *SecureConn) failDecrypt(err error) error {
	c.metrics.DecryptFailed()
	c.readErr = fmt.Errorf("secure conn read: %w", err)
	logrus.WithFields(logrus.Fields{
		"function": "Read",
		"package":  "noise",
		"peer":     c.session.RemotePeer.String(),
		"error":    err.Error(),
	}).Warn("Closing connection after decryption failure")
	c.closeRaw()
	return c.readErr
}

// Write encrypts b in chunks of at most MaxPlaintextLength, one frame each.
func (c *SecureConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	cipherBuf := pool.Get(framing.MaxFrameSize)
	defer pool.Put(cipherBuf)

	written := 0
	for written < len(b) {
		end := written + MaxPlaintextLength
		if end > len(b) {
			end = len(b)
		}
		ct, err := c.session.Encrypt(cipherBuf[:0], b[written:end])
		if err != nil {
			c.writeErr = fmt.Errorf("secure conn write: %w", err)
			return written, c.writeErr
		}
		if err := c.writer.WriteFrame(ct); err != nil {
			if c.closed.Load() {
				return written, net.ErrClosed
			}
			c.writeErr = fmt.Errorf("secure conn write: %w", err)
			return written, c.writeErr
		}
		c.metrics.PacketEncrypted()
		written = end
	}
	return written, nil
}

// Close closes the underlying connection and wipes both transport keys.
func (c *SecureConn) Close() error {
	c.closeRaw()

	c.writeMu.Lock()
	c.session.send.Destroy()
	c.writeMu.Unlock()

	c.readMu.Lock()
	c.session.recv.Destroy()
	c.releasePending()
	c.readMu.Unlock()

	if c.closeErr != nil && !errors.Is(c.closeErr, net.ErrClosed) {
		return c.closeErr
	}
	return nil
}

func (c *SecureConn) closeRaw() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
	})
}

// LocalPeer returns the local peer ID.
func (c *SecureConn) LocalPeer() peer.ID {
	return c.session.LocalPeer
}

// RemotePeer returns the authenticated remote peer ID.
func (c *SecureConn) RemotePeer() peer.ID {
	return c.session.RemotePeer
}

// RemotePublicKey returns the remote identity key.
func (c *SecureConn) RemotePublicKey() ic.PubKey {
	return c.session.RemoteIdentity
}

// RemoteStatic returns the remote Noise static key.
func (c *SecureConn) RemoteStatic() []byte {
	return c.session.RemoteStatic
}

// ConnState returns what the handshake agreed on.
func (c *SecureConn) ConnState() interfaces.ConnectionState {
	return c.state
}

// LocalAddr returns the local network address.
func (c *SecureConn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *SecureConn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetDeadline sets the read and write deadlines of the underlying connection.
func (c *SecureConn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

func (c *SecureConn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

func (c *SecureConn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
