package interfaces

import (
	"context"
	"io"
	"net"
	"time"
)

// MuxedStream is one logical bidirectional stream over a MuxedConn.
type MuxedStream interface {
	io.Reader
	io.Writer
	io.Closer

	// Reset closes both directions abruptly.
	Reset() error

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// MuxedConn carries many streams over one secure connection.
type MuxedConn interface {
	io.Closer

	IsClosed() bool
	// CloseChan is closed when the session ends for any reason.
	CloseChan() <-chan struct{}
	OpenStream(ctx context.Context) (MuxedStream, error)
	AcceptStream() (MuxedStream, error)
}

// Multiplexer constructs MuxedConns. Implementations must be safe for
// concurrent use since one instance serves every upgrade.
type Multiplexer interface {
	NewConn(c net.Conn, isServer bool) (MuxedConn, error)
}
