package muxer

import (
	"context"
	"fmt"
	"net"

	mplex "github.com/libp2p/go-mplex"

	"github.com/opd-ai/p2pconn/interfaces"
)

// MplexID is the protocol ID of mplex.
const MplexID = "/mplex/6.7.0"

// Mplex creates mplex sessions.
type Mplex struct{}

var _ interfaces.Multiplexer = Mplex{}

// NewConn starts an mplex session over c. The dialing side is the initiator.
func (Mplex) NewConn(c net.Conn, isServer bool) (interfaces.MuxedConn, error) {
	m, err := mplex.NewMultiplex(c, !isServer, nil)
	if err != nil {
		return nil, fmt.Errorf("mplex session: %w", err)
	}
	return &mplexConn{m: m}, nil
}

type mplexConn struct {
	m *mplex.Multiplex
}

func (c *mplexConn) Close() error {
	return c.m.Close()
}

func (c *mplexConn) IsClosed() bool {
	return c.m.IsClosed()
}

func (c *mplexConn) CloseChan() <-chan struct{} {
	return c.m.CloseChan()
}

func (c *mplexConn) OpenStream(ctx context.Context) (interfaces.MuxedStream, error) {
	s, err := c.m.NewStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *mplexConn) AcceptStream() (interfaces.MuxedStream, error) {
	s, err := c.m.Accept()
	if err != nil {
		return nil, err
	}
	return s, nil
}
