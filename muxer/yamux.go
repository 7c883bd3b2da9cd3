// Package muxer adapts yamux and mplex sessions to the stream multiplexer
// interfaces used by the upgrader.
package muxer

import (
	"context"
	"fmt"
	"net"

	"github.com/libp2p/go-yamux/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2pconn/interfaces"
)

// YamuxID is the protocol ID of yamux.
const YamuxID = "/yamux/1.0.0"

// Yamux creates yamux sessions.
type Yamux struct {
	config *yamux.Config
}

var _ interfaces.Multiplexer = (*Yamux)(nil)

// DefaultYamuxConfig returns yamux defaults with its internal log routed to
// logrus at debug level.
func DefaultYamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = logrus.WithFields(logrus.Fields{
		"package": "muxer",
		"muxer":   "yamux",
	}).WriterLevel(logrus.DebugLevel)
	return cfg
}

// NewYamux returns a yamux multiplexer. A nil config uses DefaultYamuxConfig.
func NewYamux(cfg *yamux.Config) *Yamux {
	if cfg == nil {
		cfg = DefaultYamuxConfig()
	}
	return &Yamux{config: cfg}
}

// NewConn starts a yamux session over c.
func (y *Yamux) NewConn(c net.Conn, isServer bool) (interfaces.MuxedConn, error) {
	var (
		s   *yamux.Session
		err error
	)
	if isServer {
		s, err = yamux.Server(c, y.config, nil)
	} else {
		s, err = yamux.Client(c, y.config, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("yamux session: %w", err)
	}
	return &yamuxConn{s: s}, nil
}

type yamuxConn struct {
	s *yamux.Session
}

func (c *yamuxConn) Close() error {
	return c.s.Close()
}

func (c *yamuxConn) IsClosed() bool {
	return c.s.IsClosed()
}

func (c *yamuxConn) CloseChan() <-chan struct{} {
	return c.s.CloseChan()
}

func (c *yamuxConn) OpenStream(ctx context.Context) (interfaces.MuxedStream, error) {
	s, err := c.s.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *yamuxConn) AcceptStream() (interfaces.MuxedStream, error) {
	s, err := c.s.AcceptStream()
	if err != nil {
		return nil, err
	}
	return s, nil
}
