package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2pconn/config"
	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/interfaces"
	"github.com/opd-ai/p2pconn/metrics"
	"github.com/opd-ai/p2pconn/muxer"
	"github.com/opd-ai/p2pconn/noise"
	"github.com/opd-ai/p2pconn/transport"
	"github.com/opd-ai/p2pconn/upgrader"
)

// EchoProtocol is served by every listening node.
const EchoProtocol = "/echo/1.0.0"

// maxEchoMessage bounds what echoService reads from one stream.
const maxEchoMessage = 64 * 1024

// ErrEchoTooLarge is returned for messages the echo service would truncate.
var ErrEchoTooLarge = fmt.Errorf("echo message exceeds %d bytes", maxEchoMessage)

// node wires one identity to a Noise transport, an upgrader and TCP.
type node struct {
	cfg       *config.Config
	identity  *crypto.Identity
	registry  *prometheus.Registry
	upgrader  *upgrader.Upgrader
	transport *transport.TCPTransport
}

func newNode(cfg *config.Config, identity *crypto.Identity) (*node, error) {
	muxers, err := streamMuxers(cfg.Muxers)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheus(registry, "p2pnode")
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	opts := []noise.Option{
		noise.WithStreamMuxers(cfg.Muxers...),
		noise.WithMetrics(collector),
	}
	if cfg.Prologue != "" {
		opts = append(opts, noise.WithPrologue([]byte(cfg.Prologue)))
	}
	sec, err := noise.New(identity, opts...)
	if err != nil {
		return nil, err
	}

	u, err := upgrader.New(upgrader.Config{
		SecurityTransports: []interfaces.SecureTransport{sec},
		Muxers:             muxers,
		Timeout:            cfg.UpgradeTimeout,
		Registrar:          echoService{},
		Observer:           logTransition,
	})
	if err != nil {
		return nil, err
	}

	return &node{
		cfg:       cfg,
		identity:  identity,
		registry:  registry,
		upgrader:  u,
		transport: transport.NewTCPTransport(u),
	}, nil
}

func streamMuxers(ids []string) ([]upgrader.StreamMuxer, error) {
	out := make([]upgrader.StreamMuxer, 0, len(ids))
	for _, id := range ids {
		switch id {
		case muxer.YamuxID:
			out = append(out, upgrader.StreamMuxer{ID: id, Muxer: muxer.NewYamux(nil)})
		case muxer.MplexID:
			out = append(out, upgrader.StreamMuxer{ID: id, Muxer: muxer.Mplex{}})
		default:
			return nil, fmt.Errorf("%w: %q", config.ErrUnknownMuxer, id)
		}
	}
	return out, nil
}

// loadOrCreateIdentity reads the identity at path, generating and saving a
// new one when the file does not exist.
func loadOrCreateIdentity(path string) (*crypto.Identity, error) {
	id, err := crypto.LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.SaveIdentity(path); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "loadOrCreateIdentity",
		"path":     path,
		"peer":     id.ID().String(),
	}).Info("Generated new identity")
	return id, nil
}

func (n *node) listen(handler transport.ConnHandler) error {
	return n.transport.Listen(n.cfg.ListenAddr, handler)
}

// echo dials addr, sends msg on an echo stream and returns the reply.
func (n *node) echo(ctx context.Context, addr string, p peer.ID, msg []byte) ([]byte, *upgrader.Connection, error) {
	if len(msg) > maxEchoMessage {
		return nil, nil, ErrEchoTooLarge
	}
	conn, err := n.transport.Dial(ctx, addr, p)
	if err != nil {
		return nil, nil, err
	}
	s, err := conn.NewStream(ctx, EchoProtocol)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	defer s.Close()

	if _, err := s.Write(msg); err != nil {
		conn.Close()
		return nil, nil, err
	}
	reply := make([]byte, len(msg))
	if _, err := io.ReadFull(s, reply); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return reply, conn, nil
}

func (n *node) Close() error {
	return n.transport.Close()
}

// echoService writes back everything it reads on /echo/1.0.0 streams.
type echoService struct{}

func (echoService) Protocols() []string { return []string{EchoProtocol} }

func (echoService) HandleStream(conn *upgrader.Connection, s *upgrader.Stream, _ string) {
	defer s.Close()
	n, err := io.Copy(s, io.LimitReader(s, maxEchoMessage))
	entry := logrus.WithFields(logrus.Fields{
		"function": "HandleStream",
		"peer":     conn.RemotePeer().String(),
		"bytes":    n,
	})
	if err != nil {
		entry.WithError(err).Debug("Echo stream ended with error")
		return
	}
	entry.Debug("Echo stream done")
}

func logTransition(connID string, dir upgrader.Direction, from, to upgrader.State) {
	logrus.WithFields(logrus.Fields{
		"conn":      connID,
		"direction": dir.String(),
		"from":      from.String(),
		"to":        to.String(),
	}).Trace("Upgrade state change")
}
