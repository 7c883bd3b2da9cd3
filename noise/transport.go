package noise

import (
	"context"
	"fmt"
	"net"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/interfaces"
	"github.com/opd-ai/p2pconn/metrics"
	"github.com/opd-ai/p2pconn/negotiate"
)

// ID is the protocol ID negotiated for the Noise security transport.
const ID = "/noise"

// Transport secures connections with the XX handshake. It is safe for
// concurrent use once constructed.
type Transport struct {
	identity   *crypto.Identity
	static     *crypto.KeyPair
	muxers     []string
	certHashes [][]byte
	prologue   []byte
	metrics    metrics.Collector
}

var _ interfaces.SecureTransport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithStreamMuxers advertises muxer protocol IDs, in preference order, inside
// the handshake so both sides can skip muxer negotiation.
func WithStreamMuxers(ids ...string) Option {
	return func(t *Transport) {
		t.muxers = append([]string(nil), ids...)
	}
}

// WithCertHashes advertises WebTransport certificate hashes to initiators.
func WithCertHashes(hashes ...[]byte) Option {
	return func(t *Transport) {
		t.certHashes = append([][]byte(nil), hashes...)
	}
}

// WithPrologue sets the prologue mixed into every handshake.
func WithPrologue(prologue []byte) Option {
	return func(t *Transport) {
		t.prologue = append([]byte(nil), prologue...)
	}
}

// WithMetrics reports handshake and packet counters to c.
func WithMetrics(c metrics.Collector) Option {
	return func(t *Transport) {
		t.metrics = c
	}
}

// WithStaticKey uses kp as the Noise static key for every handshake instead
// of a fresh key per connection.
func WithStaticKey(kp *crypto.KeyPair) Option {
	return func(t *Transport) {
		t.static = kp
	}
}

// New creates a Noise transport for identity.
func New(identity *crypto.Identity, opts ...Option) (*Transport, error) {
	if identity == nil {
		return nil, fmt.Errorf("noise transport: identity required")
	}
	t := &Transport{identity: identity}
	for _, opt := range opts {
		opt(t)
	}
	t.metrics = metrics.OrNoop(t.metrics)
	return t, nil
}

// ID returns the security protocol ID.
func (t *Transport) ID() string {
	return ID
}

// LocalPeer returns the peer ID of the transport identity.
func (t *Transport) LocalPeer() peer.ID {
	return t.identity.ID()
}

// SecureInbound runs the responder side of the handshake on insecure. If p
// is not empty the remote peer must match it.
func (t *Transport) SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (interfaces.SecureConn, error) {
	res, err := PerformHandshakeResponder(ctx, insecure, t.params(p, true))
	return t.finish(insecure, res, err)
}

// SecureOutbound runs the initiator side of the handshake on insecure.
func (t *Transport) SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (interfaces.SecureConn, error) {
	res, err := PerformHandshakeInitiator(ctx, insecure, t.params(p, false))
	return t.finish(insecure, res, err)
}

func (t *Transport) params(p peer.ID, responder bool) HandshakeParams {
	var ext *Extensions
	if len(t.muxers) > 0 || (responder && len(t.certHashes) > 0) {
		ext = &Extensions{StreamMuxers: t.muxers}
		// Certificate hashes are only meaningful from the responder.
		if responder {
			ext.WebTransportCertHashes = t.certHashes
		}
	}
	return HandshakeParams{
		Identity:   t.identity,
		StaticKey:  t.static,
		RemotePeer: p,
		Prologue:   t.prologue,
		Extensions: ext,
	}
}

func (t *Transport) finish(insecure net.Conn, res *HandshakeResult, err error) (interfaces.SecureConn, error) {
	if err != nil {
		t.metrics.HandshakeFailed()
		return nil, err
	}
	t.metrics.HandshakeSucceeded()

	state := interfaces.ConnectionState{SecurityProtocol: ID}
	if muxer := earlyMuxer(res); muxer != "" {
		state.StreamMultiplexer = muxer
		state.UsedEarlyMuxerNegotiation = true
	}
	return NewSecureConn(insecure, res, state, t.metrics), nil
}

// earlyMuxer picks the first initiator muxer the responder also supports.
func earlyMuxer(res *HandshakeResult) string {
	var local, remote []string
	if res.LocalExtensions != nil {
		local = res.LocalExtensions.StreamMuxers
	}
	if res.RemoteExtensions != nil {
		remote = res.RemoteExtensions.StreamMuxers
	}
	if res.Role() == Initiator {
		return negotiate.SelectEarlyMuxer(local, remote)
	}
	return negotiate.SelectEarlyMuxer(remote, local)
}
