package interfaces

import (
	"context"
	"net"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnectionState describes what a security handshake agreed on.
type ConnectionState struct {
	// SecurityProtocol is the protocol ID of the security transport.
	SecurityProtocol string
	// StreamMultiplexer is the muxer agreed inside the handshake, or empty
	// when the muxer still has to be negotiated.
	StreamMultiplexer string
	// UsedEarlyMuxerNegotiation reports whether StreamMultiplexer came from
	// handshake extensions.
	UsedEarlyMuxerNegotiation bool
}

// SecureConn is an authenticated, encrypted connection.
type SecureConn interface {
	net.Conn

	LocalPeer() peer.ID
	RemotePeer() peer.ID
	RemotePublicKey() ic.PubKey
	ConnState() ConnectionState
}

// SecureTransport turns inbound and outbound unauthenticated connections into
// authenticated, encrypted connections.
type SecureTransport interface {
	// ID returns the protocol ID negotiated for this transport.
	ID() string

	// SecureInbound secures an inbound connection. If p is not empty the
	// remote peer must match it.
	SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// SecureOutbound secures an outbound connection to peer p. An empty p
	// accepts any authenticated peer.
	SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)
}
