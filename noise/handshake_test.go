package noise

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/framing"
)

func TestPerformHandshake(t *testing.T) {
	initID := newTestIdentity(t)
	respID := newTestIdentity(t)

	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: initID, RemotePeer: respID.ID(), Prologue: []byte("p")},
		HandshakeParams{Identity: respID, Prologue: []byte("p")},
	)
	require.NoError(t, initOut.err)
	require.NoError(t, respOut.err)

	assert.Equal(t, respID.ID(), initOut.res.RemotePeer)
	assert.Equal(t, initID.ID(), respOut.res.RemotePeer)
	assert.True(t, initOut.res.RemoteIdentity.Equals(respID.PublicKey()))
	assert.True(t, respOut.res.RemoteIdentity.Equals(initID.PublicKey()))
	assert.Equal(t, initOut.res.HandshakeHash, respOut.res.HandshakeHash)
	assert.Equal(t, Initiator, initOut.res.Role())
	assert.Equal(t, Responder, respOut.res.Role())

	ct, err := initOut.res.Encrypt(nil, []byte("ping"))
	require.NoError(t, err)
	pt, err := respOut.res.Decrypt(nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pt)

	ct, err = respOut.res.Encrypt(nil, []byte("pong"))
	require.NoError(t, err)
	pt, err = initOut.res.Decrypt(nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), pt)
}

func TestPerformHandshakeUsesStaticKey(t *testing.T) {
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: newTestIdentity(t)},
		HandshakeParams{Identity: newTestIdentity(t), StaticKey: static},
	)
	require.NoError(t, initOut.err)
	require.NoError(t, respOut.err)
	assert.Equal(t, static.Public[:], initOut.res.RemoteStatic)
	assert.NotEqual(t, [crypto.KeySize]byte{}, static.Private, "caller key must not be wiped")
}

func TestPerformHandshakeExchangesExtensions(t *testing.T) {
	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: newTestIdentity(t), Extensions: &Extensions{StreamMuxers: []string{"/mplex"}}},
		HandshakeParams{Identity: newTestIdentity(t), Extensions: &Extensions{
			StreamMuxers:           []string{"/yamux", "/mplex"},
			WebTransportCertHashes: [][]byte{{0x01}},
		}},
	)
	require.NoError(t, initOut.err)
	require.NoError(t, respOut.err)

	require.NotNil(t, initOut.res.RemoteExtensions)
	assert.Equal(t, []string{"/yamux", "/mplex"}, initOut.res.RemoteExtensions.StreamMuxers)
	assert.Equal(t, [][]byte{{0x01}}, initOut.res.RemoteExtensions.WebTransportCertHashes)
	require.NotNil(t, respOut.res.RemoteExtensions)
	assert.Equal(t, []string{"/mplex"}, respOut.res.RemoteExtensions.StreamMuxers)
}

func TestPerformHandshakePinnedPeerMismatch(t *testing.T) {
	other := newTestIdentity(t)

	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: newTestIdentity(t), RemotePeer: other.ID()},
		HandshakeParams{Identity: newTestIdentity(t)},
	)
	require.Error(t, initOut.err)
	assert.ErrorIs(t, initOut.err, ErrAuthentication)
	assert.ErrorIs(t, initOut.err, ErrPeerIDMismatch)
	assert.Error(t, respOut.err, "responder must not complete without message three")
}

func TestPerformHandshakeResponderPinsInitiator(t *testing.T) {
	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: newTestIdentity(t)},
		HandshakeParams{Identity: newTestIdentity(t), RemotePeer: newTestIdentity(t).ID()},
	)
	require.NoError(t, initOut.err, "initiator finishes before the responder verifies")
	assert.ErrorIs(t, respOut.err, ErrPeerIDMismatch)
}

func TestPerformHandshakePrologueMismatch(t *testing.T) {
	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: newTestIdentity(t), Prologue: []byte("a")},
		HandshakeParams{Identity: newTestIdentity(t), Prologue: []byte("b")},
	)
	assert.ErrorIs(t, initOut.err, crypto.ErrDecrypt)
	assert.Error(t, respOut.err)
}

// A responder that signs a static key other than the one it uses in the
// handshake must be rejected.
func TestPerformHandshakeRejectsSignatureOverOtherStaticKey(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	respID := newTestIdentity(t)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runForgingResponder(respConn, respID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := PerformHandshakeInitiator(ctx, initConn, HandshakeParams{Identity: newTestIdentity(t)})
	initConn.Close()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
	<-errCh
}

func runForgingResponder(conn net.Conn, id *crypto.Identity) error {
	static, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	decoy, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	hs, err := NewHandshakeState(Responder, static, nil)
	if err != nil {
		return err
	}
	rw := framing.NewReadWriter(conn, MaxMessageSize)
	msg, err := rw.ReadFrame()
	if err != nil {
		return err
	}
	if _, err := hs.ReadMessage(nil, msg); err != nil {
		return err
	}

	key, err := crypto.MarshalIdentityKey(id.PublicKey())
	if err != nil {
		return err
	}
	sig, err := id.SignStaticKey(decoy.Public[:])
	if err != nil {
		return err
	}
	payload := (&HandshakePayload{IdentityKey: key, IdentitySig: sig}).Marshal()
	out, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return err
	}
	return rw.WriteFrame(out)
}

func TestPerformHandshakeRejectsMalformedPayload(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	go func() {
		static, _ := crypto.GenerateKeyPair()
		hs, _ := NewHandshakeState(Responder, static, nil)
		rw := framing.NewReadWriter(respConn, MaxMessageSize)
		msg, err := rw.ReadFrame()
		if err != nil {
			return
		}
		if _, err := hs.ReadMessage(nil, msg); err != nil {
			return
		}
		out, _ := hs.WriteMessage(nil, []byte{0x0a, 0x7f})
		_ = rw.WriteFrame(out)
	}()

	_, err := PerformHandshakeInitiator(context.Background(), initConn, HandshakeParams{Identity: newTestIdentity(t)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPerformHandshakeRequiresIdentity(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := PerformHandshakeInitiator(context.Background(), a, HandshakeParams{})
	assert.Error(t, err)
}

func TestPerformHandshakeContextCancelled(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Read message one, then stall.
		rw := framing.NewReader(b, MaxMessageSize)
		_, _ = rw.ReadFrame()
		cancel()
	}()

	_, err := PerformHandshakeInitiator(ctx, a, HandshakeParams{Identity: newTestIdentity(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The raw connection was closed by the cancellation.
	_, werr := a.Write([]byte{0})
	assert.Error(t, werr)
}

func TestPerformHandshakeDeadline(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	// Nobody reads from b: the first write blocks until the deadline.
	_, err := PerformHandshakeInitiator(ctx, a, HandshakeParams{Identity: newTestIdentity(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRemotePeerDerivedFromIdentity(t *testing.T) {
	respID := newTestIdentity(t)
	initOut, respOut, _, _ := runHandshake(t,
		HandshakeParams{Identity: newTestIdentity(t)},
		HandshakeParams{Identity: respID},
	)
	require.NoError(t, initOut.err)
	require.NoError(t, respOut.err)

	id, err := peer.IDFromPublicKey(initOut.res.RemoteIdentity)
	require.NoError(t, err)
	assert.Equal(t, respID.ID(), id)
}
