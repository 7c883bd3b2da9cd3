package noise

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/p2pconn/interfaces"
)

func secureBoth(t *testing.T, initT, respT *Transport, pin peer.ID) (interfaces.SecureConn, interfaces.SecureConn, error, error) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		initConn, respConn interfaces.SecureConn
		initErr, respErr   error
		g                  errgroup.Group
	)
	g.Go(func() error {
		initConn, initErr = initT.SecureOutbound(ctx, a, pin)
		if initErr != nil {
			a.Close()
		}
		return nil
	})
	g.Go(func() error {
		respConn, respErr = respT.SecureInbound(ctx, b, "")
		if respErr != nil {
			b.Close()
		}
		return nil
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return initConn, respConn, initErr, respErr
}

func TestTransportEarlyMuxerSelection(t *testing.T) {
	initID, respID := newTestIdentity(t), newTestIdentity(t)
	initT, err := New(initID, WithStreamMuxers("/mplex"))
	require.NoError(t, err)
	respT, err := New(respID, WithStreamMuxers("/yamux", "/mplex"))
	require.NoError(t, err)

	initConn, respConn, initErr, respErr := secureBoth(t, initT, respT, respID.ID())
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	for _, c := range []interfaces.SecureConn{initConn, respConn} {
		state := c.ConnState()
		assert.Equal(t, ID, state.SecurityProtocol)
		assert.Equal(t, "/mplex", state.StreamMultiplexer)
		assert.True(t, state.UsedEarlyMuxerNegotiation)
	}
	assert.Equal(t, respID.ID(), initConn.RemotePeer())
	assert.Equal(t, initID.ID(), respConn.RemotePeer())
	assert.Equal(t, initID.ID(), initConn.LocalPeer())
	assert.True(t, initConn.RemotePublicKey().Equals(respID.PublicKey()))
	assert.True(t, respConn.RemotePublicKey().Equals(initID.PublicKey()))
}

func TestTransportInitiatorPreferenceWins(t *testing.T) {
	initT, err := New(newTestIdentity(t), WithStreamMuxers("/mplex", "/yamux"))
	require.NoError(t, err)
	respT, err := New(newTestIdentity(t), WithStreamMuxers("/yamux", "/mplex"))
	require.NoError(t, err)

	initConn, respConn, initErr, respErr := secureBoth(t, initT, respT, "")
	require.NoError(t, initErr)
	require.NoError(t, respErr)
	assert.Equal(t, "/mplex", initConn.ConnState().StreamMultiplexer)
	assert.Equal(t, "/mplex", respConn.ConnState().StreamMultiplexer)
}

func TestTransportNoEarlyMuxerWhenOneSideSilent(t *testing.T) {
	initT, err := New(newTestIdentity(t))
	require.NoError(t, err)
	respT, err := New(newTestIdentity(t), WithStreamMuxers("/yamux"))
	require.NoError(t, err)

	initConn, respConn, initErr, respErr := secureBoth(t, initT, respT, "")
	require.NoError(t, initErr)
	require.NoError(t, respErr)
	for _, c := range []interfaces.SecureConn{initConn, respConn} {
		assert.Empty(t, c.ConnState().StreamMultiplexer)
		assert.False(t, c.ConnState().UsedEarlyMuxerNegotiation)
	}
}

func TestTransportNoCommonMuxer(t *testing.T) {
	initT, err := New(newTestIdentity(t), WithStreamMuxers("/a"))
	require.NoError(t, err)
	respT, err := New(newTestIdentity(t), WithStreamMuxers("/b"))
	require.NoError(t, err)

	initConn, _, initErr, respErr := secureBoth(t, initT, respT, "")
	require.NoError(t, initErr)
	require.NoError(t, respErr)
	assert.Empty(t, initConn.ConnState().StreamMultiplexer)
}

func TestTransportPinnedPeerMismatchCountsFailure(t *testing.T) {
	m := &countingMetrics{}
	initT, err := New(newTestIdentity(t), WithMetrics(m))
	require.NoError(t, err)
	respT, err := New(newTestIdentity(t))
	require.NoError(t, err)

	_, _, initErr, respErr := secureBoth(t, initT, respT, newTestIdentity(t).ID())
	assert.ErrorIs(t, initErr, ErrPeerIDMismatch)
	assert.Error(t, respErr)
	assert.Equal(t, 1, m.get(&m.failed))
	assert.Zero(t, m.get(&m.succeeded))
}

func TestTransportPrologueAndCertHashes(t *testing.T) {
	initT, err := New(newTestIdentity(t), WithPrologue([]byte("net-1")))
	require.NoError(t, err)
	respT, err := New(newTestIdentity(t), WithPrologue([]byte("net-1")), WithCertHashes([]byte{0x12, 0x20}))
	require.NoError(t, err)

	initConn, _, initErr, respErr := secureBoth(t, initT, respT, "")
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	sc := initConn.(*SecureConn)
	require.NotNil(t, sc.session.RemoteExtensions)
	assert.Equal(t, [][]byte{{0x12, 0x20}}, sc.session.RemoteExtensions.WebTransportCertHashes)
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
