package upgrader

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/multiformats/go-multistream"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type negotiated struct {
	proto string
	err   error
}

// negotiatePipe runs both sides of protocol negotiation over net.Pipe.
func negotiatePipe(t *testing.T, offer []string, supported ...string) (initiator, responder negotiated) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan negotiated, 1)
	go func() {
		proto, err := negotiateProtocol(b, DirInbound, nil, newProtocolTable(supported))
		done <- negotiated{proto, err}
	}()

	initiator.proto, initiator.err = negotiateProtocol(a, DirOutbound, offer, nil)
	if initiator.err != nil {
		// The responder keeps waiting for proposals until the initiator hangs up.
		a.Close()
	}
	return initiator, <-done
}

// appendMessage encodes one multistream-select message.
func appendMessage(dst []byte, msg string) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(msg)+1))...)
	dst = append(dst, msg...)
	return append(dst, '\n')
}

func TestNegotiateProtocolDeterminism(t *testing.T) {
	initiator, responder := negotiatePipe(t, []string{"/A", "/B"}, "/B", "/C")
	require.NoError(t, initiator.err)
	require.NoError(t, responder.err)
	assert.Equal(t, "/B", initiator.proto)
	assert.Equal(t, "/B", responder.proto)
}

func TestNegotiateProtocolInitiatorOrderWins(t *testing.T) {
	initiator, responder := negotiatePipe(t, []string{"/mplex", "/yamux"}, "/yamux", "/mplex")
	require.NoError(t, initiator.err)
	require.NoError(t, responder.err)
	assert.Equal(t, "/mplex", initiator.proto)
	assert.Equal(t, "/mplex", responder.proto)
}

func TestNegotiateProtocolNoOverlap(t *testing.T) {
	for i := 0; i < 3; i++ {
		initiator, responder := negotiatePipe(t, []string{"/A", "/X"}, "/B", "/C")
		require.Error(t, initiator.err)
		var notSupported multistream.ErrNotSupported[string]
		require.True(t, errors.As(initiator.err, &notSupported))
		assert.Equal(t, []string{"/A", "/X"}, notSupported.Protos)
		assert.Equal(t, KindNegotiation, classify(initiator.err))
		assert.Error(t, responder.err)
	}
}

func TestNegotiateProtocolNoOffers(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := negotiateProtocol(a, DirOutbound, nil, nil)
	assert.ErrorIs(t, err, multistream.ErrNoProtocols)
	assert.Equal(t, KindNegotiation, classify(err))
}

func TestNegotiateProtocolLeavesTrailingBytes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		proto string
		rest  []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		proto, err := negotiateProtocol(b, DirInbound, nil, newProtocolTable([]string{"/noise"}))
		if err != nil {
			done <- result{err: err}
			return
		}
		rest := make([]byte, 5)
		_, err = io.ReadFull(b, rest)
		done <- result{proto, rest, err}
	}()

	proto, err := negotiateProtocol(a, DirOutbound, []string{"/noise"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/noise", proto)
	_, err = a.Write([]byte("hello"))
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "/noise", res.proto)
	assert.Equal(t, "hello", string(res.rest), "negotiation must not consume application bytes")
}

// respondTo runs the responder side against hand-written initiator bytes.
func respondTo(t *testing.T, input []byte) error {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := negotiateProtocol(b, DirInbound, nil, newProtocolTable([]string{"/noise"}))
		done <- err
	}()

	header, err := multistream.ReadNextToken[string](a)
	require.NoError(t, err)
	assert.Equal(t, "/multistream/1.0.0", header)
	go func() { _, _ = a.Write(input) }()
	return <-done
}

func TestNegotiateProtocolIncorrectVersion(t *testing.T) {
	err := respondTo(t, appendMessage(nil, "/multistream/2.0.0"))
	assert.ErrorIs(t, err, multistream.ErrIncorrectVersion)
	assert.Equal(t, KindNegotiation, classify(err))
}

func TestNegotiateProtocolOversizedMessage(t *testing.T) {
	input := appendMessage(nil, "/multistream/1.0.0")
	input = append(input, varint.ToUvarint(4096)...)
	err := respondTo(t, input)
	assert.ErrorIs(t, err, multistream.ErrTooLarge)
	assert.Equal(t, KindDecode, classify(err))
}

func TestNegotiateProtocolUnexpectedResponse(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		var out []byte
		out = appendMessage(out, "/multistream/1.0.0")
		out = appendMessage(out, "/something-else")
		_, _ = b.Write(out)
		_, _ = io.Copy(io.Discard, b)
	}()

	_, err := negotiateProtocol(a, DirOutbound, []string{"/noise"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindDecode, classify(err))
}
