package upgrader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/multiformats/go-multistream"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/framing"
	"github.com/opd-ai/p2pconn/noise"
)

var (
	// ErrNoSecurityTransports indicates a Config without security transports.
	ErrNoSecurityTransports = errors.New("no security transports configured")
	// ErrNoMuxers indicates a Config without stream muxers.
	ErrNoMuxers = errors.New("no stream muxers configured")
	// ErrDuplicateProtocol indicates two implementations share a protocol ID.
	ErrDuplicateProtocol = errors.New("duplicate protocol id")
	// ErrUnknownEarlyMuxer indicates the handshake agreed on a muxer that is
	// not configured locally.
	ErrUnknownEarlyMuxer = errors.New("handshake selected an unconfigured muxer")
	// ErrConnectionClosed indicates use of a closed Connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRegistrarOwnsStreams indicates AcceptStream was called on a
	// Connection whose inbound streams are dispatched to a Registrar.
	ErrRegistrarOwnsStreams = errors.New("inbound streams are dispatched to the registrar")
)

// ErrorKind classifies upgrade failures.
type ErrorKind uint8

const (
	// KindTransport is an I/O failure of the underlying connection.
	KindTransport ErrorKind = iota
	// KindNegotiation means no mutually supported protocol was found.
	KindNegotiation
	// KindAuthentication means the remote identity could not be verified or
	// did not match the expected peer.
	KindAuthentication
	// KindDecode means a malformed frame, message or payload.
	KindDecode
	// KindDecrypt means an AEAD tag mismatch.
	KindDecrypt
	// KindTimeout means the upgrade did not finish in time.
	KindTimeout
	// KindCancelled means the caller cancelled the upgrade.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNegotiation:
		return "negotiation"
	case KindAuthentication:
		return "authentication"
	case KindDecode:
		return "decode"
	case KindDecrypt:
		return "decrypt"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// UpgradeError describes a failed upgrade.
type UpgradeError struct {
	Kind      ErrorKind
	State     State     // state in which the failure happened
	Direction Direction // side of the connection
	Addr      string    // remote address if known
	Err       error     // underlying error
}

func (e *UpgradeError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("upgrade %s %s (%s): %s: %v", e.Direction, e.Addr, e.State, e.Kind, e.Err)
	}
	return fmt.Sprintf("upgrade %s (%s): %s: %v", e.Direction, e.State, e.Kind, e.Err)
}

func (e *UpgradeError) Unwrap() error {
	return e.Err
}

// IsSecurityFailure reports whether the peer failed authentication or sent
// data that did not decrypt. Callers should penalise such peers rather than
// retry.
func (e *UpgradeError) IsSecurityFailure() bool {
	return e.Kind == KindAuthentication || e.Kind == KindDecrypt
}

// Temporary reports whether retrying the same peer may succeed.
func (e *UpgradeError) Temporary() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransport
}

// IsSecurityFailure reports whether err is an UpgradeError caused by a
// security failure.
func IsSecurityFailure(err error) bool {
	var ue *UpgradeError
	return errors.As(err, &ue) && ue.IsSecurityFailure()
}

// classify maps an error from any pipeline step to its kind.
func classify(err error) ErrorKind {
	var (
		netErr       net.Error
		notSupported multistream.ErrNotSupported[string]
		unrecognized multistream.ErrUnrecognizedResponse[string]
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, noise.ErrAuthentication),
		errors.Is(err, crypto.ErrInvalidSignature):
		return KindAuthentication
	case errors.Is(err, crypto.ErrDecrypt),
		errors.Is(err, noise.ErrCipherStateInvalid):
		return KindDecrypt
	case errors.As(err, &notSupported),
		errors.Is(err, multistream.ErrIncorrectVersion),
		errors.Is(err, multistream.ErrNoProtocols),
		errors.Is(err, ErrUnknownEarlyMuxer):
		return KindNegotiation
	case errors.Is(err, multistream.ErrTooLarge),
		errors.As(err, &unrecognized),
		errors.Is(err, framing.ErrFrameTooLarge),
		errors.Is(err, framing.ErrFrameTruncated),
		errors.Is(err, noise.ErrInvalidPayload),
		errors.Is(err, noise.ErrInvalidMessage),
		errors.Is(err, noise.ErrOutOfTurn),
		errors.Is(err, crypto.ErrInvalidPublicKey):
		return KindDecode
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	default:
		return KindTransport
	}
}
