package noise

import "errors"

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake is already complete.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrOutOfTurn indicates a read or write that the XX pattern does not
	// allow at this point of the exchange.
	ErrOutOfTurn = errors.New("handshake message out of turn")
	// ErrInvalidMessage indicates a handshake message too short for its tokens.
	ErrInvalidMessage = errors.New("invalid handshake message")
	// ErrInvalidPayload indicates a handshake payload that does not decode.
	ErrInvalidPayload = errors.New("invalid handshake payload")

	// ErrAuthentication wraps every failure to authenticate the remote peer.
	ErrAuthentication = errors.New("peer authentication failed")
	// ErrPeerIDMismatch indicates the handshake revealed a different peer
	// than the one the caller pinned.
	ErrPeerIDMismatch = errors.New("remote peer id mismatch")

	// ErrNonceExhausted indicates the cipher state used its last nonce.
	ErrNonceExhausted = errors.New("cipher state nonce exhausted")
	// ErrNonceReuse indicates an attempt to move a nonce counter backwards.
	ErrNonceReuse = errors.New("cipher state nonce reuse")
	// ErrCipherStateInvalid indicates use of a cipher state after a fatal error.
	ErrCipherStateInvalid = errors.New("cipher state invalid")
)
