package noise

import (
	"fmt"

	"github.com/opd-ai/p2pconn/crypto"
)

// ProtocolName is the full Noise protocol name. At exactly 32 bytes it is
// used directly as the initial handshake hash.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// MaxMessageSize bounds every handshake message, matching the frame limit.
const MaxMessageSize = 65535

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers the first handshake message.
	Responder
)

// String returns the role name used in logs.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

type token uint8

const (
	tokenE token = iota
	tokenS
	tokenEE
	tokenES
	tokenSE
)

// xxPattern lists the tokens of each XX message:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
var xxPattern = [][]token{
	{tokenE},
	{tokenE, tokenEE, tokenS, tokenES},
	{tokenS, tokenSE},
}

// HandshakeState runs one side of a Noise XX handshake. It is not safe for
// concurrent use.
type HandshakeState struct {
	role HandshakeRole
	ss   *SymmetricState

	s  *crypto.KeyPair
	e  *crypto.KeyPair
	rs []byte
	re []byte

	msgIndex int

	// newEphemeral is replaced in tests.
	newEphemeral func() (*crypto.KeyPair, error)
}

// NewHandshakeState initialises an XX handshake for role with the local
// static key and optional prologue.
func NewHandshakeState(role HandshakeRole, static *crypto.KeyPair, prologue []byte) (*HandshakeState, error) {
	if static == nil {
		return nil, fmt.Errorf("%w: static key required", ErrInvalidMessage)
	}
	if role != Initiator && role != Responder {
		return nil, fmt.Errorf("unknown handshake role %d", role)
	}
	hs := &HandshakeState{
		role:         role,
		ss:           newSymmetricState([]byte(ProtocolName)),
		s:            static,
		newEphemeral: crypto.GenerateKeyPair,
	}
	hs.ss.MixHash(prologue)
	return hs, nil
}

// Role returns the local role.
func (hs *HandshakeState) Role() HandshakeRole {
	return hs.role
}

// Complete reports whether all three messages have been processed.
func (hs *HandshakeState) Complete() bool {
	return hs.msgIndex >= len(xxPattern)
}

// LocalEphemeral returns the local ephemeral public key once generated.
func (hs *HandshakeState) LocalEphemeral() []byte {
	if hs.e == nil {
		return nil
	}
	return append([]byte(nil), hs.e.Public[:]...)
}

// RemoteStatic returns the remote static key once it has been received.
func (hs *HandshakeState) RemoteStatic() []byte {
	if hs.rs == nil {
		return nil
	}
	return append([]byte(nil), hs.rs...)
}

// HandshakeHash returns the current transcript hash.
func (hs *HandshakeState) HandshakeHash() []byte {
	return hs.ss.HandshakeHash()
}

func (hs *HandshakeState) writeTurn() bool {
	// Even messages are written by the initiator, odd ones by the responder.
	return (hs.msgIndex%2 == 0) == (hs.role == Initiator)
}

// WriteMessage processes the next outgoing message pattern, encrypts
// payload and appends the resulting message to dst.
func (hs *HandshakeState) WriteMessage(dst, payload []byte) ([]byte, error) {
	if hs.Complete() {
		return dst, ErrHandshakeComplete
	}
	if !hs.writeTurn() {
		return dst, ErrOutOfTurn
	}

	out := dst
	for _, tok := range xxPattern[hs.msgIndex] {
		var err error
		switch tok {
		case tokenE:
			if hs.e, err = hs.newEphemeral(); err != nil {
				return dst, fmt.Errorf("generate ephemeral key: %w", err)
			}
			out = append(out, hs.e.Public[:]...)
			hs.ss.MixHash(hs.e.Public[:])
		case tokenS:
			if out, err = hs.ss.EncryptAndHash(out, hs.s.Public[:]); err != nil {
				return dst, err
			}
		default:
			if err = hs.mixDH(tok); err != nil {
				return dst, err
			}
		}
	}

	out, err := hs.ss.EncryptAndHash(out, payload)
	if err != nil {
		return dst, err
	}
	if len(out)-len(dst) > MaxMessageSize {
		return dst, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrInvalidMessage, len(out)-len(dst), MaxMessageSize)
	}
	hs.msgIndex++
	return out, nil
}

// ReadMessage processes the next incoming message and appends the decrypted
// payload to dst.
func (hs *HandshakeState) ReadMessage(dst, message []byte) ([]byte, error) {
	if hs.Complete() {
		return dst, ErrHandshakeComplete
	}
	if hs.writeTurn() {
		return dst, ErrOutOfTurn
	}
	if len(message) > MaxMessageSize {
		return dst, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrInvalidMessage, len(message), MaxMessageSize)
	}

	msg := message
	for _, tok := range xxPattern[hs.msgIndex] {
		switch tok {
		case tokenE:
			if len(msg) < crypto.KeySize {
				return dst, fmt.Errorf("%w: short ephemeral key", ErrInvalidMessage)
			}
			hs.re = append([]byte(nil), msg[:crypto.KeySize]...)
			hs.ss.MixHash(hs.re)
			msg = msg[crypto.KeySize:]
		case tokenS:
			n := crypto.KeySize
			if hs.ss.cs.HasKey() {
				n += crypto.TagLength
			}
			if len(msg) < n {
				return dst, fmt.Errorf("%w: short static key", ErrInvalidMessage)
			}
			rs, err := hs.ss.DecryptAndHash(nil, msg[:n])
			if err != nil {
				return dst, err
			}
			hs.rs = rs
			msg = msg[n:]
		default:
			if err := hs.mixDH(tok); err != nil {
				return dst, err
			}
		}
	}

	out, err := hs.ss.DecryptAndHash(dst, msg)
	if err != nil {
		return dst, err
	}
	hs.msgIndex++
	return out, nil
}

func (hs *HandshakeState) mixDH(tok token) error {
	var (
		local  *crypto.KeyPair
		remote []byte
	)
	switch tok {
	case tokenEE:
		local, remote = hs.e, hs.re
	case tokenES:
		if hs.role == Initiator {
			local, remote = hs.e, hs.rs
		} else {
			local, remote = hs.s, hs.re
		}
	case tokenSE:
		if hs.role == Initiator {
			local, remote = hs.s, hs.re
		} else {
			local, remote = hs.e, hs.rs
		}
	}
	if local == nil || remote == nil {
		return fmt.Errorf("%w: missing key for DH", ErrInvalidMessage)
	}
	shared, err := crypto.DH(local, remote)
	if err != nil {
		return err
	}
	hs.ss.MixKey(shared)
	crypto.ZeroBytes(shared)
	return nil
}

// Split returns the transport cipher states as (send, recv) for the local
// role. It fails until the handshake is complete.
func (hs *HandshakeState) Split() (send, recv *CipherState, err error) {
	if !hs.Complete() {
		return nil, nil, ErrHandshakeNotComplete
	}
	c1, c2 := hs.ss.Split()
	hs.wipeEphemeral()
	if hs.role == Initiator {
		return c1, c2, nil
	}
	return c2, c1, nil
}

// Destroy wipes all handshake secrets. The static key is owned by the caller
// and left untouched.
func (hs *HandshakeState) Destroy() {
	hs.wipeEphemeral()
	hs.ss.destroy()
}

func (hs *HandshakeState) wipeEphemeral() {
	if hs.e != nil {
		_ = crypto.WipeKeyPair(hs.e)
		hs.e = nil
	}
}
