// Package noise implements the Noise_XX_25519_ChaChaPoly_SHA256 handshake used
// to authenticate peers and encrypt raw connections.
package noise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/framing"
)

// HandshakeParams configures one side of a handshake.
type HandshakeParams struct {
	// Identity signs the local static key. Required.
	Identity *crypto.Identity
	// StaticKey is the local Noise static key. A fresh key is generated when nil.
	StaticKey *crypto.KeyPair
	// RemotePeer pins the expected remote identity. Empty accepts any peer.
	RemotePeer peer.ID
	// Prologue is mixed into the transcript and must match on both sides.
	Prologue []byte
	// Extensions are sent inside the local identity payload.
	Extensions *Extensions
}

// HandshakeResult is the outcome of a completed handshake. It owns the two
// transport cipher states.
type HandshakeResult struct {
	LocalPeer        peer.ID
	RemotePeer       peer.ID
	RemoteIdentity   ic.PubKey
	RemoteStatic     []byte
	LocalExtensions  *Extensions
	RemoteExtensions *Extensions
	HandshakeHash    []byte

	role HandshakeRole
	send *CipherState
	recv *CipherState
}

// Role returns the local handshake role.
func (r *HandshakeResult) Role() HandshakeRole {
	return r.role
}

// Encrypt seals one transport message and appends it to dst.
func (r *HandshakeResult) Encrypt(dst, plaintext []byte) ([]byte, error) {
	return r.send.EncryptWithAd(dst, nil, plaintext)
}

// Decrypt opens one transport message and appends the plaintext to dst.
func (r *HandshakeResult) Decrypt(dst, ciphertext []byte) ([]byte, error) {
	return r.recv.DecryptWithAd(dst, nil, ciphertext)
}

// Destroy wipes both transport keys.
func (r *HandshakeResult) Destroy() {
	r.send.Destroy()
	r.recv.Destroy()
}

// PerformHandshakeInitiator runs the initiator side of XX over conn.
func PerformHandshakeInitiator(ctx context.Context, conn net.Conn, params HandshakeParams) (*HandshakeResult, error) {
	return performHandshake(ctx, conn, Initiator, params)
}

// PerformHandshakeResponder runs the responder side of XX over conn.
func PerformHandshakeResponder(ctx context.Context, conn net.Conn, params HandshakeParams) (*HandshakeResult, error) {
	return performHandshake(ctx, conn, Responder, params)
}

func performHandshake(ctx context.Context, conn net.Conn, role HandshakeRole, params HandshakeParams) (*HandshakeResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "performHandshake",
		"package":  "noise",
		"role":     role.String(),
		"remote":   conn.RemoteAddr().String(),
	})

	if params.Identity == nil {
		return nil, errors.New("noise handshake: identity required")
	}

	static := params.StaticKey
	ownStatic := static == nil
	if ownStatic {
		var err error
		if static, err = crypto.GenerateKeyPair(); err != nil {
			return nil, fmt.Errorf("noise handshake: %w", err)
		}
	}

	hs, err := NewHandshakeState(role, static, params.Prologue)
	if err != nil {
		return nil, err
	}

	stop := watchContext(ctx, conn)
	h := &handshaker{
		hs:     hs,
		params: params,
		static: static,
		rw:     framing.NewReadWriter(conn, MaxMessageSize),
	}
	if role == Initiator {
		err = h.runInitiator()
	} else {
		err = h.runResponder()
	}
	stop()

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		hs.Destroy()
		if ownStatic {
			_ = crypto.WipeKeyPair(static)
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		logger.WithError(err).Debug("Handshake failed")
		return nil, fmt.Errorf("noise handshake: %w", err)
	}

	hash := hs.HandshakeHash()
	send, recv, err := hs.Split()
	if err != nil {
		hs.Destroy()
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	if ownStatic {
		_ = crypto.WipeKeyPair(static)
	}

	result := &HandshakeResult{
		LocalPeer:        params.Identity.ID(),
		RemotePeer:       h.remotePeer,
		RemoteIdentity:   h.remoteKey,
		RemoteStatic:     hs.RemoteStatic(),
		LocalExtensions:  params.Extensions,
		RemoteExtensions: h.remoteExt,
		HandshakeHash:    hash,
		role:             role,
		send:             send,
		recv:             recv,
	}
	logger.WithField("peer", result.RemotePeer.String()).
		WithFields(crypto.SecureFieldHash(result.RemoteStatic, "remote_static")).
		Debug("Handshake complete")
	return result, nil
}

// handshaker drives the three framed messages for one side.
type handshaker struct {
	hs     *HandshakeState
	params HandshakeParams
	static *crypto.KeyPair
	rw     *framing.ReadWriter

	remotePeer peer.ID
	remoteKey  ic.PubKey
	remoteExt  *Extensions
}

func (h *handshaker) runInitiator() error {
	if err := h.send(nil); err != nil {
		return err
	}
	if err := h.receive(true); err != nil {
		return err
	}
	payload, err := h.localPayload()
	if err != nil {
		return err
	}
	return h.send(payload)
}

func (h *handshaker) runResponder() error {
	if err := h.receive(false); err != nil {
		return err
	}
	payload, err := h.localPayload()
	if err != nil {
		return err
	}
	if err := h.send(payload); err != nil {
		return err
	}
	return h.receive(true)
}

func (h *handshaker) send(payload []byte) error {
	msg, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		return err
	}
	if err := h.rw.WriteFrame(msg); err != nil {
		return fmt.Errorf("write handshake message: %w", err)
	}
	return nil
}

func (h *handshaker) receive(withIdentity bool) error {
	msg, err := h.rw.ReadFrame()
	if err != nil {
		return fmt.Errorf("read handshake message: %w", err)
	}
	payload, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return err
	}
	if !withIdentity {
		return nil
	}
	return h.verify(payload)
}

func (h *handshaker) localPayload() ([]byte, error) {
	key, err := crypto.MarshalIdentityKey(h.params.Identity.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	sig, err := h.params.Identity.SignStaticKey(h.static.Public[:])
	if err != nil {
		return nil, err
	}
	p := &HandshakePayload{
		IdentityKey: key,
		IdentitySig: sig,
		Extensions:  h.params.Extensions,
	}
	return p.Marshal(), nil
}

// verify checks the remote identity payload against the remote static key
// revealed by the handshake and against the pinned peer, if any.
func (h *handshaker) verify(raw []byte) error {
	p, err := UnmarshalPayload(raw)
	if err != nil {
		return err
	}
	pub, err := crypto.UnmarshalIdentityKey(p.IdentityKey)
	if err != nil {
		return fmt.Errorf("%w: identity key: %v", ErrInvalidPayload, err)
	}
	if err := crypto.VerifyStaticKey(pub, h.hs.RemoteStatic(), p.IdentitySig); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: derive peer id: %v", ErrInvalidPayload, err)
	}
	if h.params.RemotePeer != "" && id != h.params.RemotePeer {
		return fmt.Errorf("%w: %w: expected %s, got %s", ErrAuthentication, ErrPeerIDMismatch, h.params.RemotePeer, id)
	}
	h.remotePeer = id
	h.remoteKey = pub
	h.remoteExt = p.Extensions
	return nil
}

// watchContext applies the context deadline to conn and closes conn if the
// context is cancelled before the returned stop function is called.
func watchContext(ctx context.Context, conn net.Conn) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	reset := func() { _ = conn.SetDeadline(time.Time{}) }
	if ctx.Done() == nil {
		return reset
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		reset()
	}
}
