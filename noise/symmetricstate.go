package noise

import (
	"github.com/opd-ai/p2pconn/crypto"
)

// SymmetricState holds the chaining key and transcript hash of a handshake in
// progress. It is discarded once Split produces the transport cipher states.
type SymmetricState struct {
	cs CipherState
	ck [crypto.HashLength]byte
	h  [crypto.HashLength]byte
}

func newSymmetricState(protocolName []byte) *SymmetricState {
	s := &SymmetricState{}
	if len(protocolName) <= crypto.HashLength {
		copy(s.h[:], protocolName)
	} else {
		s.h = crypto.Hash(protocolName)
	}
	s.ck = s.h
	return s
}

// MixKey feeds DH output into the chaining key and rekeys the cipher.
func (s *SymmetricState) MixKey(ikm []byte) {
	ck, tempK, _ := crypto.HKDF(s.ck, ikm)
	s.ck = ck
	s.cs.InitializeKey(tempK)
	crypto.ZeroBytes(tempK[:])
}

// MixHash sets h = HASH(h ‖ data).
func (s *SymmetricState) MixHash(data []byte) {
	s.h = crypto.Hash(s.h[:], data)
}

// EncryptAndHash encrypts plaintext with h as associated data, then mixes the
// ciphertext into h.
func (s *SymmetricState) EncryptAndHash(dst, plaintext []byte) ([]byte, error) {
	out, err := s.cs.EncryptWithAd(dst, s.h[:], plaintext)
	if err != nil {
		return dst, err
	}
	s.MixHash(out[len(dst):])
	return out, nil
}

// DecryptAndHash decrypts ciphertext with h as associated data, then mixes the
// ciphertext into h.
func (s *SymmetricState) DecryptAndHash(dst, ciphertext []byte) ([]byte, error) {
	out, err := s.cs.DecryptWithAd(dst, s.h[:], ciphertext)
	if err != nil {
		return dst, err
	}
	s.MixHash(ciphertext)
	return out, nil
}

// Split derives the two transport cipher states. c1 encrypts initiator to
// responder traffic and c2 responder to initiator traffic.
func (s *SymmetricState) Split() (c1, c2 *CipherState) {
	k1, k2, _ := crypto.HKDF(s.ck, nil)
	c1, c2 = &CipherState{}, &CipherState{}
	c1.InitializeKey(k1)
	c2.InitializeKey(k2)
	crypto.ZeroBytes(k1[:])
	crypto.ZeroBytes(k2[:])
	s.destroy()
	return c1, c2
}

// HandshakeHash returns a copy of the transcript hash.
func (s *SymmetricState) HandshakeHash() []byte {
	h := make([]byte, len(s.h))
	copy(h, s.h[:])
	return h
}

func (s *SymmetricState) destroy() {
	s.cs.Destroy()
	crypto.ZeroBytes(s.ck[:])
}
