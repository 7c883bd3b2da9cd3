package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// TagLength is the size of the AEAD authentication tag.
	TagLength = chacha20poly1305.Overhead

	// HashLength is the output size of the handshake hash function.
	HashLength = sha256.Size
)

var (
	// ErrDecrypt indicates an AEAD tag mismatch. It is terminal for the
	// cipher state that produced it.
	ErrDecrypt = errors.New("decryption failed: message authentication failed")

	// ErrInvalidPublicKey indicates a peer public key that cannot be used for X25519.
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// suite is the only Noise cipher suite this stack speaks.
var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// SuiteName returns the Noise name of the cipher suite, e.g. "25519_ChaChaPoly_SHA256".
func SuiteName() string {
	return string(suite.Name())
}

// DH performs X25519 between the local key pair and a peer public key.
func DH(kp *KeyPair, peerPublic []byte) ([]byte, error) {
	if kp == nil {
		return nil, errors.New("nil keypair")
	}
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(peerPublic))
	}
	shared, err := suite.DH(kp.Private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return shared, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 and appends ciphertext‖tag to dst.
func Encrypt(dst []byte, key [KeySize]byte, nonce uint64, ad, plaintext []byte) []byte {
	return suite.Cipher(key).Encrypt(dst, nonce, ad, plaintext)
}

// Decrypt opens ciphertext‖tag and appends the plaintext to dst.
// On failure dst is returned unchanged together with ErrDecrypt.
func Decrypt(dst []byte, key [KeySize]byte, nonce uint64, ad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagLength {
		return dst, ErrDecrypt
	}
	out, err := suite.Cipher(key).Decrypt(dst, nonce, ad, ciphertext)
	if err != nil {
		return dst, ErrDecrypt
	}
	return out, nil
}

// Hash returns SHA-256 over the concatenation of data.
func Hash(data ...[]byte) [HashLength]byte {
	h := suite.Hash()
	for _, d := range data {
		h.Write(d)
	}
	var out [HashLength]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HKDF derives three outputs from the chaining key and input key material.
// With an empty info string RFC 5869 matches the Noise HKDF definition.
func HKDF(chainingKey [HashLength]byte, ikm []byte) (k1, k2, k3 [HashLength]byte) {
	r := hkdf.New(sha256.New, ikm, chainingKey[:], nil)
	var buf [3 * HashLength]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		// hkdf can produce 255*HashLength bytes; 96 never fails.
		panic(err)
	}
	copy(k1[:], buf[:HashLength])
	copy(k2[:], buf[HashLength:2*HashLength])
	copy(k3[:], buf[2*HashLength:])
	ZeroBytes(buf[:])
	return k1, k2, k3
}
