package noise

import (
	"fmt"
	"math"

	"github.com/opd-ai/p2pconn/crypto"
)

// maxNonce is reserved by Noise and never used for encryption.
const maxNonce = math.MaxUint64

// CipherState is a single AEAD key with its nonce counter. After the
// handshake each direction of a connection owns exactly one CipherState and
// must be the only goroutine using it.
type CipherState struct {
	k       [crypto.KeySize]byte
	hasKey  bool
	n       uint64
	invalid bool
}

// InitializeKey sets a new key and resets the nonce.
func (c *CipherState) InitializeKey(k [crypto.KeySize]byte) {
	c.k = k
	c.hasKey = true
	c.n = 0
	c.invalid = false
}

// HasKey reports whether a key has been set.
func (c *CipherState) HasKey() bool {
	return c.hasKey
}

// Nonce returns the next nonce that will be used.
func (c *CipherState) Nonce() uint64 {
	return c.n
}

// SetNonce moves the counter forward. Moving it backwards would reuse a
// nonce under the same key, so it invalidates the cipher state instead.
func (c *CipherState) SetNonce(n uint64) error {
	if c.invalid {
		return ErrCipherStateInvalid
	}
	if n < c.n {
		c.invalidate()
		return fmt.Errorf("%w: %d < %d", ErrNonceReuse, n, c.n)
	}
	c.n = n
	return nil
}

// EncryptWithAd encrypts plaintext and appends the result to dst. Without a
// key the plaintext is appended unchanged.
func (c *CipherState) EncryptWithAd(dst, ad, plaintext []byte) ([]byte, error) {
	if c.invalid {
		return dst, ErrCipherStateInvalid
	}
	if !c.hasKey {
		return append(dst, plaintext...), nil
	}
	if c.n == maxNonce {
		c.invalidate()
		return dst, ErrNonceExhausted
	}
	out := crypto.Encrypt(dst, c.k, c.n, ad, plaintext)
	c.n++
	return out, nil
}

// DecryptWithAd decrypts ciphertext and appends the plaintext to dst. A
// failed decryption invalidates the cipher state: the peer's counter can no
// longer be tracked.
func (c *CipherState) DecryptWithAd(dst, ad, ciphertext []byte) ([]byte, error) {
	if c.invalid {
		return dst, ErrCipherStateInvalid
	}
	if !c.hasKey {
		return append(dst, ciphertext...), nil
	}
	if c.n == maxNonce {
		c.invalidate()
		return dst, ErrNonceExhausted
	}
	out, err := crypto.Decrypt(dst, c.k, c.n, ad, ciphertext)
	if err != nil {
		c.invalidate()
		return dst, err
	}
	c.n++
	return out, nil
}

// Destroy wipes the key. The cipher state is unusable afterwards.
func (c *CipherState) Destroy() {
	c.invalidate()
}

func (c *CipherState) invalidate() {
	crypto.ZeroBytes(c.k[:])
	c.hasKey = false
	c.invalid = true
}
