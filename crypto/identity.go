package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// StaticKeySignaturePrefix is prepended to a Noise static public key before it
// is signed by the long-term identity key.
const StaticKeySignaturePrefix = "noise-libp2p-static-key:"

// ErrInvalidSignature indicates an identity signature that does not verify.
var ErrInvalidSignature = errors.New("invalid identity signature")

// Identity is a peer's long-term signing key and the peer ID derived from it.
type Identity struct {
	priv ic.PrivKey
	id   peer.ID
}

// GenerateIdentity creates a new Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	priv, _, err := ic.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return NewIdentity(priv)
}

// NewIdentity wraps an existing private key.
func NewIdentity(priv ic.PrivKey) (*Identity, error) {
	if priv == nil {
		return nil, errors.New("nil identity key")
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{priv: priv, id: id}, nil
}

// LoadIdentity reads a protobuf-encoded private key from path.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	priv, err := ic.UnmarshalPrivateKey(data)
	ZeroBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return NewIdentity(priv)
}

// SaveIdentity writes the private key to path with owner-only permissions.
func (i *Identity) SaveIdentity(path string) error {
	data, err := ic.MarshalPrivateKey(i.priv)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	defer ZeroBytes(data)
	return os.WriteFile(path, data, 0o600)
}

// ID returns the peer ID of this identity.
func (i *Identity) ID() peer.ID {
	return i.id
}

// PublicKey returns the public half of the identity key.
func (i *Identity) PublicKey() ic.PubKey {
	return i.priv.GetPublic()
}

// PrivateKey returns the identity signing key.
func (i *Identity) PrivateKey() ic.PrivKey {
	return i.priv
}

// SignStaticKey signs StaticKeySignaturePrefix ‖ static.
func (i *Identity) SignStaticKey(static []byte) ([]byte, error) {
	sig, err := i.priv.Sign(staticKeySignaturePayload(static))
	if err != nil {
		return nil, fmt.Errorf("sign static key: %w", err)
	}
	return sig, nil
}

// VerifyStaticKey checks that sig is pub's signature over the static key payload.
func VerifyStaticKey(pub ic.PubKey, static, sig []byte) error {
	if pub == nil {
		return fmt.Errorf("%w: missing identity key", ErrInvalidSignature)
	}
	ok, err := pub.Verify(staticKeySignaturePayload(static), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// MarshalIdentityKey encodes a public key in the libp2p PublicKey protobuf format.
func MarshalIdentityKey(pub ic.PubKey) ([]byte, error) {
	return ic.MarshalPublicKey(pub)
}

// UnmarshalIdentityKey decodes a libp2p PublicKey protobuf.
func UnmarshalIdentityKey(data []byte) (ic.PubKey, error) {
	return ic.UnmarshalPublicKey(data)
}

func staticKeySignaturePayload(static []byte) []byte {
	payload := make([]byte, 0, len(StaticKeySignaturePrefix)+len(static))
	payload = append(payload, StaticKeySignaturePrefix...)
	return append(payload, static...)
}
