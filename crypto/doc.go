// Package crypto implements the cryptographic primitives used by the connection
// security layer.
//
// The package is a thin, stateless adapter over the Noise cipher suite
// 25519_ChaChaPoly_SHA256 plus the long-term identity keys that authenticate a
// peer. Nothing here keeps session state; the noise package builds its state
// objects on top of these functions.
//
// # Key Agreement
//
// X25519 key pairs are generated fresh for every handshake (ephemeral) or
// supplied by the caller (static):
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    return err
//	}
//	defer crypto.WipeKeyPair(kp)
//	shared, err := crypto.DH(kp, peerPublic)
//
// # Authenticated Encryption
//
// Encrypt and Decrypt implement ChaCha20-Poly1305 with the Noise nonce layout.
// Decrypt fails closed: a tag mismatch returns ErrDecrypt and no plaintext.
//
//	ct := crypto.Encrypt(nil, key, nonce, ad, plaintext)
//	pt, err := crypto.Decrypt(nil, key, nonce, ad, ct)
//
// # Identities
//
// An Identity wraps an Ed25519 signing key. During the handshake each peer signs
// its Noise static key so the remote side can bind the session to a long-term
// identity:
//
//	id, _ := crypto.GenerateIdentity()
//	sig, _ := id.SignStaticKey(staticPublic)
//	err := crypto.VerifyStaticKey(id.PublicKey(), staticPublic, sig)
//
// # Secure Memory
//
// SecureWipe and ZeroBytes overwrite key material once it is no longer needed.
package crypto
