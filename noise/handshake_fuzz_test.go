package noise

import (
	"testing"

	"github.com/opd-ai/p2pconn/crypto"
)

// FuzzHandshakeMessage feeds arbitrary bytes to each read step of the XX
// state machine. Malformed input must fail with an error, never a panic.
func FuzzHandshakeMessage(f *testing.F) {
	initKP, err := crypto.GenerateKeyPair()
	if err != nil {
		f.Fatal(err)
	}
	initiator, err := NewHandshakeState(Initiator, initKP, nil)
	if err != nil {
		f.Fatal(err)
	}
	msg1, err := initiator.WriteMessage(nil, nil)
	if err != nil {
		f.Fatal(err)
	}

	f.Add(msg1)
	f.Add([]byte{})
	f.Add([]byte{0x00})
	f.Add(make([]byte, 1024))
	f.Add(make([]byte, 10000))

	f.Fuzz(func(t *testing.T, data []byte) {
		static, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}

		responder, err := NewHandshakeState(Responder, static, nil)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = responder.ReadMessage(nil, data)

		// Message two on a fresh initiator.
		init2, err := NewHandshakeState(Initiator, static, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := init2.WriteMessage(nil, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := init2.ReadMessage(nil, data); err == nil && init2.RemoteStatic() == nil {
			t.Fatal("accepted message two without a remote static key")
		}
	})
}

// FuzzUnmarshalPayload checks the payload decoder never panics.
func FuzzUnmarshalPayload(f *testing.F) {
	f.Add((&HandshakePayload{
		IdentityKey: []byte{1, 2, 3},
		IdentitySig: []byte{4},
		Extensions:  &Extensions{StreamMuxers: []string{"/yamux/1.0.0"}},
	}).Marshal())
	f.Add([]byte{})
	f.Add([]byte{0x22, 0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = UnmarshalPayload(data)
	})
}
