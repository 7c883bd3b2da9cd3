package noise

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the handshake payload messages.
const (
	fieldIdentityKey = 1
	fieldIdentitySig = 2
	fieldExtensions  = 4

	fieldCertHashes   = 1
	fieldStreamMuxers = 2
)

// Extensions carries optional data exchanged inside the handshake.
type Extensions struct {
	// WebTransportCertHashes are multihashes of certificates the responder
	// serves over WebTransport.
	WebTransportCertHashes [][]byte
	// StreamMuxers lists supported muxer protocol IDs in preference order.
	StreamMuxers []string
}

func (e *Extensions) empty() bool {
	return e == nil || (len(e.WebTransportCertHashes) == 0 && len(e.StreamMuxers) == 0)
}

// HandshakePayload is the identity proof sent in handshake messages two and three.
type HandshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
	Extensions  *Extensions
}

// Marshal encodes p in protobuf wire format.
func (p *HandshakePayload) Marshal() []byte {
	var b []byte
	if len(p.IdentityKey) > 0 {
		b = protowire.AppendTag(b, fieldIdentityKey, protowire.BytesType)
		b = protowire.AppendBytes(b, p.IdentityKey)
	}
	if len(p.IdentitySig) > 0 {
		b = protowire.AppendTag(b, fieldIdentitySig, protowire.BytesType)
		b = protowire.AppendBytes(b, p.IdentitySig)
	}
	if !p.Extensions.empty() {
		b = protowire.AppendTag(b, fieldExtensions, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Extensions.marshal())
	}
	return b
}

func (e *Extensions) marshal() []byte {
	var b []byte
	for _, h := range e.WebTransportCertHashes {
		b = protowire.AppendTag(b, fieldCertHashes, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	for _, m := range e.StreamMuxers {
		b = protowire.AppendTag(b, fieldStreamMuxers, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}
	return b
}

// UnmarshalPayload decodes a handshake payload. Unknown fields are skipped.
func UnmarshalPayload(b []byte) (*HandshakePayload, error) {
	p := &HandshakePayload{}
	err := walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldIdentityKey:
			p.IdentityKey = append([]byte(nil), v...)
		case fieldIdentitySig:
			p.IdentitySig = append([]byte(nil), v...)
		case fieldExtensions:
			ext, err := unmarshalExtensions(v)
			if err != nil {
				return err
			}
			p.Extensions = ext
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalExtensions(b []byte) (*Extensions, error) {
	e := &Extensions{}
	err := walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldCertHashes:
			e.WebTransportCertHashes = append(e.WebTransportCertHashes, append([]byte(nil), v...))
		case fieldStreamMuxers:
			e.StreamMuxers = append(e.StreamMuxers, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// walkFields calls fn for every length-delimited field and skips the rest.
func walkFields(b []byte, fn func(protowire.Number, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidPayload, num, protowire.ParseError(n))
		}
		if err := fn(num, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
