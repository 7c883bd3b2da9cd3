// Package negotiate picks a stream muxer from the lists both peers advertise
// in their handshake payloads.
//
// Protocol negotiation on the wire is multistream-select and is done with
// github.com/multiformats/go-multistream by the upgrader. This package only
// covers the early path, where the handshake already carried each side's
// muxer list and no extra round trip is needed. The initiator's order wins.
package negotiate
