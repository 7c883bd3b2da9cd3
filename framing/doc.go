// Package framing implements the 2-byte big-endian length-prefixed framing used
// for Noise handshake messages and for post-handshake encrypted records.
//
// Every frame on the wire is
//
//	uint16 length (big-endian) ‖ payload[length]
//
// The reader enforces a configured maximum before allocating, since handshake
// frames arrive from an unauthenticated peer.
package framing
