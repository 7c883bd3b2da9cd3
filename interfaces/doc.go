// Package interfaces defines the capability contracts the upgrader is built on.
//
// Encryption and stream multiplexing are pluggable: the upgrader selects an
// implementation by protocol ID at runtime and only talks to it through these
// interfaces, so a Noise transport, a test double, or any future security
// protocol are interchangeable.
//
// # Security
//
// [SecureTransport] turns a raw, unauthenticated net.Conn into a [SecureConn]:
//
//	sconn, err := tpt.SecureOutbound(ctx, raw, expectedPeer)
//	if err != nil {
//	    raw.Close()
//	    return err
//	}
//	log.Printf("talking to %s", sconn.RemotePeer())
//
// # Multiplexing
//
// [Multiplexer] wraps a SecureConn into a [MuxedConn] that carries many
// independent [MuxedStream] values:
//
//	mconn, err := mux.NewConn(sconn, isServer)
//	stream, err := mconn.OpenStream(ctx)
package interfaces
