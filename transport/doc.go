// Package transport carries upgraded connections over TCP.
//
// A TCPTransport owns one listener and an upgrader.Upgrader. Every accepted
// socket is upgraded on its own goroutine; sockets that fail the upgrade are
// closed and logged, never surfaced to the caller. Dial upgrades the outbound
// socket inline and returns the error to the caller.
//
//	u, _ := upgrader.New(cfg)
//	tpt := transport.NewTCPTransport(u)
//	_ = tpt.Listen("0.0.0.0:4001", func(c *upgrader.Connection) {
//	    log.Printf("peer %s connected over %s", c.RemotePeer(), c.MuxerProtocol())
//	})
//
//	conn, err := tpt.Dial(ctx, "203.0.113.7:4001", expectedPeer)
//
// Tracked connections are released when their muxed session ends. Close
// stops the listener, cancels inbound upgrades still in flight and closes
// every tracked connection.
package transport
