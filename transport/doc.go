// Package transport owns the persistent connection to the server: it dials a
// FrameSocket, runs the Noise handshake, and then moves encrypted wire.Node
// frames in both directions.
//
// # Framing
//
// Every frame is preceded by a 3-byte big-endian length. The first frame a
// client writes is additionally preceded by a fixed header (protocol magic
// and version) that is also used as the Noise prologue. StreamSocket applies
// this framing to any net.Conn; WebSocketSocket applies it inside binary
// WebSocket messages, where one message may carry several frames.
//
// # Session
//
//	sess, err := transport.Connect(ctx, transport.TCPDialer{Address: addr, Header: hdr}, transport.Config{
//	    Handshake: transport.HandshakeConfig{Prologue: hdr, StaticKey: noiseKey},
//	    Handler:   dispatch,
//	    OnClose:   reconnect,
//	})
//	resp, err := sess.Query(ctx, node, transport.QueryOptions{Timeout: 10 * time.Second})
//
// All sends go through one writer lock so frames are encrypted in submission
// order; the receive goroutine never waits on that lock. Inbound frames are
// decrypted, unpacked and first offered to pending queries; anything not
// consumed is handed to Config.Handler in arrival order.
//
// # Failure Handling
//
// A Noise decryption failure or socket error is fatal: the session closes and
// Config.OnClose is called exactly once with a classified DisconnectReason.
// A frame that decrypts but does not decode is logged and dropped. The
// pending-query table is bounded; on overflow the oldest query fails with
// ErrQueryEvicted.
package transport
