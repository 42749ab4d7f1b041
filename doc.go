// Package wasession implements the session core of a multi-device,
// end-to-end encrypted messaging client that speaks a compact binary node
// protocol over a Noise-secured connection.
//
// The root package wires the subsystems into a [Client]: the frame codec
// (package wire), the Noise handshake (package noise), the transport
// session (package transport), the credential store (package store), the
// device resolver (package devices), the pairwise encryption engine
// (package signal), the event dispatcher (package events) and the
// reconnection controller (package reconnect).
//
// # Getting Started
//
//	st, err := store.Open(ctx, backend, store.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg := wasession.DefaultConfig()
//	cfg.PushName = "desk"
//
//	client, err := wasession.NewClient(cfg, st)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.AddEventHandler(func(ev events.Event) {
//	    switch ev := ev.(type) {
//	    case events.Message:
//	        fmt.Printf("%s: %v\n", ev.Info.Sender, ev.Content)
//	    case events.Disconnected:
//	        if ev.Terminal {
//	            fmt.Println("session ended:", ev.Reason)
//	        }
//	    }
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	id, err := client.SendMessage(ctx, "491234@s.whatsapp.net", events.Text{Body: "hi"})
//
// # Connection Lifecycle
//
// Connect makes one attempt and returns its error. Once connected, the
// client reconnects on recoverable disconnects (timeouts, network errors,
// server-requested restarts) with exponential backoff; terminal reasons
// (logged out, replaced, bad session, client closed) stop the loop and are
// reported as a Disconnected event with Terminal set.
//
// # Configuration
//
// [DefaultConfig] returns working defaults. [LoadConfig] reads YAML over
// those defaults:
//
//	server_url: wss://web.whatsapp.com/ws/chat
//	noise_pattern: XX
//	keepalive_interval: 25s
//	reconnect:
//	  base_delay: 1s
//	  max_delay: 2m
package wasession
