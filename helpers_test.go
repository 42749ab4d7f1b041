package wasession

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wasession/codec"
	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/events"
	wanoise "github.com/opd-ai/wasession/noise"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

var testHeader = []byte{'W', 'A', 6, 3}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.NewMemoryBackend(), store.Options{Logger: quietLogger()})
	require.NoError(t, err)
	return st
}

// serverConn is the server end of one client connection.
type serverConn struct {
	conn    net.Conn
	sock    *transport.StreamSocket
	payload ClientPayload
	send    *noise.CipherState
	recv    *noise.CipherState
	writeMu sync.Mutex
	nodes   chan wire.Node
}

// fakeServer accepts net.Pipe connections, completes the XX handshake as
// responder and optionally answers queries through respond.
type fakeServer struct {
	key     *crypto.KeyPair
	respond func(wire.Node) []wire.Node
	conns   chan *serverConn
	dials   atomic.Int32

	mu  sync.Mutex
	all []net.Conn
}

func newFakeServer(t *testing.T, respond func(wire.Node) []wire.Node) *fakeServer {
	t.Helper()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	s := &fakeServer{key: key, respond: respond, conns: make(chan *serverConn, 8)}
	t.Cleanup(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.all {
			c.Close()
		}
	})
	return s
}

func (s *fakeServer) dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.FrameSocket, error) {
		s.dials.Add(1)
		client, server := net.Pipe()
		s.mu.Lock()
		s.all = append(s.all, server)
		s.mu.Unlock()
		go s.accept(server)
		return transport.NewStreamSocket(client, testHeader), nil
	})
}

func (s *fakeServer) accept(conn net.Conn) {
	sc, err := acceptHandshake(conn, s.key)
	if err != nil {
		conn.Close()
		return
	}
	go sc.readLoop(s.respond)
	s.conns <- sc
}

func (s *fakeServer) nextConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func acceptHandshake(conn net.Conn, key *crypto.KeyPair) (*serverConn, error) {
	hdr := make([]byte, len(testHeader))
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	sock := transport.NewStreamSocket(conn, nil)
	hs, err := wanoise.NewHandshake(wanoise.Config{
		Role:      wanoise.Responder,
		Prologue:  testHeader,
		StaticKey: key,
		Logger:    quietLogger(),
	})
	if err != nil {
		return nil, err
	}

	msg1, err := sock.ReadFrame()
	if err != nil {
		return nil, err
	}
	if _, err := hs.ReadMessage(msg1); err != nil {
		return nil, err
	}
	msg2, err := hs.WriteMessage([]byte("server-hello"))
	if err != nil {
		return nil, err
	}
	if err := sock.WriteFrame(msg2); err != nil {
		return nil, err
	}
	msg3, err := sock.ReadFrame()
	if err != nil {
		return nil, err
	}
	payload, err := hs.ReadMessage(msg3)
	if err != nil {
		return nil, err
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}

	sc := &serverConn{conn: conn, sock: sock, send: send, recv: recv, nodes: make(chan wire.Node, 256)}
	if err := codec.Unmarshal(payload, &sc.payload); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *serverConn) readLoop(respond func(wire.Node) []wire.Node) {
	defer close(sc.nodes)
	for {
		frame, err := sc.sock.ReadFrame()
		if err != nil {
			return
		}
		plaintext, err := sc.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return
		}
		n, err := wire.Unpack(plaintext)
		if err != nil {
			return
		}
		select {
		case sc.nodes <- n:
		default:
		}
		if respond == nil {
			continue
		}
		for _, r := range respond(n) {
			if err := sc.write(r); err != nil {
				return
			}
		}
	}
}

func (sc *serverConn) write(n wire.Node) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	frame, err := wire.Pack(n, false)
	if err != nil {
		return err
	}
	ct, err := sc.send.Encrypt(nil, nil, frame)
	if err != nil {
		return err
	}
	return sc.sock.WriteFrame(ct)
}

func (sc *serverConn) writeNode(t *testing.T, n wire.Node) {
	t.Helper()
	require.NoError(t, sc.write(n))
}

// expect returns the next node sent by the client that satisfies match.
func (sc *serverConn) expect(t *testing.T, match func(wire.Node) bool) wire.Node {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-sc.nodes:
			if !ok {
				t.Fatal("connection closed while waiting for node")
			}
			if match(n) {
				return n
			}
		case <-deadline:
			t.Fatal("timed out waiting for node")
			return wire.Node{}
		}
	}
}

func tagged(tag, id string) func(wire.Node) bool {
	return func(n wire.Node) bool {
		return n.Tag == tag && (id == "" || n.Attrs.String("id") == id)
	}
}

func newTestClient(t *testing.T, srv *fakeServer, st *store.Store, mutate func(*Config)) (*Client, <-chan events.Event) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dialer = srv.dialer()
	cfg.KeepAliveInterval = -1
	cfg.Reconnect.BaseDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Logger = quietLogger()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, st)
	require.NoError(t, err)

	evs := make(chan events.Event, 1024)
	c.AddEventHandler(func(ev events.Event) { evs <- ev })
	t.Cleanup(func() { c.Close() })
	return c, evs
}

// waitEvent skips events until one of type T arrives.
func waitEvent[T events.Event](t *testing.T, evs <-chan events.Event) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-evs:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func iqResult(id string, children ...wire.Node) wire.Node {
	return wire.Node{
		Tag:      "iq",
		Attrs:    wire.Attrs{{Key: "id", Value: id}, {Key: "type", Value: "result"}},
		Children: children,
	}
}

func usyncResult(id, user string, deviceIDs []string) wire.Node {
	list := wire.Node{Tag: "device-list"}
	for _, d := range deviceIDs {
		list.Children = append(list.Children, wire.Node{Tag: "device", Attrs: wire.Attrs{{Key: "id", Value: d}}})
	}
	return iqResult(id, wire.Node{Tag: "usync", Children: []wire.Node{{
		Tag: "list",
		Children: []wire.Node{{
			Tag:      "user",
			Attrs:    wire.Attrs{{Key: "jid", Value: user}},
			Children: []wire.Node{{Tag: "devices", Children: []wire.Node{list}}},
		}},
	}}})
}

func bundleResult(id, jid string, b store.Bundle) wire.Node {
	user := wire.Node{
		Tag:      "user",
		Attrs:    wire.Attrs{{Key: "jid", Value: jid}},
		Children: append(identityNodes(b), signedPreKeyNode(b)),
	}
	if b.PreKey != nil {
		user.Children = append(user.Children, preKeyNode(store.PreKey{ID: b.PreKeyID, KeyPair: crypto.KeyPair{Public: *b.PreKey}}))
	}
	return iqResult(id, wire.Node{Tag: "list", Children: []wire.Node{user}})
}
