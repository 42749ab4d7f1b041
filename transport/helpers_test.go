package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wasession/crypto"
	wanoise "github.com/opd-ai/wasession/noise"
	"github.com/opd-ai/wasession/wire"
)

var testHeader = []byte{'W', 'A', 6, 3}

// testServer is the responder end of a net.Pipe connection.
type testServer struct {
	t    *testing.T
	conn net.Conn
	sock *StreamSocket
	key  *crypto.KeyPair
	send *noise.CipherState
	recv *noise.CipherState
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// pipeDialer returns a dialer whose sockets are served by serve, which runs
// on its own goroutine with the server end of the pipe.
func pipeDialer(serve func(conn net.Conn)) Dialer {
	return DialerFunc(func(ctx context.Context) (FrameSocket, error) {
		client, server := net.Pipe()
		go serve(server)
		return NewStreamSocket(client, testHeader), nil
	})
}

// acceptHandshake reads the connection header and completes an XX
// handshake as responder.
func acceptHandshake(t *testing.T, conn net.Conn, key *crypto.KeyPair) (*testServer, error) {
	hdr := make([]byte, len(testHeader))
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	sock := NewStreamSocket(conn, nil)
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
	if _, err := hs.ReadMessage(msg3); err != nil {
		return nil, err
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}
	return &testServer{t: t, conn: conn, sock: sock, key: key, send: send, recv: recv}, nil
}

func (s *testServer) readNode() wire.Node {
	s.t.Helper()
	frame, err := s.sock.ReadFrame()
	require.NoError(s.t, err)
	plaintext, err := s.recv.Decrypt(nil, nil, frame)
	require.NoError(s.t, err)
	n, err := wire.Unpack(plaintext)
	require.NoError(s.t, err)
	return n
}

func (s *testServer) writeNode(n wire.Node) {
	s.t.Helper()
	frame, err := wire.Pack(n, false)
	require.NoError(s.t, err)
	s.writePlain(frame)
}

func (s *testServer) writePlain(plaintext []byte) {
	s.t.Helper()
	ct, err := s.send.Encrypt(nil, nil, plaintext)
	require.NoError(s.t, err)
	require.NoError(s.t, s.sock.WriteFrame(ct))
}

// harness connects a Session to an in-test responder.
type harness struct {
	session *Session
	server  *testServer

	mu       sync.Mutex
	received []wire.Node
	inbound  chan wire.Node
	closes   []Disconnect
	closed   chan Disconnect
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	serverKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	clientKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	h := &harness{
		inbound: make(chan wire.Node, 64),
		closed:  make(chan Disconnect, 4),
	}
	servers := make(chan *testServer, 1)
	dialer := pipeDialer(func(conn net.Conn) {
		srv, err := acceptHandshake(t, conn, serverKey)
		if err != nil {
			conn.Close()
			servers <- nil
			return
		}
		servers <- srv
	})

	cfg := Config{
		Handshake: HandshakeConfig{
			Prologue:  testHeader,
			StaticKey: clientKey,
			Payload:   func([]byte) ([]byte, error) { return []byte("client-payload"), nil },
		},
		KeepAliveInterval: -1,
		Handler: func(n wire.Node) {
			h.mu.Lock()
			h.received = append(h.received, n)
			h.mu.Unlock()
			h.inbound <- n
		},
		OnClose: func(d Disconnect) {
			h.mu.Lock()
			h.closes = append(h.closes, d)
			h.mu.Unlock()
			h.closed <- d
		},
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := Connect(ctx, dialer, cfg)
	require.NoError(t, err)
	srv := <-servers
	require.NotNil(t, srv)
	srv.t = t

	h.session = sess
	h.server = srv
	t.Cleanup(func() {
		sess.Close(ReasonClientClosed)
		srv.conn.Close()
		sess.Wait()
	})
	return h
}

func (h *harness) nextInbound(t *testing.T) wire.Node {
	t.Helper()
	select {
	case n := <-h.inbound:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound node")
		return wire.Node{}
	}
}

func (h *harness) waitClosed(t *testing.T) Disconnect {
	t.Helper()
	select {
	case d := <-h.closed:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
		return Disconnect{}
	}
}
