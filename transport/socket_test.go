package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wasession/limits"
	"github.com/opd-ai/wasession/wire"
)

func TestStreamSocketFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sock := NewStreamSocket(client, []byte("HDR"))
	go func() {
		_ = sock.WriteFrame([]byte("one"))
		_ = sock.WriteFrame([]byte("two!"))
	}()

	want := []byte("HDR\x00\x00\x03one\x00\x00\x04two!")
	got := make([]byte, len(want))
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStreamSocketReadsPartialWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		for _, chunk := range [][]byte{{0x00}, {0x00, 0x05, 'h'}, []byte("ell"), []byte("o")} {
			_, _ = server.Write(chunk)
		}
	}()

	frame, err := NewStreamSocket(client, nil).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)
}

func TestStreamSocketTruncatedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = server.Write([]byte{0x00, 0x00, 0x09, 'x'})
		server.Close()
	}()

	_, err := NewStreamSocket(client, nil).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameTooLarge(t *testing.T) {
	_, err := appendFrame(nil, make([]byte, limits.MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWebSocketCoalescedFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg

		// Two frames in one message, then a frame split over two messages.
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("\x00\x00\x01a\x00\x00\x02bc"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("\x00\x00\x03d"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("ef"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	dialer := WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Header: []byte("WA")}
	sock, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, sock.WriteFrame([]byte("hi")))
	assert.True(t, bytes.Equal([]byte("WA\x00\x00\x02hi"), <-received))

	for _, want := range []string{"a", "bc", "def"} {
		frame, err := sock.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
}

func TestQueryRegistryEvictsOldest(t *testing.T) {
	r := newQueryRegistry(2)
	a, err := r.add("a", nil)
	require.NoError(t, err)
	_, err = r.add("b", nil)
	require.NoError(t, err)

	_, err = r.add("b", nil)
	assert.ErrorIs(t, err, ErrDuplicateQueryID)

	_, err = r.add("c", nil)
	require.NoError(t, err)
	res := <-a.done
	assert.ErrorIs(t, res.err, ErrQueryEvicted)
	assert.Equal(t, 2, r.len())

	assert.False(t, r.resolve(wire.Node{Tag: "iq", Attrs: wire.Attrs{{Key: "id", Value: "a"}}}))
	assert.True(t, r.resolve(wire.Node{Tag: "iq", Attrs: wire.Attrs{{Key: "id", Value: "b"}}}))
	assert.False(t, r.resolve(wire.Node{Tag: "iq"}))
	assert.Equal(t, 1, r.len())

	r.failAll(ErrNotConnected)
	assert.Equal(t, 0, r.len())
}

func TestReasonForError(t *testing.T) {
	assert.Equal(t, ReasonUnknown, ReasonForError(nil))
	assert.Equal(t, ReasonNetwork, ReasonForError(io.EOF))
	assert.Equal(t, ReasonTimeout, ReasonForError(context.DeadlineExceeded))
	assert.Equal(t, ReasonNetwork, ReasonForError(&WriteError{Err: io.ErrClosedPipe}))
	assert.Equal(t, "handshake_failed", ReasonHandshakeFailed.String())

	wrapped := fmt.Errorf("login: %w", &ReasonError{Reason: ReasonLoggedOut, Err: io.EOF})
	assert.Equal(t, ReasonLoggedOut, ReasonForError(wrapped), "explicit reason wins")
	assert.ErrorIs(t, wrapped, io.EOF)
}
