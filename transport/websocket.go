package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opd-ai/wasession/limits"
)

// WebSocketSocket carries length-prefixed frames inside binary WebSocket
// messages. A message may hold several frames and a frame may span messages.
type WebSocketSocket struct {
	conn       *websocket.Conn
	header     []byte
	headerSent bool
	writeMu    sync.Mutex
	reader     wsReader
	lengthBuf  [limits.FrameLengthSize]byte
}

// NewWebSocketSocket wraps an established WebSocket connection.
func NewWebSocketSocket(conn *websocket.Conn, header []byte) *WebSocketSocket {
	conn.SetReadLimit(limits.MaxFrameSize + limits.FrameLengthSize + 64)
	return &WebSocketSocket{
		conn:   conn,
		header: header,
		reader: wsReader{conn: conn},
	}
}

// WriteFrame sends one frame as a binary message.
func (s *WebSocketSocket) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var header []byte
	if !s.headerSent {
		header = s.header
	}
	data, err := appendFrame(header, frame)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	s.headerSent = true
	return nil
}

// ReadFrame returns the next frame, reading further messages as needed.
func (s *WebSocketSocket) ReadFrame() ([]byte, error) {
	return readFrame(&s.reader, s.lengthBuf[:])
}

// Close sends a close message and closes the connection.
func (s *WebSocketSocket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// wsReader joins binary messages into one byte stream.
type wsReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (r *wsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			kind, next, err := r.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			r.cur = next
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// WebSocketDialer connects over WebSocket.
type WebSocketDialer struct {
	URL string
	// Header is written in front of the first frame.
	Header []byte
	// HTTPHeader is sent with the upgrade request, e.g. Origin.
	HTTPHeader http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial performs the WebSocket upgrade.
func (d WebSocketDialer) Dial(ctx context.Context) (FrameSocket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.HTTPHeader)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return NewWebSocketSocket(conn, d.Header), nil
}
