package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/wasession/limits"
)

// DefaultWriteTimeout bounds a single frame write on stream sockets.
const DefaultWriteTimeout = 10 * time.Second

// FrameSocket moves whole frames over a duplex connection. WriteFrame may be
// called concurrently with ReadFrame but not with itself.
type FrameSocket interface {
	WriteFrame(frame []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// StreamSocket frames a byte stream with a 3-byte big-endian length prefix.
// The optional header is written once in front of the first frame.
type StreamSocket struct {
	conn         net.Conn
	header       []byte
	headerSent   bool
	writeMu      sync.Mutex
	lengthBuf    [limits.FrameLengthSize]byte
	WriteTimeout time.Duration
}

// NewStreamSocket wraps conn.
func NewStreamSocket(conn net.Conn, header []byte) *StreamSocket {
	return &StreamSocket{
		conn:         conn,
		header:       header,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// WriteFrame writes one length-prefixed frame.
func (s *StreamSocket) WriteFrame(frame []byte) error {
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

	if s.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	s.headerSent = true
	return nil
}

// ReadFrame blocks until one complete frame has been read.
func (s *StreamSocket) ReadFrame() ([]byte, error) {
	return readFrame(s.conn, s.lengthBuf[:])
}

// Close closes the connection.
func (s *StreamSocket) Close() error {
	return s.conn.Close()
}

// appendFrame builds header || length || frame.
func appendFrame(header, frame []byte) ([]byte, error) {
	n := len(frame)
	if n > limits.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, 0, len(header)+limits.FrameLengthSize+n)
	data = append(data, header...)
	data = append(data, byte(n>>16), byte(n>>8), byte(n))
	return append(data, frame...), nil
}

// readFrame reads the 3-byte length header and then the frame body.
func readFrame(r io.Reader, lengthBuf []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, lengthBuf[:limits.FrameLengthSize]); err != nil {
		return nil, err
	}
	n := int(lengthBuf[0])<<16 | int(lengthBuf[1])<<8 | int(lengthBuf[2])
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// Dialer opens a FrameSocket to the server.
type Dialer interface {
	Dial(ctx context.Context) (FrameSocket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (FrameSocket, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (FrameSocket, error) {
	return f(ctx)
}

// TCPDialer connects over plain TCP.
type TCPDialer struct {
	Address string
	// Header is written in front of the first frame.
	Header  []byte
	Timeout time.Duration
}

// Dial connects to d.Address.
func (d TCPDialer) Dial(ctx context.Context) (FrameSocket, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return NewStreamSocket(conn, d.Header), nil
}
