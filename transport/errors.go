package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates the session is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrQueryTimeout indicates no response arrived before the query deadline.
	ErrQueryTimeout = errors.New("query timed out")
	// ErrQueryEvicted indicates the pending-query table overflowed and this
	// query was the oldest entry.
	ErrQueryEvicted = errors.New("query evicted from full pending table")
	// ErrDuplicateQueryID indicates a query reused the id of a pending query.
	ErrDuplicateQueryID = errors.New("duplicate query id")
	// ErrFrameTooLarge indicates a frame that the 3-byte length prefix cannot describe.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrHandshake wraps every failure while establishing the Noise channel.
	ErrHandshake = errors.New("noise handshake failed")
	// ErrDial wraps failures to open the underlying socket.
	ErrDial = errors.New("dial failed")
	// ErrDecrypt indicates an inbound frame failed authentication.
	ErrDecrypt = errors.New("frame decryption failed")
)

// WriteError reports a socket-level failure while sending.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("transport write: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
