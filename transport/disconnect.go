package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// DisconnectReason classifies why a session closed.
type DisconnectReason uint8

const (
	ReasonUnknown DisconnectReason = iota
	// ReasonLoggedOut means the server revoked the credentials.
	ReasonLoggedOut
	// ReasonReplaced means another connection took over this session.
	ReasonReplaced
	// ReasonBadSession means the server rejected the stored session.
	ReasonBadSession
	// ReasonClientClosed means the local caller closed the session.
	ReasonClientClosed
	// ReasonTimeout means a keepalive or read deadline expired.
	ReasonTimeout
	// ReasonNetwork means the socket failed or the stream was corrupted.
	ReasonNetwork
	// ReasonRestartRequired means the server asked for a fresh connection.
	ReasonRestartRequired
	// ReasonHandshakeFailed means the Noise handshake did not complete.
	ReasonHandshakeFailed
)

var reasonNames = map[DisconnectReason]string{
	ReasonUnknown:         "unknown",
	ReasonLoggedOut:       "logged_out",
	ReasonReplaced:        "replaced",
	ReasonBadSession:      "bad_session",
	ReasonClientClosed:    "client_closed",
	ReasonTimeout:         "timeout",
	ReasonNetwork:         "network",
	ReasonRestartRequired: "restart_required",
	ReasonHandshakeFailed: "handshake_failed",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Disconnect records one close event.
type Disconnect struct {
	Reason DisconnectReason
	At     time.Time
	Err    error
}

// ReasonError attaches an explicit reason to an error, e.g. a login
// failure reported by the server after the handshake.
type ReasonError struct {
	Reason DisconnectReason
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Err.Error()
}

func (e *ReasonError) Unwrap() error { return e.Err }

// ReasonForError maps a Connect or socket error to a DisconnectReason.
func ReasonForError(err error) DisconnectReason {
	var (
		netErr    net.Error
		reasonErr *ReasonError
	)
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.As(err, &reasonErr):
		return reasonErr.Reason
	case errors.Is(err, ErrHandshake):
		return ReasonHandshakeFailed
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, ErrDial),
		errors.Is(err, ErrDecrypt), errors.Is(err, net.ErrClosed):
		return ReasonNetwork
	}
	var werr *WriteError
	if errors.As(err, &werr) {
		return ReasonNetwork
	}
	return ReasonUnknown
}
