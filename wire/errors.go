package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is matched by every *MalformedFrameError.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrPayloadTooLarge is matched by every *PayloadTooLargeError.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidNode indicates an in-memory node that cannot be encoded.
	ErrInvalidNode = errors.New("invalid node")
)

// MalformedFrameError reports undecodable input and the offset it was found at.
type MalformedFrameError struct {
	Offset int
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame at offset %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrMalformedFrame) true.
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// PayloadTooLargeError reports content that exceeds what the encoding can express.
type PayloadTooLargeError struct {
	What  string
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s too large: %d exceeds limit %d", e.What, e.Size, e.Limit)
}

// Is makes errors.Is(err, ErrPayloadTooLarge) true.
func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}
