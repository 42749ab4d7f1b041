// Package limits provides centralized size limits for the session layer.
// This ensures consistent validation across the codec, transport and encryption engine.
package limits

import (
	"errors"
	"fmt"
)

const (
	// FrameLengthSize is the size of the big-endian length prefix on every frame.
	FrameLengthSize = 3

	// MaxFrameSize is the largest frame body a 3-byte length prefix can describe.
	MaxFrameSize = 1<<24 - 1

	// CipherOverhead is the authentication tag appended by the transport AEAD.
	CipherOverhead = 16

	// MaxNodePayload is the largest byte content one node may carry once the
	// frame flag, node header and AEAD tag are accounted for.
	MaxNodePayload = MaxFrameSize - CipherOverhead - 64

	// MaxDecompressedFrame bounds inflation of compressed frames.
	MaxDecompressedFrame = 4 * MaxFrameSize

	// MaxPlaintextMessage is the largest plaintext accepted by the encryption engine.
	MaxPlaintextMessage = 64 * 1024

	// MaxListSize is the largest list length the codec can express (u16 list header).
	MaxListSize = 1<<16 - 1

	// MaxPendingQueries is the default ceiling of outstanding queries per session.
	MaxPendingQueries = 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates a plaintext against MaxPlaintextMessage.
func ValidatePlaintextMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateFrame validates a frame body against MaxFrameSize.
// Untrusted frames must pass this check before they are decrypted.
func ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrMessageEmpty
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, len(frame), MaxFrameSize)
	}
	return nil
}
