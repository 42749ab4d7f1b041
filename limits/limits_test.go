package limits

import (
	"errors"
	"testing"
)

// TestFrameSizeMatchesPrefix verifies the frame ceiling is exactly what a
// 3-byte length prefix can hold.
func TestFrameSizeMatchesPrefix(t *testing.T) {
	if MaxFrameSize != 1<<(8*FrameLengthSize)-1 {
		t.Errorf("MaxFrameSize = %d, want %d", MaxFrameSize, 1<<(8*FrameLengthSize)-1)
	}
	if MaxNodePayload >= MaxFrameSize {
		t.Errorf("MaxNodePayload %d must leave room inside MaxFrameSize %d", MaxNodePayload, MaxFrameSize)
	}
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		max     int
		wantErr error
	}{
		{"empty", 0, 10, ErrMessageEmpty},
		{"at limit", 10, 10, nil},
		{"over limit", 11, 10, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(make([]byte, tt.size), tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessageSize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlaintextMessage(t *testing.T) {
	if err := ValidatePlaintextMessage(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("nil plaintext: got %v, want ErrMessageEmpty", err)
	}
	if err := ValidatePlaintextMessage(make([]byte, MaxPlaintextMessage)); err != nil {
		t.Errorf("plaintext at limit: unexpected error %v", err)
	}
	if err := ValidatePlaintextMessage(make([]byte, MaxPlaintextMessage+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized plaintext: got %v, want ErrMessageTooLarge", err)
	}
}

func TestValidateFrame(t *testing.T) {
	if err := ValidateFrame([]byte{1}); err != nil {
		t.Errorf("one byte frame: unexpected error %v", err)
	}
	if err := ValidateFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty frame: got %v, want ErrMessageEmpty", err)
	}
}
