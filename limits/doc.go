// Package limits provides centralized size constants and validation functions
// for the session layer. It keeps the codec, transport and encryption engine in
// agreement about what a frame, a node and a plaintext may hold.
//
// # Size Hierarchy
//
//   - MaxFrameSize (16 MiB - 1): the largest encrypted frame the 3-byte length
//     prefix can describe. Nothing larger can exist on the wire.
//   - MaxNodePayload: the largest raw byte content a single node may carry.
//     It leaves room for the frame flag, node header and the AEAD tag.
//   - MaxPlaintextMessage (64 KiB): the largest message plaintext handed to the
//     encryption engine. Media travels out of band, so message bodies are small.
//   - MaxDecompressedFrame: the ceiling applied while inflating compressed
//     frames, preventing decompression bombs.
//
// # Validation Functions
//
// Each validation function checks for empty input and size limit violations:
//
//	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom limits use ValidateMessageSize.
package limits
