package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/opd-ai/wasession/limits"
)

// Frame flag bits carried in the first byte of every decrypted frame.
const (
	FlagCompressed byte = 1 << 1
)

// Pack encodes n and prepends the frame flag byte, optionally deflating the
// node bytes with zlib.
func Pack(n Node, compress bool) ([]byte, error) {
	return DefaultDictionary.Pack(n, compress)
}

// Unpack strips the frame flag byte, inflates compressed frames and decodes
// the node.
func Unpack(frame []byte) (Node, error) {
	return DefaultDictionary.Unpack(frame)
}

// Pack is Pack with this dictionary.
func (d *Dictionary) Pack(n Node, compress bool) ([]byte, error) {
	data, err := d.Marshal(n)
	if err != nil {
		return nil, err
	}
	if !compress {
		return append([]byte{0}, data...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack is Unpack with this dictionary.
func (d *Dictionary) Unpack(frame []byte) (Node, error) {
	if len(frame) == 0 {
		return Node{}, &MalformedFrameError{Reason: "empty frame"}
	}
	flags, data := frame[0], frame[1:]
	if flags&FlagCompressed != 0 {
		inflated, err := inflate(data)
		if err != nil {
			return Node{}, err
		}
		data = inflated
	}
	return d.Unmarshal(data)
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedFrameError{Offset: 1, Reason: "bad zlib header: " + err.Error()}
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limits.MaxDecompressedFrame+1))
	if err != nil {
		return nil, &MalformedFrameError{Offset: 1, Reason: "inflate: " + err.Error()}
	}
	if len(out) > limits.MaxDecompressedFrame {
		return nil, &PayloadTooLargeError{What: "decompressed frame", Size: len(out), Limit: limits.MaxDecompressedFrame}
	}
	return out, nil
}
