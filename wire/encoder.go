package wire

import (
	"strings"

	"github.com/opd-ai/wasession/limits"
)

const (
	maxDepth       = 64
	maxPackedBytes = 127
	packedPad      = 0x0f
)

// Marshal encodes n with the DefaultDictionary.
func Marshal(n Node) ([]byte, error) {
	return DefaultDictionary.Marshal(n)
}

// Marshal encodes n into the token stream.
func (d *Dictionary) Marshal(n Node) ([]byte, error) {
	e := &encoder{dict: d, buf: make([]byte, 0, 128)}
	if err := e.writeNode(n, 0); err != nil {
		return nil, err
	}
	if len(e.buf) > limits.MaxNodePayload {
		return nil, &PayloadTooLargeError{What: "node", Size: len(e.buf), Limit: limits.MaxNodePayload}
	}
	return e.buf, nil
}

type encoder struct {
	dict *Dictionary
	buf  []byte
}

func (e *encoder) writeNode(n Node, depth int) error {
	if depth >= maxDepth {
		return &PayloadTooLargeError{What: "nesting depth", Size: depth + 1, Limit: maxDepth}
	}
	if err := n.validate(); err != nil {
		return err
	}

	size := 1 + 2*len(n.Attrs)
	if n.Content != nil || n.Children != nil {
		size++
	}
	if err := e.writeListStart(size); err != nil {
		return err
	}
	if err := e.writeString(n.Tag); err != nil {
		return err
	}
	for _, a := range n.Attrs {
		if err := e.writeString(a.Key); err != nil {
			return err
		}
		if err := e.writeString(a.Value); err != nil {
			return err
		}
	}

	switch {
	case n.Children != nil:
		if err := e.writeListStart(len(n.Children)); err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := e.writeNode(c, depth+1); err != nil {
				return err
			}
		}
	case n.Content != nil:
		return e.writeBinary(n.Content)
	}
	return nil
}

func (e *encoder) writeListStart(size int) error {
	switch {
	case size == 0:
		e.buf = append(e.buf, tagListEmpty)
	case size < 1<<8:
		e.buf = append(e.buf, tagList8, byte(size))
	case size <= limits.MaxListSize:
		e.buf = append(e.buf, tagList16, byte(size>>8), byte(size))
	default:
		return &PayloadTooLargeError{What: "list", Size: size, Limit: limits.MaxListSize}
	}
	return nil
}

func (e *encoder) writeString(s string) error {
	return e.writeStringJID(s, true)
}

func (e *encoder) writeStringJID(s string, allowJID bool) error {
	if s == "" {
		e.buf = append(e.buf, tagListEmpty)
		return nil
	}
	if tok, ok := e.dict.singleIndex[s]; ok {
		e.buf = append(e.buf, tok)
		return nil
	}
	if tok, ok := e.dict.doubleIndex[s]; ok {
		e.buf = append(e.buf, tagDictionary0+tok.table, tok.index)
		return nil
	}
	if validPacked(s, nibbleValue) {
		e.writePacked(tagNibble8, s, nibbleValue)
		return nil
	}
	if validPacked(s, hexValue) {
		e.writePacked(tagHex8, s, hexValue)
		return nil
	}
	if allowJID {
		if user, server, ok := strings.Cut(s, "@"); ok {
			e.buf = append(e.buf, tagJIDPair)
			if err := e.writeStringJID(user, false); err != nil {
				return err
			}
			return e.writeStringJID(server, false)
		}
	}
	return e.writeBinary([]byte(s))
}

func (e *encoder) writeBinary(b []byte) error {
	n := len(b)
	switch {
	case n < 1<<8:
		e.buf = append(e.buf, tagBinary8, byte(n))
	case n < 1<<20:
		e.buf = append(e.buf, tagBinary20, byte(n>>16)&0x0f, byte(n>>8), byte(n))
	case n <= limits.MaxNodePayload:
		e.buf = append(e.buf, tagBinary32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	default:
		return &PayloadTooLargeError{What: "binary content", Size: n, Limit: limits.MaxNodePayload}
	}
	e.buf = append(e.buf, b...)
	return nil
}

func (e *encoder) writePacked(tag byte, s string, value func(byte) (byte, bool)) {
	nbytes := (len(s) + 1) / 2
	header := byte(nbytes)
	if len(s)%2 == 1 {
		header |= 0x80
	}
	e.buf = append(e.buf, tag, header)
	for i := 0; i < len(s); i += 2 {
		hi, _ := value(s[i])
		lo := byte(packedPad)
		if i+1 < len(s) {
			lo, _ = value(s[i+1])
		}
		e.buf = append(e.buf, hi<<4|lo)
	}
}

func validPacked(s string, value func(byte) (byte, bool)) bool {
	if len(s) == 0 || len(s) > 2*maxPackedBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := value(s[i]); !ok {
			return false
		}
	}
	return true
}

func nibbleValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c == '-':
		return 10, true
	case c == '.':
		return 11, true
	}
	return 0, false
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

const nibbleAlphabet = "0123456789-."
const hexAlphabet = "0123456789ABCDEF"
