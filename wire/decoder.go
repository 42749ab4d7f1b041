package wire

import (
	"fmt"
	"strings"
)

// Unmarshal decodes data with the DefaultDictionary.
func Unmarshal(data []byte) (Node, error) {
	return DefaultDictionary.Unmarshal(data)
}

// Unmarshal decodes exactly one node from data. Truncated input, unknown
// tokens, impossible list sizes and trailing bytes all yield a
// *MalformedFrameError.
func (d *Dictionary) Unmarshal(data []byte) (Node, error) {
	dec := &decoder{dict: d, data: data}
	n, err := dec.readNode(0)
	if err != nil {
		return Node{}, err
	}
	if dec.pos != len(dec.data) {
		return Node{}, dec.fail("%d trailing bytes", len(dec.data)-dec.pos)
	}
	return n, nil
}

type decoder struct {
	dict *Dictionary
	data []byte
	pos  int
}

func (d *decoder) fail(format string, args ...interface{}) error {
	return &MalformedFrameError{Offset: d.pos, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, d.fail("unexpected end of input")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.pos {
		return nil, d.fail("length %d exceeds remaining %d bytes", n, len(d.data)-d.pos)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readInt(width int) (int, error) {
	b, err := d.readBytes(width)
	if err != nil {
		return 0, err
	}
	v := 0
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v, nil
}

func (d *decoder) readListSize(tag byte) (int, error) {
	var size int
	var err error
	switch tag {
	case tagListEmpty:
		return 0, nil
	case tagList8:
		size, err = d.readInt(1)
	case tagList16:
		size, err = d.readInt(2)
	default:
		return 0, d.fail("expected list, got token %d", tag)
	}
	if err != nil {
		return 0, err
	}
	// Each element occupies at least one byte.
	if size > len(d.data)-d.pos {
		return 0, d.fail("list size %d exceeds remaining %d bytes", size, len(d.data)-d.pos)
	}
	return size, nil
}

func (d *decoder) readNode(depth int) (Node, error) {
	if depth >= maxDepth {
		return Node{}, d.fail("nesting deeper than %d", maxDepth)
	}
	tag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	size, err := d.readListSize(tag)
	if err != nil {
		return Node{}, err
	}
	if size == 0 {
		return Node{}, d.fail("empty list where node expected")
	}

	var n Node
	if n.Tag, err = d.readString(); err != nil {
		return Node{}, err
	}
	if n.Tag == "" {
		return Node{}, d.fail("empty node tag")
	}

	attrCount := (size - 1) / 2
	if attrCount > 0 {
		n.Attrs = make(Attrs, attrCount)
		for i := range n.Attrs {
			if n.Attrs[i].Key, err = d.readString(); err != nil {
				return Node{}, err
			}
			if n.Attrs[i].Value, err = d.readString(); err != nil {
				return Node{}, err
			}
		}
	}

	if (size-1)%2 == 1 {
		if err := d.readContent(&n, depth); err != nil {
			return Node{}, err
		}
	}
	return n, nil
}

func (d *decoder) readContent(n *Node, depth int) error {
	tag, err := d.readByte()
	if err != nil {
		return err
	}
	switch tag {
	case tagListEmpty, tagList8, tagList16:
		count, err := d.readListSize(tag)
		if err != nil {
			return err
		}
		n.Children = make([]Node, count)
		for i := range n.Children {
			if n.Children[i], err = d.readNode(depth + 1); err != nil {
				return err
			}
		}
		return nil
	case tagBinary8, tagBinary20, tagBinary32:
		b, err := d.readBinary(tag)
		if err != nil {
			return err
		}
		n.Content = append([]byte{}, b...)
		return nil
	}
	s, err := d.readStringToken(tag, true)
	if err != nil {
		return err
	}
	n.Content = []byte(s)
	return nil
}

func (d *decoder) readBinary(tag byte) ([]byte, error) {
	var n int
	var err error
	switch tag {
	case tagBinary8:
		n, err = d.readInt(1)
	case tagBinary20:
		n, err = d.readInt(3)
		if err == nil && n > 0x0fffff {
			return nil, d.fail("binary20 length has high bits set")
		}
	case tagBinary32:
		n, err = d.readInt(4)
	}
	if err != nil {
		return nil, err
	}
	return d.readBytes(n)
}

func (d *decoder) readString() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readStringToken(tag, true)
}

func (d *decoder) readStringToken(tag byte, allowJID bool) (string, error) {
	switch {
	case tag == tagListEmpty:
		return "", nil
	case tag < tagDictionary0:
		s, ok := d.dict.lookupSingle(tag)
		if !ok {
			return "", d.fail("unknown single-byte token %d", tag)
		}
		return s, nil
	case tag <= tagDictionary3:
		index, err := d.readByte()
		if err != nil {
			return "", err
		}
		s, ok := d.dict.lookupDouble(tag-tagDictionary0, index)
		if !ok {
			return "", d.fail("unknown double-byte token %d/%d", tag-tagDictionary0, index)
		}
		return s, nil
	}

	switch tag {
	case tagBinary8, tagBinary20, tagBinary32:
		b, err := d.readBinary(tag)
		return string(b), err
	case tagNibble8:
		return d.readPacked(nibbleAlphabet)
	case tagHex8:
		return d.readPacked(hexAlphabet)
	case tagJIDPair:
		if !allowJID {
			return "", d.fail("nested jid pair")
		}
		return d.readJIDPair()
	}
	return "", d.fail("unknown token %d", tag)
}

func (d *decoder) readJIDPair() (string, error) {
	parts := [2]string{}
	for i := range parts {
		tag, err := d.readByte()
		if err != nil {
			return "", err
		}
		if parts[i], err = d.readStringToken(tag, false); err != nil {
			return "", err
		}
	}
	return parts[0] + "@" + parts[1], nil
}

func (d *decoder) readPacked(alphabet string) (string, error) {
	header, err := d.readByte()
	if err != nil {
		return "", err
	}
	odd := header&0x80 != 0
	nbytes := int(header & 0x7f)
	if nbytes == 0 {
		return "", d.fail("empty packed string")
	}
	raw, err := d.readBytes(nbytes)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.Grow(nbytes * 2)
	for i, b := range raw {
		hi, lo := b>>4, b&0x0f
		if int(hi) >= len(alphabet) {
			return "", d.fail("invalid packed nibble %d", hi)
		}
		sb.WriteByte(alphabet[hi])
		if odd && i == nbytes-1 {
			if lo != packedPad {
				return "", d.fail("bad packed padding %d", lo)
			}
			break
		}
		if int(lo) >= len(alphabet) {
			return "", d.fail("invalid packed nibble %d", lo)
		}
		sb.WriteByte(alphabet[lo])
	}
	return sb.String(), nil
}
