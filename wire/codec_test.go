package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, n Node) Node {
	t.Helper()
	data, err := Marshal(n)
	require.NoError(t, err)
	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, n.Equal(out), "round trip mismatch:\nwant %s\ngot  %s", n, out)

	again, err := Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, data, again, "re-encoding must be byte exact")
	return out
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		node Node
	}{
		{"tag only", Node{Tag: "iq"}},
		{"unknown tag", Node{Tag: "custom-element"}},
		{"attrs", Node{Tag: "iq", Attrs: Attrs{{"id", "abc.123"}, {"type", "get"}, {"xmlns", "w:p"}}}},
		{"empty attr value", Node{Tag: "iq", Attrs: Attrs{{"id", ""}}}},
		{"empty bytes", Node{Tag: "enc", Content: []byte{}}},
		{"bytes", Node{Tag: "enc", Content: []byte{0, 1, 2, 0xff}}},
		{"empty children", Node{Tag: "list", Children: []Node{}}},
		{"children", Node{Tag: "iq", Attrs: Attrs{{"to", "s.whatsapp.net"}}, Children: []Node{
			{Tag: "ping"},
			{Tag: "usync", Children: []Node{{Tag: "user", Attrs: Attrs{{"jid", "12345@s.whatsapp.net"}}}}},
		}}},
		{"double byte token", Node{Tag: "w:sync:app:state", Attrs: Attrs{{"collection", "regular_high"}}}},
		{"nibble odd", Node{Tag: "t", Attrs: Attrs{{"v", "1234567"}}}},
		{"nibble punct", Node{Tag: "t", Attrs: Attrs{{"v", "3.14-15"}}}},
		{"hex", Node{Tag: "t", Attrs: Attrs{{"id", "3EB0A1F2C"}}}},
		{"jid", Node{Tag: "message", Attrs: Attrs{{"to", "491234567890@s.whatsapp.net"}}}},
		{"jid with device", Node{Tag: "message", Attrs: Attrs{{"to", "4912:3@s.whatsapp.net"}}}},
		{"jid empty user", Node{Tag: "message", Attrs: Attrs{{"to", "@g.us"}}}},
		{"jid double at", Node{Tag: "message", Attrs: Attrs{{"to", "a@b@c"}}}},
		{"lower hex is binary", Node{Tag: "t", Attrs: Attrs{{"id", "3eb0a1"}}}},
		{"long string", Node{Tag: "body", Attrs: Attrs{{"text", strings.Repeat("x", 300)}}}},
		{"long numeric", Node{Tag: "body", Attrs: Attrs{{"n", strings.Repeat("7", 255)}}}},
		{"binary20", Node{Tag: "media", Content: bytes.Repeat([]byte{0xab}, 1<<16)}},
		{"binary32", Node{Tag: "media", Content: bytes.Repeat([]byte{0xcd}, 1<<20)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, tt.node)
		})
	}
}

func TestRoundTripPreservesContentKind(t *testing.T) {
	absent := roundTrip(t, Node{Tag: "a"})
	assert.Nil(t, absent.Content)
	assert.Nil(t, absent.Children)

	emptyBytes := roundTrip(t, Node{Tag: "a", Content: []byte{}})
	assert.NotNil(t, emptyBytes.Content)
	assert.Nil(t, emptyBytes.Children)

	emptyList := roundTrip(t, Node{Tag: "a", Children: []Node{}})
	assert.Nil(t, emptyList.Content)
	assert.NotNil(t, emptyList.Children)
	assert.Len(t, emptyList.Children, 0)
}

func TestEncodingUsesTokens(t *testing.T) {
	data, err := Marshal(Node{Tag: "iq", Attrs: Attrs{{"type", "get"}}})
	require.NoError(t, err)
	// list8(3), iq, type, get
	assert.Len(t, data, 5)
	assert.Equal(t, byte(tagList8), data[0])
	assert.Equal(t, byte(3), data[1])

	data, err = Marshal(Node{Tag: "iq", Attrs: Attrs{{"id", "123"}}})
	require.NoError(t, err)
	assert.Equal(t, []byte{tagNibble8, 0x82, 0x12, 0x3f}, data[4:])
}

func TestMarshalInvalidNode(t *testing.T) {
	_, err := Marshal(Node{})
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = Marshal(Node{Tag: "x", Content: []byte{1}, Children: []Node{}})
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = Marshal(Node{Tag: "x", Children: []Node{{}}})
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestMarshalTooLarge(t *testing.T) {
	children := make([]Node, 1<<16)
	for i := range children {
		children[i] = Node{Tag: "item"}
	}
	_, err := Marshal(Node{Tag: "list", Children: children})
	var tooLarge *PayloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, "list", tooLarge.What)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	deep := Node{Tag: "leaf"}
	for i := 0; i < maxDepth; i++ {
		deep = Node{Tag: "n", Children: []Node{deep}}
	}
	_, err = Marshal(deep)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnmarshalMalformed(t *testing.T) {
	valid, err := Marshal(Node{Tag: "iq", Attrs: Attrs{{"id", "custom-id-value"}}, Content: []byte("hello")})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-2]},
		{"trailing", append(append([]byte{}, valid...), 0x00)},
		{"unknown token", []byte{tagList8, 1, 242}},
		{"unknown single", []byte{tagList8, 1, 235}},
		{"unknown double", []byte{tagList8, 1, tagDictionary3, 0}},
		{"list overflow", []byte{tagList16, 0xff, 0xff, 3}},
		{"empty list as node", []byte{tagListEmpty}},
		{"empty tag", []byte{tagList8, 1, tagBinary8, 0}},
		{"binary overflow", []byte{tagList8, 2, 3, tagBinary32, 0x7f, 0, 0, 0, 1}},
		{"nested jid", []byte{tagList8, 3, 3, 7, tagJIDPair, tagJIDPair, 0, 0, 0}},
		{"bad nibble", []byte{tagList8, 3, 3, 7, tagNibble8, 0x01, 0xcc}},
		{"bad padding", []byte{tagList8, 3, 3, 7, tagNibble8, 0x81, 0x11}},
		{"list in string position", []byte{tagList8, 1, tagList8, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedFrame)
			var mf *MalformedFrameError
			require.True(t, errors.As(err, &mf))
			assert.GreaterOrEqual(t, mf.Offset, 0)
		})
	}
}

func TestUnmarshalTooDeep(t *testing.T) {
	var data []byte
	for i := 0; i < maxDepth+1; i++ {
		data = append(data, tagList8, 2, 3, tagList8, 1)
	}
	data = append(data, tagList8, 1, 3)
	_, err := Unmarshal(data)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestStringContentDecodesAsBytes(t *testing.T) {
	// Peers may send token-encoded text as content.
	n, err := Unmarshal([]byte{tagList8, 2, 3, 24})
	require.NoError(t, err)
	assert.Equal(t, "type", n.Tag)
	assert.Equal(t, []byte("iq"), n.Content)
}

func TestPackUnpack(t *testing.T) {
	n := Node{Tag: "message", Attrs: Attrs{{"id", "ABCDEF"}}, Children: []Node{
		{Tag: "body", Content: bytes.Repeat([]byte("compressible "), 200)},
	}}

	for _, compress := range []bool{false, true} {
		frame, err := Pack(n, compress)
		require.NoError(t, err)
		assert.Equal(t, compress, frame[0]&FlagCompressed != 0)
		out, err := Unpack(frame)
		require.NoError(t, err)
		assert.True(t, n.Equal(out))
	}

	plain, _ := Pack(n, false)
	packed, _ := Pack(n, true)
	assert.Less(t, len(packed), len(plain))
}

func TestUnpackErrors(t *testing.T) {
	_, err := Unpack(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Unpack([]byte{FlagCompressed, 1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestNewDictionary(t *testing.T) {
	_, err := NewDictionary([]string{"a"}, nil)
	assert.Error(t, err, "index 0 must be reserved")

	_, err = NewDictionary([]string{"", "a", "a"}, nil)
	assert.Error(t, err)

	_, err = NewDictionary([]string{"", "a"}, [][]string{{"a"}})
	assert.Error(t, err)

	_, err = NewDictionary(make([]string, 237), nil)
	assert.Error(t, err)

	_, err = NewDictionary([]string{""}, make([][]string, 5))
	assert.Error(t, err)

	d, err := NewDictionary([]string{"", "hello"}, [][]string{{"world"}})
	require.NoError(t, err)
	data, err := d.Marshal(Node{Tag: "hello", Attrs: Attrs{{"world", "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, []byte{tagList8, 3, 1, tagDictionary0, 0, 1}, data)

	n, err := d.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "world", n.Attrs[0].Key)

	// Token 1 means something else in the default table.
	other, err := Unmarshal(data)
	require.NoError(t, err)
	assert.NotEqual(t, "hello", other.Tag)
}

func TestNodeHelpers(t *testing.T) {
	n := Node{Tag: "iq", Attrs: Attrs{{"id", "1"}}, Children: []Node{
		{Tag: "usync", Children: []Node{{Tag: "list", Children: []Node{{Tag: "user"}, {Tag: "user"}}}}},
		{Tag: "error", Attrs: Attrs{{"code", "404"}}},
	}}

	v, ok := n.Attrs.Get("id")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = n.Attrs.Get("type")
	assert.False(t, ok)

	n.Attrs.Set("type", "get")
	n.Attrs.Set("id", "2")
	assert.Equal(t, Attrs{{"id", "2"}, {"type", "get"}}, n.Attrs)

	errNode, ok := n.Child("error")
	require.True(t, ok)
	assert.Equal(t, "404", errNode.Attrs.String("code"))

	list, ok := n.Path("usync", "list")
	require.True(t, ok)
	assert.Len(t, list.ChildrenByTag("user"), 2)

	_, ok = n.Path("usync", "missing")
	assert.False(t, ok)

	s := n.String()
	assert.Contains(t, s, `<iq id="2" type="get">`)
	assert.Contains(t, s, `<error code="404"/>`)
	assert.Contains(t, Node{Tag: "enc", Content: []byte{0xde, 0xad}}.String(), "dead")
	assert.Contains(t, Node{Tag: "body", Content: []byte("hi")}.String(), ">hi<")
}
