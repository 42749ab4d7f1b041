// Package wire implements the binary node codec used for every message on the
// session transport.
//
// A [Node] is a recursive tree: a tag, an ordered attribute list and content
// that is either absent, raw bytes or a list of child nodes. Nodes are encoded
// into a compact token stream:
//
//   - frequently used strings become single-byte or double-byte tokens looked
//     up in a [Dictionary];
//   - numeric strings are nibble packed, upper-case hex strings are hex packed;
//   - "user@server" strings become a JID pair with each half encoded
//     separately;
//   - everything else is length prefixed (8, 20 or 32 bit lengths).
//
// Encoding is a pure function. For every valid node n,
// Unmarshal(Marshal(n)) reproduces n.
//
//	data, err := wire.Marshal(wire.Node{
//	    Tag:   "iq",
//	    Attrs: wire.Attrs{{Key: "id", Value: "1"}, {Key: "type", Value: "get"}},
//	})
//	node, err := wire.Unmarshal(data)
//
// Frames on the transport carry one leading flag byte in front of the node
// bytes; [Pack] and [Unpack] add and strip it, inflating zlib-compressed
// frames on the way in.
//
// The token tables are not fixed by this package: callers talking to a peer
// with a different table build their own with [NewDictionary].
package wire
