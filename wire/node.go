package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Attr is a single node attribute.
type Attr struct {
	Key   string
	Value string
}

// Attrs is an ordered attribute list. Order is preserved through encoding.
type Attrs []Attr

// Get returns the value of the first attribute named key.
func (a Attrs) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// String returns the value of key or "" when absent.
func (a Attrs) String(key string) string {
	v, _ := a.Get(key)
	return v
}

// Set replaces the value of key, appending it when absent.
func (a *Attrs) Set(key, value string) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attr{Key: key, Value: value})
}

// Node is the unit of the wire protocol.
//
// Content is absent when both Content and Children are nil. A non-nil empty
// Content and a non-nil empty Children are distinct values and survive a
// round trip. Setting both is invalid. An empty attribute list decodes as nil.
type Node struct {
	Tag      string
	Attrs    Attrs
	Content  []byte
	Children []Node
}

// Child returns the first child with the given tag.
func (n *Node) Child(tag string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Tag == tag {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// ChildrenByTag returns every child with the given tag, in order.
func (n *Node) ChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// Path follows a chain of child tags, returning the node at the end.
func (n *Node) Path(tags ...string) (*Node, bool) {
	cur := n
	for _, tag := range tags {
		next, ok := cur.Child(tag)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Equal reports whether n and o encode to the same bytes.
func (n Node) Equal(o Node) bool {
	if n.Tag != o.Tag || len(n.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range n.Attrs {
		if n.Attrs[i] != o.Attrs[i] {
			return false
		}
	}
	if (n.Content == nil) != (o.Content == nil) || !bytes.Equal(n.Content, o.Content) {
		return false
	}
	if (n.Children == nil) != (o.Children == nil) || len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

func (n Node) validate() error {
	if n.Tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidNode)
	}
	if n.Content != nil && n.Children != nil {
		return fmt.Errorf("%w: <%s> has both byte content and children", ErrInvalidNode, n.Tag)
	}
	return nil
}

// String renders the node as indented XML-like text for logs and debugging.
// Byte content is shown as text when printable and as hex otherwise.
func (n Node) String() string {
	var sb strings.Builder
	n.render(&sb, 0)
	return sb.String()
}

func (n Node) render(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for _, a := range n.Attrs {
		fmt.Fprintf(sb, " %s=%q", a.Key, a.Value)
	}

	switch {
	case n.Children != nil && len(n.Children) > 0:
		sb.WriteString(">\n")
		for _, c := range n.Children {
			c.render(sb, depth+1)
			sb.WriteByte('\n')
		}
		fmt.Fprintf(sb, "%s</%s>", indent, n.Tag)
	case n.Content != nil:
		sb.WriteByte('>')
		if printable(n.Content) {
			sb.Write(n.Content)
		} else {
			sb.WriteString(hex.EncodeToString(n.Content))
		}
		fmt.Fprintf(sb, "</%s>", n.Tag)
	default:
		sb.WriteString("/>")
	}
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
