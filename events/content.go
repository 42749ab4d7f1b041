package events

import (
	"fmt"

	"github.com/opd-ai/wasession/codec"
)

// Content is the decoded payload of a message: one of Text, Media,
// Location, Reaction or Opaque.
type Content interface {
	contentKind() string
}

// Text is a plain text message.
type Text struct {
	Body string `cbor:"1,keyasint"`
}

// Media references an uploaded attachment.
type Media struct {
	Kind     string `cbor:"1,keyasint"`
	URL      string `cbor:"2,keyasint"`
	MimeType string `cbor:"3,keyasint"`
	Caption  string `cbor:"4,keyasint,omitempty"`
	SHA256   []byte `cbor:"5,keyasint,omitempty"`
	Length   uint64 `cbor:"6,keyasint"`
	MediaKey []byte `cbor:"7,keyasint,omitempty"`
}

// Location is a shared position.
type Location struct {
	Latitude  float64 `cbor:"1,keyasint"`
	Longitude float64 `cbor:"2,keyasint"`
	Name      string  `cbor:"3,keyasint,omitempty"`
}

// Reaction reacts to an earlier message. An empty Emoji removes it.
type Reaction struct {
	TargetID string `cbor:"1,keyasint"`
	Emoji    string `cbor:"2,keyasint"`
}

// Opaque is content of an unknown or unparsable kind, kept verbatim.
type Opaque struct {
	Kind string
	Raw  []byte
}

const (
	kindText     = "text"
	kindMedia    = "media"
	kindLocation = "location"
	kindReaction = "reaction"
)

func (Text) contentKind() string     { return kindText }
func (Media) contentKind() string    { return kindMedia }
func (Location) contentKind() string { return kindLocation }
func (Reaction) contentKind() string { return kindReaction }
func (o Opaque) contentKind() string { return o.Kind }

type envelope struct {
	Kind string           `cbor:"1,keyasint"`
	Body codec.RawMessage `cbor:"2,keyasint"`
}

// EncodeContent serializes c for encryption. Opaque content is returned
// as is.
func EncodeContent(c Content) ([]byte, error) {
	switch c := c.(type) {
	case nil:
		return nil, fmt.Errorf("nil content")
	case Opaque:
		return append([]byte(nil), c.Raw...), nil
	case *Opaque:
		return append([]byte(nil), c.Raw...), nil
	}
	body, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(envelope{Kind: c.contentKind(), Body: body})
}

// DecodeContent parses a decrypted payload. It never fails: anything it
// does not recognize comes back as Opaque.
func DecodeContent(data []byte) Content {
	opaque := Opaque{Raw: append([]byte(nil), data...)}

	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return opaque
	}
	opaque.Kind = env.Kind

	var (
		c   Content
		err error
	)
	switch env.Kind {
	case kindText:
		var v Text
		err = codec.Unmarshal(env.Body, &v)
		c = v
	case kindMedia:
		var v Media
		err = codec.Unmarshal(env.Body, &v)
		c = v
	case kindLocation:
		var v Location
		err = codec.Unmarshal(env.Body, &v)
		c = v
	case kindReaction:
		var v Reaction
		err = codec.Unmarshal(env.Body, &v)
		c = v
	default:
		return opaque
	}
	if err != nil {
		return opaque
	}
	return c
}
