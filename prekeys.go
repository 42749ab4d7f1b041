package wasession

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

const encryptNS = "encrypt"

// keyTypeDJB marks Curve25519 keys in pre-key uploads.
var keyTypeDJB = []byte{5}

// ErrInvalidBundleNode is returned when a key fetch response is malformed.
var ErrInvalidBundleNode = errors.New("invalid pre-key bundle node")

// Pre-key ids travel as 3-byte big-endian values.
func encodeKeyID(id uint32) []byte {
	return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
}

func decodeKeyID(b []byte) (uint32, error) {
	if len(b) != 3 {
		return 0, fmt.Errorf("%w: key id is %d bytes", ErrInvalidBundleNode, len(b))
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func bytesNode(tag string, b []byte) wire.Node {
	return wire.Node{Tag: tag, Content: append([]byte{}, b...)}
}

func encryptIQ(typ string, children ...wire.Node) wire.Node {
	return wire.Node{
		Tag: "iq",
		Attrs: wire.Attrs{
			{Key: "to", Value: transport.ServerJID},
			{Key: "type", Value: typ},
			{Key: "xmlns", Value: encryptNS},
		},
		Children: children,
	}
}

func preKeyNode(pk store.PreKey) wire.Node {
	return wire.Node{Tag: "key", Children: []wire.Node{
		bytesNode("id", encodeKeyID(pk.ID)),
		bytesNode("value", pk.KeyPair.Public[:]),
	}}
}

// identityNodes are the public identity fields shared by uploads and
// fetched bundles.
func identityNodes(b store.Bundle) []wire.Node {
	return []wire.Node{
		bytesNode("registration", binary.BigEndian.AppendUint32(nil, uint32(b.RegistrationID))),
		bytesNode("type", keyTypeDJB),
		bytesNode("identity", b.IdentityKey[:]),
		bytesNode("signing", b.SigningKey[:]),
	}
}

func signedPreKeyNode(b store.Bundle) wire.Node {
	return wire.Node{Tag: "skey", Children: []wire.Node{
		bytesNode("id", encodeKeyID(b.SignedPreKeyID)),
		bytesNode("value", b.SignedPreKey[:]),
		bytesNode("signature", b.SignedPreKeySignature[:]),
	}}
}

// PreKeyCountNode asks the server how many of our one-time pre-keys it
// still holds.
func PreKeyCountNode() wire.Node {
	return encryptIQ("get", wire.Node{Tag: "count"})
}

func parsePreKeyCount(resp wire.Node) (int, error) {
	count, ok := resp.Child("count")
	if !ok {
		return 0, fmt.Errorf("pre-key count response has no count: %s", resp)
	}
	n, err := strconv.Atoi(count.Attrs.String("value"))
	if err != nil {
		return 0, fmt.Errorf("invalid pre-key count: %w", err)
	}
	return n, nil
}

// PreKeyUploadNode publishes our identity, signed pre-key and a batch of
// one-time pre-keys.
func PreKeyUploadNode(b store.Bundle, keys []store.PreKey) wire.Node {
	list := wire.Node{Tag: "list", Children: make([]wire.Node, 0, len(keys))}
	for _, pk := range keys {
		list.Children = append(list.Children, preKeyNode(pk))
	}
	children := append(identityNodes(b), list, signedPreKeyNode(b))
	return encryptIQ("set", children...)
}

// BundleQueryNode fetches the pre-key bundle of one device.
func BundleQueryNode(addr store.Address) wire.Node {
	return encryptIQ("get", wire.Node{Tag: "key", Children: []wire.Node{{
		Tag:   "user",
		Attrs: wire.Attrs{{Key: "jid", Value: addr.JID()}},
	}}})
}

func fixedContent(parent *wire.Node, tag string, size int) ([]byte, error) {
	child, ok := parent.Child(tag)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundleNode, tag)
	}
	if len(child.Content) != size {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidBundleNode, tag, len(child.Content), size)
	}
	return child.Content, nil
}

func parseKeyPair(parent *wire.Node) (uint32, [32]byte, error) {
	var pub [32]byte
	idNode, ok := parent.Child("id")
	if !ok {
		return 0, pub, fmt.Errorf("%w: %s has no id", ErrInvalidBundleNode, parent.Tag)
	}
	id, err := decodeKeyID(idNode.Content)
	if err != nil {
		return 0, pub, err
	}
	value, err := fixedContent(parent, "value", crypto.KeySize)
	if err != nil {
		return 0, pub, err
	}
	copy(pub[:], value)
	return id, pub, nil
}

// ParseBundle extracts the bundle of addr from a key fetch response.
func ParseBundle(resp wire.Node, addr store.Address) (*store.Bundle, error) {
	if resp.Attrs.String("type") == "error" {
		return nil, fmt.Errorf("key fetch failed: %s", resp)
	}
	list, ok := resp.Path("list")
	if !ok {
		return nil, fmt.Errorf("%w: missing list", ErrInvalidBundleNode)
	}
	jid := addr.JID()
	for _, user := range list.ChildrenByTag("user") {
		if user.Attrs.String("jid") != jid {
			continue
		}
		return parseBundleUser(&user)
	}
	return nil, fmt.Errorf("%w: no bundle for %s", ErrInvalidBundleNode, jid)
}

func parseBundleUser(user *wire.Node) (*store.Bundle, error) {
	if errNode, ok := user.Child("error"); ok {
		return nil, fmt.Errorf("key fetch for %s failed: code %s", user.Attrs.String("jid"), errNode.Attrs.String("code"))
	}
	var b store.Bundle

	reg, err := fixedContent(user, "registration", 4)
	if err != nil {
		return nil, err
	}
	b.RegistrationID = uint16(binary.BigEndian.Uint32(reg))

	identity, err := fixedContent(user, "identity", crypto.KeySize)
	if err != nil {
		return nil, err
	}
	copy(b.IdentityKey[:], identity)

	signing, err := fixedContent(user, "signing", crypto.KeySize)
	if err != nil {
		return nil, err
	}
	copy(b.SigningKey[:], signing)

	skey, ok := user.Child("skey")
	if !ok {
		return nil, fmt.Errorf("%w: missing skey", ErrInvalidBundleNode)
	}
	if b.SignedPreKeyID, b.SignedPreKey, err = parseKeyPair(skey); err != nil {
		return nil, err
	}
	sig, err := fixedContent(skey, "signature", len(b.SignedPreKeySignature))
	if err != nil {
		return nil, err
	}
	copy(b.SignedPreKeySignature[:], sig)

	if key, ok := user.Child("key"); ok {
		id, pub, err := parseKeyPair(key)
		if err != nil {
			return nil, err
		}
		b.PreKeyID = id
		b.PreKey = &pub
	}
	return &b, nil
}

// fetchBundle implements signal.BundleFetcher over the live session.
func (c *Client) fetchBundle(ctx context.Context, addr store.Address) (*store.Bundle, error) {
	resp, err := c.query(ctx, BundleQueryNode(addr))
	if err != nil {
		return nil, fmt.Errorf("fetch bundle for %s: %w", addr, err)
	}
	return ParseBundle(resp, addr)
}

func (c *Client) uploadPreKeys(ctx context.Context, keys []store.PreKey) error {
	resp, err := c.query(ctx, PreKeyUploadNode(c.store.Bundle(), keys))
	if err != nil {
		return err
	}
	if resp.Attrs.String("type") != "result" {
		return fmt.Errorf("pre-key upload rejected: %s", resp)
	}
	return nil
}

// refreshPreKeys uploads a new batch when the server count is below the
// configured threshold. serverCount < 0 asks the server first.
func (c *Client) refreshPreKeys(ctx context.Context, serverCount int) {
	logger := c.logger.WithField("function", "refreshPreKeys")
	if serverCount < 0 {
		resp, err := c.query(ctx, PreKeyCountNode())
		if err == nil {
			serverCount, err = parsePreKeyCount(resp)
		}
		if err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to get pre-key count")
			return
		}
	}
	uploaded, err := c.store.RotatePreKeyIfBelowThreshold(ctx, serverCount, c.cfg.PreKeyThreshold, c.uploadPreKeys)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"server_count": serverCount,
			"error":        err.Error(),
		}).Warn("Pre-key upload failed")
		return
	}
	logger.WithFields(logrus.Fields{
		"server_count": serverCount,
		"uploaded":     uploaded,
	}).Debug("Pre-key check done")
}
