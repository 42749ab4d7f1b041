package wasession

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/wasession/events"
	"github.com/opd-ai/wasession/limits"
	"github.com/opd-ai/wasession/signal"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

var (
	// ErrNoDevices is returned when the recipient has no device to send to.
	ErrNoDevices = errors.New("recipient has no devices")
	// ErrServerRejected is returned when the server acknowledged a message
	// with an error.
	ErrServerRejected = errors.New("server rejected message")
)

// encryptParallelism bounds concurrent per-device encryptions of one send.
const encryptParallelism = 8

// NewMessageID returns a random outbound message id.
func NewMessageID() string {
	u := uuid.New()
	return "3EB0" + strings.ToUpper(hex.EncodeToString(u[:8]))
}

func messageType(content events.Content) string {
	switch content.(type) {
	case events.Text, events.Reaction:
		return "text"
	}
	return "media"
}

// SendMessage encrypts content for every device of the recipient and every
// other device of our own account, sends one message node and waits for the
// server's ack. It returns the message id.
func (c *Client) SendMessage(ctx context.Context, to string, content events.Content) (string, error) {
	recipient, err := store.ParseJID(to)
	if err != nil {
		return "", err
	}
	plaintext, err := events.EncodeContent(content)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return "", err
	}
	sess := c.currentSession()
	if sess == nil {
		return "", transport.ErrNotConnected
	}

	targets, err := c.fanOutTargets(ctx, recipient.User)
	if err != nil {
		return "", err
	}
	participants, err := c.encryptForDevices(ctx, targets, plaintext)
	if err != nil {
		return "", err
	}

	id := NewMessageID()
	node := wire.Node{
		Tag: "message",
		Attrs: wire.Attrs{
			{Key: "id", Value: id},
			{Key: "to", Value: recipient.User},
			{Key: "type", Value: messageType(content)},
		},
		Children: []wire.Node{{Tag: "participants", Children: participants}},
	}
	ack, err := sess.Query(ctx, node, transport.QueryOptions{
		Match: func(n wire.Node) bool { return n.Tag == "ack" },
	})
	if err != nil {
		return "", fmt.Errorf("send message %s: %w", id, err)
	}
	if code := ack.Attrs.String("error"); code != "" {
		return "", fmt.Errorf("%w: %s: error %s", ErrServerRejected, id, code)
	}

	c.logger.WithFields(logrus.Fields{
		"function": "SendMessage",
		"id":       id,
		"to":       recipient.User,
		"devices":  len(participants),
	}).Debug("Message sent")
	return id, nil
}

// fanOutTargets lists the recipient's devices followed by our own other
// devices.
func (c *Client) fanOutTargets(ctx context.Context, user string) ([]store.Address, error) {
	users := []string{user}
	acct := c.store.Account()
	if acct != nil && acct.JID != user {
		users = append(users, acct.JID)
	}
	all, err := c.resolver.Resolve(ctx, users...)
	if err != nil {
		return nil, fmt.Errorf("resolve devices: %w", err)
	}
	targets := all[:0]
	for _, addr := range all {
		if acct != nil && addr == acct.Address() {
			continue
		}
		targets = append(targets, addr)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDevices, user)
	}
	return targets, nil
}

// encryptForDevices encrypts plaintext for each target in parallel.
// Devices that fail are left out; it fails only if every device failed.
func (c *Client) encryptForDevices(ctx context.Context, targets []store.Address, plaintext []byte) ([]wire.Node, error) {
	results := make([]*signal.Ciphertext, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(encryptParallelism)
	for i, addr := range targets {
		g.Go(func() error {
			results[i], errs[i] = c.engine.Encrypt(ctx, addr, plaintext)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodes := make([]wire.Node, 0, len(targets))
	var failed []error
	for i, addr := range targets {
		if errs[i] != nil {
			c.logger.WithFields(logrus.Fields{
				"function": "encryptForDevices",
				"device":   addr.String(),
				"error":    errs[i].Error(),
			}).Warn("Skipping device that could not be encrypted for")
			failed = append(failed, fmt.Errorf("%s: %w", addr, errs[i]))
			continue
		}
		ct := results[i]
		if ct.IdentityChanged {
			c.emit(events.IdentityChanged{Address: addr})
		}
		nodes = append(nodes, wire.Node{
			Tag:   "to",
			Attrs: wire.Attrs{{Key: "jid", Value: addr.JID()}},
			Children: []wire.Node{{
				Tag: "enc",
				Attrs: wire.Attrs{
					{Key: "v", Value: "2"},
					{Key: "type", Value: string(ct.Type)},
				},
				Content: ct.Data,
			}},
		})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("encrypt for %d devices: %w", len(targets), errors.Join(failed...))
	}
	return nodes, nil
}
