package wasession

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/events"
	"github.com/opd-ai/wasession/signal"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

// ErrStreamFailure wraps the reason the server gave for ending the stream.
var ErrStreamFailure = errors.New("server ended the stream")

// handleNode routes one inbound node.
func (c *Client) handleNode(ctx context.Context, sess *transport.Session, n wire.Node) {
	switch n.Tag {
	case "success":
		c.handleSuccess(ctx, n)
	case "failure":
		c.closeForServer(sess, n, "failure", n.Attrs.String("reason"))
	case "stream:error":
		c.closeForServer(sess, n, "stream:error", n.Attrs.String("code"))
	case "message":
		c.handleMessage(ctx, sess, n)
	case "notification":
		c.handleNotification(ctx, sess, n)
	case "ib":
		c.handleIB(n)
	case "iq":
		c.handleIQ(ctx, sess, n)
	default:
		c.emit(events.UnhandledNode{Node: n})
	}
}

func (c *Client) handleSuccess(ctx context.Context, n wire.Node) {
	if c.store.Account() == nil {
		if jid := n.Attrs.String("jid"); jid != "" {
			c.linkAccount(ctx, jid)
		}
	}
	c.logger.WithField("function", "handleSuccess").Info("Logged in")
	c.emit(events.Connected{At: c.clock.Now()})
	if err := c.dispatcher.BeginSync(); err != nil {
		c.logger.WithField("error", err.Error()).Debug("BeginSync failed")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshPreKeys(ctx, -1)
	}()
}

func (c *Client) linkAccount(ctx context.Context, jid string) {
	addr, err := store.ParseJID(jid)
	if err == nil {
		err = c.store.SetAccount(ctx, store.Account{
			JID:        addr.User,
			Device:     addr.Device,
			PushName:   c.cfg.PushName,
			Registered: c.clock.Now(),
		})
	}
	entry := c.logger.WithFields(logrus.Fields{
		"function": "linkAccount",
		"jid":      jid,
	})
	if err != nil {
		entry.WithField("error", err.Error()).Warn("Failed to link account")
		return
	}
	entry.Info("Device linked to account")
}

// serverCodeReason maps the code of a failure or stream:error node.
func serverCodeReason(code string) transport.DisconnectReason {
	switch code {
	case "401", "403", "406":
		return transport.ReasonLoggedOut
	case "500":
		return transport.ReasonBadSession
	case "503", "515":
		return transport.ReasonRestartRequired
	}
	return transport.ReasonUnknown
}

func streamErrorReason(n wire.Node) transport.DisconnectReason {
	if conflict, ok := n.Child("conflict"); ok {
		switch conflict.Attrs.String("type") {
		case "replaced":
			return transport.ReasonReplaced
		case "device_removed":
			return transport.ReasonLoggedOut
		}
	}
	return serverCodeReason(n.Attrs.String("code"))
}

func (c *Client) closeForServer(sess *transport.Session, n wire.Node, kind, code string) {
	reason := serverCodeReason(code)
	if kind == "stream:error" {
		reason = streamErrorReason(n)
	}
	c.logger.WithFields(logrus.Fields{
		"function": "closeForServer",
		"kind":     kind,
		"code":     code,
		"reason":   reason.String(),
	}).Warn("Server closed the stream")
	sess.CloseWithError(reason, fmt.Errorf("%w: %s %s", ErrStreamFailure, kind, code))
}

func (c *Client) messageInfo(n wire.Node) (events.MessageInfo, error) {
	from := n.Attrs.String("from")
	chat, err := store.ParseJID(from)
	if err != nil {
		return events.MessageInfo{}, err
	}
	senderJID := from
	if p := n.Attrs.String("participant"); p != "" {
		senderJID = p
	}
	sender, err := store.ParseJID(senderJID)
	if err != nil {
		return events.MessageInfo{}, err
	}
	info := events.MessageInfo{
		ID:     n.Attrs.String("id"),
		Chat:   chat.User,
		Sender: sender,
	}
	_, info.Offline = n.Attrs.Get("offline")
	if ts, err := strconv.ParseInt(n.Attrs.String("t"), 10, 64); err == nil {
		info.Timestamp = time.Unix(ts, 0)
	}
	return info, nil
}

// handleMessage decrypts every enc child independently; one failure does
// not affect the others or the connection.
func (c *Client) handleMessage(ctx context.Context, sess *transport.Session, n wire.Node) {
	info, err := c.messageInfo(n)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "handleMessage",
			"error":    err.Error(),
		}).Warn("Message with invalid sender")
		c.emit(events.UnhandledNode{Node: n})
		return
	}

	for _, enc := range n.ChildrenByTag("enc") {
		info.Encryption = enc.Attrs.String("type")
		pt, err := c.engine.Decrypt(ctx, info.Sender, signal.Ciphertext{
			Type: signal.MessageType(info.Encryption),
			Data: enc.Content,
		})
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"function": "handleMessage",
				"id":       info.ID,
				"sender":   info.Sender.String(),
				"type":     info.Encryption,
				"error":    err.Error(),
			}).Warn("Failed to decrypt message")
			c.emit(events.UndecryptableMessage{Info: info, Err: err})
			continue
		}
		if pt.IdentityChanged {
			c.emit(events.IdentityChanged{Address: info.Sender})
		}
		c.emit(events.Message{
			Info:       info,
			Content:    events.DecodeContent(pt.Data),
			NewSession: pt.NewSession,
		})
	}
	c.sendAck(ctx, sess, n, "message")
}

func (c *Client) handleNotification(ctx context.Context, sess *transport.Session, n wire.Node) {
	from := n.Attrs.String("from")
	user := from
	if addr, err := store.ParseJID(from); err == nil {
		user = addr.User
	}

	switch typ := n.Attrs.String("type"); typ {
	case "devices":
		c.resolver.Invalidate(user)
		c.emit(events.DeviceListChanged{User: user})
	case "encrypt":
		c.handleEncryptNotification(ctx, n, user)
	case "server_sync":
		for _, coll := range n.ChildrenByTag("collection") {
			c.emit(events.AppStateSync{Name: coll.Attrs.String("name"), Data: coll.Content})
		}
	case "history":
		c.emit(events.HistorySync{Data: n.Content})
	default:
		c.emit(events.UnhandledNode{Node: n})
	}
	c.sendAck(ctx, sess, n, "notification")
}

func (c *Client) handleEncryptNotification(ctx context.Context, n wire.Node, user string) {
	if count, ok := n.Child("count"); ok {
		serverCount, err := strconv.Atoi(count.Attrs.String("value"))
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"function": "handleEncryptNotification",
				"error":    err.Error(),
			}).Warn("Invalid pre-key count")
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.refreshPreKeys(ctx, serverCount)
		}()
		return
	}
	if _, ok := n.Child("identity"); ok {
		if err := c.store.DeleteAllSessions(ctx, user); err != nil {
			c.logger.WithFields(logrus.Fields{
				"function": "handleEncryptNotification",
				"user":     user,
				"error":    err.Error(),
			}).Warn("Failed to drop sessions after identity change")
		}
		c.resolver.Invalidate(user)
	}
}

func (c *Client) handleIB(n wire.Node) {
	offline, ok := n.Child("offline")
	if !ok {
		c.emit(events.UnhandledNode{Node: n})
		return
	}
	count, _ := strconv.Atoi(offline.Attrs.String("count"))
	if err := c.dispatcher.EndSync(); err != nil {
		c.logger.WithField("error", err.Error()).Debug("EndSync failed")
	}
	c.emit(events.OfflineSyncCompleted{Count: count})
}

func (c *Client) handleIQ(ctx context.Context, sess *transport.Session, n wire.Node) {
	_, hasPing := n.Child("ping")
	isPing := n.Attrs.String("xmlns") == "urn:xmpp:ping" || hasPing
	if n.Attrs.String("type") != "get" || !isPing {
		c.emit(events.UnhandledNode{Node: n})
		return
	}
	to := n.Attrs.String("from")
	if to == "" {
		to = transport.ServerJID
	}
	pong := wire.Node{
		Tag: "iq",
		Attrs: wire.Attrs{
			{Key: "id", Value: n.Attrs.String("id")},
			{Key: "to", Value: to},
			{Key: "type", Value: "result"},
		},
	}
	if err := sess.Send(ctx, pong); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "handleIQ",
			"error":    err.Error(),
		}).Debug("Failed to answer ping")
	}
}

func (c *Client) sendAck(ctx context.Context, sess *transport.Session, n wire.Node, class string) {
	id := n.Attrs.String("id")
	if id == "" {
		return
	}
	ack := wire.Node{
		Tag: "ack",
		Attrs: wire.Attrs{
			{Key: "id", Value: id},
			{Key: "class", Value: class},
		},
	}
	if from := n.Attrs.String("from"); from != "" {
		ack.Attrs.Set("to", from)
	}
	if p := n.Attrs.String("participant"); p != "" {
		ack.Attrs.Set("participant", p)
	}
	if typ := n.Attrs.String("type"); typ != "" && class != "message" {
		ack.Attrs.Set("type", typ)
	}
	if err := sess.Send(ctx, ack); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "sendAck",
			"id":       id,
			"error":    err.Error(),
		}).Debug("Failed to send ack")
	}
}
