package wasession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wasession/events"
	"github.com/opd-ai/wasession/signal"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

const (
	ownUser  = "me@s.whatsapp.net"
	peerUser = "peer@s.whatsapp.net"
)

func registeredStore(t *testing.T) *store.Store {
	t.Helper()
	st := openStore(t)
	require.NoError(t, st.SetAccount(context.Background(), store.Account{JID: ownUser, Device: 1, Registered: time.Now()}))
	return st
}

func TestConnectSendsRegistrationPayload(t *testing.T) {
	srv := newFakeServer(t, nil)
	st := openStore(t)
	c, evs := newTestClient(t, srv, st, nil)

	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)
	assert.True(t, c.IsConnected())

	require.NotNil(t, sc.payload.Registration)
	assert.Empty(t, sc.payload.Username)
	bundle := st.Bundle()
	assert.Equal(t, bundle.RegistrationID, sc.payload.Registration.RegistrationID)
	assert.Equal(t, bundle.IdentityKey, sc.payload.Registration.IdentityKey)
	assert.Equal(t, bundle.SignedPreKeySignature, sc.payload.Registration.SignedPreKeySignature)

	assert.Equal(t, transport.StateConnecting, waitEvent[events.ConnectionStateChanged](t, evs).State)
	assert.Equal(t, transport.StateOpen, waitEvent[events.ConnectionStateChanged](t, evs).State)
	assert.ErrorIs(t, c.Connect(testContext(t)), ErrAlreadyConnected)
}

func TestConnectSendsLoginPayload(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, _ := newTestClient(t, srv, registeredStore(t), nil)

	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)
	assert.Nil(t, sc.payload.Registration)
	assert.Equal(t, ownUser, sc.payload.Username)
	assert.Equal(t, uint16(1), sc.payload.Device)
}

func TestConnectRejectsUnpinnedServer(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, _ := newTestClient(t, srv, openStore(t), func(cfg *Config) {
		cfg.ServerStaticKey = strings.Repeat("ab", 32)
	})

	err := c.Connect(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrHandshake)
	assert.False(t, c.IsConnected())
}

func TestConnectFailureReturnsError(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, _ := newTestClient(t, srv, openStore(t), func(cfg *Config) {
		cfg.Dialer = transport.DialerFunc(func(context.Context) (transport.FrameSocket, error) {
			return nil, fmt.Errorf("%w: connection refused", transport.ErrDial)
		})
	})

	assert.ErrorIs(t, c.Connect(testContext(t)), transport.ErrDial)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(testContext(t)), transport.ErrDial, "a failed attempt leaves nothing running")
}

func TestSuccessBuffersSyncUntilOfflineCompletes(t *testing.T) {
	respond := func(n wire.Node) []wire.Node {
		if n.Tag != "iq" || n.Attrs.String("xmlns") != encryptNS {
			return nil
		}
		id := n.Attrs.String("id")
		if _, ok := n.Child("count"); ok {
			return []wire.Node{iqResult(id, wire.Node{Tag: "count", Attrs: wire.Attrs{{Key: "value", Value: "3"}}})}
		}
		if n.Attrs.String("type") == "set" {
			return []wire.Node{iqResult(id)}
		}
		return nil
	}
	srv := newFakeServer(t, respond)
	st := openStore(t)
	c, evs := newTestClient(t, srv, st, func(cfg *Config) { cfg.PushName = "desk" })
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	sc.writeNode(t, wire.Node{Tag: "success", Attrs: wire.Attrs{{Key: "jid", Value: "me:3@s.whatsapp.net"}}})
	sc.writeNode(t, wire.Node{
		Tag: "notification",
		Attrs: wire.Attrs{
			{Key: "id", Value: "N1"},
			{Key: "from", Value: transport.ServerJID},
			{Key: "type", Value: "server_sync"},
		},
		Children: []wire.Node{{Tag: "collection", Attrs: wire.Attrs{{Key: "name", Value: "regular"}}, Content: []byte("patch")}},
	})
	sc.writeNode(t, wire.Node{
		Tag: "notification",
		Attrs: wire.Attrs{
			{Key: "id", Value: "N2"},
			{Key: "from", Value: peerUser},
			{Key: "type", Value: "devices"},
		},
	})
	sc.writeNode(t, wire.Node{Tag: "ib", Children: []wire.Node{{Tag: "offline", Attrs: wire.Attrs{{Key: "count", Value: "2"}}}}})

	var order []string
	deadline := time.After(5 * time.Second)
	for len(order) < 4 {
		select {
		case ev := <-evs:
			switch ev := ev.(type) {
			case events.Connected:
				order = append(order, "connected")
			case events.DeviceListChanged:
				assert.Equal(t, peerUser, ev.User)
				order = append(order, "devices")
			case events.AppStateSync:
				assert.Equal(t, "regular", ev.Name)
				assert.Equal(t, []byte("patch"), ev.Data)
				order = append(order, "appstate")
			case events.OfflineSyncCompleted:
				assert.Equal(t, 2, ev.Count)
				order = append(order, "offline")
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", order)
		}
	}
	assert.Equal(t, []string{"connected", "devices", "appstate", "offline"}, order)

	acct := st.Account()
	require.NotNil(t, acct)
	assert.Equal(t, ownUser, acct.JID)
	assert.Equal(t, uint16(3), acct.Device)
	assert.Equal(t, "desk", acct.PushName)

	ack := sc.expect(t, tagged("ack", "N1"))
	assert.Equal(t, "notification", ack.Attrs.String("class"))
	assert.Equal(t, "server_sync", ack.Attrs.String("type"))

	upload := sc.expect(t, func(n wire.Node) bool {
		return n.Tag == "iq" && n.Attrs.String("xmlns") == encryptNS && n.Attrs.String("type") == "set"
	})
	list, ok := upload.Child("list")
	require.True(t, ok)
	assert.Len(t, list.Children, store.DefaultPreKeyBatch)
	identity, ok := upload.Child("identity")
	require.True(t, ok)
	assert.Equal(t, st.Identity().Public[:], identity.Content)
	assert.Eventually(t, func() bool { return st.PreKeyCount() == store.DefaultPreKeyBatch }, 5*time.Second, 10*time.Millisecond)
}

func TestInboundMessages(t *testing.T) {
	srv := newFakeServer(t, nil)
	st := openStore(t)
	c, evs := newTestClient(t, srv, st, nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	peerStore := openStore(t)
	peerEngine := signal.NewEngine(peerStore, signal.BundleFetcherFunc(func(context.Context, store.Address) (*store.Bundle, error) {
		b := st.Bundle()
		return &b, nil
	}), signal.Config{Logger: quietLogger()})
	plaintext, err := events.EncodeContent(events.Text{Body: "hello"})
	require.NoError(t, err)
	ct, err := peerEngine.Encrypt(context.Background(), store.Address{User: ownUser}, plaintext)
	require.NoError(t, err)

	sc.writeNode(t, wire.Node{
		Tag: "message",
		Attrs: wire.Attrs{
			{Key: "id", Value: "M1"},
			{Key: "from", Value: peerUser},
			{Key: "t", Value: "1700000000"},
		},
		Children: []wire.Node{{
			Tag:     "enc",
			Attrs:   wire.Attrs{{Key: "v", Value: "2"}, {Key: "type", Value: string(ct.Type)}},
			Content: ct.Data,
		}},
	})

	msg := waitEvent[events.Message](t, evs)
	assert.Equal(t, events.Text{Body: "hello"}, msg.Content)
	assert.True(t, msg.NewSession)
	assert.Equal(t, "M1", msg.Info.ID)
	assert.Equal(t, peerUser, msg.Info.Chat)
	assert.Equal(t, store.Address{User: peerUser}, msg.Info.Sender)
	assert.Equal(t, "pkmsg", msg.Info.Encryption)
	assert.True(t, msg.Info.Timestamp.Equal(time.Unix(1700000000, 0)))

	ack := sc.expect(t, tagged("ack", "M1"))
	assert.Equal(t, "message", ack.Attrs.String("class"))
	assert.Equal(t, peerUser, ack.Attrs.String("to"))

	stray, err := (&signal.Message{Counter: 1, Ciphertext: []byte{1, 2, 3}}).Encode()
	require.NoError(t, err)
	sc.writeNode(t, wire.Node{
		Tag:   "message",
		Attrs: wire.Attrs{{Key: "id", Value: "M2"}, {Key: "from", Value: "stranger@s.whatsapp.net"}},
		Children: []wire.Node{{
			Tag:     "enc",
			Attrs:   wire.Attrs{{Key: "v", Value: "2"}, {Key: "type", Value: "msg"}},
			Content: stray,
		}},
	})
	undecryptable := waitEvent[events.UndecryptableMessage](t, evs)
	assert.Equal(t, "M2", undecryptable.Info.ID)
	assert.ErrorIs(t, undecryptable.Err, signal.ErrUnknownSession)
	sc.expect(t, tagged("ack", "M2"))
	assert.True(t, c.IsConnected(), "a decrypt failure keeps the connection")
}

func TestSendMessageFansOutToAllDevices(t *testing.T) {
	peers := map[string]*store.Store{}
	for _, jid := range []string{peerUser, "peer:5@s.whatsapp.net", ownUser} {
		st := openStore(t)
		_, err := st.GeneratePreKeys(context.Background(), 1)
		require.NoError(t, err)
		peers[jid] = st
	}
	deviceLists := map[string][]string{
		peerUser: {"0", "5"},
		ownUser:  {"0", "1"},
	}

	respond := func(n wire.Node) []wire.Node {
		id := n.Attrs.String("id")
		switch {
		case n.Tag == "iq" && n.Attrs.String("xmlns") == "usync":
			user, ok := n.Path("usync", "list", "user")
			if !ok {
				return nil
			}
			jid := user.Attrs.String("jid")
			return []wire.Node{usyncResult(id, jid, deviceLists[jid])}
		case n.Tag == "iq" && n.Attrs.String("xmlns") == encryptNS:
			user, ok := n.Path("key", "user")
			if !ok {
				return nil
			}
			jid := user.Attrs.String("jid")
			st, ok := peers[jid]
			if !ok {
				return nil
			}
			return []wire.Node{bundleResult(id, jid, st.Bundle())}
		case n.Tag == "message":
			return []wire.Node{{Tag: "ack", Attrs: wire.Attrs{{Key: "id", Value: id}, {Key: "class", Value: "message"}}}}
		}
		return nil
	}

	srv := newFakeServer(t, respond)
	c, _ := newTestClient(t, srv, registeredStore(t), nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	id, err := c.SendMessage(testContext(t), peerUser, events.Text{Body: "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "3EB0"))

	msg := sc.expect(t, tagged("message", id))
	assert.Equal(t, peerUser, msg.Attrs.String("to"))
	assert.Equal(t, "text", msg.Attrs.String("type"))
	participants, ok := msg.Child("participants")
	require.True(t, ok)
	require.Len(t, participants.Children, 3)

	sender := store.Address{User: ownUser, Device: 1}
	var seen []string
	for _, to := range participants.Children {
		jid := to.Attrs.String("jid")
		st, ok := peers[jid]
		require.True(t, ok, "unexpected device %s", jid)
		enc, ok := to.Child("enc")
		require.True(t, ok)
		assert.Equal(t, "pkmsg", enc.Attrs.String("type"))

		engine := signal.NewEngine(st, nil, signal.Config{Logger: quietLogger()})
		pt, err := engine.Decrypt(context.Background(), sender, signal.Ciphertext{
			Type: signal.MessageType(enc.Attrs.String("type")),
			Data: enc.Content,
		})
		require.NoError(t, err)
		assert.Equal(t, events.Text{Body: "hi"}, events.DecodeContent(pt.Data))
		seen = append(seen, jid)
	}
	assert.ElementsMatch(t, []string{peerUser, "peer:5@s.whatsapp.net", ownUser}, seen)
}

func TestSendMessageRequiresConnection(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, _ := newTestClient(t, srv, registeredStore(t), nil)

	_, err := c.SendMessage(testContext(t), peerUser, events.Text{Body: "hi"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	_, err = c.SendMessage(testContext(t), "not-a-jid", events.Text{Body: "hi"})
	assert.Error(t, err)
}

func TestServerFailureIsTerminal(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, evs := newTestClient(t, srv, registeredStore(t), nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	sc.writeNode(t, wire.Node{Tag: "failure", Attrs: wire.Attrs{{Key: "reason", Value: "401"}}})

	d := waitEvent[events.Disconnected](t, evs)
	assert.Equal(t, transport.ReasonLoggedOut, d.Reason)
	assert.True(t, d.Terminal)
	assert.ErrorIs(t, d.Err, ErrStreamFailure)
	assert.Equal(t, transport.ReasonLoggedOut, waitEvent[events.LoggedOut](t, evs).Reason)

	assert.False(t, c.IsConnected())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load(), "terminal reasons do not reconnect")
}

func TestStreamErrorReconnects(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, evs := newTestClient(t, srv, registeredStore(t), nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	sc.writeNode(t, wire.Node{Tag: "stream:error", Attrs: wire.Attrs{{Key: "code", Value: "515"}}})

	d := waitEvent[events.Disconnected](t, evs)
	assert.Equal(t, transport.ReasonRestartRequired, d.Reason)
	assert.False(t, d.Terminal)

	srv.nextConn(t)
	assert.Equal(t, int32(2), srv.dials.Load())
	assert.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)
}

func TestStreamErrorConflictReplaced(t *testing.T) {
	n := wire.Node{Tag: "stream:error", Children: []wire.Node{{Tag: "conflict", Attrs: wire.Attrs{{Key: "type", Value: "replaced"}}}}}
	assert.Equal(t, transport.ReasonReplaced, streamErrorReason(n))

	n = wire.Node{Tag: "stream:error", Children: []wire.Node{{Tag: "conflict", Attrs: wire.Attrs{{Key: "type", Value: "device_removed"}}}}}
	assert.Equal(t, transport.ReasonLoggedOut, streamErrorReason(n))

	assert.Equal(t, transport.ReasonBadSession, serverCodeReason("500"))
	assert.Equal(t, transport.ReasonUnknown, serverCodeReason("418"))
}

func TestPingIsAnswered(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, _ := newTestClient(t, srv, registeredStore(t), nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	sc.writeNode(t, wire.Node{
		Tag: "iq",
		Attrs: wire.Attrs{
			{Key: "id", Value: "P1"},
			{Key: "from", Value: transport.ServerJID},
			{Key: "type", Value: "get"},
			{Key: "xmlns", Value: "urn:xmpp:ping"},
		},
	})
	pong := sc.expect(t, tagged("iq", "P1"))
	assert.Equal(t, "result", pong.Attrs.String("type"))
	assert.Equal(t, transport.ServerJID, pong.Attrs.String("to"))
}

func TestUnknownNodeIsSurfaced(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, evs := newTestClient(t, srv, registeredStore(t), nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	sc.writeNode(t, wire.Node{Tag: "presence", Attrs: wire.Attrs{{Key: "from", Value: peerUser}}})
	ev := waitEvent[events.UnhandledNode](t, evs)
	assert.Equal(t, "presence", ev.Node.Tag)
}

func TestDisconnectStopsAndAllowsReconnect(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, evs := newTestClient(t, srv, registeredStore(t), nil)
	require.NoError(t, c.Connect(testContext(t)))
	srv.nextConn(t)

	c.Disconnect()
	assert.False(t, c.IsConnected())
	d := waitEvent[events.Disconnected](t, evs)
	assert.Equal(t, transport.ReasonClientClosed, d.Reason)
	assert.True(t, d.Terminal)

	require.NoError(t, c.Connect(testContext(t)))
	srv.nextConn(t)
	assert.True(t, c.IsConnected())
	assert.Equal(t, int32(2), srv.dials.Load())
}

func TestLogoutClearsCredentials(t *testing.T) {
	respond := func(n wire.Node) []wire.Node {
		if n.Tag == "iq" && n.Attrs.String("xmlns") == "md" {
			return []wire.Node{iqResult(n.Attrs.String("id"))}
		}
		return nil
	}
	srv := newFakeServer(t, respond)
	st := registeredStore(t)
	oldIdentity := st.Identity().Public
	c, evs := newTestClient(t, srv, st, nil)
	require.NoError(t, c.Connect(testContext(t)))
	sc := srv.nextConn(t)

	require.NoError(t, c.Logout(testContext(t)))

	req := sc.expect(t, tagged("iq", ""))
	remove, ok := req.Child("remove-companion-device")
	require.True(t, ok)
	assert.Equal(t, "me:1@s.whatsapp.net", remove.Attrs.String("jid"))

	assert.False(t, c.IsConnected())
	assert.Nil(t, st.Account())
	assert.NotEqual(t, oldIdentity, st.Identity().Public)
	waitEvent[events.LoggedOut](t, evs)
}

func TestCloseRejectsConnect(t *testing.T) {
	srv := newFakeServer(t, nil)
	c, _ := newTestClient(t, srv, openStore(t), nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.Connect(testContext(t)), ErrClientClosed))
}

func TestNewMessageID(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 20)
	assert.Equal(t, strings.ToUpper(a), a)
}
