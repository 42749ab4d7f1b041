package wasession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/devices"
	"github.com/opd-ai/wasession/events"
	wanoise "github.com/opd-ai/wasession/noise"
	"github.com/opd-ai/wasession/reconnect"
	"github.com/opd-ai/wasession/signal"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

var (
	// ErrAlreadyConnected is returned by Connect while a connection loop runs.
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")
)

// inboundQueueSize bounds the nodes waiting for the per-session worker.
const inboundQueueSize = 256

// Client owns one account's connection: it connects and reconnects the
// transport, routes inbound nodes, encrypts outbound messages and
// publishes events.
type Client struct {
	cfg        Config
	store      *store.Store
	baseLogger logrus.FieldLogger
	logger     logrus.FieldLogger
	clock      clock.Clock
	dialer     transport.Dialer
	header     []byte
	peerStatic []byte

	dispatcher *events.Dispatcher
	resolver   *devices.Resolver
	engine     *signal.Engine

	mu      sync.Mutex
	session *transport.Session
	cancel  context.CancelFunc
	runDone chan struct{}
	closed  bool

	// Session workers and the tasks they spawn.
	wg sync.WaitGroup
}

// NewClient validates cfg and builds a client over st. The caller keeps
// ownership of st.
func NewClient(cfg Config, st *store.Store) (*Client, error) {
	if st == nil {
		return nil, errors.New("nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	hdr, _ := cfg.header()
	peer, _ := cfg.serverStaticKey()
	logger := cfg.logger()
	clk := clock.OrReal(cfg.Clock)

	c := &Client{
		cfg:        cfg,
		store:      st,
		baseLogger: logger,
		logger:     logger.WithField("package", "wasession"),
		clock:      clk,
		dialer:     cfg.dialer(),
		header:     hdr,
		peerStatic: peer,
	}
	c.dispatcher = events.NewDispatcher(events.Config{
		SyncCeiling: cfg.SyncCeiling,
		MaxBuffered: cfg.MaxBufferedEvents,
		QueueSize:   cfg.EventQueueSize,
		Clock:       clk,
		Logger:      logger,
	})
	resolver, err := devices.NewResolver(devices.UsyncQuerier{Sender: liveSession{c}}, devices.Config{
		CacheSize:     cfg.DeviceCacheSize,
		TTL:           cfg.DeviceTTL,
		LookupTimeout: cfg.DeviceLookupTimeout,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		c.dispatcher.Close()
		return nil, err
	}
	c.resolver = resolver
	c.engine = signal.NewEngine(st, signal.BundleFetcherFunc(c.fetchBundle), signal.Config{
		MaxSkip:          cfg.MaxSkip,
		MaxStoredSkipped: cfg.MaxStoredSkipped,
		Clock:            clk,
		Logger:           logger,
	})
	return c, nil
}

// AddEventHandler registers h for every event.
func (c *Client) AddEventHandler(h events.Handler) events.HandlerID {
	return c.dispatcher.AddHandler(h)
}

// RemoveEventHandler unregisters a handler.
func (c *Client) RemoveEventHandler(id events.HandlerID) bool {
	return c.dispatcher.RemoveHandler(id)
}

// Store returns the credential store.
func (c *Client) Store() *store.Store {
	return c.store
}

// IsConnected reports whether a session is open.
func (c *Client) IsConnected() bool {
	s := c.currentSession()
	return s != nil && s.State() == transport.StateOpen
}

// Connect makes the first connection attempt and, if it succeeds, keeps the
// client connected in the background, reconnecting with backoff until a
// terminal reason or Disconnect. A failed first attempt is returned and
// nothing keeps running.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.runDone != nil:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.runDone = cancel, done
	c.mu.Unlock()

	first := make(chan error, 1)
	var once sync.Once
	report := func(err error) {
		once.Do(func() { first <- err })
	}

	runner := &reconnect.Runner{
		Connector: reconnect.ConnectorFunc(func(ctx context.Context) (<-chan transport.Disconnect, error) {
			closed, err := c.connectOnce(ctx)
			report(err)
			return closed, err
		}),
		Policy:       c.cfg.policy(),
		Clock:        c.clock,
		Logger:       c.baseLogger,
		OnTransition: c.onTransition,
	}
	go func() {
		defer close(done)
		err := runner.Run(runCtx)
		report(err)
		c.runFinished(done, err)
	}()

	select {
	case err := <-first:
		if err != nil {
			cancel()
			<-done
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		c.closeSession()
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// connection goroutines to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.closeSession()
	c.wg.Wait()
}

// Close disconnects and releases the event dispatcher. The store is not
// closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.dispatcher.Close()
	return nil
}

// Logout unlinks this device from the account, disconnects and replaces
// the stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	if acct := c.store.Account(); acct != nil && c.IsConnected() {
		resp, err := c.query(ctx, RemoveDeviceNode(acct.Address()))
		if err != nil {
			return fmt.Errorf("logout request: %w", err)
		}
		if resp.Attrs.String("type") == "error" {
			return fmt.Errorf("logout rejected: %s", resp)
		}
	}
	c.Disconnect()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	c.resolver.Purge()
	c.emit(events.LoggedOut{Reason: transport.ReasonLoggedOut})
	c.logger.WithField("function", "Logout").Info("Logged out")
	return nil
}

// RemoveDeviceNode asks the server to unlink the device at addr.
func RemoveDeviceNode(addr store.Address) wire.Node {
	return wire.Node{
		Tag: "iq",
		Attrs: wire.Attrs{
			{Key: "to", Value: transport.ServerJID},
			{Key: "type", Value: "set"},
			{Key: "xmlns", Value: "md"},
		},
		Children: []wire.Node{{
			Tag: "remove-companion-device",
			Attrs: wire.Attrs{
				{Key: "jid", Value: addr.JID()},
				{Key: "reason", Value: "user_initiated"},
			},
		}},
	}
}

// connectOnce dials one session and starts its worker. The returned channel
// receives the Disconnect when the session closes.
func (c *Client) connectOnce(ctx context.Context) (<-chan transport.Disconnect, error) {
	c.emit(events.ConnectionStateChanged{State: transport.StateConnecting})

	closed := make(chan transport.Disconnect, 1)
	stop := make(chan struct{})
	inbound := make(chan wire.Node, inboundQueueSize)
	sessCtx, cancelSess := context.WithCancel(ctx)

	hs := transport.HandshakeConfig{
		Pattern:    wanoise.Pattern(c.cfg.NoisePattern),
		Suite:      c.cfg.NoiseSuite,
		Prologue:   c.header,
		StaticKey:  c.store.NoiseKey(),
		VerifyPeer: c.verifyServer,
		Payload:    c.clientPayload,
	}
	if hs.Pattern == wanoise.PatternIK {
		hs.PeerStatic = c.peerStatic
	}

	sess, err := transport.Connect(ctx, c.dialer, transport.Config{
		Handshake:         hs,
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		QueryTimeout:      c.cfg.QueryTimeout,
		KeepAliveInterval: c.cfg.KeepAliveInterval,
		KeepAliveTimeout:  c.cfg.KeepAliveTimeout,
		Compress:          c.cfg.Compress,
		Handler: func(n wire.Node) {
			select {
			case inbound <- n:
			case <-stop:
			}
		},
		OnClose: func(d transport.Disconnect) {
			close(stop)
			cancelSess()
			c.sessionClosed(d)
			closed <- d
		},
		Clock:  c.clock,
		Logger: c.baseLogger,
	})
	if err != nil {
		cancelSess()
		c.emit(events.ConnectionStateChanged{State: transport.StateClosed, Reason: transport.ReasonForError(err)})
		return nil, err
	}

	c.mu.Lock()
	select {
	case <-stop:
	default:
		c.session = sess
	}
	c.mu.Unlock()

	c.emit(events.ConnectionStateChanged{State: transport.StateOpen})
	c.wg.Add(1)
	go c.processLoop(sessCtx, sess, inbound, stop)
	return closed, nil
}

// processLoop handles the inbound nodes of one session in arrival order,
// off the receive goroutine so that handling may send.
func (c *Client) processLoop(ctx context.Context, sess *transport.Session, inbound <-chan wire.Node, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case n := <-inbound:
			c.handleNode(ctx, sess, n)
		case <-stop:
			if pending := len(inbound); pending > 0 {
				c.logger.WithFields(logrus.Fields{
					"function": "processLoop",
					"dropped":  pending,
				}).Debug("Session closed with unprocessed nodes")
			}
			return
		}
	}
}

func (c *Client) sessionClosed(d transport.Disconnect) {
	c.mu.Lock()
	if c.session != nil && c.session.State() == transport.StateClosed {
		c.session = nil
	}
	c.mu.Unlock()

	// A sync cut short by the close must not hold events until the ceiling.
	if err := c.dispatcher.EndSync(); err != nil && !errors.Is(err, events.ErrClosed) {
		c.logger.WithField("error", err.Error()).Debug("EndSync failed")
	}

	terminal := reconnect.Classify(d.Reason) == reconnect.Terminal
	c.emit(events.ConnectionStateChanged{State: transport.StateClosed, Reason: d.Reason})
	c.emit(events.Disconnected{Reason: d.Reason, Err: d.Err, Terminal: terminal})
	if d.Reason == transport.ReasonLoggedOut {
		c.emit(events.LoggedOut{Reason: d.Reason})
	}
}

func (c *Client) closeSession() {
	if s := c.currentSession(); s != nil {
		s.Close(transport.ReasonClientClosed)
		s.Wait()
	}
}

func (c *Client) runFinished(done chan struct{}, err error) {
	c.mu.Lock()
	if c.runDone == done {
		c.runDone = nil
		c.cancel = nil
	}
	c.mu.Unlock()

	entry := c.logger.WithField("function", "Connect")
	var terminal *reconnect.TerminalError
	switch {
	case errors.As(err, &terminal):
		entry.WithField("reason", terminal.Reason.String()).Info("Connection loop stopped")
	case err != nil:
		entry.WithField("error", err.Error()).Debug("Connection loop ended")
	}
}

func (c *Client) onTransition(t reconnect.Transition) {
	c.logger.WithFields(logrus.Fields{
		"function": "onTransition",
		"from":     t.From.String(),
		"to":       t.To.String(),
		"reason":   t.Reason.String(),
		"attempt":  t.Attempt,
		"delay":    t.Delay.String(),
	}).Debug("Connection state changed")
}

func (c *Client) currentSession() *transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) emit(ev events.Event) {
	if err := c.dispatcher.Emit(ev); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "emit",
			"event":    fmt.Sprintf("%T", ev),
		}).Debug("Dropped event after close")
	}
}

func (c *Client) query(ctx context.Context, n wire.Node) (wire.Node, error) {
	return liveSession{c}.Query(ctx, n, transport.QueryOptions{})
}

// liveSession routes queries to whichever session is current.
type liveSession struct {
	c *Client
}

func (l liveSession) NewID() string {
	if s := l.c.currentSession(); s != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (l liveSession) Query(ctx context.Context, n wire.Node, opts transport.QueryOptions) (wire.Node, error) {
	s := l.c.currentSession()
	if s == nil {
		return wire.Node{}, transport.ErrNotConnected
	}
	return s.Query(ctx, n, opts)
}
