package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/limits"
	"github.com/opd-ai/wasession/wire"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultHandshakeTimeout  = 20 * time.Second
	DefaultQueryTimeout      = 60 * time.Second
	DefaultKeepAliveInterval = 25 * time.Second
	DefaultKeepAliveTimeout  = 20 * time.Second
)

// State is the connection state of a Session.
type State uint8

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Config configures a Session.
type Config struct {
	Handshake        HandshakeConfig
	HandshakeTimeout time.Duration
	QueryTimeout     time.Duration
	// MaxPendingQueries bounds the pending-query table; the oldest query is
	// evicted on overflow.
	MaxPendingQueries int
	// KeepAliveInterval is the idle time between pings. Negative disables
	// keepalive.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	// Compress deflates outbound frames.
	Compress bool
	// Dictionary defaults to wire.DefaultDictionary.
	Dictionary *wire.Dictionary

	// Handler receives every inbound node that did not answer a query, in
	// arrival order, on the receive goroutine. It must not call Query.
	Handler func(wire.Node)
	// OnClose is called exactly once when the session closes.
	OnClose func(Disconnect)

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.MaxPendingQueries <= 0 {
		c.MaxPendingQueries = limits.MaxPendingQueries
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.Dictionary == nil {
		c.Dictionary = wire.DefaultDictionary
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Session is one authenticated connection. Sends are serialized through a
// single writer; inbound frames are read, decrypted and dispatched by a
// dedicated receive goroutine.
type Session struct {
	cfg    Config
	logger logrus.FieldLogger
	clock  clock.Clock
	sock   FrameSocket

	writeMu sync.Mutex
	send    *noise.CipherState
	recv    *noise.CipherState

	mu           sync.RWMutex
	state        State
	last         *Disconnect
	remoteStatic []byte
	serverHello  []byte

	queries   *queryRegistry
	idPrefix  string
	idCounter atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Connect dials, runs the Noise handshake and starts the receive loop. A
// handshake failure closes the socket and returns an error wrapping
// ErrHandshake.
func Connect(ctx context.Context, dialer Dialer, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Handshake.StaticKey == nil {
		return nil, fmt.Errorf("%w: static key required", ErrHandshake)
	}

	s := &Session{
		cfg:      cfg,
		clock:    cfg.Clock,
		state:    StateConnecting,
		queries:  newQueryRegistry(cfg.MaxPendingQueries),
		idPrefix: strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		done:     make(chan struct{}),
	}
	s.logger = cfg.Logger.WithFields(logrus.Fields{"package": "transport", "session": s.idPrefix})

	sock, err := dialer.Dial(ctx)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"function": "Connect",
			"error":    err.Error(),
		}).Warn("Dial failed")
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	result, err := performHandshake(hctx, sock, cfg.Handshake, s.logger)
	if err != nil {
		sock.Close()
		s.logger.WithFields(logrus.Fields{
			"function": "Connect",
			"error":    err.Error(),
		}).Warn("Handshake failed, socket closed")
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	s.sock = sock
	s.send, s.recv = result.send, result.recv
	s.remoteStatic = result.remoteStatic
	s.serverHello = result.peerPayload
	s.state = StateOpen

	s.logger.WithFields(logrus.Fields{
		"function": "Connect",
		"server":   crypto.KeyPreview(result.remoteStatic),
	}).Info("Session open")

	s.wg.Add(1)
	go s.readLoop()
	if cfg.KeepAliveInterval > 0 {
		s.wg.Add(1)
		go s.keepAlive()
	}
	return s, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastDisconnect returns the close event, or nil while open.
func (s *Session) LastDisconnect() *Disconnect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	d := *s.last
	return &d
}

// RemoteStatic returns the server's static Noise key.
func (s *Session) RemoteStatic() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.remoteStatic...)
}

// ServerHello returns the authenticated payload the server sent during the
// handshake.
func (s *Session) ServerHello() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.serverHello...)
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// PendingQueries returns the number of outstanding queries.
func (s *Session) PendingQueries() int {
	return s.queries.len()
}

// NewID returns a session-unique id for outbound nodes.
func (s *Session) NewID() string {
	return s.idPrefix + "." + strconv.FormatUint(s.idCounter.Add(1), 10)
}

// Send encrypts and writes one node. Concurrent callers are serialized so
// frames reach the cipher in submission order.
func (s *Session) Send(ctx context.Context, n wire.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.State() != StateOpen {
		return ErrNotConnected
	}

	frame, err := s.cfg.Dictionary.Pack(n, s.cfg.Compress)
	if err != nil {
		return err
	}
	if err := limits.ValidateMessageSize(frame, limits.MaxFrameSize-limits.CipherOverhead); err != nil {
		return err
	}

	s.writeMu.Lock()
	if s.State() != StateOpen {
		s.writeMu.Unlock()
		return ErrNotConnected
	}
	ciphertext, err := s.send.Encrypt(nil, nil, frame)
	if err == nil {
		err = s.sock.WriteFrame(ciphertext)
	}
	s.writeMu.Unlock()

	if err != nil {
		werr := &WriteError{Err: err}
		s.closeWith(ReasonNetwork, werr)
		return werr
	}

	s.logger.WithFields(logrus.Fields{
		"function": "Send",
		"tag":      n.Tag,
		"id":       n.Attrs.String("id"),
		"size":     len(frame),
	}).Debug("Sent node")
	return nil
}

// Query sends n and waits for the response carrying the same id. An id is
// assigned when n has none. On timeout or cancellation the pending entry is
// removed, so a late response reaches the Handler as unsolicited traffic.
func (s *Session) Query(ctx context.Context, n wire.Node, opts QueryOptions) (wire.Node, error) {
	if s.State() != StateOpen {
		return wire.Node{}, ErrNotConnected
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.QueryTimeout
	}

	id, ok := n.Attrs.Get("id")
	if !ok || id == "" {
		id = s.NewID()
		attrs := append(wire.Attrs(nil), n.Attrs...)
		attrs.Set("id", id)
		n.Attrs = attrs
	}

	p, err := s.queries.add(id, opts.Match)
	if err != nil {
		return wire.Node{}, err
	}
	if err := s.Send(ctx, n); err != nil {
		s.queries.remove(p)
		return wire.Node{}, err
	}

	select {
	case res := <-p.done:
		return res.node, res.err
	case <-s.clock.After(timeout):
		s.queries.remove(p)
		s.logger.WithFields(logrus.Fields{
			"function": "Query",
			"id":       id,
			"timeout":  timeout.String(),
		}).Warn("Query timed out")
		return wire.Node{}, fmt.Errorf("%w: %s after %s", ErrQueryTimeout, id, timeout)
	case <-ctx.Done():
		s.queries.remove(p)
		return wire.Node{}, ctx.Err()
	}
}

// Close closes the session with reason. It is idempotent.
func (s *Session) Close(reason DisconnectReason) {
	s.closeWith(reason, nil)
}

// CloseWithError closes the session, recording err as the cause.
func (s *Session) CloseWithError(reason DisconnectReason, err error) {
	s.closeWith(reason, err)
}

// Wait blocks until the session goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) closeWith(reason DisconnectReason, cause error) {
	s.closeOnce.Do(func() {
		d := Disconnect{Reason: reason, At: s.clock.Now(), Err: cause}

		s.mu.Lock()
		s.state = StateClosed
		s.last = &d
		s.mu.Unlock()

		close(s.done)
		if s.sock != nil {
			s.sock.Close()
		}
		s.queries.failAll(ErrNotConnected)

		entry := s.logger.WithFields(logrus.Fields{
			"function": "Close",
			"reason":   reason.String(),
		})
		if cause != nil {
			entry = entry.WithField("error", cause.Error())
		}
		entry.Info("Session closed")

		if s.cfg.OnClose != nil {
			s.cfg.OnClose(d)
		}
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		frame, err := s.sock.ReadFrame()
		if err != nil {
			if s.State() == StateClosed {
				return
			}
			reason := ReasonForError(err)
			if reason == ReasonUnknown {
				reason = ReasonNetwork
			}
			s.closeWith(reason, err)
			return
		}

		if err := limits.ValidateFrame(frame); err != nil {
			s.closeWith(ReasonNetwork, fmt.Errorf("%w: %w", ErrDecrypt, err))
			return
		}
		plaintext, err := s.recv.Decrypt(nil, nil, frame)
		if err != nil {
			s.closeWith(ReasonNetwork, fmt.Errorf("%w: %w", ErrDecrypt, err))
			return
		}

		node, err := s.cfg.Dictionary.Unpack(plaintext)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"function": "readLoop",
				"size":     len(plaintext),
				"error":    err.Error(),
			}).Warn("Dropping undecodable frame")
			continue
		}

		if s.queries.resolve(node) {
			continue
		}
		if s.cfg.Handler != nil {
			s.cfg.Handler(node)
		}
	}
}

// IsClosedError reports whether err means the session is gone.
func IsClosedError(err error) bool {
	var werr *WriteError
	return errors.Is(err, ErrNotConnected) || errors.As(err, &werr)
}
