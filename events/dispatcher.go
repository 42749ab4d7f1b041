package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/clock"
)

// Defaults applied by NewDispatcher.
const (
	DefaultSyncCeiling = 5 * time.Second
	DefaultMaxBuffered = 10000
	DefaultQueueSize   = 256
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Handler receives events. Handlers run on the dispatch goroutine and must
// not call Emit.
type Handler func(Event)

// HandlerID identifies a registered handler.
type HandlerID uint64

// Config configures a Dispatcher.
type Config struct {
	// SyncCeiling bounds how long sync-buffered events are held.
	SyncCeiling time.Duration
	// MaxBuffered bounds how many sync-buffered events are held.
	MaxBuffered int
	// QueueSize is the number of emitted events that may wait for
	// delivery before Emit blocks.
	QueueSize int
	Clock     clock.Clock
	Logger    logrus.FieldLogger
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type (
	beginSync struct{}
	endSync   struct{}
	ceiling   struct{ gen uint64 }
)

// Dispatcher delivers events to handlers from a single goroutine in the
// order they were emitted.
type Dispatcher struct {
	cfg    Config
	clock  clock.Clock
	logger logrus.FieldLogger

	handlersMu sync.RWMutex
	handlers   []handlerEntry
	nextID     HandlerID

	queueMu sync.RWMutex
	queue   chan any
	closed  bool
	done    chan struct{}

	// Owned by the dispatch goroutine.
	syncing bool
	gen     uint64
	timer   clock.Timer
	buffer  []Event

	warnings atomic.Int64
}

// NewDispatcher starts a dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.SyncCeiling <= 0 {
		cfg.SyncCeiling = DefaultSyncCeiling
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	d := &Dispatcher{
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		logger: cfg.Logger.WithField("package", "events"),
		queue:  make(chan any, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// AddHandler registers h and returns its id.
func (d *Dispatcher) AddHandler(h Handler) HandlerID {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.nextID++
	d.handlers = append(d.handlers, handlerEntry{id: d.nextID, fn: h})
	return d.nextID
}

// RemoveHandler unregisters a handler. It reports whether id was found.
func (d *Dispatcher) RemoveHandler(id HandlerID) bool {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	for i, h := range d.handlers {
		if h.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit queues ev for delivery. It blocks while the queue is full.
func (d *Dispatcher) Emit(ev Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	return d.enqueue(ev)
}

// BeginSync starts holding sync-buffered events.
func (d *Dispatcher) BeginSync() error { return d.enqueue(beginSync{}) }

// EndSync releases held events in emission order.
func (d *Dispatcher) EndSync() error { return d.enqueue(endSync{}) }

// FlushWarnings returns how many times buffered events were released
// without the sync completing.
func (d *Dispatcher) FlushWarnings() int64 { return d.warnings.Load() }

func (d *Dispatcher) enqueue(item any) error {
	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.queue <- item
	return nil
}

// Close stops accepting events, delivers everything already queued
// (including held events) and waits for the dispatch goroutine to exit.
func (d *Dispatcher) Close() {
	d.queueMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.queueMu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for item := range d.queue {
		switch it := item.(type) {
		case beginSync:
			d.begin()
		case endSync:
			d.release()
		case ceiling:
			if d.syncing && it.gen == d.gen {
				d.releaseEarly("ceiling")
			}
		case Event:
			if d.syncing && syncBuffered(it) {
				d.buffer = append(d.buffer, it)
				if len(d.buffer) >= d.cfg.MaxBuffered {
					d.releaseEarly("overflow")
				}
				continue
			}
			d.deliver(it)
		}
	}
	d.release()
}

func (d *Dispatcher) begin() {
	if d.syncing {
		return
	}
	d.syncing = true
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.cfg.SyncCeiling, func() {
		// ErrClosed only means the buffer was already drained.
		_ = d.enqueue(ceiling{gen: gen})
	})
}

// release delivers held events and ends the sync.
func (d *Dispatcher) release() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.syncing = false
	held := d.buffer
	d.buffer = nil
	for _, ev := range held {
		d.deliver(ev)
	}
}

func (d *Dispatcher) releaseEarly(reason string) {
	n := len(d.buffer)
	d.release()
	d.warnings.Add(1)
	d.logger.WithFields(logrus.Fields{
		"function": "releaseEarly",
		"reason":   reason,
		"flushed":  n,
	}).Warn("Sync did not complete, flushed buffered events")
	d.deliver(BufferFlushWarning{Flushed: n, Reason: reason})
}

func (d *Dispatcher) deliver(ev Event) {
	d.handlersMu.RLock()
	handlers := append([]handlerEntry(nil), d.handlers...)
	d.handlersMu.RUnlock()
	for _, h := range handlers {
		d.call(h, ev)
	}
}

func (d *Dispatcher) call(h handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"function": "deliver",
				"handler":  h.id,
				"event":    fmt.Sprintf("%T", ev),
				"panic":    r,
			}).Error("Event handler panicked")
		}
	}()
	h.fn(ev)
}
