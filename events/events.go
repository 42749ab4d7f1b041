package events

import (
	"time"

	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

// Event is one of the event types in this package.
type Event interface {
	isEvent()
}

// Connected is emitted when the server accepted the login.
type Connected struct {
	At time.Time
}

// ConnectionStateChanged is emitted on every transport state change.
type ConnectionStateChanged struct {
	State  transport.State
	Reason transport.DisconnectReason
}

// Disconnected is emitted when the connection closed. Terminal is set when
// no reconnection will be attempted.
type Disconnected struct {
	Reason   transport.DisconnectReason
	Err      error
	Terminal bool
}

// LoggedOut is emitted when the server revoked the credentials.
type LoggedOut struct {
	Reason transport.DisconnectReason
}

// MessageInfo describes a received message.
type MessageInfo struct {
	ID        string
	Chat      string
	Sender    store.Address
	Timestamp time.Time
	Offline   bool
	// Encryption is "pkmsg" or "msg".
	Encryption string
}

// Message is a successfully decrypted message.
type Message struct {
	Info    MessageInfo
	Content Content
	// NewSession is set when the message established the session.
	NewSession bool
}

// UndecryptableMessage is emitted when a message could not be decrypted.
// The connection stays open.
type UndecryptableMessage struct {
	Info MessageInfo
	Err  error
}

// DeviceListChanged is emitted when the device list of User changed.
type DeviceListChanged struct {
	User string
}

// IdentityChanged is emitted when a peer device presented a new identity
// key and its session was replaced.
type IdentityChanged struct {
	Address store.Address
}

// HistorySync carries a chunk of history. It is sync-buffered.
type HistorySync struct {
	Data []byte
}

// AppStateSync carries an app-state patch. It is sync-buffered.
type AppStateSync struct {
	Name string
	Data []byte
}

// OfflineSyncCompleted is emitted when the server finished delivering
// messages queued while offline.
type OfflineSyncCompleted struct {
	Count int
}

// BufferFlushWarning is emitted after sync-buffered events were released
// without the sync completing.
type BufferFlushWarning struct {
	Flushed int
	// Reason is "ceiling" or "overflow".
	Reason string
}

// UnhandledNode carries an inbound node no handler recognized.
type UnhandledNode struct {
	Node wire.Node
}

func (Connected) isEvent()              {}
func (ConnectionStateChanged) isEvent() {}
func (Disconnected) isEvent()           {}
func (LoggedOut) isEvent()              {}
func (Message) isEvent()                {}
func (UndecryptableMessage) isEvent()   {}
func (DeviceListChanged) isEvent()      {}
func (IdentityChanged) isEvent()        {}
func (HistorySync) isEvent()            {}
func (AppStateSync) isEvent()           {}
func (OfflineSyncCompleted) isEvent()   {}
func (BufferFlushWarning) isEvent()     {}
func (UnhandledNode) isEvent()          {}

// syncBuffered reports whether ev is held during an offline sync.
func syncBuffered(ev Event) bool {
	switch ev.(type) {
	case HistorySync, *HistorySync, AppStateSync, *AppStateSync:
		return true
	}
	return false
}
