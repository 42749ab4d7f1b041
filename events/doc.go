// Package events defines the typed events a client emits and the
// Dispatcher that delivers them to handlers in strict emission order.
//
// History and app-state sync events are held while an offline sync is in
// progress and released together when it completes. If it never
// completes, they are released when the sync ceiling elapses or the buffer
// fills, followed by a BufferFlushWarning.
package events
