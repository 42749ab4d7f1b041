// Package devices maps a user to the physical devices that each need their
// own ciphertext.
//
// Device lists are cached in a bounded LRU with a per-entry TTL. Concurrent
// misses for the same user share one lookup. Lookups go through a Querier;
// UsyncQuerier issues the usync device query over a transport session.
package devices
