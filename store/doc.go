// Package store holds the credential and key material of one device: the
// Noise static key, the identity keys, signed and one-time pre-keys, the
// registration id, trusted peer identities and the ratchet state of every
// per-device session.
//
// Persistence is delegated to a Backend, a two-method load/save contract.
// MemoryBackend ships here; boltstore, sqlstore and filestore provide
// on-disk backends. Snapshots are CBOR encoded.
//
//	st, err := store.Open(ctx, boltstore.New(db), store.Options{})
//	unlock := st.LockAddress(addr)
//	defer unlock()
//	state, ok := st.SessionState(addr)
//
// Concurrency: the maps are guarded by one RWMutex and every read returns a
// copy, so callers never observe half-written state. Ratchet operations on
// the same remote device must additionally hold LockAddress for the whole
// read-modify-write; different devices proceed in parallel.
package store
