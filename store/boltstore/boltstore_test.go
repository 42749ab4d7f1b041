package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wasession/store"
)

func TestBoltBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	b, err := Open(path)
	require.NoError(t, err)

	_, err = b.Load(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.SavedAt()
	assert.ErrorIs(t, err, store.ErrNotFound)

	st, err := store.Open(context.Background(), b, store.Options{})
	require.NoError(t, err)
	addr := store.Address{User: "1@s.whatsapp.net", Device: 2}
	require.NoError(t, st.PutSessionState(context.Background(), addr, &store.SessionState{Version: 3}))
	want := st.Credentials()
	require.NoError(t, st.Close())

	b, err = Open(path)
	require.NoError(t, err)
	defer b.Close()

	reopened, err := store.Open(context.Background(), b, store.Options{})
	require.NoError(t, err)
	assert.Equal(t, want.IdentityKey, reopened.Credentials().IdentityKey)
	assert.Equal(t, want.RegistrationID, reopened.RegistrationID())
	assert.True(t, reopened.HasSession(addr))

	savedAt, err := b.SavedAt()
	require.NoError(t, err)
	assert.False(t, savedAt.IsZero())
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
