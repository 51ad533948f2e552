package peerstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/store"
)

func newTestStore(t *testing.T) (*store.DB, *Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewStore(db)
}

func TestObserveAutocryptThenCanEncrypt(t *testing.T) {
	_, ps := newTestStore(t)

	entity, err := keyring.GenerateKeypair("bob@example.org", "Bob")
	require.NoError(t, err)
	header := &keyring.AutocryptHeader{Addr: "bob@example.org", PreferEncrypt: keyring.PreferEncryptMutual, Key: entity}

	require.NoError(t, ps.ObserveAutocrypt(2, header, 1000))

	st, err := ps.Get(2)
	require.NoError(t, err)
	require.True(t, st.CanEncrypt())
}

func TestObserveAutocryptIgnoresOlderMessage(t *testing.T) {
	_, ps := newTestStore(t)

	entityOld, _ := keyring.GenerateKeypair("bob@example.org", "Bob")
	entityNew, _ := keyring.GenerateKeypair("bob@example.org", "Bob")

	require.NoError(t, ps.ObserveAutocrypt(2, &keyring.AutocryptHeader{Key: entityNew, PreferEncrypt: "mutual"}, 2000))
	require.NoError(t, ps.ObserveAutocrypt(2, &keyring.AutocryptHeader{Key: entityOld, PreferEncrypt: "mutual"}, 1000))

	st, err := ps.Get(2)
	require.NoError(t, err)
	require.Equal(t, keyring.KeyFingerprint(entityNew), st.Fingerprint)
}

func TestMarkVerifiedRequiresMatchingFingerprint(t *testing.T) {
	_, ps := newTestStore(t)
	entity, _ := keyring.GenerateKeypair("bob@example.org", "Bob")
	require.NoError(t, ps.ObserveAutocrypt(2, &keyring.AutocryptHeader{Key: entity, PreferEncrypt: "mutual"}, 1000))

	require.Error(t, ps.MarkVerified(2, "0000000000000000000000000000000000000000"))

	fpr := keyring.KeyFingerprint(entity)
	require.NoError(t, ps.MarkVerified(2, fpr))

	st, err := ps.Get(2)
	require.NoError(t, err)
	require.True(t, st.IsVerified())
}
