package keyring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/store"
)

func TestGenerateKeypairRoundTripsThroughArmor(t *testing.T) {
	entity, err := GenerateKeypair("alice@example.org", "Alice")
	require.NoError(t, err)
	require.NotNil(t, entity.PrivateKey)

	armoredPub, err := ArmorPublicKey(entity)
	require.NoError(t, err)
	require.Contains(t, armoredPub, "BEGIN PGP PUBLIC KEY BLOCK")

	parsed, err := ParseArmoredKey(armoredPub)
	require.NoError(t, err)
	require.Equal(t, KeyFingerprint(entity), KeyFingerprint(parsed[0]))
}

func TestFormatFingerprintGroupsByFour(t *testing.T) {
	got := FormatFingerprint("1234567890ABCDEF1234567890ABCDEF12345678")
	require.Equal(t, "1234 5678 90AB CDEF 1234 5678 90AB CDEF 1234 5678", got)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair("alice@example.org", "Alice")
	require.NoError(t, err)
	bob, err := GenerateKeypair("bob@example.org", "Bob")
	require.NoError(t, err)

	bobPub, err := ArmorPublicKey(bob)
	require.NoError(t, err)
	bobPubEntities, err := ParseArmoredKey(bobPub)
	require.NoError(t, err)

	ciphertext, err := EncryptBytes(bobPubEntities, alice, []byte("hello bob"))
	require.NoError(t, err)
	require.Contains(t, ciphertext, "BEGIN PGP MESSAGE")

	alicePub, err := ArmorPublicKey(alice)
	require.NoError(t, err)
	alicePubEntities, err := ParseArmoredKey(alicePub)
	require.NoError(t, err)

	result, err := DecryptBytes(ciphertext, bob, alicePubEntities)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(result.Plaintext))
	require.True(t, result.Verified)
}

func TestSetupMessageRoundTrip(t *testing.T) {
	entity, err := GenerateKeypair("alice@example.org", "Alice")
	require.NoError(t, err)

	passphrase, err := GeneratePassphrase()
	require.NoError(t, err)
	require.Len(t, passphrase, 49) // 9 groups of 4 digits + 8 dashes

	payload, err := EncodeSetupMessage(entity, passphrase)
	require.NoError(t, err)

	recovered, err := DecodeSetupMessage(payload, passphrase)
	require.NoError(t, err)
	require.Equal(t, KeyFingerprint(entity), KeyFingerprint(recovered))
}

func TestAutocryptHeaderRoundTrip(t *testing.T) {
	entity, err := GenerateKeypair("alice@example.org", "Alice")
	require.NoError(t, err)

	value, err := EncodeAutocryptHeader("alice@example.org", entity, PreferEncryptMutual)
	require.NoError(t, err)

	parsed, err := DecodeAutocryptHeader(value)
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", parsed.Addr)
	require.Equal(t, PreferEncryptMutual, parsed.PreferEncrypt)
	require.Equal(t, KeyFingerprint(entity), KeyFingerprint(parsed.Key))
}

func TestManagerEnsureSelfKeypairPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "account.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := config.NewStore(db)

	m1 := NewManager(cfg)
	entity1, err := m1.EnsureSelfKeypair("alice@example.org", "Alice")
	require.NoError(t, err)

	m2 := NewManager(cfg)
	entity2, err := m2.EnsureSelfKeypair("alice@example.org", "Alice")
	require.NoError(t, err)

	require.Equal(t, KeyFingerprint(entity1), KeyFingerprint(entity2))
}
