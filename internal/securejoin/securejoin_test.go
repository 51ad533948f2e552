package securejoin

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.NewStore(db)
	keys := keyring.NewManager(cfg)
	_, err = keys.EnsureSelfKeypair("alice@example.org", "Alice")
	require.NoError(t, err)

	return NewEngine(db, keys, nil, nil, nil)
}

// newTestEngineWithKeys builds an engine with its own db/keys/peers/contacts
// quartet so a test can drive both sides of a handshake and inspect
// verification and origin promotion.
func newTestEngineWithKeys(t *testing.T, addr, name string) (*Engine, *keyring.Manager, *peerstate.Store, *chatmodel.Contacts) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.NewStore(db)
	keys := keyring.NewManager(cfg)
	_, err = keys.EnsureSelfKeypair(addr, name)
	require.NoError(t, err)
	peers := peerstate.NewStore(db)
	contacts := chatmodel.NewContacts(db)

	return NewEngine(db, keys, peers, contacts, nil), keys, peers, contacts
}

func TestEncodeDecodeQRRoundTrip(t *testing.T) {
	info := QRInfo{
		Fingerprint:  "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		Addr:         "alice@example.org",
		Name:         "Alice",
		Invitenumber: "1234",
		Auth:         "5678",
	}
	text := EncodeQR(info)
	require.Contains(t, text, "OPENPGP4FPR:"+info.Fingerprint+"#")

	decoded, err := DecodeQR(text)
	require.NoError(t, err)
	require.Equal(t, info.Fingerprint, decoded.Fingerprint)
	require.Equal(t, info.Addr, decoded.Addr)
	require.Equal(t, info.Invitenumber, decoded.Invitenumber)
	require.Equal(t, info.Auth, decoded.Auth)
}

func TestEncodeDecodeQRWithGroup(t *testing.T) {
	info := QRInfo{
		Fingerprint:  "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		Addr:         "alice@example.org",
		Invitenumber: "1234",
		Auth:         "5678",
		GroupID:      "grp123",
		GroupName:    "My Group",
	}
	decoded, err := DecodeQR(EncodeQR(info))
	require.NoError(t, err)
	require.Equal(t, info.GroupID, decoded.GroupID)
	require.Equal(t, info.GroupName, decoded.GroupName)
}

func TestDecodeQRRejectsWrongPrefix(t *testing.T) {
	_, err := DecodeQR("not-a-qr-code")
	require.Error(t, err)
}

func TestInviterJoinerHandshakeReachesVerifiedState(t *testing.T) {
	inviter, inviterKeys, inviterPeers, inviterContacts := newTestEngineWithKeys(t, "alice@example.org", "Alice")
	joiner, joinerKeys, joinerPeers, joinerContacts := newTestEngineWithKeys(t, "bob@example.org", "Bob")

	// Each side already has a contact record for the other at a low origin
	// (e.g. from prior mail traffic), which is what Secure-Join raises once
	// the handshake confirms the fingerprint out of band.
	inviterSeesJoiner, err := inviterContacts.ResolveByAddr("bob@example.org", "Bob", chatmodel.OriginIncomingTo)
	require.NoError(t, err)
	joinerSeesInviter, err := joinerContacts.ResolveByAddr("alice@example.org", "Alice", chatmodel.OriginIncomingTo)
	require.NoError(t, err)

	info, err := inviter.StartInviter("alice@example.org", "Alice", "", "")
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", info.Addr)
	require.Equal(t, keyring.KeyFingerprint(inviterKeys.Self()), info.Fingerprint)

	firstStep, err := joiner.StartJoiner(info, joinerSeesInviter)
	require.NoError(t, err)
	require.Equal(t, StepVcRequest, firstStep)

	// Each side already holds the other's Autocrypt key (e.g. from prior
	// mail traffic), which is what lets MarkVerified apply once Secure-Join
	// confirms the fingerprint out of band.
	joinerFpr := keyring.KeyFingerprint(joinerKeys.Self())
	require.NoError(t, joinerPeers.ObserveAutocrypt(joinerSeesInviter, &keyring.AutocryptHeader{
		Addr: "alice@example.org", PreferEncrypt: keyring.PreferEncryptMutual, Key: inviterKeys.Self(),
	}, 1000))
	require.NoError(t, inviterPeers.ObserveAutocrypt(inviterSeesJoiner, &keyring.AutocryptHeader{
		Addr: "bob@example.org", PreferEncrypt: keyring.PreferEncryptMutual, Key: joinerKeys.Self(),
	}, 1000))

	// Inviter receives the joiner's vc-request.
	require.NoError(t, inviter.HandleInviterMessage(info.Invitenumber, StepVcRequest, "", inviterSeesJoiner, ""))

	// Joiner receives vc-auth-required, fingerprint matches what it scanned.
	next, done, err := joiner.HandleJoinerMessage(info.Invitenumber, StepVcAuthRequired, info.Fingerprint)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, StepVcRequestWithAuth, next)

	joinerState, err := joinerPeers.Get(joinerSeesInviter)
	require.NoError(t, err)
	require.True(t, joinerState.IsVerified())

	joinerContact, err := joinerContacts.Get(joinerSeesInviter)
	require.NoError(t, err)
	require.Equal(t, chatmodel.OriginSecureJoin, joinerContact.Origin)

	// Inviter receives vc-request-with-auth bearing the correct auth token
	// and the joiner's real fingerprint.
	require.NoError(t, inviter.HandleInviterMessage(info.Invitenumber, StepVcRequestWithAuth, info.Auth, inviterSeesJoiner, joinerFpr))

	inviterState, err := inviterPeers.Get(inviterSeesJoiner)
	require.NoError(t, err)
	require.True(t, inviterState.IsVerified())

	inviterContact, err := inviterContacts.Get(inviterSeesJoiner)
	require.NoError(t, err)
	require.Equal(t, chatmodel.OriginSecureJoin, inviterContact.Origin)

	// Joiner receives the final vc-contact-confirm.
	_, done, err = joiner.HandleJoinerMessage(info.Invitenumber, StepVcContactConfirm, "")
	require.NoError(t, err)
	require.True(t, done)
}

func TestHandleInviterMessageRejectsWrongAuth(t *testing.T) {
	inviter := newTestEngine(t)

	info, err := inviter.StartInviter("alice@example.org", "Alice", "", "")
	require.NoError(t, err)
	require.NoError(t, inviter.HandleInviterMessage(info.Invitenumber, StepVcRequest, "", 42, ""))

	err = inviter.HandleInviterMessage(info.Invitenumber, StepVcRequestWithAuth, "wrong-auth", 42, "fpr")
	require.Error(t, err)
}

func TestHandleJoinerMessageRejectsWrongFingerprint(t *testing.T) {
	joiner := newTestEngine(t)
	info := &QRInfo{
		Fingerprint:  "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		Addr:         "alice@example.org",
		Invitenumber: "1234",
		Auth:         "5678",
	}
	_, err := joiner.StartJoiner(info, 42)
	require.NoError(t, err)

	_, _, err = joiner.HandleJoinerMessage(info.Invitenumber, StepVcAuthRequired, "some-other-fpr")
	require.Error(t, err)
}
