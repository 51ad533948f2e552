package chatmodel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveByAddrCreatesThenReuses(t *testing.T) {
	db := newTestDB(t)
	contacts := NewContacts(db)

	id1, err := contacts.ResolveByAddr("Bob@Example.org", "Bob", OriginIncomingTo)
	require.NoError(t, err)

	id2, err := contacts.ResolveByAddr("bob@example.org", "", OriginIncomingCc)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	c, err := contacts.Get(id1)
	require.NoError(t, err)
	require.Equal(t, "bob@example.org", c.Addr)
	require.Equal(t, "Bob", c.DisplayName())
}

func TestResolveByAddrRaisesOriginButNotLowers(t *testing.T) {
	db := newTestDB(t)
	contacts := NewContacts(db)

	id, err := contacts.ResolveByAddr("bob@example.org", "Bob", OriginOutgoing)
	require.NoError(t, err)

	_, err = contacts.ResolveByAddr("bob@example.org", "Someone Else", OriginIncomingUnknown)
	require.NoError(t, err)

	c, err := contacts.Get(id)
	require.NoError(t, err)
	require.Equal(t, "Bob", c.AuthorizedName)
	require.Equal(t, OriginOutgoing, c.Origin)
}

func TestGetOrCreateSingleIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	contacts := NewContacts(db)
	chats := NewChats(db, nil)

	contactID, err := contacts.ResolveByAddr("bob@example.org", "Bob", OriginIncomingTo)
	require.NoError(t, err)

	chatID1, err := chats.GetOrCreateSingle(contactID)
	require.NoError(t, err)
	chatID2, err := chats.GetOrCreateSingle(contactID)
	require.NoError(t, err)
	require.Equal(t, chatID1, chatID2)
}

func TestGroupLifecycleAndSelfRemovalKeepsHistory(t *testing.T) {
	db := newTestDB(t)
	contacts := NewContacts(db)
	chats := NewChats(db, nil)

	chatID, grpID, err := chats.CreateGroup("Friends")
	require.NoError(t, err)
	require.NotEmpty(t, grpID)

	bob, err := contacts.ResolveByAddr("bob@example.org", "Bob", OriginManuallyCreated)
	require.NoError(t, err)
	require.NoError(t, chats.AddMember(chatID, bob))

	members, err := chats.Members(chatID)
	require.NoError(t, err)
	require.Len(t, members, 2) // self + bob

	require.NoError(t, chats.Promote(chatID))
	ch, err := chats.Get(chatID)
	require.NoError(t, err)
	require.False(t, ch.Unpromoted)

	require.NoError(t, chats.RemoveMember(chatID, ContactSelf))
	isMember, err := chats.IsMember(chatID, ContactSelf)
	require.NoError(t, err)
	require.False(t, isMember)

	// History (the chat row itself and its membership of bob) survives.
	ch, err = chats.Get(chatID)
	require.NoError(t, err)
	require.Equal(t, "Friends", ch.Name)
}

func TestVerifiedGroupRejectsUnverifiedMember(t *testing.T) {
	db := newTestDB(t)
	contacts := NewContacts(db)
	peers := peerstate.NewStore(db)
	chats := NewChats(db, peers)

	chatID, grpID, err := chats.CreateVerifiedGroup("Trusted")
	require.NoError(t, err)
	require.NotEmpty(t, grpID)

	ch, err := chats.Get(chatID)
	require.NoError(t, err)
	require.Equal(t, ChatTypeVerifiedGroup, ch.Type)

	bob, err := contacts.ResolveByAddr("bob@example.org", "Bob", OriginIncomingTo)
	require.NoError(t, err)

	err = chats.AddMember(chatID, bob)
	require.Error(t, err)

	members, merr := chats.Members(chatID)
	require.NoError(t, merr)
	require.Len(t, members, 1) // self only, bob's add was refused

	cfg := config.NewStore(db)
	keys := keyring.NewManager(cfg)
	bobKey, err := keys.EnsureSelfKeypair("bob@example.org", "Bob")
	require.NoError(t, err)
	require.NoError(t, peers.ObserveAutocrypt(bob, &keyring.AutocryptHeader{
		Addr: "bob@example.org", PreferEncrypt: keyring.PreferEncryptMutual, Key: bobKey,
	}, 1000))
	require.NoError(t, peers.MarkVerified(bob, keyring.KeyFingerprint(bobKey)))

	require.NoError(t, chats.AddMember(chatID, bob))
	members, merr = chats.Members(chatID)
	require.NoError(t, merr)
	require.Len(t, members, 2)
}
