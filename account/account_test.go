package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/job"
	"github.com/deltachat/dccore/internal/keyring"
)

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "account.db"), filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func configureTestAccount(t *testing.T, a *Account) {
	t.Helper()
	require.NoError(t, a.Configure(ConfigureParams{
		Addr:         "alice@example.org",
		MailServer:   "imap.example.org",
		MailUser:     "alice@example.org",
		MailPw:       "secret",
		MailPort:     993,
		MailSecurity: config.SecuritySSL,
		SendServer:   "smtp.example.org",
		SendUser:     "alice@example.org",
		SendPw:       "secret",
		SendPort:     465,
		SendSecurity: config.SecuritySSL,
		Displayname:  "Alice",
	}))
}

func TestConfigureGeneratesSelfKeypairAndMarksConfigured(t *testing.T) {
	a := newTestAccount(t)
	configureTestAccount(t, a)

	configured, err := a.IsConfigured()
	require.NoError(t, err)
	require.True(t, configured)

	require.NotNil(t, a.Keys.Self())

	armored, err := a.Keys.PublicArmored()
	require.NoError(t, err)
	require.Contains(t, armored, "BEGIN PGP PUBLIC KEY BLOCK")
}

func TestStartFailsWithoutConfigure(t *testing.T) {
	a := newTestAccount(t)
	err := a.Start(context.Background())
	require.Error(t, err)
}

func TestSendTextInsertsPendingMessageAndEnqueuesJob(t *testing.T) {
	a := newTestAccount(t)
	configureTestAccount(t, a)

	bobID, err := a.Contacts.ResolveByAddr("bob@example.org", "Bob", chatmodel.OriginManuallyCreated)
	require.NoError(t, err)
	chatID, err := a.Chats.GetOrCreateSingle(bobID)
	require.NoError(t, err)

	msgID, err := a.SendText(chatID, "hello there")
	require.NoError(t, err)
	require.NotZero(t, msgID)

	var state int
	require.NoError(t, a.db.QueryRow("SELECT state FROM messages WHERE id = ?", msgID).Scan(&state))
	require.Equal(t, stateOutPending, state)

	var jobCount int
	require.NoError(t, a.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE kind = ?", string(job.KindSendMessage)).Scan(&jobCount))
	require.Equal(t, 1, jobCount)

	chat, err := a.Chats.Get(chatID)
	require.NoError(t, err)
	require.False(t, chat.Unpromoted)
}

func TestCanEncryptToRequiresEveryRecipientMutual(t *testing.T) {
	a := newTestAccount(t)
	configureTestAccount(t, a)

	bobID, err := a.Contacts.ResolveByAddr("bob@example.org", "Bob", chatmodel.OriginManuallyCreated)
	require.NoError(t, err)

	canEncrypt, _ := a.canEncryptTo([]int64{bobID})
	require.False(t, canEncrypt)

	bobKey, err := keyring.GenerateKeypair("bob@example.org", "Bob")
	require.NoError(t, err)
	header := &keyring.AutocryptHeader{Addr: "bob@example.org", PreferEncrypt: keyring.PreferEncryptMutual, Key: bobKey}
	require.NoError(t, a.Peers.ObserveAutocrypt(bobID, header, 1000))

	canEncrypt, keys := a.canEncryptTo([]int64{bobID})
	require.True(t, canEncrypt)
	require.Len(t, keys, 1)
}

func TestSecureJoinStartInviterRequiresConfiguredKeys(t *testing.T) {
	a := newTestAccount(t)
	configureTestAccount(t, a)

	info, err := a.SecureJoin.StartInviter("alice@example.org", "Alice", "", "")
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", info.Addr)
}
