package oauth2

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(config.NewStore(db))
}

func TestXOAuth2ClientStartBuildsInitialResponse(t *testing.T) {
	c := NewXOAuth2Client("alice@example.org", "ya29.token")
	mech, ir, err := c.Start()
	require.NoError(t, err)
	require.Equal(t, "XOAUTH2", mech)
	require.Equal(t, "user=alice@example.org\x01auth=Bearer ya29.token\x01\x01", string(ir))
}

func TestXOAuth2ClientNextReturnsEmptyResponse(t *testing.T) {
	c := NewXOAuth2Client("alice@example.org", "ya29.token")
	resp, err := c.Next([]byte(`{"status":"401"}`))
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestAuthCodeURLRequiresConfiguredClient(t *testing.T) {
	GoogleClientID = ""
	_, err := AuthCodeURL(ProviderGoogle, "http://localhost/callback", "state123")
	require.Error(t, err)

	GoogleClientID = "test-client-id"
	u, err := AuthCodeURL(ProviderGoogle, "http://localhost/callback", "state123")
	require.NoError(t, err)
	require.Contains(t, u, "client_id=test-client-id")
	require.Contains(t, u, "state=state123")
}

func TestLoadTokenFailsWithoutProviderConfigured(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LoadToken(context.Background())
	require.Error(t, err)
}
