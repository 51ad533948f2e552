package ingest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/mimecodec"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/store"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	contacts := chatmodel.NewContacts(db)
	peers := peerstate.NewStore(db)
	chats := chatmodel.NewChats(db, peers)
	bus := eventbus.New()

	return NewPipeline(db, contacts, chats, peers, nil, bus, "me@example.org")
}

func buildRaw(t *testing.T, from string, to []string, groupID string) []byte {
	t.Helper()
	raw, err := mimecodec.Build(&mimecodec.OutMessage{
		From:    from,
		To:      to,
		Subject: "hi",
		Text:    "hello",
		GroupID: groupID,
	})
	require.NoError(t, err)
	return raw
}

func TestIngestUnknownSenderGoesToDeaddrop(t *testing.T) {
	p := newTestPipeline(t)
	raw := buildRaw(t, "stranger@example.org", []string{"me@example.org"}, "")

	result, err := p.Ingest(raw)
	require.NoError(t, err)
	require.Equal(t, ClassDeaddrop, result.Classification)
	require.Equal(t, chatmodel.ChatDeaddrop, result.ChatID)
}

func TestIngestGroupMessageCreatesGroupChat(t *testing.T) {
	p := newTestPipeline(t)
	raw := buildRaw(t, "stranger@example.org", []string{"me@example.org"}, "mygroup123")

	result, err := p.Ingest(raw)
	require.NoError(t, err)
	require.Equal(t, ClassGroup, result.Classification)
	require.NotEqual(t, chatmodel.ChatDeaddrop, result.ChatID)

	ch, err := p.chats.Get(result.ChatID)
	require.NoError(t, err)
	require.Equal(t, chatmodel.ChatTypeGroup, ch.Type)
}

func TestIngestVerifiedGroupMessageCreatesVerifiedGroupChat(t *testing.T) {
	p := newTestPipeline(t)
	raw, err := mimecodec.Build(&mimecodec.OutMessage{
		From: "stranger@example.org", To: []string{"me@example.org"},
		Subject: "hi", Text: "hello", GroupID: "vgroup123", GroupName: "Trusted", GroupVerified: true,
	})
	require.NoError(t, err)

	result, err := p.Ingest(raw)
	require.NoError(t, err)
	require.Equal(t, ClassGroup, result.Classification)

	ch, err := p.chats.Get(result.ChatID)
	require.NoError(t, err)
	require.Equal(t, chatmodel.ChatTypeVerifiedGroup, ch.Type)
}

func TestIngestDuplicateMessageIDIsIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	raw := buildRaw(t, "stranger@example.org", []string{"me@example.org"}, "")

	r1, err := p.Ingest(raw)
	require.NoError(t, err)
	require.False(t, r1.IsDuplicate)

	r2, err := p.Ingest(raw)
	require.NoError(t, err)
	require.True(t, r2.IsDuplicate)
	require.Equal(t, r1.MessageID, r2.MessageID)
}

func TestIngestOutboundEchoMarksSeen(t *testing.T) {
	p := newTestPipeline(t)
	raw := buildRaw(t, "me@example.org", []string{"bob@example.org"}, "")

	result, err := p.Ingest(raw)
	require.NoError(t, err)
	require.Equal(t, ClassOutboundEcho, result.Classification)

	var state int
	require.NoError(t, p.db.QueryRow("SELECT state FROM messages WHERE id = ?", result.MessageID).Scan(&state))
	require.Equal(t, StateInSeen, state)
}

func TestIngestTimestampSortNeverRegresses(t *testing.T) {
	p := newTestPipeline(t)

	for i := 0; i < 3; i++ {
		raw := buildRaw(t, "stranger@example.org", []string{"me@example.org"}, "")
		raw = append(raw, []byte(fmt.Sprintf("\r\nX-Test-Seq: %d\r\n", i))...)
		_, err := p.Ingest(raw)
		require.NoError(t, err)
	}

	rows, err := p.db.Query("SELECT timestamp_sort FROM messages ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	var last int64 = -1
	for rows.Next() {
		var sort int64
		require.NoError(t, rows.Scan(&sort))
		require.Greater(t, sort, last)
		last = sort
	}
}
