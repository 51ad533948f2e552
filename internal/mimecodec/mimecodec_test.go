package mimecodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCharsetPassesThroughUTF8(t *testing.T) {
	require.Equal(t, "héllo", decodeCharset([]byte("héllo"), "utf-8"))
	require.Equal(t, "hello", decodeCharset([]byte("hello"), ""))
}

func TestDecodeCharsetConvertsISO88591(t *testing.T) {
	// 0xe9 is "é" in ISO-8859-1 but not valid UTF-8 on its own.
	latin1 := []byte{'c', 'a', 'f', 0xe9}
	require.Equal(t, "café", decodeCharset(latin1, "iso-8859-1"))
}

func TestDecodeCharsetFallsBackOnUnknownName(t *testing.T) {
	require.Equal(t, "plain", decodeCharset([]byte("plain"), "not-a-real-charset"))
}

func TestBuildAndParseRoundTripPlainText(t *testing.T) {
	out := &OutMessage{
		From:        "alice@example.org",
		FromName:    "Alice",
		To:          []string{"bob@example.org"},
		Subject:     "hello",
		Text:        "hi bob",
		ChatVersion: "1.0",
	}
	raw, err := Build(out)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), "Chat-Version: 1.0"))

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", parsed.From)
	require.Equal(t, "hello", parsed.Subject)
	require.Equal(t, "hi bob", strings.TrimRight(parsed.BodyText, "\r\n"))
}

func TestBuildAndParseRoundTripWithAttachment(t *testing.T) {
	out := &OutMessage{
		From:    "alice@example.org",
		To:      []string{"bob@example.org"},
		Subject: "pic",
		Text:    "see attached",
		Attachments: []OutAttachment{
			{Filename: "a.png", ContentType: "image/png", Data: []byte{1, 2, 3, 4}},
		},
	}
	raw, err := Build(out)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Attachments, 1)
	require.Equal(t, "a.png", parsed.Attachments[0].Filename)
}

func TestBuildEncryptedEnvelope(t *testing.T) {
	out := &OutMessage{
		From:       "alice@example.org",
		To:         []string{"bob@example.org"},
		Subject:    "...",
		PGPPayload: "-----BEGIN PGP MESSAGE-----\nfakeciphertext\n-----END PGP MESSAGE-----",
	}
	raw, err := Build(out)
	require.NoError(t, err)
	require.Contains(t, string(raw), "multipart/encrypted")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.True(t, parsed.IsPGPEncrypted)
	require.Contains(t, parsed.PGPPayload, "fakeciphertext")
}

func TestGroupHeadersRoundTrip(t *testing.T) {
	out := &OutMessage{
		From:      "alice@example.org",
		To:        []string{"bob@example.org"},
		Subject:   "group chat",
		Text:      "hi",
		GroupID:   "Qr4nooR12Gq",
		GroupName: "My Group",
	}
	raw, err := Build(out)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "Qr4nooR12Gq", parsed.GroupID)
	require.Equal(t, "My Group", parsed.GroupName)
}
