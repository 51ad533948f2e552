// Package mimecodec parses inbound RFC 5322 messages into the header and
// body facts the ingestion pipeline needs, and builds outbound messages
// with the Chat-* and Autocrypt headers that make Delta Chat interoperate
// with itself over plain email.
package mimecodec

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/deltachat/dccore/internal/coreerr"
)

// Attachment is a parsed, not-yet-stored attachment part.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte
}

// Parsed is the header/body facts extracted from one raw RFC 5322 message,
// everything the ingestion pipeline needs to classify and persist it.
type Parsed struct {
	From           string
	FromName       string
	To             []string
	Cc             []string
	Date           string
	MessageID      string
	InReplyTo      string
	References     []string
	Subject        string

	ChatVersion              string
	GroupID                  string
	GroupName                string
	GroupNameChanged         string
	GroupMemberAdded         string
	GroupMemberRemoved       string
	GroupImage               bool
	GroupVerified            bool
	DispositionNotificationTo string

	Autocrypt       string
	AutocryptGossip []string
	SetupMessage    string

	SecureJoin             string
	SecureJoinInvitenumber string
	SecureJoinAuth         string
	SecureJoinFingerprint  string
	SecureJoinGroupID      string
	SecureJoinGroupName    string

	IsPGPEncrypted bool
	PGPPayload     string // the armored ciphertext, if IsPGPEncrypted

	BodyText    string
	Attachments []Attachment

	RawHeaders []byte
}

// Parse reads a raw RFC 5322 message and extracts all the facts the
// ingestion pipeline and peer-state engine need.
func Parse(raw []byte) (*Parsed, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, coreerr.New(coreerr.ProtocolError, "mimecodec.Parse", err)
	}
	h := entity.Header

	p := &Parsed{
		Date:                      h.Get("Date"),
		MessageID:                 stripBrackets(h.Get("Message-ID")),
		InReplyTo:                 stripBrackets(h.Get("In-Reply-To")),
		Subject:                   decodeHeaderWord(h.Get("Subject")),
		ChatVersion:               h.Get("Chat-Version"),
		GroupID:                   h.Get("Chat-Group-ID"),
		GroupName:                 decodeHeaderWord(h.Get("Chat-Group-Name")),
		GroupNameChanged:          decodeHeaderWord(h.Get("Chat-Group-Name-Changed")),
		GroupMemberAdded:          h.Get("Chat-Group-Member-Added"),
		GroupMemberRemoved:        h.Get("Chat-Group-Member-Removed"),
		GroupImage:                h.Get("Chat-Group-Image") != "",
		GroupVerified:             h.Get("Chat-Verified") != "",
		DispositionNotificationTo: h.Get("Chat-Disposition-Notification-To"),
		Autocrypt:                 h.Get("Autocrypt"),
		SetupMessage:              h.Get("Autocrypt-Setup-Message"),
		SecureJoin:                h.Get("Secure-Join"),
		SecureJoinInvitenumber:    h.Get("Secure-Join-Invitenumber"),
		SecureJoinAuth:            h.Get("Secure-Join-Auth"),
		SecureJoinFingerprint:     h.Get("Secure-Join-Fingerprint"),
		SecureJoinGroupID:         h.Get("Secure-Join-Group"),
		RawHeaders:                raw[:headerEnd(raw)],
	}

	if from := h.Get("From"); from != "" {
		p.FromName, p.From = splitAddress(from)
	}
	p.To = splitAddressList(h.Get("To"))
	p.Cc = splitAddressList(h.Get("Cc"))
	for _, ref := range strings.Fields(h.Get("References")) {
		p.References = append(p.References, stripBrackets(ref))
	}
	for _, f := range splitHeaderFields(h, "Autocrypt-Gossip") {
		p.AutocryptGossip = append(p.AutocryptGossip, f)
	}

	contentType := h.Get("Content-Type")
	if isPGPEncryptedContentType(contentType) {
		p.IsPGPEncrypted = true
		payload, err := extractPGPPayload(entity)
		if err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, "mimecodec.Parse", err)
		}
		p.PGPPayload = payload
		return p, nil
	}

	if mr := entity.MultipartReader(); mr != nil {
		if err := parseMultipart(mr, p); err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, "mimecodec.Parse", err)
		}
	} else {
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, "mimecodec.Parse", err)
		}
		p.BodyText = string(body)
	}

	return p, nil
}

func parseMultipart(mr gomessage.MultipartReader, p *Parsed) error {
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return nil
		}

		ct, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		contentID := strings.Trim(part.Header.Get("Content-ID"), "<>")

		if strings.HasPrefix(ct, "multipart/") {
			if nested := part.MultipartReader(); nested != nil {
				if err := parseMultipart(nested, p); err != nil {
					return err
				}
				continue
			}
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}

		if disposition == "attachment" || (disposition == "" && contentID != "" && ct != "text/plain") {
			p.Attachments = append(p.Attachments, Attachment{
				Filename:    dispParams["filename"],
				ContentType: ct,
				ContentID:   contentID,
				Inline:      contentID != "",
				Data:        data,
			})
			continue
		}

		if ct == "text/plain" && p.BodyText == "" {
			p.BodyText = decodeCharset(data, params["charset"])
		}
	}
}

func isPGPEncryptedContentType(ct string) bool {
	mediatype, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediatype == "multipart/encrypted" && strings.Contains(ct, "application/pgp-encrypted")
}

// extractPGPPayload pulls the armored ciphertext out of an RFC 3156
// multipart/encrypted structure (the version-identification part is
// discarded, only the octet-stream part matters).
func extractPGPPayload(entity *gomessage.Entity) (string, error) {
	mr := entity.MultipartReader()
	if mr == nil {
		return "", errors.New("multipart/encrypted body is not multipart")
	}
	var payload []byte
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if ct == "application/octet-stream" {
			payload, err = io.ReadAll(part.Body)
			if err != nil {
				return "", err
			}
			break
		}
	}
	if len(payload) == 0 {
		return "", errors.New("multipart/encrypted body has no octet-stream part")
	}
	return string(payload), nil
}

func stripBrackets(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, "<>")
}

func decodeHeaderWord(s string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func splitAddress(s string) (name, addr string) {
	s = decodeHeaderWord(strings.TrimSpace(s))
	if i := strings.LastIndex(s, "<"); i >= 0 && strings.HasSuffix(s, ">") {
		name = strings.Trim(strings.TrimSpace(s[:i]), `"`)
		addr = s[i+1 : len(s)-1]
		return name, addr
	}
	return "", s
}

func splitAddressList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		_, addr := splitAddress(part)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func splitHeaderFields(h gomessage.Header, key string) []string {
	var out []string
	fields := h.FieldsByKey(key)
	for fields.Next() {
		out = append(out, fields.Value())
	}
	return out
}

func headerEnd(raw []byte) int {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return i
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return i
	}
	return len(raw)
}

// decodeCharset converts a declared non-UTF-8 body into UTF-8. A missing,
// empty, or already-valid-UTF-8 charset is passed through untouched; an
// unrecognized charset name falls back to the raw bytes rather than
// failing ingestion over a single malformed part.
func decodeCharset(data []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(data)
	}
	if utf8.Valid(data) {
		return string(data)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(data)
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}
