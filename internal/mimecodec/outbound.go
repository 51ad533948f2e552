package mimecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutAttachment is a file to be attached to an outbound message.
type OutAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
	Inline      bool
	ContentID   string
}

// OutMessage describes everything needed to build one RFC 5322 message.
type OutMessage struct {
	// MessageID, when set, is used verbatim (without angle brackets) as
	// the Message-ID; callers that need to know the rfc724_mid up front
	// (to key a job or a pre-inserted message row) should set this rather
	// than parsing it back out of Build's output. Left empty, Build mints
	// one.
	MessageID string

	From       string
	FromName   string
	To         []string
	Cc         []string
	Subject    string
	Text       string
	InReplyTo  string
	References []string

	ChatVersion        string
	GroupID            string
	GroupName          string
	GroupNameChanged   string
	GroupMemberAdded   string
	GroupMemberRemoved string
	GroupVerified      bool

	AutocryptHeader string
	MdnRequest      bool

	Attachments []OutAttachment

	// PGPPayload, when set, replaces Text/Attachments entirely: the
	// message becomes an RFC 3156 multipart/encrypted envelope around
	// this armored ciphertext.
	PGPPayload string
}

// Build renders m into a full RFC 5322 message ready for SMTP DATA.
func Build(m *OutMessage) ([]byte, error) {
	var buf bytes.Buffer

	messageID := m.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("%s@dccore", uuid.NewString())
	}

	writeHeader(&buf, "Message-ID", "<"+messageID+">")
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "From", formatAddress(m.FromName, m.From))
	writeHeader(&buf, "To", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(m.Cc, ", "))
	}
	writeHeader(&buf, "Subject", encodeSubject(m.Subject))
	if m.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", "<"+m.InReplyTo+">")
	}
	if len(m.References) > 0 {
		refs := make([]string, len(m.References))
		for i, r := range m.References {
			refs[i] = "<" + r + ">"
		}
		writeHeader(&buf, "References", strings.Join(refs, " "))
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	if m.ChatVersion != "" {
		writeHeader(&buf, "Chat-Version", m.ChatVersion)
	}
	if m.GroupID != "" {
		writeHeader(&buf, "Chat-Group-ID", m.GroupID)
		writeHeader(&buf, "Chat-Group-Name", encodeSubject(m.GroupName))
	}
	if m.GroupVerified {
		writeHeader(&buf, "Chat-Verified", "1")
	}
	if m.GroupNameChanged != "" {
		writeHeader(&buf, "Chat-Group-Name-Changed", encodeSubject(m.GroupNameChanged))
	}
	if m.GroupMemberAdded != "" {
		writeHeader(&buf, "Chat-Group-Member-Added", m.GroupMemberAdded)
	}
	if m.GroupMemberRemoved != "" {
		writeHeader(&buf, "Chat-Group-Member-Removed", m.GroupMemberRemoved)
	}
	if m.MdnRequest {
		writeHeader(&buf, "Chat-Disposition-Notification-To", m.From)
	}
	if m.AutocryptHeader != "" {
		writeHeader(&buf, "Autocrypt", m.AutocryptHeader)
	}

	if m.PGPPayload != "" {
		return buildEncrypted(&buf, m.PGPPayload)
	}

	if len(m.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", `text/plain; charset=utf-8`)
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		writeQuotedPrintable(&buf, m.Text)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mw.Boundary()))
	buf.WriteString("\r\n")
	if err := writeMultipartMixed(mw, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildEncrypted(buf *bytes.Buffer, armoredPayload string) ([]byte, error) {
	boundary := generateBoundary()
	writeHeader(buf, "Content-Type", fmt.Sprintf(`multipart/encrypted; protocol="application/pgp-encrypted"; boundary="%s"`, boundary))
	buf.WriteString("\r\n")

	fmt.Fprintf(buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: application/pgp-encrypted\r\n\r\n")
	buf.WriteString("Version: 1\r\n\r\n")

	fmt.Fprintf(buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: application/octet-stream; name=\"encrypted.asc\"\r\n")
	buf.WriteString("Content-Description: OpenPGP encrypted message\r\n\r\n")
	buf.WriteString(armoredPayload)
	buf.WriteString("\r\n")

	fmt.Fprintf(buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

func writeMultipartMixed(mw *multipart.Writer, m *OutMessage) error {
	textHeader := make(map[string][]string)
	textHeader["Content-Type"] = []string{`text/plain; charset=utf-8`}
	textHeader["Content-Transfer-Encoding"] = []string{"quoted-printable"}
	part, err := mw.CreatePart(textHeader)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(m.Text)); err != nil {
		return err
	}
	if err := qp.Close(); err != nil {
		return err
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeAttachment(mw *multipart.Writer, att OutAttachment) error {
	header := make(map[string][]string)
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header["Content-Type"] = []string{fmt.Sprintf(`%s; name="%s"`, ct, att.Filename)}
	header["Content-Transfer-Encoding"] = []string{"base64"}
	if att.Inline {
		header["Content-Disposition"] = []string{fmt.Sprintf(`inline; filename="%s"`, att.Filename)}
		if att.ContentID != "" {
			header["Content-ID"] = []string{"<" + att.ContentID + ">"}
		}
	} else {
		header["Content-Disposition"] = []string{fmt.Sprintf(`attachment; filename="%s"`, att.Filename)}
	}

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	return writeBase64Wrapped(part, att.Data)
}

// writeBase64Wrapped base64-encodes data and wraps it at 76 columns, the
// conventional MIME line length.
func writeBase64Wrapped(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[i:end]+"\r\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeQuotedPrintable(buf *bytes.Buffer, text string) {
	w := quotedprintable.NewWriter(buf)
	w.Write([]byte(text))
	w.Close()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", encodeSubject(name), addr)
}

func encodeSubject(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

func generateBoundary() string {
	return "=_" + uuid.NewString()
}
