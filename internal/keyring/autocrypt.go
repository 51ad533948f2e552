package keyring

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// PreferEncryptMutual is the Autocrypt "prefer-encrypt=mutual" attribute
// value; its absence means "nopreference".
const PreferEncryptMutual = "mutual"

// EncodeAutocryptHeader builds the value of an Autocrypt: header (RFC-ish,
// per the Autocrypt Level 1 spec): addr, an optional prefer-encrypt
// attribute, and base64 keydata with no line wrapping (header folding is
// the MIME layer's job).
func EncodeAutocryptHeader(addr string, entity *openpgp.Entity, preferEncrypt string) (string, error) {
	var keyBuf bytes.Buffer
	if err := entity.Serialize(&keyBuf); err != nil {
		return "", fmt.Errorf("serialize public key: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "addr=%s;", addr)
	if preferEncrypt == PreferEncryptMutual {
		b.WriteString(" prefer-encrypt=mutual;")
	}
	fmt.Fprintf(&b, " keydata=%s", base64.StdEncoding.EncodeToString(keyBuf.Bytes()))
	return b.String(), nil
}

// AutocryptHeader is a parsed Autocrypt: or Autocrypt-Gossip: header.
type AutocryptHeader struct {
	Addr          string
	PreferEncrypt string
	Key           *openpgp.Entity
}

// DecodeAutocryptHeader parses an Autocrypt: header value into its
// semicolon-separated attributes. Unknown attributes are ignored per the
// Autocrypt spec's forward-compatibility rule; a missing or unparsable
// keydata attribute is an error.
func DecodeAutocryptHeader(value string) (*AutocryptHeader, error) {
	h := &AutocryptHeader{}
	var keydata string

	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "addr":
			h.Addr = val
		case "prefer-encrypt":
			h.PreferEncrypt = val
		case "keydata":
			keydata = val
		}
	}

	if keydata == "" {
		return nil, fmt.Errorf("autocrypt header missing keydata")
	}
	raw, err := base64.StdEncoding.DecodeString(keydata)
	if err != nil {
		return nil, fmt.Errorf("decode keydata: %w", err)
	}
	entities, err := ParseBinaryKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse keydata: %w", err)
	}
	h.Key = entities[0]
	return h, nil
}
