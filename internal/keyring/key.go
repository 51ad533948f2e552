// Package keyring is the account context's OpenPGP key manager: keypair
// generation, armored import/export, sign/encrypt/decrypt, fingerprint
// formatting, Autocrypt header encode/decode, and Autocrypt Setup Message
// (ASM) encode/decode with a grouped-digits passphrase.
package keyring

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/deltachat/dccore/internal/coreerr"
)

// Key is the metadata extracted from a parsed OpenPGP entity, independent
// of whatever format it was stored in.
type Key struct {
	Fingerprint string
	KeyID       string
	Algorithm   string
	KeySize     int
	Email       string
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	IsExpired   bool
	HasPrivate  bool
}

// GenerateKeypair creates a new RSA-2048 OpenPGP keypair for the given
// address and display name, matching the key strength the original
// implementation defaults new accounts to.
func GenerateKeypair(addr, displayName string) (*openpgp.Entity, error) {
	cfg := &packet.Config{
		RSABits: 2048,
		Time:    time.Now,
	}
	entity, err := openpgp.NewEntity(displayName, "", addr, cfg)
	if err != nil {
		return nil, coreerr.New(coreerr.ConfigInvalid, "keyring.GenerateKeypair", err)
	}
	return entity, nil
}

// ParseArmoredKey parses an ASCII-armored OpenPGP key (public or private).
func ParseArmoredKey(armored string) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("parse armored key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found in armored data")
	}
	return entities, nil
}

// ParseBinaryKey parses a binary (non-armored) OpenPGP key.
func ParseBinaryKey(data []byte) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse binary key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found in binary data")
	}
	return entities, nil
}

// ParseKeyAuto auto-detects armored vs. binary format.
func ParseKeyAuto(data []byte) (openpgp.EntityList, error) {
	if entities, err := ParseArmoredKey(string(data)); err == nil {
		return entities, nil
	}
	return ParseBinaryKey(data)
}

// ExtractKeyMetadata builds a Key from a parsed entity.
func ExtractKeyMetadata(entity *openpgp.Entity) *Key {
	pk := entity.PrimaryKey

	key := &Key{
		KeyID:       fmt.Sprintf("%016X", pk.KeyId),
		Fingerprint: fmt.Sprintf("%X", pk.Fingerprint),
		Algorithm:   algorithmName(pk.PubKeyAlgo),
		KeySize:     keyBitLength(pk),
		CreatedAt:   pk.CreationTime,
		HasPrivate:  entity.PrivateKey != nil,
	}

	for _, ident := range entity.Identities {
		key.UserID = ident.Name
		if ident.UserId != nil && ident.UserId.Email != "" {
			key.Email = ident.UserId.Email
		}
		if ident.SelfSignature != nil && ident.SelfSignature.KeyLifetimeSecs != nil {
			expiry := pk.CreationTime.Add(time.Duration(*ident.SelfSignature.KeyLifetimeSecs) * time.Second)
			key.ExpiresAt = &expiry
		}
		break
	}

	key.IsExpired = IsKeyExpired(entity)
	return key
}

// KeyFingerprint returns the uppercase hex fingerprint of an entity.
func KeyFingerprint(entity *openpgp.Entity) string {
	return fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)
}

// FormatFingerprint groups a hex fingerprint into 4-character blocks
// ("1234 5678 ...") the way Delta Chat and most OpenPGP UIs display it for
// out-of-band verification.
func FormatFingerprint(fpr string) string {
	var groups []string
	for i := 0; i < len(fpr); i += 4 {
		end := i + 4
		if end > len(fpr) {
			end = len(fpr)
		}
		groups = append(groups, fpr[i:end])
	}
	return strings.Join(groups, " ")
}

// ExtractEmailFromKey returns the email of the first identity, if any.
func ExtractEmailFromKey(entity *openpgp.Entity) string {
	for _, ident := range entity.Identities {
		if ident.UserId != nil && ident.UserId.Email != "" {
			return ident.UserId.Email
		}
	}
	return ""
}

// IsKeyExpired checks the first identity's self-signature for expiry.
func IsKeyExpired(entity *openpgp.Entity) bool {
	now := time.Now()
	for _, ident := range entity.Identities {
		if ident.SelfSignature != nil && ident.SelfSignature.KeyLifetimeSecs != nil {
			expiry := entity.PrimaryKey.CreationTime.Add(
				time.Duration(*ident.SelfSignature.KeyLifetimeSecs) * time.Second,
			)
			if now.After(expiry) {
				return true
			}
		}
		break
	}
	return false
}

func algorithmName(algo packet.PublicKeyAlgorithm) string {
	switch algo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		return "RSA"
	case packet.PubKeyAlgoDSA:
		return "DSA"
	case packet.PubKeyAlgoElGamal:
		return "ElGamal"
	case packet.PubKeyAlgoECDSA:
		return "ECDSA"
	case packet.PubKeyAlgoEdDSA:
		return "EdDSA"
	case packet.PubKeyAlgoECDH:
		return "ECDH"
	default:
		return fmt.Sprintf("Unknown(%d)", algo)
	}
}

func keyBitLength(pk *packet.PublicKey) int {
	bitLen, err := pk.BitLength()
	if err != nil {
		return 0
	}
	return int(bitLen)
}

// ArmorPublicKey exports the public half of an entity as ASCII armor.
func ArmorPublicKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		return "", fmt.Errorf("create armor writer: %w", err)
	}
	if err := entity.Serialize(w); err != nil {
		return "", fmt.Errorf("serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return buf.String(), nil
}

// ArmorPrivateKey exports the private half of an entity as ASCII armor.
func ArmorPrivateKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PRIVATE KEY BLOCK", nil)
	if err != nil {
		return "", fmt.Errorf("create armor writer: %w", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return "", fmt.Errorf("serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return buf.String(), nil
}
