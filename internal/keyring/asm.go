package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"golang.org/x/crypto/scrypt"

	"github.com/deltachat/dccore/internal/coreerr"
)

// asmScryptSalt is fixed rather than random: the setup code itself already
// carries the message's entropy (36 decimal digits), so scrypt here is a
// defense-in-depth stretch against brute-forcing a captured setup message
// offline, not a substitute for salting a low-entropy user password.
var asmScryptSalt = []byte("dccore-autocrypt-setup-message-v1")

// stretchPassphrase runs the setup code through scrypt before it reaches
// OpenPGP's own S2K derivation, so recovering the symmetric key from a
// captured Setup Message payload costs an scrypt pass per guess instead of
// a single SHA digest.
func stretchPassphrase(passphrase string) (string, error) {
	key, err := scrypt.Key([]byte(passphrase), asmScryptSalt, 1<<14, 8, 1, 32)
	if err != nil {
		return "", fmt.Errorf("stretch setup passphrase: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// GeneratePassphrase creates a 9x4-digit setup code ("1234-5678-...-9012"),
// the format Autocrypt Setup Messages use so a human can type it on a
// second device without scanning anything.
func GeneratePassphrase() (string, error) {
	groups := make([]string, 9)
	for i := range groups {
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		if err != nil {
			return "", fmt.Errorf("generate passphrase group: %w", err)
		}
		groups[i] = fmt.Sprintf("%04d", n.Int64())
	}
	return strings.Join(groups, "-"), nil
}

// EncodeSetupMessage wraps the account's armored private key in a
// passphrase-protected symmetric envelope, the payload of an
// Autocrypt-Setup-Message (Setup Message format, Level 1 extension).
func EncodeSetupMessage(self *openpgp.Entity, passphrase string) (string, error) {
	armoredPriv, err := ArmorPrivateKey(self)
	if err != nil {
		return "", err
	}
	stretched, err := stretchPassphrase(normalizePassphrase(passphrase))
	if err != nil {
		return "", err
	}
	return SymmetricEncrypt([]byte(armoredPriv), stretched)
}

// DecodeSetupMessage recovers the private key entity from an
// Autocrypt-Setup-Message payload and its passphrase.
func DecodeSetupMessage(payload, passphrase string) (*openpgp.Entity, error) {
	stretched, err := stretchPassphrase(normalizePassphrase(passphrase))
	if err != nil {
		return nil, err
	}
	plaintext, err := SymmetricDecrypt(payload, stretched)
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.DecodeSetupMessage", err)
	}
	entities, err := ParseArmoredKey(string(plaintext))
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.DecodeSetupMessage", fmt.Errorf("parse recovered key: %w", err))
	}
	return entities[0], nil
}

// normalizePassphrase strips the dashes a user might type between the
// 4-digit groups; the underlying symmetric key derivation treats the code
// as plain digits.
func normalizePassphrase(p string) string {
	return strings.ReplaceAll(p, "-", "")
}
