package keyring

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/deltachat/dccore/internal/coreerr"
)

// EncryptBytes produces an ASCII-armored, PGP/MIME-ready ciphertext of data
// for the given recipients, signed with self. Every recipient's public key
// and the sender's own public key are included so a message remains
// readable on the sender's other devices (self-copy requirement).
func EncryptBytes(recipients openpgp.EntityList, self *openpgp.Entity, data []byte) (string, error) {
	toKeys := append(openpgp.EntityList{}, recipients...)
	if self != nil {
		toKeys = append(toKeys, self)
	}
	if len(toKeys) == 0 {
		return "", coreerr.New(coreerr.ConfigInvalid, "keyring.EncryptBytes", fmt.Errorf("no recipient keys"))
	}

	var cipherBuf bytes.Buffer
	armorWriter, err := armor.Encode(&cipherBuf, "PGP MESSAGE", nil)
	if err != nil {
		return "", fmt.Errorf("create armor writer: %w", err)
	}

	plainWriter, err := openpgp.Encrypt(armorWriter, toKeys, self, nil, nil)
	if err != nil {
		return "", coreerr.New(coreerr.DecryptionFailed, "keyring.EncryptBytes", fmt.Errorf("open encrypt stream: %w", err))
	}
	if _, err := plainWriter.Write(data); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := plainWriter.Close(); err != nil {
		return "", fmt.Errorf("close encrypt stream: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}

	return cipherBuf.String(), nil
}

// DecryptResult carries the recovered plaintext along with the signer
// identity, when the message was also signed.
type DecryptResult struct {
	Plaintext []byte
	SignedBy  *openpgp.Entity
	Verified  bool
}

// DecryptBytes decrypts an armored PGP message using self's private key,
// consulting candidates (the sender's known public keys, typically from
// peer state) to verify an inline signature if present.
func DecryptBytes(armored string, self *openpgp.Entity, candidates openpgp.EntityList) (*DecryptResult, error) {
	block, err := armor.Decode(bytes.NewReader([]byte(armored)))
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.DecryptBytes", fmt.Errorf("decode armor: %w", err))
	}

	keyring := append(openpgp.EntityList{self}, candidates...)
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.DecryptBytes", fmt.Errorf("read message: %w", err))
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.DecryptBytes", fmt.Errorf("read plaintext: %w", err))
	}

	result := &DecryptResult{Plaintext: plaintext}
	if md.SignedBy != nil {
		result.SignedBy = md.SignedBy.Entity
		result.Verified = md.SignatureError == nil
	}
	return result, nil
}

// SymmetricEncrypt encrypts data with a passphrase (no public key involved),
// used for Autocrypt Setup Messages.
func SymmetricEncrypt(data []byte, passphrase string) (string, error) {
	var cipherBuf bytes.Buffer
	armorWriter, err := armor.Encode(&cipherBuf, "PGP MESSAGE", nil)
	if err != nil {
		return "", fmt.Errorf("create armor writer: %w", err)
	}

	cfg := &packet.Config{}
	plainWriter, err := openpgp.SymmetricallyEncrypt(armorWriter, []byte(passphrase), nil, cfg)
	if err != nil {
		return "", coreerr.New(coreerr.DecryptionFailed, "keyring.SymmetricEncrypt", err)
	}
	if _, err := plainWriter.Write(data); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := plainWriter.Close(); err != nil {
		return "", fmt.Errorf("close encrypt stream: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return cipherBuf.String(), nil
}

// SymmetricDecrypt reverses SymmetricEncrypt.
func SymmetricDecrypt(armored, passphrase string) ([]byte, error) {
	block, err := armor.Decode(bytes.NewReader([]byte(armored)))
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.SymmetricDecrypt", fmt.Errorf("decode armor: %w", err))
	}

	tried := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if tried {
			return nil, fmt.Errorf("wrong passphrase")
		}
		tried = true
		return []byte(passphrase), nil
	}

	md, err := openpgp.ReadMessage(block.Body, nil, prompt, nil)
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.SymmetricDecrypt", fmt.Errorf("read message: %w", err))
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, coreerr.New(coreerr.DecryptionFailed, "keyring.SymmetricDecrypt", fmt.Errorf("read plaintext: %w", err))
	}
	return plaintext, nil
}
