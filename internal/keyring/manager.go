package keyring

import (
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
)

// Manager owns the account's default keypair, persisted as armored text
// directly in the configuration store (public_key_default /
// private_key_default), matching how the original core names its exported
// key files.
type Manager struct {
	cfg *config.Store
	log zerolog.Logger

	self *openpgp.Entity
}

// NewManager creates a key manager bound to cfg. It does not load or
// generate anything until EnsureSelfKeypair is called.
func NewManager(cfg *config.Store) *Manager {
	return &Manager{cfg: cfg, log: corelog.WithComponent("keyring")}
}

// EnsureSelfKeypair loads the account's default keypair from the
// configuration store, generating and persisting one on first use.
func (m *Manager) EnsureSelfKeypair(addr, displayName string) (*openpgp.Entity, error) {
	if m.self != nil {
		return m.self, nil
	}

	armoredPriv, err := m.cfg.Get(config.KeyPrivateKeyDefault)
	if err != nil {
		return nil, err
	}
	if armoredPriv != "" {
		entities, err := ParseArmoredKey(armoredPriv)
		if err != nil {
			return nil, coreerr.New(coreerr.CorruptDatabase, "keyring.EnsureSelfKeypair", fmt.Errorf("parse stored private key: %w", err))
		}
		m.self = entities[0]
		return m.self, nil
	}

	m.log.Info().Str("addr", addr).Msg("generating default keypair")
	entity, err := GenerateKeypair(addr, displayName)
	if err != nil {
		return nil, err
	}

	armoredPub, err := ArmorPublicKey(entity)
	if err != nil {
		return nil, err
	}
	armoredPriv, err = ArmorPrivateKey(entity)
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Set(config.KeyPublicKeyDefault, armoredPub); err != nil {
		return nil, err
	}
	if err := m.cfg.Set(config.KeyPrivateKeyDefault, armoredPriv); err != nil {
		return nil, err
	}

	m.self = entity
	return m.self, nil
}

// Self returns the cached default keypair, if EnsureSelfKeypair has run.
func (m *Manager) Self() *openpgp.Entity {
	return m.self
}

// PublicArmored returns the armored public half of the default keypair.
func (m *Manager) PublicArmored() (string, error) {
	return m.cfg.Get(config.KeyPublicKeyDefault)
}

// PrivateArmored returns the armored private half of the default keypair.
func (m *Manager) PrivateArmored() (string, error) {
	return m.cfg.Get(config.KeyPrivateKeyDefault)
}

// ImportSelfKeypair overwrites the account's default keypair with an
// imported one (used by Autocrypt Setup Message and backup restore).
func (m *Manager) ImportSelfKeypair(entity *openpgp.Entity) error {
	armoredPub, err := ArmorPublicKey(entity)
	if err != nil {
		return err
	}
	armoredPriv, err := ArmorPrivateKey(entity)
	if err != nil {
		return err
	}
	if err := m.cfg.Set(config.KeyPublicKeyDefault, armoredPub); err != nil {
		return err
	}
	if err := m.cfg.Set(config.KeyPrivateKeyDefault, armoredPriv); err != nil {
		return err
	}
	m.self = entity
	return nil
}
