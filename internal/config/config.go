// Package config provides the typed key/value configuration store for an
// account context: addr, mail/SMTP credentials, server parameters, and
// feature flags. Writes are unconditional; reads return the stored value
// or a documented default. A handful of `sys.*` keys are virtual and never
// persisted.
package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/store"
	"github.com/rs/zerolog"
)

// CoreVersion is reported via the virtual sys.version key.
const CoreVersion = "1.0.0"

// MsgSizeRecommended is reported via sys.msgsize_max_recommended, in bytes.
const MsgSizeRecommended = 24 * 1024 * 1024

// Known configuration keys (§6 External Interfaces).
const (
	KeyAddr = "addr"

	KeyMailServer   = "mail_server"
	KeyMailUser     = "mail_user"
	KeyMailPw       = "mail_pw"
	KeyMailPort     = "mail_port"
	KeyMailSecurity = "mail_security"

	KeySendServer   = "send_server"
	KeySendUser     = "send_user"
	KeySendPw       = "send_pw"
	KeySendPort     = "send_port"
	KeySendSecurity = "send_security"

	KeyServerFlags = "server_flags"

	KeyDisplayname = "displayname"
	KeySelfstatus  = "selfstatus"
	KeySelfavatar  = "selfavatar"

	KeyE2eeEnabled = "e2ee_enabled"
	KeyMdnsEnabled = "mdns_enabled"

	KeyInboxWatch  = "inbox_watch"
	KeySentboxWatch = "sentbox_watch"
	KeyMvboxWatch  = "mvbox_watch"
	KeyMvboxMove   = "mvbox_move"

	KeyShowEmails      = "show_emails"
	KeySaveMimeHeaders = "save_mime_headers"

	// KeyConfiguredAddr is derived: set only by a successful configure run,
	// never written directly by the host.
	KeyConfiguredAddr = "configured_addr"

	// KeyPrivateKeyDefault/KeyPublicKeyDefault hold the account's default
	// armored OpenPGP keypair, generated on first configure.
	KeyPrivateKeyDefault = "private_key_default"
	KeyPublicKeyDefault  = "public_key_default"

	// KeyAuthType selects the IMAP/SMTP auth mechanism: "password" (default)
	// or "oauth2". The OAuth2 token pair is stored alongside it.
	KeyAuthType            = "auth_type"
	KeyOauth2Provider      = "oauth2_provider"
	KeyOauth2AccessToken   = "oauth2_access_token"
	KeyOauth2RefreshToken  = "oauth2_refresh_token"
	KeyOauth2TokenExpiry   = "oauth2_token_expiry"
)

// Auth types for KeyAuthType.
const (
	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

// Security transport modes (§6).
const (
	SecurityAuto     = "auto"
	SecuritySSL      = "ssl"
	SecurityStartTLS = "starttls"
	SecurityPlain    = "plain"
)

// ShowEmails values.
const (
	ShowEmailsOff      = "off"
	ShowEmailsAccepted = "accepted"
	ShowEmailsAll      = "all"
)

// Virtual system keys, computed rather than stored.
const (
	SysVersion              = "sys.version"
	SysMsgsizeMaxRecommended = "sys.msgsize_max_recommended"
	SysConfigKeys           = "sys.config_keys"
)

var allConfigKeys = []string{
	KeyAddr,
	KeyMailServer, KeyMailUser, KeyMailPw, KeyMailPort, KeyMailSecurity,
	KeySendServer, KeySendUser, KeySendPw, KeySendPort, KeySendSecurity,
	KeyServerFlags,
	KeyDisplayname, KeySelfstatus, KeySelfavatar,
	KeyE2eeEnabled, KeyMdnsEnabled,
	KeyInboxWatch, KeySentboxWatch, KeyMvboxWatch, KeyMvboxMove,
	KeyShowEmails, KeySaveMimeHeaders,
	KeyConfiguredAddr,
	KeyAuthType, KeyOauth2Provider, KeyOauth2AccessToken, KeyOauth2RefreshToken, KeyOauth2TokenExpiry,
}

// Store provides configuration persistence for one account context.
type Store struct {
	db  *store.DB
	log zerolog.Logger
}

// NewStore creates a new configuration store over db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db, log: corelog.WithComponent("config")}
}

// Get retrieves a raw configuration value, or the documented default for
// keys that have one. Unknown/unset keys return "".
func (s *Store) Get(key string) (string, error) {
	switch key {
	case SysVersion:
		return CoreVersion, nil
	case SysMsgsizeMaxRecommended:
		return strconv.Itoa(MsgSizeRecommended), nil
	case SysConfigKeys:
		return strings.Join(allConfigKeys, " "), nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultFor(key), nil
	}
	if err != nil {
		return "", coreerr.New(coreerr.IOError, "config.Get", fmt.Errorf("key %s: %w", key, err))
	}
	return value, nil
}

// Set writes a raw configuration value. Writing sys.* keys is rejected
// since they are computed, not stored.
func (s *Store) Set(key, value string) error {
	if strings.HasPrefix(key, "sys.") {
		return coreerr.New(coreerr.ConfigInvalid, "config.Set", fmt.Errorf("%s is a read-only system key", key))
	}

	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return coreerr.New(coreerr.IOError, "config.Set", fmt.Errorf("key %s: %w", key, err))
	}

	s.log.Debug().Str("key", key).Msg("configuration updated")
	return nil
}

// GetBool reads a boolean configuration value using the "1"/"0" convention.
func (s *Store) GetBool(key string, def bool) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return def, err
	}
	if v == "" {
		return def, nil
	}
	return v == "1", nil
}

// SetBool writes a boolean configuration value as "1"/"0".
func (s *Store) SetBool(key string, value bool) error {
	if value {
		return s.Set(key, "1")
	}
	return s.Set(key, "0")
}

// GetInt reads an integer configuration value, returning def if unset or
// unparsable.
func (s *Store) GetInt(key string, def int) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return def, err
	}
	if v == "" {
		return def, nil
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return def, nil
	}
	return n, nil
}

// SetInt writes an integer configuration value.
func (s *Store) SetInt(key string, value int) error {
	return s.Set(key, strconv.Itoa(value))
}

// IsConfigured reports whether a successful configure run has completed.
func (s *Store) IsConfigured() (bool, error) {
	v, err := s.Get(KeyConfiguredAddr)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// defaultFor returns the documented default for keys that have one when
// unset; other keys default to "".
func defaultFor(key string) string {
	switch key {
	case KeyMailSecurity, KeySendSecurity:
		return SecurityAuto
	case KeyE2eeEnabled:
		return "1"
	case KeyMdnsEnabled:
		return "1"
	case KeyInboxWatch:
		return "1"
	case KeyShowEmails:
		return ShowEmailsAccepted
	case KeyMvboxWatch, KeySentboxWatch, KeyMvboxMove, KeySaveMimeHeaders:
		return "0"
	case KeyAuthType:
		return AuthPassword
	default:
		return ""
	}
}
