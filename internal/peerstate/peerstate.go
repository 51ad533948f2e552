// Package peerstate tracks, per contact, the Autocrypt key material and
// encryption preference the account has observed, and decides whether an
// outbound message to that contact can be opportunistically encrypted.
package peerstate

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/store"
)

// PreferEncrypt mirrors the Autocrypt prefer-encrypt attribute plus the
// "reset" state a peer can fall back into when its key changes unexpectedly.
type PreferEncrypt int

const (
	PreferNoPreference PreferEncrypt = iota
	PreferMutual
	PreferReset
)

// State is one contact's accumulated Autocrypt knowledge.
type State struct {
	ContactID         int64
	PublicKey         string
	GossipKey         string
	VerifiedKey       string
	Fingerprint       string
	GossipFingerprint string
	PreferEncrypt     PreferEncrypt
	LastSeenAutocrypt int64
	LastSeenGossip    int64
	VerifiedAt        int64
}

// Store persists and evaluates peer state for one account context.
type Store struct {
	db  *store.DB
	log zerolog.Logger
}

// NewStore creates a peer-state store over db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db, log: corelog.WithComponent("peerstate")}
}

// Get loads the known state for a contact, or a zero-value State with
// PreferNoPreference if the contact has never sent an Autocrypt header.
func (s *Store) Get(contactID int64) (*State, error) {
	st := &State{ContactID: contactID}
	var preferInt int
	err := s.db.QueryRow(`
		SELECT public_key, gossip_key, verified_key, fingerprint, gossip_fingerprint,
		       prefer_encrypt, last_seen_autocrypt, last_seen_gossip, verified_at
		FROM peerstates WHERE contact_id = ?
	`, contactID).Scan(&st.PublicKey, &st.GossipKey, &st.VerifiedKey, &st.Fingerprint,
		&st.GossipFingerprint, &preferInt, &st.LastSeenAutocrypt, &st.LastSeenGossip, &st.VerifiedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, coreerr.New(coreerr.IOError, "peerstate.Get", err)
	}
	st.PreferEncrypt = PreferEncrypt(preferInt)
	return st, nil
}

// ObserveAutocrypt updates peer state from a freshly parsed Autocrypt:
// header, applied only when the message's Date is newer than the last one
// seen (out-of-order delivery must never regress known state).
func (s *Store) ObserveAutocrypt(contactID int64, header *keyring.AutocryptHeader, messageTimestamp int64) error {
	current, err := s.Get(contactID)
	if err != nil {
		return err
	}
	if messageTimestamp <= current.LastSeenAutocrypt && current.LastSeenAutocrypt != 0 {
		return nil
	}

	armoredPub, err := keyring.ArmorPublicKey(header.Key)
	if err != nil {
		return err
	}
	fpr := keyring.KeyFingerprint(header.Key)

	prefer := PreferNoPreference
	if header.PreferEncrypt == keyring.PreferEncryptMutual {
		prefer = PreferMutual
	}

	_, err = s.db.Exec(`
		INSERT INTO peerstates (contact_id, public_key, fingerprint, prefer_encrypt, last_seen_autocrypt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			prefer_encrypt = excluded.prefer_encrypt,
			last_seen_autocrypt = excluded.last_seen_autocrypt
	`, contactID, armoredPub, fpr, int(prefer), messageTimestamp)
	if err != nil {
		return coreerr.New(coreerr.IOError, "peerstate.ObserveAutocrypt", err)
	}
	s.log.Debug().Int64("contact_id", contactID).Str("fingerprint", fpr).Msg("observed autocrypt header")
	return nil
}

// ObserveGossip records a Autocrypt-Gossip header seen inside an encrypted
// group message, populating the secondary gossip-key slot rather than the
// primary key.
func (s *Store) ObserveGossip(contactID int64, header *keyring.AutocryptHeader, messageTimestamp int64) error {
	current, err := s.Get(contactID)
	if err != nil {
		return err
	}
	if messageTimestamp <= current.LastSeenGossip && current.LastSeenGossip != 0 {
		return nil
	}

	armoredPub, err := keyring.ArmorPublicKey(header.Key)
	if err != nil {
		return err
	}
	fpr := keyring.KeyFingerprint(header.Key)

	_, err = s.db.Exec(`
		INSERT INTO peerstates (contact_id, gossip_key, gossip_fingerprint, last_seen_gossip)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			gossip_key = excluded.gossip_key,
			gossip_fingerprint = excluded.gossip_fingerprint,
			last_seen_gossip = excluded.last_seen_gossip
	`, contactID, armoredPub, fpr, messageTimestamp)
	if err != nil {
		return coreerr.New(coreerr.IOError, "peerstate.ObserveGossip", err)
	}
	return nil
}

// MarkVerified records that the operator out-of-band verified a contact's
// fingerprint (via Secure-Join), promoting it into the verified_key slot.
func (s *Store) MarkVerified(contactID int64, fingerprint string) error {
	current, err := s.Get(contactID)
	if err != nil {
		return err
	}
	if current.Fingerprint != fingerprint {
		return coreerr.New(coreerr.ProtocolError, "peerstate.MarkVerified", fmt.Errorf("fingerprint mismatch: have %s, verifying %s", current.Fingerprint, fingerprint))
	}

	_, err = s.db.Exec(`
		UPDATE peerstates SET verified_key = public_key, verified_at = ?
		WHERE contact_id = ?
	`, time.Now().Unix(), contactID)
	if err != nil {
		return coreerr.New(coreerr.IOError, "peerstate.MarkVerified", err)
	}
	return nil
}

// CanEncrypt reports whether mutual Autocrypt preference has been
// established and a key is known, i.e. whether an outbound message to this
// contact should be opportunistically encrypted.
func (s *State) CanEncrypt() bool {
	return s.PublicKey != "" && s.PreferEncrypt == PreferMutual
}

// IsVerified reports whether this contact's key was confirmed via
// Secure-Join and not superseded since.
func (s *State) IsVerified() bool {
	return s.VerifiedKey != "" && s.VerifiedKey == s.PublicKey
}
