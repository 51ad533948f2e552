// Package chatmodel implements the contact and chat data model: contact
// resolution and origin tracking, 1:1 and group chat CRUD, membership, and
// the display-name resolution order a host UI relies on.
package chatmodel

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/store"
)

// Origin values rank how a contact's address was learned, highest wins
// when two origins disagree on a contact's name.
const (
	OriginUnknown       = 0
	OriginIncomingUnknown = 100
	OriginIncomingReplyTo = 200
	OriginIncomingCc    = 300
	OriginIncomingTo    = 400
	OriginOutgoing      = 500
	OriginAddressBook   = 600
	OriginManuallyCreated = 700
	OriginSecureJoin    = 800
	OriginSelf          = 1000
)

const (
	ContactSelf   int64 = 1
	ContactDevice int64 = 2
)

// Contact is one address book entry.
type Contact struct {
	ID             int64
	Addr           string
	AuthorizedName string
	GivenName      string
	Origin         int
	Blocked        bool
}

// DisplayName resolves the name a UI should show: the user-given name
// takes priority over the name the contact authorized (sent in From:),
// falling back to the address local-part if neither is set.
func (c *Contact) DisplayName() string {
	if c.GivenName != "" {
		return c.GivenName
	}
	if c.AuthorizedName != "" {
		return c.AuthorizedName
	}
	if i := strings.IndexByte(c.Addr, '@'); i > 0 {
		return c.Addr[:i]
	}
	return c.Addr
}

// Contacts provides contact persistence for one account context.
type Contacts struct {
	db  *store.DB
	log zerolog.Logger
}

// NewContacts creates a contact store over db.
func NewContacts(db *store.DB) *Contacts {
	return &Contacts{db: db, log: corelog.WithComponent("chatmodel")}
}

// ResolveByAddr finds or creates a contact for addr, raising its origin
// and authorized name when the new origin outranks what is on file.
// Returns the contact's ID.
func (c *Contacts) ResolveByAddr(addr, authorizedName string, origin int) (int64, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))

	var id int64
	var existingOrigin int
	var existingName string
	err := c.db.QueryRow("SELECT id, origin, authorized_name FROM contacts WHERE addr = ?", addr).
		Scan(&id, &existingOrigin, &existingName)

	if err == sql.ErrNoRows {
		res, insErr := c.db.Exec(`
			INSERT INTO contacts (addr, authorized_name, origin, created_at) VALUES (?, ?, ?, ?)
		`, addr, authorizedName, origin, time.Now().Unix())
		if insErr != nil {
			return 0, coreerr.New(coreerr.IOError, "chatmodel.ResolveByAddr", insErr)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, coreerr.New(coreerr.IOError, "chatmodel.ResolveByAddr", err)
	}

	if origin > existingOrigin {
		name := authorizedName
		if name == "" {
			name = existingName
		}
		if _, updErr := c.db.Exec("UPDATE contacts SET origin = ?, authorized_name = ? WHERE id = ?", origin, name, id); updErr != nil {
			return 0, coreerr.New(coreerr.IOError, "chatmodel.ResolveByAddr", updErr)
		}
	}
	return id, nil
}

// Get loads one contact by ID.
func (c *Contacts) Get(id int64) (*Contact, error) {
	ct := &Contact{ID: id}
	var blocked int
	err := c.db.QueryRow("SELECT addr, authorized_name, given_name, origin, blocked FROM contacts WHERE id = ?", id).
		Scan(&ct.Addr, &ct.AuthorizedName, &ct.GivenName, &ct.Origin, &blocked)
	if err == sql.ErrNoRows {
		return nil, coreerr.New(coreerr.NotFound, "chatmodel.Get", err)
	}
	if err != nil {
		return nil, coreerr.New(coreerr.IOError, "chatmodel.Get", err)
	}
	ct.Blocked = blocked != 0
	return ct, nil
}

// SetName sets the user-given display name for a contact, overriding
// whatever name the contact authorized in its own From: header.
func (c *Contacts) SetName(id int64, name string) error {
	_, err := c.db.Exec("UPDATE contacts SET given_name = ? WHERE id = ?", name, id)
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.SetName", err)
	}
	return nil
}

// RaiseOrigin bumps a contact's origin to origin if it doesn't already rank
// at least that high, mirroring ResolveByAddr's monotonic-origin rule for
// callers (like Secure-Join) that already know the contact's ID.
func (c *Contacts) RaiseOrigin(id int64, origin int) error {
	_, err := c.db.Exec("UPDATE contacts SET origin = ? WHERE id = ? AND origin < ?", origin, id, origin)
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.RaiseOrigin", err)
	}
	return nil
}

// SetBlocked toggles a contact's blocked state.
func (c *Contacts) SetBlocked(id int64, blocked bool) error {
	v := 0
	if blocked {
		v = 1
	}
	_, err := c.db.Exec("UPDATE contacts SET blocked = ? WHERE id = ?", v, id)
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.SetBlocked", err)
	}
	return nil
}
