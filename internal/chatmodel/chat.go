package chatmodel

import (
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/store"
)

// Chat types (§3 Data Model's three-way enum).
const (
	ChatTypeSingle        = "single"
	ChatTypeGroup         = "group"
	ChatTypeVerifiedGroup = "verified-group"
)

// Reserved virtual chat IDs (§3 Data Model).
const (
	ChatDeaddrop        int64 = 1
	ChatTrash           int64 = 2
	ChatMsgsInCreation  int64 = 3
	ChatStarred         int64 = 4
	ChatArchivedLink    int64 = 5
	ChatAllDoneHint     int64 = 6
)

// Chat is one conversation: a 1:1 thread, a group, or a reserved virtual
// chat used for UI bookkeeping.
type Chat struct {
	ID         int64
	Type       string
	Name       string
	GrpID      string
	Archived   bool
	Blocked    int
	Unpromoted bool
}

// Chats provides chat persistence for one account context.
type Chats struct {
	db    *store.DB
	peers *peerstate.Store
}

// NewChats creates a chat store over db. peers may be nil in tests that
// never exercise verified-group membership; account wiring always supplies
// one so AddMember can enforce the verified-contacts-only invariant.
func NewChats(db *store.DB, peers *peerstate.Store) *Chats {
	return &Chats{db: db, peers: peers}
}

// GetOrCreateSingle returns the 1:1 chat with contactID, creating an
// unpromoted one if none exists yet (a chat becomes "promoted" once the
// first message is actually sent to the network).
func (c *Chats) GetOrCreateSingle(contactID int64) (int64, error) {
	var chatID int64
	err := c.db.QueryRow(`
		SELECT ch.id FROM chats ch
		JOIN chat_members cm ON cm.chat_id = ch.id
		WHERE ch.type = ? AND cm.contact_id = ? AND ch.id > 9
	`, ChatTypeSingle, contactID).Scan(&chatID)
	if err == nil {
		return chatID, nil
	}
	if err != sql.ErrNoRows {
		return 0, coreerr.New(coreerr.IOError, "chatmodel.GetOrCreateSingle", err)
	}

	var newID int64
	txErr := c.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO chats (type, unpromoted, created_at) VALUES (?, 1, ?)
		`, ChatTypeSingle, time.Now().Unix())
		if err != nil {
			return err
		}
		newID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO chat_members (chat_id, contact_id, added_at) VALUES (?, ?, ?)`,
			newID, contactID, time.Now().Unix())
		return err
	})
	if txErr != nil {
		return 0, coreerr.New(coreerr.IOError, "chatmodel.GetOrCreateSingle", txErr)
	}
	return newID, nil
}

// GenerateGroupID creates a random, URL-safe group identifier exchanged in
// the Chat-Group-ID header.
func GenerateGroupID() (string, error) {
	buf := make([]byte, 11)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimRight(base32.StdEncoding.EncodeToString(buf), "=")), nil
}

// CreateGroup creates a new, unpromoted group chat owned by self.
func (c *Chats) CreateGroup(name string) (chatID int64, grpID string, err error) {
	grpID, err = GenerateGroupID()
	if err != nil {
		return 0, "", err
	}

	txErr := c.db.WithTx(func(tx *sql.Tx) error {
		res, execErr := tx.Exec(`
			INSERT INTO chats (type, name, grp_id, unpromoted, created_at) VALUES (?, ?, ?, 1, ?)
		`, ChatTypeGroup, name, grpID, time.Now().Unix())
		if execErr != nil {
			return execErr
		}
		chatID, execErr = res.LastInsertId()
		if execErr != nil {
			return execErr
		}
		_, execErr = tx.Exec(`INSERT INTO chat_members (chat_id, contact_id, added_at) VALUES (?, ?, ?)`,
			chatID, ContactSelf, time.Now().Unix())
		return execErr
	})
	if txErr != nil {
		return 0, "", coreerr.New(coreerr.IOError, "chatmodel.CreateGroup", txErr)
	}
	return chatID, grpID, nil
}

// CreateVerifiedGroup creates a new, unpromoted verified-group chat owned by
// self. Verified groups always encrypt outbound mail and restrict
// membership to contacts Secure-Join has confirmed (§3 invariant).
func (c *Chats) CreateVerifiedGroup(name string) (chatID int64, grpID string, err error) {
	grpID, err = GenerateGroupID()
	if err != nil {
		return 0, "", err
	}

	txErr := c.db.WithTx(func(tx *sql.Tx) error {
		res, execErr := tx.Exec(`
			INSERT INTO chats (type, name, grp_id, unpromoted, created_at) VALUES (?, ?, ?, 1, ?)
		`, ChatTypeVerifiedGroup, name, grpID, time.Now().Unix())
		if execErr != nil {
			return execErr
		}
		chatID, execErr = res.LastInsertId()
		if execErr != nil {
			return execErr
		}
		_, execErr = tx.Exec(`INSERT INTO chat_members (chat_id, contact_id, added_at) VALUES (?, ?, ?)`,
			chatID, ContactSelf, time.Now().Unix())
		return execErr
	})
	if txErr != nil {
		return 0, "", coreerr.New(coreerr.IOError, "chatmodel.CreateVerifiedGroup", txErr)
	}
	return chatID, grpID, nil
}

// GetOrCreateByGrpID resolves an incoming Chat-Group-ID to a local chat,
// creating an unpromoted placeholder chat when this is the first message
// seen for that group. verified carries the inbound Chat-Verified flag so a
// verified group's type survives round-tripping through mail.
func (c *Chats) GetOrCreateByGrpID(grpID, name string, verified bool) (int64, error) {
	var chatID int64
	err := c.db.QueryRow("SELECT id FROM chats WHERE grp_id = ?", grpID).Scan(&chatID)
	if err == nil {
		return chatID, nil
	}
	if err != sql.ErrNoRows {
		return 0, coreerr.New(coreerr.IOError, "chatmodel.GetOrCreateByGrpID", err)
	}

	chatType := ChatTypeGroup
	if verified {
		chatType = ChatTypeVerifiedGroup
	}

	res, execErr := c.db.Exec(`
		INSERT INTO chats (type, name, grp_id, unpromoted, created_at) VALUES (?, ?, ?, 1, ?)
	`, chatType, name, grpID, time.Now().Unix())
	if execErr != nil {
		return 0, coreerr.New(coreerr.IOError, "chatmodel.GetOrCreateByGrpID", execErr)
	}
	return res.LastInsertId()
}

// Promote marks a chat as promoted: the group now has at least one member
// aware of it via a sent/received network message.
func (c *Chats) Promote(chatID int64) error {
	_, err := c.db.Exec("UPDATE chats SET unpromoted = 0 WHERE id = ?", chatID)
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.Promote", err)
	}
	return nil
}

// AddMember adds a contact to a group chat. Re-adding an existing member is
// a no-op thanks to the unique (chat_id, contact_id) constraint. A verified
// group refuses to add a contact whose key Secure-Join has not confirmed
// (§3 invariant: verified-group membership restricted to verified contacts).
func (c *Chats) AddMember(chatID, contactID int64) error {
	if c.peers != nil {
		verified, err := c.isVerifiedGroup(chatID)
		if err != nil {
			return err
		}
		if verified {
			st, perr := c.peers.Get(contactID)
			if perr != nil || !st.IsVerified() {
				return coreerr.New(coreerr.ProtocolError, "chatmodel.AddMember",
					fmt.Errorf("contact %d has not been verified via secure-join, cannot join verified group %d", contactID, chatID))
			}
		}
	}

	_, err := c.db.Exec(`
		INSERT INTO chat_members (chat_id, contact_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id, contact_id) DO NOTHING
	`, chatID, contactID, time.Now().Unix())
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.AddMember", err)
	}
	return nil
}

func (c *Chats) isVerifiedGroup(chatID int64) (bool, error) {
	var typ string
	err := c.db.QueryRow("SELECT type FROM chats WHERE id = ?", chatID).Scan(&typ)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, coreerr.New(coreerr.IOError, "chatmodel.isVerifiedGroup", err)
	}
	return typ == ChatTypeVerifiedGroup, nil
}

// RemoveMember removes a contact from a group chat. Removing SELF leaves
// the chat's history intact but prevents further outbound sends (§3
// invariant: leaving a group never deletes its past messages).
func (c *Chats) RemoveMember(chatID, contactID int64) error {
	_, err := c.db.Exec("DELETE FROM chat_members WHERE chat_id = ? AND contact_id = ?", chatID, contactID)
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.RemoveMember", err)
	}
	return nil
}

// Members lists the contact IDs belonging to a chat.
func (c *Chats) Members(chatID int64) ([]int64, error) {
	rows, err := c.db.Query("SELECT contact_id FROM chat_members WHERE chat_id = ?", chatID)
	if err != nil {
		return nil, coreerr.New(coreerr.IOError, "chatmodel.Members", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, coreerr.New(coreerr.IOError, "chatmodel.Members", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsMember reports whether self is still a member of chatID (§3 invariant:
// an operation that requires group membership must check this first).
func (c *Chats) IsMember(chatID, contactID int64) (bool, error) {
	var count int
	err := c.db.QueryRow("SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND contact_id = ?", chatID, contactID).Scan(&count)
	if err != nil {
		return false, coreerr.New(coreerr.IOError, "chatmodel.IsMember", err)
	}
	return count > 0, nil
}

// Get loads one chat by ID.
func (c *Chats) Get(chatID int64) (*Chat, error) {
	ch := &Chat{ID: chatID}
	var archived, unpromoted int
	err := c.db.QueryRow("SELECT type, name, grp_id, archived, blocked, unpromoted FROM chats WHERE id = ?", chatID).
		Scan(&ch.Type, &ch.Name, &ch.GrpID, &archived, &ch.Blocked, &unpromoted)
	if err == sql.ErrNoRows {
		return nil, coreerr.New(coreerr.NotFound, "chatmodel.Get", err)
	}
	if err != nil {
		return nil, coreerr.New(coreerr.IOError, "chatmodel.Get", err)
	}
	ch.Archived = archived != 0
	ch.Unpromoted = unpromoted != 0
	return ch, nil
}

// SetArchived sets a chat's archived flag.
func (c *Chats) SetArchived(chatID int64, archived bool) error {
	v := 0
	if archived {
		v = 1
	}
	_, err := c.db.Exec("UPDATE chats SET archived = ? WHERE id = ?", v, chatID)
	if err != nil {
		return coreerr.New(coreerr.IOError, "chatmodel.SetArchived", err)
	}
	return nil
}
