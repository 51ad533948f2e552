package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/job"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/mimecodec"
)

// sendJobParam is the job.Queue payload for KindSendMessage: everything the
// handler needs to rebuild and transmit the message without touching the
// messages table's full schema.
type sendJobParam struct {
	MessageID string
	ChatID    int64
	Text      string
}

// registerJobHandlers wires every job.Kind this account context knows how
// to run. Called once from Start before the queue's Run loop begins.
func (a *Account) registerJobHandlers() {
	a.Jobs.Register(job.KindSendMessage, a.handleSendMessage)
	a.Jobs.Register(job.KindMarkSeenOnImap, a.handleMarkSeenOnImap)
	a.Jobs.OnTerminalFailure(job.KindSendMessage, a.handleSendMessageTerminallyFailed)
}

// SendText composes and enqueues a plain-text message to chatID. It
// inserts the outgoing row immediately (so the UI sees it right away, in
// STATE_PENDING-equivalent terms) and returns its message ID; actual
// network delivery happens asynchronously via the job queue.
func (a *Account) SendText(chatID int64, text string) (int64, error) {
	chat, err := a.Chats.Get(chatID)
	if err != nil {
		return 0, err
	}

	addr, err := a.selfAddr()
	if err != nil {
		return 0, err
	}

	rfc724mid := fmt.Sprintf("%d.%d@dccore", time.Now().UnixNano(), chatID)

	res, err := a.db.Exec(`
		INSERT INTO messages (chat_id, from_id, rfc724_mid, timestamp_sent, timestamp_rcvd, timestamp_sort, state, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, chatID, chatmodel.ContactSelf, rfc724mid, time.Now().Unix(), time.Now().Unix(), time.Now().Unix(), stateOutPending, text)
	if err != nil {
		return 0, coreerr.New(coreerr.IOError, "account.SendText", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return 0, coreerr.New(coreerr.IOError, "account.SendText", err)
	}

	if err := a.Jobs.Add(job.KindSendMessage, rfc724mid, sendJobParam{MessageID: rfc724mid, ChatID: chatID, Text: text}, 0); err != nil {
		return 0, err
	}

	a.Events.Emit(&eventbus.Event{Kind: eventbus.MsgsChanged, ChatID: chatID, MsgID: msgID})
	if chat.Unpromoted {
		_ = a.Chats.Promote(chatID)
	}
	return msgID, nil
}

// Message states this package assigns beyond the ones ingest owns for
// inbound mail (§3 Data Model).
const (
	stateOutPending   = 20
	stateOutDelivered = 26
	stateOutFailed    = 24
)

func (a *Account) handleSendMessage(ctx context.Context, j job.Job) error {
	var p sendJobParam
	if err := json.Unmarshal([]byte(j.Param), &p); err != nil {
		return coreerr.New(coreerr.ProtocolError, "account.handleSendMessage", err)
	}

	chat, err := a.Chats.Get(p.ChatID)
	if err != nil {
		return err
	}
	memberIDs, err := a.Chats.Members(p.ChatID)
	if err != nil {
		return err
	}

	selfAddr, err := a.selfAddr()
	if err != nil {
		return err
	}
	displayname, _ := a.Config.Get(config.KeyDisplayname)

	var recipients []string
	var recipientContactIDs []int64
	for _, id := range memberIDs {
		if id == chatmodel.ContactSelf {
			continue
		}
		contact, gerr := a.Contacts.Get(id)
		if gerr != nil {
			continue
		}
		recipients = append(recipients, contact.Addr)
		recipientContactIDs = append(recipientContactIDs, id)
	}
	if len(recipients) == 0 {
		return coreerr.New(coreerr.ConfigInvalid, "account.handleSendMessage", fmt.Errorf("chat %d has no recipients", p.ChatID))
	}

	out := &mimecodec.OutMessage{
		MessageID:   strings.TrimSuffix(strings.TrimPrefix(p.MessageID, "<"), ">"),
		From:        selfAddr,
		FromName:    displayname,
		To:          recipients,
		Subject:     "Chat: " + firstLine(p.Text),
		Text:        p.Text,
		ChatVersion: "1.0",
	}
	if chat.Type == chatmodel.ChatTypeGroup || chat.Type == chatmodel.ChatTypeVerifiedGroup {
		out.GroupID = chat.GrpID
		out.GroupName = chat.Name
		out.GroupVerified = chat.Type == chatmodel.ChatTypeVerifiedGroup
	}

	self := a.Keys.Self()
	if header, herr := keyring.EncodeAutocryptHeader(selfAddr, self, keyring.PreferEncryptMutual); herr == nil {
		out.AutocryptHeader = header
	}

	canEncrypt, recipientKeys := a.canEncryptTo(recipientContactIDs)
	if !canEncrypt && chat.Type == chatmodel.ChatTypeVerifiedGroup {
		// Verified groups always encrypt (§4.6); a member whose key can no
		// longer be encrypted to is a configuration error, not something to
		// retry our way out of, so this is returned as a terminal failure.
		return coreerr.New(coreerr.ProtocolError, "account.handleSendMessage",
			fmt.Errorf("verified group %d has a member that cannot be encrypted to", p.ChatID))
	}
	if canEncrypt {
		plain, berr := mimecodec.Build(out)
		if berr != nil {
			return berr
		}
		armored, eerr := keyring.EncryptBytes(recipientKeys, self, plain)
		if eerr != nil {
			return eerr
		}
		out = &mimecodec.OutMessage{MessageID: out.MessageID, From: selfAddr, FromName: displayname, To: recipients, Subject: out.Subject, PGPPayload: armored}
	}

	raw, err := mimecodec.Build(out)
	if err != nil {
		return err
	}

	if err := a.smtp.Send(ctx, selfAddr, recipients, raw); err != nil {
		// Returned as-is so job.Queue.retryOrFail can back off and retry;
		// OUT_FAILED is only reached once retries are exhausted, via
		// handleSendMessageTerminallyFailed.
		return err
	}

	a.markSendDelivered(p.MessageID)
	a.InterruptIMAP()
	return nil
}

// handleSendMessageTerminallyFailed is job.Queue's terminal-failure callback
// for KindSendMessage: only once retryOrFail has given up (backoff
// exhausted) does the message actually move to OUT_FAILED, so a transient
// offline stretch retries transparently instead of failing on the first
// SMTP error.
func (a *Account) handleSendMessageTerminallyFailed(j job.Job, cause error) {
	var p sendJobParam
	if err := json.Unmarshal([]byte(j.Param), &p); err != nil {
		return
	}
	a.markSendFailed(p.MessageID)
}

// canEncryptTo reports whether every recipient has a usable, mutually
// preferred Autocrypt key on file, returning their keys if so. Delta
// Chat's opportunistic encryption never partially encrypts a group
// message: all recipients must support it or none do.
func (a *Account) canEncryptTo(contactIDs []int64) (bool, openpgp.EntityList) {
	var keys openpgp.EntityList
	for _, id := range contactIDs {
		st, err := a.Peers.Get(id)
		if err != nil || !st.CanEncrypt() {
			return false, nil
		}
		entities, perr := keyring.ParseArmoredKey(st.PublicKey)
		if perr != nil || len(entities) == 0 {
			return false, nil
		}
		keys = append(keys, entities[0])
	}
	return len(contactIDs) > 0, keys
}

func (a *Account) markSendDelivered(rfc724mid string) {
	_, _ = a.db.Exec("UPDATE messages SET state = ? WHERE rfc724_mid = ?", stateOutDelivered, rfc724mid)
	var chatID, msgID int64
	_ = a.db.QueryRow("SELECT chat_id, id FROM messages WHERE rfc724_mid = ?", rfc724mid).Scan(&chatID, &msgID)
	a.Events.Emit(&eventbus.Event{Kind: eventbus.MsgDelivered, ChatID: chatID, MsgID: msgID})
}

func (a *Account) markSendFailed(rfc724mid string) {
	_, _ = a.db.Exec("UPDATE messages SET state = ? WHERE rfc724_mid = ?", stateOutFailed, rfc724mid)
	var chatID, msgID int64
	_ = a.db.QueryRow("SELECT chat_id, id FROM messages WHERE rfc724_mid = ?", rfc724mid).Scan(&chatID, &msgID)
	a.Events.Emit(&eventbus.Event{Kind: eventbus.MsgFailed, ChatID: chatID, MsgID: msgID})
}

func (a *Account) handleMarkSeenOnImap(ctx context.Context, j job.Job) error {
	// Flagging \Seen on the origin IMAP server is folder-specific IMAP
	// store work the imapworker triad does not yet expose a primitive for;
	// tracked as a known gap rather than faked with a no-op success.
	return coreerr.New(coreerr.Unsupported, "account.handleMarkSeenOnImap", fmt.Errorf("imap \\Seen propagation not implemented"))
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 60 {
		text = text[:60]
	}
	return text
}
