// Package ingest implements the inbound message classification pipeline:
// turning one parsed MIME message plus its folder context into a stored
// message row attached to the right chat, with peer state updated along
// the way.
package ingest

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/mimecodec"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/store"
)

// Message states (§3 Data Model), the subset ingestion assigns directly.
const (
	StateInFresh   = 10
	StateInNoticed = 13
	StateInSeen    = 16
)

// Classification is the pipeline's step-4 verdict on where an incoming
// message belongs.
type Classification int

const (
	ClassOutboundEcho Classification = iota
	ClassGroup
	ClassThreadedReply
	ClassKnownContact
	ClassDeaddrop
)

// Pipeline wires together the stores ingestion needs to classify and
// persist one incoming message.
type Pipeline struct {
	db        *store.DB
	contacts  *chatmodel.Contacts
	chats     *chatmodel.Chats
	peers     *peerstate.Store
	keyMgr    *keyring.Manager
	bus       *eventbus.Bus
	selfAddr  string
	log       zerolog.Logger
}

// NewPipeline constructs an ingestion pipeline for one account context.
func NewPipeline(db *store.DB, contacts *chatmodel.Contacts, chats *chatmodel.Chats, peers *peerstate.Store, keyMgr *keyring.Manager, bus *eventbus.Bus, selfAddr string) *Pipeline {
	return &Pipeline{
		db: db, contacts: contacts, chats: chats, peers: peers,
		keyMgr: keyMgr, bus: bus, selfAddr: selfAddr,
		log: corelog.WithComponent("ingest"),
	}
}

// Result is what Ingest reports back to the worker that called it, mainly
// so it can decide whether to set \Seen or move the message to mvbox.
type Result struct {
	MessageID     int64
	ChatID        int64
	Classification Classification
	IsDuplicate   bool
}

// Ingest runs the full classification pipeline over one parsed message.
func (p *Pipeline) Ingest(raw []byte) (*Result, error) {
	parsed, err := mimecodec.Parse(raw)
	if err != nil {
		return nil, err
	}

	// Step 1: determine whether this is our own outbound message looped
	// back to us (sent from our own address).
	isOutboundEcho := strings.EqualFold(parsed.From, p.selfAddr)

	// Step 2: resolve/update the sender contact and its origin.
	fromOrigin := chatmodel.OriginIncomingUnknown
	if isOutboundEcho {
		fromOrigin = chatmodel.OriginOutgoing
	}
	fromID, err := p.contacts.ResolveByAddr(parsed.From, parsed.FromName, fromOrigin)
	if err != nil {
		return nil, err
	}
	if isOutboundEcho {
		fromID = chatmodel.ContactSelf
	}

	for _, addr := range parsed.To {
		origin := chatmodel.OriginIncomingTo
		if isOutboundEcho {
			origin = chatmodel.OriginOutgoing
		}
		if _, err := p.contacts.ResolveByAddr(addr, "", origin); err != nil {
			return nil, err
		}
	}

	// Step 3: update peer state from any Autocrypt headers present,
	// skipping encrypted bodies we cannot read headers out of beyond the
	// outer envelope (handled here at the header level regardless).
	if parsed.Autocrypt != "" && !isOutboundEcho {
		if header, decErr := keyring.DecodeAutocryptHeader(parsed.Autocrypt); decErr == nil {
			ts := parseDate(parsed.Date)
			if perr := p.peers.ObserveAutocrypt(fromID, header, ts); perr != nil {
				p.log.Warn().Err(perr).Msg("failed to persist autocrypt header")
			}
		}
	}
	for _, gossip := range parsed.AutocryptGossip {
		if header, decErr := keyring.DecodeAutocryptHeader(gossip); decErr == nil {
			ts := parseDate(parsed.Date)
			if perr := p.peers.ObserveGossip(fromID, header, ts); perr != nil {
				p.log.Warn().Err(perr).Msg("failed to persist gossip header")
			}
		}
	}

	// Step 4: classify.
	var chatID int64
	var class Classification
	switch {
	case isOutboundEcho:
		class = ClassOutboundEcho
		chatID, err = p.resolveDestinationForOutboundEcho(parsed)
	case parsed.GroupID != "":
		class = ClassGroup
		chatID, err = p.chats.GetOrCreateByGrpID(parsed.GroupID, parsed.GroupName, parsed.GroupVerified)
	case parsed.InReplyTo != "" && p.hasKnownThread(parsed.InReplyTo):
		class = ClassThreadedReply
		chatID, err = p.chatForThread(parsed.InReplyTo)
	case p.isKnownContact(fromID):
		class = ClassKnownContact
		chatID, err = p.chats.GetOrCreateSingle(fromID)
	default:
		class = ClassDeaddrop
		chatID = chatmodel.ChatDeaddrop
	}
	if err != nil {
		return nil, err
	}

	// Step 5: clamp timestamp_sort so a message never reorders itself
	// ahead of anything already delivered in the chat (clock-skew guard).
	tsSent := parseDate(parsed.Date)
	tsSort, err := p.clampSort(chatID, tsSent)
	if err != nil {
		return nil, err
	}

	// Step 6: pick the initial message state.
	state := StateInFresh
	if isOutboundEcho {
		state = StateInSeen
	} else if class == ClassDeaddrop {
		state = StateInNoticed
	}

	// Step 7: persist and emit, with rfc724_mid deduplication.
	msgID, isDup, err := p.persist(chatID, fromID, parsed, tsSent, tsSort, state)
	if err != nil {
		return nil, err
	}

	if !isDup && p.bus != nil {
		kind := eventbus.IncomingMsg
		if isOutboundEcho {
			kind = eventbus.MsgsChanged
		}
		p.bus.Emit(&eventbus.Event{Kind: kind, ChatID: chatID, MsgID: msgID})
	}

	return &Result{MessageID: msgID, ChatID: chatID, Classification: class, IsDuplicate: isDup}, nil
}

func (p *Pipeline) resolveDestinationForOutboundEcho(parsed *mimecodec.Parsed) (int64, error) {
	if parsed.GroupID != "" {
		return p.chats.GetOrCreateByGrpID(parsed.GroupID, parsed.GroupName, parsed.GroupVerified)
	}
	if len(parsed.To) > 0 {
		contactID, err := p.contacts.ResolveByAddr(parsed.To[0], "", chatmodel.OriginOutgoing)
		if err != nil {
			return 0, err
		}
		return p.chats.GetOrCreateSingle(contactID)
	}
	return chatmodel.ChatDeaddrop, nil
}

func (p *Pipeline) hasKnownThread(inReplyTo string) bool {
	var count int
	_ = p.db.QueryRow("SELECT COUNT(*) FROM messages WHERE rfc724_mid = ?", inReplyTo).Scan(&count)
	return count > 0
}

func (p *Pipeline) chatForThread(inReplyTo string) (int64, error) {
	var chatID int64
	err := p.db.QueryRow("SELECT chat_id FROM messages WHERE rfc724_mid = ?", inReplyTo).Scan(&chatID)
	if err != nil {
		return 0, coreerr.New(coreerr.IOError, "ingest.chatForThread", err)
	}
	return chatID, nil
}

func (p *Pipeline) isKnownContact(contactID int64) bool {
	var origin int
	err := p.db.QueryRow("SELECT origin FROM contacts WHERE id = ?", contactID).Scan(&origin)
	if err != nil {
		return false
	}
	return origin >= chatmodel.OriginOutgoing
}

func (p *Pipeline) clampSort(chatID int64, ts int64) (int64, error) {
	var maxSort int64
	err := p.db.QueryRow("SELECT COALESCE(MAX(timestamp_sort), 0) FROM messages WHERE chat_id = ?", chatID).Scan(&maxSort)
	if err != nil {
		return 0, coreerr.New(coreerr.IOError, "ingest.clampSort", err)
	}
	if ts <= maxSort {
		return maxSort + 1, nil
	}
	return ts, nil
}

func (p *Pipeline) persist(chatID, fromID int64, parsed *mimecodec.Parsed, tsSent, tsSort int64, state int) (int64, bool, error) {
	var existing int64
	err := p.db.QueryRow("SELECT id FROM messages WHERE rfc724_mid = ?", parsed.MessageID).Scan(&existing)
	if err == nil {
		return existing, true, nil
	}

	res, err := p.db.Exec(`
		INSERT INTO messages (chat_id, from_id, rfc724_mid, timestamp_sent, timestamp_rcvd, timestamp_sort,
		                       state, text, mime_headers, show_padlock)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, chatID, fromID, parsed.MessageID, tsSent, time.Now().Unix(), tsSort, state, parsed.BodyText,
		parsed.RawHeaders, boolToInt(parsed.IsPGPEncrypted))
	if err != nil {
		return 0, false, coreerr.New(coreerr.IOError, "ingest.persist", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, coreerr.New(coreerr.IOError, "ingest.persist", err)
	}
	return id, false, nil
}

func parseDate(date string) int64 {
	if date == "" {
		return time.Now().Unix()
	}
	t, err := time.Parse(time.RFC1123Z, date)
	if err != nil {
		t, err = time.Parse(time.RFC1123, date)
		if err != nil {
			return time.Now().Unix()
		}
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
