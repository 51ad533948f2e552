// Package securejoin implements the Secure-Join contact/group verification
// handshake: an inviter shows a QR code, a joiner scans it, and the two
// sides exchange vc-*/vg-* protocol messages to arrive at a mutually
// verified, encrypted chat without either side ever typing a fingerprint.
package securejoin

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/store"
)

// Role distinguishes which half of the handshake a state belongs to.
type Role string

const (
	RoleInviter Role = "inviter"
	RoleJoiner  Role = "joiner"
)

// Step names the protocol messages exchanged, mirroring the vc-*
// (1:1 contact verification) and vg-* (verified group join) message types.
type Step string

const (
	StepVcRequest           Step = "vc-request"
	StepVcAuthRequired      Step = "vc-auth-required"
	StepVcRequestWithAuth   Step = "vc-request-with-auth"
	StepVcContactConfirm    Step = "vc-contact-confirm"

	StepVgRequest           Step = "vg-request"
	StepVgAuthRequired      Step = "vg-auth-required"
	StepVgRequestWithAuth   Step = "vg-request-with-auth"
	StepVgMemberAdded       Step = "vg-member-added"
)

// Progress values reported on the event bus, per the protocol design.
const (
	ProgressInviterRequestReceived = 300
	ProgressInviterAuthAccepted    = 600
	ProgressInviterContactConfirmed = 800
	ProgressInviterDone            = 1000

	ProgressJoinerAuthVerified = 400
	ProgressJoinerDone         = 1000
)

// QRInfo is the decoded content of an OPENPGP4FPR: QR code.
type QRInfo struct {
	Fingerprint  string
	Addr         string
	Name         string
	Invitenumber string
	Auth         string
	GroupID      string
	GroupName    string
}

// EncodeQR renders a QRInfo as the text payload to put in a QR code image.
func EncodeQR(info QRInfo) string {
	v := url.Values{}
	v.Set("a", info.Addr)
	if info.Name != "" {
		v.Set("n", info.Name)
	}
	v.Set("i", info.Invitenumber)
	v.Set("s", info.Auth)
	if info.GroupID != "" {
		v.Set("x", info.GroupID)
		v.Set("g", info.GroupName)
	}
	return fmt.Sprintf("OPENPGP4FPR:%s#%s", info.Fingerprint, v.Encode())
}

// DecodeQR parses an OPENPGP4FPR: QR code payload.
func DecodeQR(text string) (*QRInfo, error) {
	rest, ok := strings.CutPrefix(text, "OPENPGP4FPR:")
	if !ok {
		return nil, coreerr.New(coreerr.ProtocolError, "securejoin.DecodeQR", fmt.Errorf("not an OPENPGP4FPR code"))
	}
	fpr, query, ok := strings.Cut(rest, "#")
	if !ok {
		return nil, coreerr.New(coreerr.ProtocolError, "securejoin.DecodeQR", fmt.Errorf("missing query section"))
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, coreerr.New(coreerr.ProtocolError, "securejoin.DecodeQR", err)
	}

	return &QRInfo{
		Fingerprint:  strings.ToUpper(fpr),
		Addr:         values.Get("a"),
		Name:         values.Get("n"),
		Invitenumber: values.Get("i"),
		Auth:         values.Get("s"),
		GroupID:      values.Get("x"),
		GroupName:    values.Get("g"),
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimRight(base32.StdEncoding.EncodeToString(buf), "=")), nil
}

// State is one in-progress handshake, persisted so a restart can resume or
// time it out instead of losing track of it.
type State struct {
	Token        string
	Role         Role
	ContactID    int64
	GroupChatID  int64
	Auth         string
	Invitenumber string
	Step         Step
	ExpectedFpr  string
}

// Engine drives both halves of the Secure-Join protocol for one account
// context. Sending the actual vc-*/vg-* protocol messages is the caller's
// job (via mimecodec/job), keeping this package free of mail transport
// concerns.
type Engine struct {
	db       *store.DB
	keys     *keyring.Manager
	peers    *peerstate.Store
	contacts *chatmodel.Contacts
	bus      *eventbus.Bus
	log      zerolog.Logger
}

// NewEngine creates a Secure-Join engine over db. peers and contacts may be
// nil in tests that never reach a verifying step; account wiring always
// supplies both so a completed handshake actually promotes the contact to
// verified and raises its origin accordingly.
func NewEngine(db *store.DB, keys *keyring.Manager, peers *peerstate.Store, contacts *chatmodel.Contacts, bus *eventbus.Bus) *Engine {
	return &Engine{db: db, keys: keys, peers: peers, contacts: contacts, bus: bus, log: corelog.WithComponent("securejoin")}
}

// StartInviter begins the inviter half for a 1:1 verification (groupID
// empty) or a verified-group invite (groupID set), returning the QR
// payload to display.
func (e *Engine) StartInviter(selfAddr, selfName string, groupID, groupName string) (*QRInfo, error) {
	self := e.keys.Self()
	if self == nil {
		return nil, coreerr.New(coreerr.ConfigInvalid, "securejoin.StartInviter", fmt.Errorf("no self keypair loaded"))
	}

	invitenumber, err := randomToken()
	if err != nil {
		return nil, err
	}
	auth, err := randomToken()
	if err != nil {
		return nil, err
	}

	firstStep := StepVcRequest
	if groupID != "" {
		firstStep = StepVgRequest
	}

	_, err = e.db.Exec(`
		INSERT INTO securejoin_states (token, role, contact_id, group_chat_id, auth, invitenumber, step, created_at)
		VALUES (?, ?, 0, 0, ?, ?, ?, ?)
	`, invitenumber, string(RoleInviter), auth, invitenumber, string(firstStep), time.Now().Unix())
	if err != nil {
		return nil, coreerr.New(coreerr.IOError, "securejoin.StartInviter", err)
	}

	return &QRInfo{
		Fingerprint:  keyring.KeyFingerprint(self),
		Addr:         selfAddr,
		Name:         selfName,
		Invitenumber: invitenumber,
		Auth:         auth,
		GroupID:      groupID,
		GroupName:    groupName,
	}, nil
}

// HandleInviterMessage advances the inviter side of the state machine on
// receipt of a vc-request/vg-request or vc-request-with-auth/
// vg-request-with-auth message from the joiner.
func (e *Engine) HandleInviterMessage(invitenumber string, step Step, auth string, contactID int64, fingerprint string) error {
	st, err := e.load(invitenumber)
	if err != nil {
		return err
	}
	if st.Role != RoleInviter {
		return coreerr.New(coreerr.ProtocolError, "securejoin.HandleInviterMessage", fmt.Errorf("not an inviter state"))
	}

	switch step {
	case StepVcRequest, StepVgRequest:
		e.emitInviterProgress(ProgressInviterRequestReceived)
		return e.advance(st.Token, step, contactID)

	case StepVcRequestWithAuth, StepVgRequestWithAuth:
		if auth != st.Auth {
			return coreerr.New(coreerr.ProtocolError, "securejoin.HandleInviterMessage", fmt.Errorf("auth token mismatch"))
		}
		e.emitInviterProgress(ProgressInviterAuthAccepted)

		next := StepVcContactConfirm
		if st.Step == StepVgRequest {
			next = StepVgMemberAdded
		}
		if err := e.advance(st.Token, next, contactID); err != nil {
			return err
		}
		if err := e.markVerified(contactID, fingerprint); err != nil {
			return err
		}
		e.emitInviterProgress(ProgressInviterContactConfirmed)
		e.emitInviterProgress(ProgressInviterDone)
		return nil
	}
	return coreerr.New(coreerr.ProtocolError, "securejoin.HandleInviterMessage", fmt.Errorf("unexpected step %s", step))
}

// StartJoiner begins the joiner half after scanning info, returning the
// first protocol step to send.
func (e *Engine) StartJoiner(info *QRInfo, contactID int64) (Step, error) {
	firstStep := StepVcRequest
	if info.GroupID != "" {
		firstStep = StepVgRequest
	}

	_, err := e.db.Exec(`
		INSERT INTO securejoin_states (token, role, contact_id, auth, invitenumber, step, expected_fpr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, info.Invitenumber, string(RoleJoiner), contactID, info.Auth, info.Invitenumber, string(firstStep), info.Fingerprint, time.Now().Unix())
	if err != nil {
		return "", coreerr.New(coreerr.IOError, "securejoin.StartJoiner", err)
	}
	return firstStep, nil
}

// HandleJoinerMessage advances the joiner side on receipt of a
// vc-auth-required/vg-auth-required (the inviter has seen our request) or
// vc-contact-confirm/vg-member-added (the inviter verified our auth).
func (e *Engine) HandleJoinerMessage(invitenumber string, step Step, peerFingerprint string) (Step, bool, error) {
	st, err := e.load(invitenumber)
	if err != nil {
		return "", false, err
	}
	if st.Role != RoleJoiner {
		return "", false, coreerr.New(coreerr.ProtocolError, "securejoin.HandleJoinerMessage", fmt.Errorf("not a joiner state"))
	}

	switch step {
	case StepVcAuthRequired, StepVgAuthRequired:
		if peerFingerprint != st.ExpectedFpr {
			return "", false, coreerr.New(coreerr.ProtocolError, "securejoin.HandleJoinerMessage", fmt.Errorf("inviter fingerprint mismatch, aborting"))
		}
		e.emitJoinerProgress(ProgressJoinerAuthVerified)

		next := StepVcRequestWithAuth
		if st.Step == StepVgRequest {
			next = StepVgRequestWithAuth
		}
		if err := e.advance(st.Token, next, st.ContactID); err != nil {
			return "", false, err
		}
		if err := e.markVerified(st.ContactID, peerFingerprint); err != nil {
			return "", false, err
		}
		return next, false, nil

	case StepVcContactConfirm, StepVgMemberAdded:
		e.emitJoinerProgress(ProgressJoinerDone)
		if err := e.finish(st.Token); err != nil {
			return "", false, err
		}
		return step, true, nil
	}
	return "", false, coreerr.New(coreerr.ProtocolError, "securejoin.HandleJoinerMessage", fmt.Errorf("unexpected step %s", step))
}

func (e *Engine) load(token string) (*State, error) {
	st := &State{Token: token}
	var role, step string
	err := e.db.QueryRow(`
		SELECT role, contact_id, group_chat_id, auth, invitenumber, step, expected_fpr
		FROM securejoin_states WHERE token = ? OR invitenumber = ?
	`, token, token).Scan(&role, &st.ContactID, &st.GroupChatID, &st.Auth, &st.Invitenumber, &step, &st.ExpectedFpr)
	if err != nil {
		return nil, coreerr.New(coreerr.NotFound, "securejoin.load", err)
	}
	st.Role = Role(role)
	st.Step = Step(step)
	return st, nil
}

func (e *Engine) advance(token string, step Step, contactID int64) error {
	_, err := e.db.Exec(`
		UPDATE securejoin_states SET step = ?, contact_id = COALESCE(NULLIF(?, 0), contact_id) WHERE token = ?
	`, string(step), contactID, token)
	if err != nil {
		return coreerr.New(coreerr.IOError, "securejoin.advance", err)
	}
	return nil
}

// markVerified promotes contactID's already-observed Autocrypt key to
// verified now that Secure-Join has confirmed its fingerprint out of band,
// and raises the contact's origin to reflect that out-of-band confirmation
// per the secure_verified rank. A nil peers store (tests that never reach a
// verifying step) or an empty fingerprint (steps that don't carry one) is a
// no-op.
func (e *Engine) markVerified(contactID int64, fingerprint string) error {
	if e.peers == nil || fingerprint == "" {
		return nil
	}
	if err := e.peers.MarkVerified(contactID, fingerprint); err != nil {
		return err
	}
	if e.contacts != nil {
		if err := e.contacts.RaiseOrigin(contactID, chatmodel.OriginSecureJoin); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) finish(token string) error {
	_, err := e.db.Exec("DELETE FROM securejoin_states WHERE token = ?", token)
	if err != nil {
		return coreerr.New(coreerr.IOError, "securejoin.finish", err)
	}
	return nil
}

func (e *Engine) emitInviterProgress(progress int) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(&eventbus.Event{Kind: eventbus.SecurejoinInviterProgress, Progress: progress})
}

func (e *Engine) emitJoinerProgress(progress int) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(&eventbus.Event{Kind: eventbus.SecurejoinJoinerProgress, Progress: progress})
}
