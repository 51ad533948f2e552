// Package account is the top-level entry point: one Account wires together
// storage, crypto, the chat/contact model, ingestion, the job queue, and
// the IMAP/SMTP workers into a single embeddable messaging engine bound to
// one email address, the same role app.App plays for its desktop shell but
// exposed as a plain Go API with no UI toolkit dependency.
package account

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/blobstore"
	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/imapworker"
	"github.com/deltachat/dccore/internal/importexport"
	"github.com/deltachat/dccore/internal/ingest"
	"github.com/deltachat/dccore/internal/job"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/oauth2"
	"github.com/deltachat/dccore/internal/peerstate"
	"github.com/deltachat/dccore/internal/securejoin"
	"github.com/deltachat/dccore/internal/smtpworker"
	"github.com/deltachat/dccore/internal/store"
)

// watched IMAP folders. Mvbox/Sentbox are only actually watched once
// configured and mvbox_move/sentbox_watch say so; see startIMAPWorkers.
const (
	folderInbox   = "INBOX"
	folderMvbox   = "DeltaChat"
	folderSentbox = "Sent"
)

// Account is one configured email address turned into a messaging engine.
// Create one with Open, configure credentials with Configure, then call
// Start to begin background IMAP/SMTP work.
type Account struct {
	db         *store.DB
	Blobs      *blobstore.Store
	Config     *config.Store
	Keys       *keyring.Manager
	OAuth2     *oauth2.Manager
	Peers      *peerstate.Store
	Contacts   *chatmodel.Contacts
	Chats      *chatmodel.Chats
	Jobs       *job.Queue
	Events     *eventbus.Bus
	SecureJoin *securejoin.Engine
	Ongoing    *importexport.Ongoing

	pipeline *ingest.Pipeline

	log zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers []*imapworker.Worker
	smtp    *smtpworker.Worker
}

// Open opens (creating if necessary) the account database at dbPath and
// the blob area at blobDir, wiring every internal store together. It does
// not start any background work; call Start for that once Configure has
// run.
func Open(dbPath, blobDir string) (*Account, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.Open(blobDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	cfg := config.NewStore(db)
	keys := keyring.NewManager(cfg)
	oauthMgr := oauth2.NewManager(cfg)
	peers := peerstate.NewStore(db)
	contacts := chatmodel.NewContacts(db)
	chats := chatmodel.NewChats(db, peers)
	jobs := job.NewQueue(db)
	bus := eventbus.New()
	sj := securejoin.NewEngine(db, keys, peers, contacts, bus)

	a := &Account{
		db:         db,
		Blobs:      blobs,
		Config:     cfg,
		Keys:       keys,
		OAuth2:     oauthMgr,
		Peers:      peers,
		Contacts:   contacts,
		Chats:      chats,
		Jobs:       jobs,
		Events:     bus,
		SecureJoin: sj,
		Ongoing:    &importexport.Ongoing{},
		log:        corelog.WithComponent("account"),
	}
	return a, nil
}

// Close stops any running background work and closes the database.
func (a *Account) Close() error {
	a.Stop()
	return a.db.Close()
}

// Configure persists the credentials needed to reach addr's IMAP/SMTP
// servers and generates the account's default OpenPGP keypair if one does
// not already exist. This mirrors the manual-configuration half of the
// original core's "configure" job; DNS/autoconfig discovery is left to the
// host, which is expected to resolve server settings before calling this.
type ConfigureParams struct {
	Addr string

	MailServer   string
	MailUser     string
	MailPw       string
	MailPort     int
	MailSecurity string

	SendServer   string
	SendUser     string
	SendPw       string
	SendPort     int
	SendSecurity string

	Displayname string
}

func (a *Account) Configure(p ConfigureParams) error {
	_, done, err := a.Ongoing.Start(context.Background())
	if err != nil {
		return err
	}
	defer done()

	a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 100})

	sets := map[string]string{
		config.KeyAddr:         p.Addr,
		config.KeyMailServer:   p.MailServer,
		config.KeyMailUser:     p.MailUser,
		config.KeyMailPw:       p.MailPw,
		config.KeyMailPort:     strconv.Itoa(p.MailPort),
		config.KeyMailSecurity: p.MailSecurity,
		config.KeySendServer:   p.SendServer,
		config.KeySendUser:     p.SendUser,
		config.KeySendPw:       p.SendPw,
		config.KeySendPort:     strconv.Itoa(p.SendPort),
		config.KeySendSecurity: p.SendSecurity,
		config.KeyDisplayname:  p.Displayname,
	}
	for key, value := range sets {
		if err := a.Config.Set(key, value); err != nil {
			a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 0})
			return err
		}
	}
	a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 500})

	if _, err := a.Keys.EnsureSelfKeypair(p.Addr, p.Displayname); err != nil {
		a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 0})
		return err
	}
	a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 900})

	if err := a.Config.Set(config.KeyConfiguredAddr, p.Addr); err != nil {
		a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 0})
		return err
	}
	a.Events.Emit(&eventbus.Event{Kind: eventbus.ConfigureProgress, Progress: 1000})
	return nil
}

// IsConfigured reports whether Configure has completed successfully.
func (a *Account) IsConfigured() (bool, error) {
	return a.Config.IsConfigured()
}

// selfAddr returns the configured address, used by the ingestion pipeline
// to recognize outbound echoes.
func (a *Account) selfAddr() (string, error) {
	return a.Config.Get(config.KeyAddr)
}

// imapCredentials builds imapworker.Credentials from the configuration
// store, refreshing the OAuth2 access token first when auth_type is set to
// oauth2.
func (a *Account) imapCredentials() (imapworker.Credentials, error) {
	return a.buildCredentials(config.KeyMailServer, config.KeyMailPort, config.KeyMailSecurity, config.KeyMailUser, config.KeyMailPw)
}

func (a *Account) buildCredentials(serverKey, portKey, securityKey, userKey, pwKey string) (imapworker.Credentials, error) {
	host, err := a.Config.Get(serverKey)
	if err != nil {
		return imapworker.Credentials{}, err
	}
	portStr, err := a.Config.Get(portKey)
	if err != nil {
		return imapworker.Credentials{}, err
	}
	port, _ := strconv.Atoi(portStr)
	security, err := a.Config.Get(securityKey)
	if err != nil {
		return imapworker.Credentials{}, err
	}
	user, err := a.Config.Get(userKey)
	if err != nil {
		return imapworker.Credentials{}, err
	}
	pw, err := a.Config.Get(pwKey)
	if err != nil {
		return imapworker.Credentials{}, err
	}

	creds := imapworker.Credentials{Host: host, Port: port, Security: security, Username: user, Password: pw}

	authType, err := a.Config.Get(config.KeyAuthType)
	if err != nil {
		return imapworker.Credentials{}, err
	}
	if authType == config.AuthOAuth2 {
		tok, tokErr := a.OAuth2.LoadToken(context.Background())
		if tokErr != nil {
			return imapworker.Credentials{}, tokErr
		}
		creds.AuthType = config.AuthOAuth2
		creds.AccessToken = tok.AccessToken
	}
	return creds, nil
}

func (a *Account) smtpCredentials() (smtpworker.Credentials, error) {
	imapCreds, err := a.buildCredentials(config.KeySendServer, config.KeySendPort, config.KeySendSecurity, config.KeySendUser, config.KeySendPw)
	if err != nil {
		return smtpworker.Credentials{}, err
	}
	return smtpworker.Credentials{
		Host: imapCreds.Host, Port: imapCreds.Port, Security: imapCreds.Security,
		Username: imapCreds.Username, Password: imapCreds.Password,
		AuthType: imapCreds.AuthType, AccessToken: imapCreds.AccessToken,
	}, nil
}

// Start launches the ingestion pipeline and the background IMAP/SMTP/job
// workers. Call Configure first. Start is idempotent: calling it again
// while already running is a no-op.
func (a *Account) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}

	configured, err := a.Config.IsConfigured()
	if err != nil {
		return err
	}
	if !configured {
		return coreerr.New(coreerr.ConfigInvalid, "account.Start", fmt.Errorf("account is not configured"))
	}

	addr, err := a.selfAddr()
	if err != nil {
		return err
	}

	a.pipeline = ingest.NewPipeline(a.db, a.Contacts, a.Chats, a.Peers, a.Keys, a.Events, addr)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.smtp = smtpworker.NewWorker(a.smtpCredentials, a.Events)
	a.registerJobHandlers()

	a.workers = a.startIMAPWorkers(runCtx)

	go a.Jobs.Run(runCtx, 5*time.Second)

	a.log.Info().Str("addr", addr).Int("watched_folders", len(a.workers)).Msg("account started")
	return nil
}

// Stop cancels all background work started by Start. Safe to call on an
// Account that was never started.
func (a *Account) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
	a.workers = nil
}

func (a *Account) startIMAPWorkers(ctx context.Context) []*imapworker.Worker {
	var workers []*imapworker.Worker

	inbox := imapworker.NewWorker(folderInbox, a.imapCredentials, a.db, a.pipeline, a.Events)
	workers = append(workers, inbox)
	go inbox.Run(ctx)

	if v, _ := a.Config.Get(config.KeySentboxWatch); v == "1" {
		sentbox := imapworker.NewWorker(folderSentbox, a.imapCredentials, a.db, a.pipeline, a.Events)
		workers = append(workers, sentbox)
		go sentbox.Run(ctx)
	}
	if v, _ := a.Config.Get(config.KeyMvboxWatch); v == "1" {
		mvbox := imapworker.NewWorker(folderMvbox, a.imapCredentials, a.db, a.pipeline, a.Events)
		workers = append(workers, mvbox)
		go mvbox.Run(ctx)
	}
	return workers
}

// InterruptIMAP wakes every watched folder's IDLE wait immediately, used
// after enqueueing outbound work that an incoming reply might race.
func (a *Account) InterruptIMAP() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range a.workers {
		w.Interrupt()
	}
}
