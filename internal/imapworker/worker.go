// Package imapworker runs the account context's IMAP side: one Worker per
// watched folder (inbox, mvbox, sentbox), each offering a perform/idle/
// interrupt triad the job queue and scheduler drive.
package imapworker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/ingest"
	"github.com/deltachat/dccore/internal/oauth2"
	"github.com/deltachat/dccore/internal/store"
)

// Credentials is what a Worker needs to open an IMAP connection.
type Credentials struct {
	Host     string
	Port     int
	Security string // config.SecurityAuto/SSL/StartTLS/Plain
	Username string
	Password string

	// AuthType selects the SASL mechanism: config.AuthPassword (default,
	// PLAIN/LOGIN) or config.AuthOAuth2 (XOAUTH2, using AccessToken).
	AuthType    string
	AccessToken string
}

// IdleTimeout is how long one IDLE cycle runs before restarting, comfortably
// inside the 29-minute ceiling RFC 2177 recommends.
const IdleTimeout = 10 * time.Minute

// Worker watches one IMAP folder for one account context. Reconnection
// backoff on repeated connect failures is the scheduler's job (it drives
// PerformStep/IdleStep in a retry loop); Worker itself just reports
// connectivity via the event bus.
type Worker struct {
	folder   string
	getCreds func() (Credentials, error)
	db       *store.DB
	pipeline *ingest.Pipeline
	bus      *eventbus.Bus
	log      zerolog.Logger

	mu               sync.Mutex
	client           *imapclient.Client
	interrupted      bool
	networkErrStreak bool
}

// NewWorker creates a Worker that watches folder, feeding every fetched
// message through pipeline.
func NewWorker(folder string, getCreds func() (Credentials, error), db *store.DB, pipeline *ingest.Pipeline, bus *eventbus.Bus) *Worker {
	return &Worker{
		folder:   folder,
		getCreds: getCreds,
		db:       db,
		pipeline: pipeline,
		bus:      bus,
		log:      corelog.WithComponent("imapworker").With().Str("folder", folder).Logger(),
	}
}

// Interrupt cancels the current or next IDLE wait, used when the job
// queue or a UI action needs this folder checked right away.
func (w *Worker) Interrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interrupted = true
}

func (w *Worker) connect(ctx context.Context) error {
	w.mu.Lock()
	if w.client != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	w.emitConnState(eventbus.Connecting)

	creds, err := w.getCreds()
	if err != nil {
		w.emitConnState(eventbus.NotConnected)
		return err
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					w.log.Debug().Uint32("count", *data.NumMessages).Msg("new message notification")
					w.Interrupt()
				}
			},
			Expunge: func(seqNum uint32) {
				w.log.Debug().Uint32("seq", seqNum).Msg("message expunged")
			},
		},
	}

	addr := fmt.Sprintf("%s:%d", creds.Host, strconv.Itoa(creds.Port))
	var client *imapclient.Client

	switch creds.Security {
	case config.SecuritySSL, config.SecurityAuto:
		client, err = imapclient.DialTLS(addr, options)
	case config.SecurityStartTLS:
		options.TLSConfig = &tls.Config{ServerName: creds.Host}
		client, err = imapclient.DialStartTLS(addr, options)
	case config.SecurityPlain:
		dialer := &net.Dialer{Timeout: 30 * time.Second}
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			netErr := coreerr.New(coreerr.NetworkUnavailable, "imapworker.connect", dialErr)
			w.emitNetworkError(netErr)
			return netErr
		}
		client = imapclient.New(conn, options)
	default:
		client, err = imapclient.DialTLS(addr, options)
	}
	if err != nil {
		w.emitConnState(eventbus.NotConnected)
		netErr := coreerr.New(coreerr.NetworkUnavailable, "imapworker.connect", err)
		w.emitNetworkError(netErr)
		return netErr
	}

	var saslClient sasl.Client
	if creds.AuthType == config.AuthOAuth2 {
		saslClient = oauth2.NewXOAuth2Client(creds.Username, creds.AccessToken)
	} else {
		saslClient = sasl.NewPlainClient("", creds.Username, creds.Password)
	}
	if authErr := client.Authenticate(saslClient); authErr != nil {
		if creds.AuthType == config.AuthOAuth2 {
			client.Close()
			w.emitConnState(eventbus.NotConnected)
			return coreerr.New(coreerr.AuthFailed, "imapworker.connect", authErr)
		}
		if loginErr := client.Login(creds.Username, creds.Password).Wait(); loginErr != nil {
			client.Close()
			w.emitConnState(eventbus.NotConnected)
			return coreerr.New(coreerr.AuthFailed, "imapworker.connect", loginErr)
		}
	}

	if _, selErr := client.Select(w.folder, nil).Wait(); selErr != nil {
		client.Close()
		w.emitConnState(eventbus.NotConnected)
		return coreerr.New(coreerr.ProtocolError, "imapworker.connect", fmt.Errorf("select %s: %w", w.folder, selErr))
	}

	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	w.clearNetworkError()
	w.emitConnState(eventbus.Connected)
	return nil
}

// PerformStep fetches every message above the stored UID watermark,
// ingests it, and advances the watermark.
func (w *Worker) PerformStep(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return nil
	}

	w.emitConnState(eventbus.Working)
	defer w.emitConnState(eventbus.Connected)

	watermark, err := w.loadWatermark()
	if err != nil {
		return err
	}

	seqSet := imap.SeqSet{}
	seqSet.AddRange(watermark+1, 0)

	fetchOptions := &imap.FetchOptions{BodySection: []*imap.FetchItemBodySection{{}}, UID: true}
	cmd := client.Fetch(seqSet, fetchOptions)
	defer cmd.Close()

	var maxUID uint32
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, fetchErr := msg.Collect()
		if fetchErr != nil {
			w.log.Warn().Err(fetchErr).Msg("failed to collect fetched message")
			continue
		}

		var raw []byte
		for _, section := range buf.BodySection {
			raw = section.Bytes
		}
		if raw == nil {
			continue
		}

		if _, ingestErr := w.pipeline.Ingest(raw); ingestErr != nil {
			w.log.Warn().Err(ingestErr).Msg("failed to ingest fetched message")
			continue
		}
		if uint32(buf.UID) > maxUID {
			maxUID = uint32(buf.UID)
		}
	}

	if err := cmd.Close(); err != nil {
		return coreerr.New(coreerr.ProtocolError, "imapworker.PerformStep", err)
	}

	if maxUID > watermark {
		return w.saveWatermark(maxUID)
	}
	return nil
}

// IdleStep enters IDLE (or, if unsupported, sleeps for IdleTimeout) until
// the timeout elapses, ctx is cancelled, or Interrupt is called.
func (w *Worker) IdleStep(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	client := w.client
	interrupted := w.interrupted
	w.interrupted = false
	w.mu.Unlock()

	if interrupted {
		return nil
	}
	if client == nil {
		return nil
	}

	if !client.Caps().Has(imap.CapIdle) {
		select {
		case <-time.After(IdleTimeout):
		case <-ctx.Done():
		}
		return nil
	}

	idleCmd, err := client.Idle()
	if err != nil {
		return coreerr.New(coreerr.ProtocolError, "imapworker.IdleStep", err)
	}

	timer := time.NewTimer(IdleTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			idleCmd.Close()
			return nil
		case <-timer.C:
			return idleCmd.Close()
		case <-ticker.C:
			w.mu.Lock()
			interrupted := w.interrupted
			w.interrupted = false
			w.mu.Unlock()
			if interrupted {
				return idleCmd.Close()
			}
		}
	}
}

func (w *Worker) loadWatermark() (uint32, error) {
	var v string
	err := w.db.QueryRow("SELECT value FROM config WHERE key = ?", w.watermarkKey()).Scan(&v)
	if err != nil {
		return 0, nil
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, nil
	}
	return uint32(n), nil
}

func (w *Worker) saveWatermark(uid uint32) error {
	_, err := w.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, w.watermarkKey(), strconv.Itoa(int(uid)))
	if err != nil {
		return coreerr.New(coreerr.IOError, "imapworker.saveWatermark", err)
	}
	return nil
}

func (w *Worker) watermarkKey() string {
	return "imapworker.uid_watermark." + w.folder
}

func (w *Worker) emitConnState(state eventbus.ConnState) {
	if w.bus == nil {
		return
	}
	w.bus.Emit(&eventbus.Event{Kind: eventbus.Connectivity, ConnState: state})
}

// emitNetworkError reports a connect failure as ErrorNetwork, flagging
// First so the host can distinguish "just went offline" from "still
// offline" instead of re-alerting on every reconnect attempt.
func (w *Worker) emitNetworkError(err error) {
	w.mu.Lock()
	first := !w.networkErrStreak
	w.networkErrStreak = true
	w.mu.Unlock()

	if w.bus == nil {
		return
	}
	w.bus.Emit(&eventbus.Event{Kind: eventbus.ErrorNetwork, Msg: err.Error(), First: first})
}

// clearNetworkError resets the streak flag once a connection succeeds.
func (w *Worker) clearNetworkError() {
	w.mu.Lock()
	w.networkErrStreak = false
	w.mu.Unlock()
}
