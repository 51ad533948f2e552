// Package smtpworker sends outbound messages produced by the job queue
// over SMTP, with the same transport-security and auth options the IMAP
// side supports.
package smtpworker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/oauth2"
)

// Credentials is what the Worker needs to dial and authenticate an SMTP
// session.
type Credentials struct {
	Host     string
	Port     int
	Security string
	Username string
	Password string

	// AuthType selects config.AuthPassword (default) or config.AuthOAuth2,
	// in which case AccessToken is sent via XOAUTH2 instead of Password.
	AuthType    string
	AccessToken string
}

// Worker sends one message per Send call, dialing fresh each time (SMTP
// sessions are short-lived; there is no IDLE-equivalent to keep open).
type Worker struct {
	getCreds func() (Credentials, error)
	bus      *eventbus.Bus
	log      zerolog.Logger

	mu               sync.Mutex
	networkErrStreak bool
}

// NewWorker creates an SMTP worker.
func NewWorker(getCreds func() (Credentials, error), bus *eventbus.Bus) *Worker {
	return &Worker{getCreds: getCreds, bus: bus, log: corelog.WithComponent("smtpworker")}
}

// Send transmits raw (a fully built RFC 5322 message) from "from" to
// recipients.
func (w *Worker) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	w.emitConnState(eventbus.Connecting)

	creds, err := w.getCreds()
	if err != nil {
		w.emitConnState(eventbus.NotConnected)
		return err
	}

	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	var auth smtp.Auth
	if creds.AuthType == config.AuthOAuth2 {
		auth = oauth2.NewSMTPXOAuth2Auth(creds.Username, creds.AccessToken)
	} else {
		auth = smtp.PlainAuth("", creds.Username, creds.Password, creds.Host)
	}

	var sendErr error
	switch creds.Security {
	case config.SecuritySSL:
		sendErr = w.sendTLS(ctx, addr, creds.Host, auth, from, recipients, raw)
	default:
		// SecurityAuto/StartTLS/Plain all start with a plaintext dial;
		// smtp.SendMail negotiates STARTTLS itself when offered.
		sendErr = smtp.SendMail(addr, auth, from, recipients, raw)
	}

	if sendErr != nil {
		w.emitConnState(eventbus.NotConnected)
		netErr := coreerr.New(coreerr.NetworkUnavailable, "smtpworker.Send", sendErr)
		w.emitNetworkError(netErr)
		return netErr
	}

	w.clearNetworkError()
	w.emitConnState(eventbus.Connected)
	return nil
}

func (w *Worker) sendTLS(ctx context.Context, addr, host string, auth smtp.Auth, from string, recipients []string, raw []byte) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (w *Worker) emitConnState(state eventbus.ConnState) {
	if w.bus == nil {
		return
	}
	w.bus.Emit(&eventbus.Event{Kind: eventbus.Connectivity, ConnState: state})
}

// emitNetworkError reports a send failure as ErrorNetwork, flagging First
// so the host can distinguish "just went offline" from "still offline"
// instead of re-alerting on every retry.
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

// clearNetworkError resets the streak flag once a send succeeds.
func (w *Worker) clearNetworkError() {
	w.mu.Lock()
	w.networkErrStreak = false
	w.mu.Unlock()
}
