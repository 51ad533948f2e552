// dccore-demo configures an account context against a real IMAP/SMTP
// account, starts it, and prints every event it emits until interrupted.
//
// Usage:
//
//	dccore-demo -addr you@example.org -password hunter2 \
//	    -imap imap.example.org -smtp smtp.example.org
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/deltachat/dccore/account"
	"github.com/deltachat/dccore/internal/chatmodel"
	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/eventbus"
)

func main() {
	var (
		dbPath   = flag.String("db", "dccore-demo.db", "path to the account database")
		blobDir  = flag.String("blobs", "dccore-demo-blobs", "path to the blob store directory")
		addr     = flag.String("addr", "", "email address")
		password = flag.String("password", "", "mail password")
		imapHost = flag.String("imap", "", "IMAP server host")
		imapPort = flag.Int("imap-port", 993, "IMAP server port")
		smtpHost = flag.String("smtp", "", "SMTP server host")
		smtpPort = flag.Int("smtp-port", 465, "SMTP server port")
		sendTo   = flag.String("send-to", "", "if set, send one text message to this address and exit")
		sendText = flag.String("send-text", "hello from dccore-demo", "text to send with -send-to")
	)
	flag.Parse()

	corelog.Init(corelog.Config{Console: true})
	log := corelog.WithComponent("dccore-demo")

	if *addr == "" || *password == "" || *imapHost == "" || *smtpHost == "" {
		fmt.Fprintln(os.Stderr, "usage: dccore-demo -addr ... -password ... -imap ... -smtp ...")
		os.Exit(2)
	}

	a, err := account.Open(*dbPath, *blobDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open account")
	}
	defer a.Close()

	configured, err := a.IsConfigured()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check configuration")
	}
	if !configured {
		err = a.Configure(account.ConfigureParams{
			Addr:         *addr,
			MailServer:   *imapHost,
			MailUser:     *addr,
			MailPw:       *password,
			MailPort:     *imapPort,
			MailSecurity: config.SecuritySSL,
			SendServer:   *smtpHost,
			SendUser:     *addr,
			SendPw:       *password,
			SendPort:     *smtpPort,
			SendSecurity: config.SecuritySSL,
			Displayname:  *addr,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("configure failed")
		}
	}

	a.Events.Subscribe(func(ev *eventbus.Event) {
		log.Info().Str("kind", ev.Kind.String()).Str("msg", ev.Msg).Msg("event")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start failed")
	}

	if *sendTo != "" {
		chatID, err := sendToNewChat(a, *sendTo)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve recipient chat")
		}
		if _, err := a.SendText(chatID, *sendText); err != nil {
			log.Fatal().Err(err).Msg("send failed")
		}
		log.Info().Str("to", *sendTo).Msg("message enqueued")
	}

	<-ctx.Done()
	a.Stop()
}

func sendToNewChat(a *account.Account, addr string) (int64, error) {
	contactID, err := a.Contacts.ResolveByAddr(addr, addr, chatmodel.OriginManuallyCreated)
	if err != nil {
		return 0, err
	}
	return a.Chats.GetOrCreateSingle(contactID)
}
