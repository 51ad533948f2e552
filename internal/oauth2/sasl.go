package oauth2

import (
	"fmt"
	"net/smtp"
)

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism, which
// neither emersion/go-sasl nor emersion/go-imap/v2 ship: both IMAP and SMTP
// speak it the same way, a single initial response of the form
// "user=<user>\x01auth=Bearer <token>\x01\x01".
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a SASL client authenticating user with an OAuth2
// access token, for servers (Gmail, Outlook) that only accept XOAUTH2.
func NewXOAuth2Client(username, accessToken string) *xoauth2Client {
	return &xoauth2Client{username: username, token: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

// Next handles the one-byte error challenge servers send on a rejected
// token: the response to that challenge must be empty to complete the
// exchange and surface the failure.
func (c *xoauth2Client) Next(challenge []byte) (response []byte, err error) {
	return nil, nil
}

// smtpXOAuth2Auth implements net/smtp's Auth interface for XOAUTH2, the
// SMTP-side equivalent of xoauth2Client; net/smtp defines its own Auth
// shape rather than reusing go-sasl's.
type smtpXOAuth2Auth struct {
	username string
	token    string
}

// NewSMTPXOAuth2Auth returns a net/smtp.Auth authenticating user with an
// OAuth2 access token.
func NewSMTPXOAuth2Auth(username, accessToken string) smtp.Auth {
	return &smtpXOAuth2Auth{username: username, token: accessToken}
}

func (a *smtpXOAuth2Auth) Start(server *smtp.ServerInfo) (proto string, toServer []byte, err error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token))
	return "XOAUTH2", ir, nil
}

func (a *smtpXOAuth2Auth) Next(fromServer []byte, more bool) (toServer []byte, err error) {
	return nil, nil
}
