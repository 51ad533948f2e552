// Package oauth2 provides OAuth2 authentication for IMAP/SMTP as an
// alternative to password auth, for providers (Gmail, Outlook) that have
// retired plain IMAP/SMTP passwords in favor of XOAUTH2.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/corelog"
	"github.com/deltachat/dccore/internal/coreerr"
)

// Client IDs/secrets are injected via environment variables at deploy time,
// matching how the original desktop build injects them via linker flags for
// its packaged binary; a library has no link step, so env vars fill the
// same role.
var (
	GoogleClientID     = os.Getenv("DCCORE_OAUTH2_GOOGLE_CLIENT_ID")
	GoogleClientSecret = os.Getenv("DCCORE_OAUTH2_GOOGLE_CLIENT_SECRET")
	MicrosoftClientID  = os.Getenv("DCCORE_OAUTH2_MICROSOFT_CLIENT_ID")
)

// Provider identifies which OAuth2 token endpoint and scope set to use.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// endpoint holds the fixed OAuth2 parameters for a provider.
type endpoint struct {
	AuthURL  string
	TokenURL string
	Scope    string
}

var endpoints = map[Provider]endpoint{
	ProviderGoogle: {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scope:    "https://mail.google.com/",
	},
	ProviderMicrosoft: {
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		Scope:    "https://outlook.office.com/IMAP.AccessAsUser.All https://outlook.office.com/SMTP.Send offline_access",
	},
}

// IsConfigured reports whether a provider has a client ID available.
func IsConfigured(p Provider) bool {
	switch p {
	case ProviderGoogle:
		return GoogleClientID != ""
	case ProviderMicrosoft:
		return MicrosoftClientID != ""
	default:
		return false
	}
}

// AuthCodeURL builds the browser-facing authorization URL for provider p,
// using redirectURI as the loopback or custom-scheme callback.
func AuthCodeURL(p Provider, redirectURI, state string) (string, error) {
	ep, ok := endpoints[p]
	if !ok {
		return "", coreerr.New(coreerr.ConfigInvalid, "oauth2.AuthCodeURL", fmt.Errorf("unknown provider %q", p))
	}
	clientID := clientIDFor(p)
	if clientID == "" {
		return "", coreerr.New(coreerr.ConfigInvalid, "oauth2.AuthCodeURL", fmt.Errorf("provider %q is not configured", p))
	}

	v := url.Values{}
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("response_type", "code")
	v.Set("scope", ep.Scope)
	v.Set("access_type", "offline")
	v.Set("prompt", "consent")
	v.Set("state", state)
	return ep.AuthURL + "?" + v.Encode(), nil
}

func clientIDFor(p Provider) string {
	switch p {
	case ProviderGoogle:
		return GoogleClientID
	case ProviderMicrosoft:
		return MicrosoftClientID
	default:
		return ""
	}
}

func clientSecretFor(p Provider) string {
	if p == ProviderGoogle {
		return GoogleClientSecret
	}
	return ""
}

// Token is an OAuth2 token pair with its expiry.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the access token needs refreshing, with a small
// margin so a request doesn't race an expiry that lands mid-flight.
func (t Token) Expired() bool {
	return time.Now().Add(30 * time.Second).After(t.Expiry)
}

// Manager exchanges and refreshes OAuth2 tokens, persisting them in the
// account's configuration store the same way the key manager persists
// armored keys: no separate table, just config rows.
type Manager struct {
	cfg        *config.Store
	httpClient *http.Client
	log        zerolog.Logger
}

// NewManager creates an OAuth2 token manager bound to cfg.
func NewManager(cfg *config.Store) *Manager {
	return &Manager{cfg: cfg, httpClient: &http.Client{Timeout: 30 * time.Second}, log: corelog.WithComponent("oauth2")}
}

// ExchangeCode trades an authorization code for a token pair and persists
// it, completing the interactive OAuth2 login flow.
func (m *Manager) ExchangeCode(ctx context.Context, p Provider, code, redirectURI string) (*Token, error) {
	ep, ok := endpoints[p]
	if !ok {
		return nil, coreerr.New(coreerr.ConfigInvalid, "oauth2.ExchangeCode", fmt.Errorf("unknown provider %q", p))
	}

	form := url.Values{}
	form.Set("client_id", clientIDFor(p))
	if secret := clientSecretFor(p); secret != "" {
		form.Set("client_secret", secret)
	}
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)

	tok, err := m.postForm(ctx, ep.TokenURL, form)
	if err != nil {
		return nil, err
	}
	if err := m.persist(p, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// LoadToken returns the currently stored token, refreshing it first if it
// has expired or is about to.
func (m *Manager) LoadToken(ctx context.Context) (*Token, error) {
	providerStr, err := m.cfg.Get(config.KeyOauth2Provider)
	if err != nil {
		return nil, err
	}
	if providerStr == "" {
		return nil, coreerr.New(coreerr.ConfigInvalid, "oauth2.LoadToken", fmt.Errorf("no oauth2 provider configured"))
	}
	p := Provider(providerStr)

	access, err := m.cfg.Get(config.KeyOauth2AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := m.cfg.Get(config.KeyOauth2RefreshToken)
	if err != nil {
		return nil, err
	}
	expiryStr, err := m.cfg.Get(config.KeyOauth2TokenExpiry)
	if err != nil {
		return nil, err
	}
	expiryUnix, _ := strconv.ParseInt(expiryStr, 10, 64)

	tok := &Token{AccessToken: access, RefreshToken: refresh, Expiry: time.Unix(expiryUnix, 0)}
	if !tok.Expired() {
		return tok, nil
	}
	return m.Refresh(ctx, p, tok.RefreshToken)
}

// Refresh trades a refresh token for a new access token and persists it.
func (m *Manager) Refresh(ctx context.Context, p Provider, refreshToken string) (*Token, error) {
	ep, ok := endpoints[p]
	if !ok {
		return nil, coreerr.New(coreerr.ConfigInvalid, "oauth2.Refresh", fmt.Errorf("unknown provider %q", p))
	}

	form := url.Values{}
	form.Set("client_id", clientIDFor(p))
	if secret := clientSecretFor(p); secret != "" {
		form.Set("client_secret", secret)
	}
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	tok, err := m.postForm(ctx, ep.TokenURL, form)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		// Most providers omit refresh_token on a refresh response; keep ours.
		tok.RefreshToken = refreshToken
	}
	if err := m.persist(p, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

func (m *Manager) postForm(ctx context.Context, tokenURL string, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, coreerr.New(coreerr.NetworkUnavailable, "oauth2.postForm", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, coreerr.New(coreerr.NetworkUnavailable, "oauth2.postForm", err)
	}
	defer resp.Body.Close()

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, coreerr.New(coreerr.ProtocolError, "oauth2.postForm", err)
	}
	if parsed.Error != "" {
		return nil, coreerr.New(coreerr.AuthFailed, "oauth2.postForm", fmt.Errorf("token endpoint: %s", parsed.Error))
	}
	if parsed.AccessToken == "" {
		return nil, coreerr.New(coreerr.AuthFailed, "oauth2.postForm", fmt.Errorf("token endpoint returned no access_token"))
	}

	return &Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

func (m *Manager) persist(p Provider, tok *Token) error {
	if err := m.cfg.Set(config.KeyAuthType, config.AuthOAuth2); err != nil {
		return err
	}
	if err := m.cfg.Set(config.KeyOauth2Provider, string(p)); err != nil {
		return err
	}
	if err := m.cfg.Set(config.KeyOauth2AccessToken, tok.AccessToken); err != nil {
		return err
	}
	if tok.RefreshToken != "" {
		if err := m.cfg.Set(config.KeyOauth2RefreshToken, tok.RefreshToken); err != nil {
			return err
		}
	}
	return m.cfg.Set(config.KeyOauth2TokenExpiry, strconv.FormatInt(tok.Expiry.Unix(), 10))
}
