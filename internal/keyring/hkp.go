package keyring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// DefaultKeyServers mirrors the pool the original client shipped with.
var DefaultKeyServers = []string{
	"https://keys.openpgp.org",
	"https://keyserver.ubuntu.com",
	"https://pgp.mit.edu",
}

var hkpClient = &http.Client{Timeout: 15 * time.Second}

// LookupHKP queries key servers in order for a public key matching email,
// returning the first hit. It stops at the first server that responds with
// a parseable key.
func LookupHKP(ctx context.Context, email string, servers []string) (*openpgp.Entity, error) {
	if len(servers) == 0 {
		servers = DefaultKeyServers
	}

	var lastErr error
	for _, server := range servers {
		entity, err := fetchHKP(ctx, server, email)
		if err != nil {
			lastErr = err
			continue
		}
		return entity, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no key servers configured")
	}
	return nil, fmt.Errorf("hkp lookup failed for %s: %w", email, lastErr)
}

func fetchHKP(ctx context.Context, server, email string) (*openpgp.Entity, error) {
	u := fmt.Sprintf("%s/pks/lookup?op=get&search=%s&options=mr", strings.TrimRight(server, "/"), url.QueryEscape(email))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := hkpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", server, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	entities, err := ParseArmoredKey(string(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", server, err)
	}
	return entities[0], nil
}
