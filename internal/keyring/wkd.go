package keyring

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"golang.org/x/net/publicsuffix"
)

var wkdClient = &http.Client{Timeout: 10 * time.Second}

const zBase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// zBase32Encode implements the z-base-32 variant the Web Key Directory
// spec requires for the local-part hash component of the lookup URL.
func zBase32Encode(data []byte) string {
	var b strings.Builder
	var buffer uint32
	var bitsInBuffer uint

	for _, c := range data {
		buffer = (buffer << 8) | uint32(c)
		bitsInBuffer += 8
		for bitsInBuffer >= 5 {
			bitsInBuffer -= 5
			idx := (buffer >> bitsInBuffer) & 0x1f
			b.WriteByte(zBase32Alphabet[idx])
		}
	}
	if bitsInBuffer > 0 {
		idx := (buffer << (5 - bitsInBuffer)) & 0x1f
		b.WriteByte(zBase32Alphabet[idx])
	}
	return b.String()
}

// LookupWKD resolves addr's public key via the Web Key Directory, trying
// the direct method first and falling back to the advanced method per the
// draft-koch-openpgp-webkey-service lookup order.
func LookupWKD(ctx context.Context, addr string) (*openpgp.Entity, error) {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	domain = strings.ToLower(domain)
	localLower := strings.ToLower(local)

	// A WKD policy domain must sit below a public suffix (e.g. a lookup
	// against bare "co.uk" is refused); this is the same derivation the
	// advanced method's openpgpkey.<domain> subdomain assumes exists.
	if _, err := publicsuffix.EffectiveTLDPlusOne(domain); err != nil {
		return nil, fmt.Errorf("invalid wkd policy domain %q: %w", domain, err)
	}

	sum := sha1.Sum([]byte(localLower))
	hash := zBase32Encode(sum[:])

	direct := fmt.Sprintf("https://%s/.well-known/openpgpkey/hu/%s?l=%s", domain, hash, url.QueryEscape(local))
	if entity, err := fetchWKD(ctx, direct); err == nil {
		return entity, nil
	}

	advanced := fmt.Sprintf("https://openpgpkey.%s/.well-known/openpgpkey/%s/hu/%s?l=%s", domain, domain, hash, url.QueryEscape(local))
	entity, err := fetchWKD(ctx, advanced)
	if err != nil {
		return nil, fmt.Errorf("wkd lookup failed for %s: %w", addr, err)
	}
	return entity, nil
}

func fetchWKD(ctx context.Context, u string) (*openpgp.Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := wkdClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	entities, err := ParseBinaryKey(body)
	if err != nil {
		return nil, err
	}
	return entities[0], nil
}
