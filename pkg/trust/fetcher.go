package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxDocumentSize caps the discovery response body (1 MB).
const maxDocumentSize = 1 << 20

// HTTPClient abstracts the HTTP client used to reach the identity
// provider's key discovery endpoint. The standard http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFetcher retrieves the provider's key set from a JWKS-style discovery
// endpoint.
type HTTPFetcher struct {
	Endpoint string
	Client   HTTPClient
	// DefaultTTL is used when the response carries no cache-control hint.
	DefaultTTL time.Duration

	now func() time.Time
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher builds a fetcher for the given discovery endpoint.
func NewHTTPFetcher(endpoint string, client HTTPClient, defaultTTL time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		Endpoint:   endpoint,
		Client:     client,
		DefaultTTL: defaultTTL,
		now:        time.Now,
	}
}

type keysDocument struct {
	Keys []keyEntry `json:"keys"`
}

type keyEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA fields
	N string `json:"n"`
	E string `json:"e"`
	// EC fields
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// FetchKeys downloads and parses the provider's published key set.
func (f *HTTPFetcher) FetchKeys(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("trust: build keys request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trust: keys request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trust: keys endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("trust: read keys response: %w", err)
	}

	var doc keysDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("trust: malformed keys document: %w", err)
	}

	keys := make([]Key, 0, len(doc.Keys))
	for _, entry := range doc.Keys {
		if entry.Kid == "" {
			continue
		}
		switch entry.Kty {
		case "RSA":
			pub, err := parseRSAPublicKey(entry.N, entry.E)
			if err != nil {
				continue // skip malformed keys
			}
			keys = append(keys, Key{ID: entry.Kid, Algorithm: entry.Alg, Public: pub})
		case "EC":
			pub, err := parseECPublicKey(entry.Crv, entry.X, entry.Y)
			if err != nil {
				continue
			}
			keys = append(keys, Key{ID: entry.Kid, Algorithm: entry.Alg, Public: pub})
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("trust: keys document contains no usable keys")
	}

	ttl := f.DefaultTTL
	if hint := cacheMaxAge(resp.Header.Get("Cache-Control")); hint > 0 {
		ttl = hint
	}

	return NewKeySet(keys, f.now().UTC(), ttl), nil
}

// cacheMaxAge extracts a max-age hint from a Cache-Control header, zero
// when absent or unparsable.
func cacheMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		value, found := strings.CutPrefix(directive, "max-age=")
		if !found {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("trust: decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("trust: decode RSA exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseECPublicKey(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("trust: unsupported EC curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, fmt.Errorf("trust: decode EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, fmt.Errorf("trust: decode EC y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
