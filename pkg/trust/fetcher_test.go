package trust

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"
)

type stubHTTPClient struct {
	status  int
	body    []byte
	headers http.Header
	err     error
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	headers := s.headers
	if headers == nil {
		headers = http.Header{}
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     headers,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}, nil
}

func rsaEntry(t *testing.T, kid string) map[string]string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func ecEntry(t *testing.T, kid string) map[string]string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	return map[string]string{
		"kty": "EC",
		"kid": kid,
		"alg": "ES256",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(key.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(key.Y.Bytes()),
	}
}

func keysBody(t *testing.T, entries ...map[string]string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"keys": entries})
	if err != nil {
		t.Fatalf("marshal keys: %v", err)
	}
	return raw
}

func TestFetchKeysParsesRSAAndEC(t *testing.T) {
	client := &stubHTTPClient{
		status: http.StatusOK,
		body:   keysBody(t, rsaEntry(t, "rsa-1"), ecEntry(t, "ec-1")),
	}
	fetcher := NewHTTPFetcher("https://idp.test/keys", client, time.Minute)

	set, err := fetcher.FetchKeys(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", set.Len())
	}
	if key, ok := set.Key("rsa-1"); !ok {
		t.Fatal("missing rsa key")
	} else if _, isRSA := key.Public.(*rsa.PublicKey); !isRSA {
		t.Fatalf("expected *rsa.PublicKey, got %T", key.Public)
	}
	if key, ok := set.Key("ec-1"); !ok {
		t.Fatal("missing ec key")
	} else if _, isEC := key.Public.(*ecdsa.PublicKey); !isEC {
		t.Fatalf("expected *ecdsa.PublicKey, got %T", key.Public)
	}
}

func TestFetchKeysSkipsMalformedEntries(t *testing.T) {
	broken := map[string]string{"kty": "RSA", "kid": "broken", "n": "!!not-base64!!", "e": "AQAB"}
	noKid := rsaEntry(t, "good")
	noKid["kid"] = ""
	client := &stubHTTPClient{
		status: http.StatusOK,
		body:   keysBody(t, broken, noKid, rsaEntry(t, "good")),
	}
	fetcher := NewHTTPFetcher("https://idp.test/keys", client, time.Minute)

	set, err := fetcher.FetchKeys(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected the one good key, got %d", set.Len())
	}
}

func TestFetchKeysEmptyDocumentFails(t *testing.T) {
	client := &stubHTTPClient{status: http.StatusOK, body: []byte(`{"keys":[]}`)}
	fetcher := NewHTTPFetcher("https://idp.test/keys", client, time.Minute)

	if _, err := fetcher.FetchKeys(context.Background()); err == nil {
		t.Fatal("expected error for empty key set")
	}
}

func TestFetchKeysNonOKStatusFails(t *testing.T) {
	client := &stubHTTPClient{status: http.StatusBadGateway}
	fetcher := NewHTTPFetcher("https://idp.test/keys", client, time.Minute)

	if _, err := fetcher.FetchKeys(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestFetchKeysHonorsCacheControlHint(t *testing.T) {
	headers := http.Header{}
	headers.Set("Cache-Control", "public, max-age=120")
	client := &stubHTTPClient{
		status:  http.StatusOK,
		body:    keysBody(t, rsaEntry(t, "rsa-1")),
		headers: headers,
	}
	fetcher := NewHTTPFetcher("https://idp.test/keys", client, time.Minute)

	set, err := fetcher.FetchKeys(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// 2 minute hint: still fresh after the 1 minute default would lapse.
	if !set.Fresh(set.FetchedAt().Add(90 * time.Second)) {
		t.Fatal("cache-control hint should extend freshness")
	}
	if set.Fresh(set.FetchedAt().Add(3 * time.Minute)) {
		t.Fatal("set must go stale past the hint")
	}
}

func TestCacheMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"max-age=300":          5 * time.Minute,
		"public, max-age=60":   time.Minute,
		"no-store":             0,
		"":                     0,
		"max-age=not-a-number": 0,
	}
	for header, want := range cases {
		if got := cacheMaxAge(header); got != want {
			t.Fatalf("%q: expected %s, got %s", header, want, got)
		}
	}
}
