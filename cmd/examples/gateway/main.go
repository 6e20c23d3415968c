package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/goliatone/go-dataspace/internal/di"
	"github.com/goliatone/go-dataspace/internal/transport/httpapi"
	"github.com/goliatone/go-dataspace/pkg/config"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/secrets"
	"github.com/goliatone/go-dataspace/pkg/storage"
	"github.com/goliatone/go-dataspace/pkg/trust"
	jwt "github.com/golang-jwt/jwt/v5"
)

// staticFetcher serves a fixed key set, standing in for the identity
// provider's discovery endpoint.
type staticFetcher struct {
	keys []trust.Key
	ttl  time.Duration
}

func (f *staticFetcher) FetchKeys(ctx context.Context) (*trust.KeySet, error) {
	return trust.NewKeySet(f.keys, time.Now(), f.ttl), nil
}

func main() {
	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Auth.Audience = "urn:dataspace:gateway"
	cfg.Auth.Issuers = []string{"https://idp.example.com"}

	providers := storage.NewMemoryProviders()
	lgr := logger.New()

	container, err := di.New(di.Options{
		Config:  cfg,
		Storage: providers,
		Logger:  lgr,
		Fetcher: &staticFetcher{
			keys: []trust.Key{{ID: "demo-key", Algorithm: "RS256", Public: &signingKey.PublicKey}},
			ttl:  cfg.Trust.CacheTTL,
		},
		Secrets:        &secrets.StaticKeeper{Key: []byte("demo-grant-signing-key-32-bytes!")},
		ProviderTenant: "acme-provider",
	})
	if err != nil {
		log.Fatal(err)
	}

	seedPolicies(container.Storage)

	token, err := mintDemoToken(signingKey, cfg.Auth.Audience)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("demo bearer token:\n%s\n\n", token)

	handler, err := httpapi.NewHandler(container.Gateway, lgr)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if container.Sweeper != nil {
		go func() {
			if err := container.Sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				lgr.Error("sweeper stopped", logger.Field{Key: "error", Value: err.Error()})
			}
		}()
	}

	addr := ":8080"
	fmt.Printf("listening on %s\ntry: curl -H 'Authorization: Bearer <token>' -d '{\"resource_id\":\"dataset-1\"}' localhost%s/access\n", addr, addr)
	log.Fatal(http.ListenAndServe(addr, handler.Router()))
}

func seedPolicies(providers storage.Providers) {
	ctx := context.Background()
	rules := []*domain.PolicyRule{
		{
			ResourceID:    "dataset-1",
			Effect:        domain.EffectPermit,
			RequiredRoles: domain.StringList{"reader"},
			Description:   "open dataset for readers",
		},
		{
			ResourceID:    "dataset-2",
			Effect:        domain.EffectNegotiate,
			RequiredSteps: domain.StringList{"offer", "accept", "finalize"},
			Description:   "restricted dataset, usage terms required",
		},
	}
	for _, rule := range rules {
		if err := providers.Policies.Create(ctx, rule); err != nil {
			log.Fatal(err)
		}
	}
}

func mintDemoToken(key *rsa.PrivateKey, audience string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":    "https://idp.example.com",
		"sub":    "user-42",
		"aud":    audience,
		"tenant": "beta-consumer",
		"roles":  []string{"reader"},
		"iat":    now.Unix(),
		"exp":    now.Add(10 * time.Minute).Unix(),
	})
	token.Header["kid"] = "demo-key"
	return token.SignedString(key)
}
