package di

import (
	"errors"
	"reflect"

	"github.com/goliatone/go-dataspace/internal/commands"
	"github.com/goliatone/go-dataspace/internal/gateway"
	"github.com/goliatone/go-dataspace/internal/negotiation"
	"github.com/goliatone/go-dataspace/internal/sweeper"
	"github.com/goliatone/go-dataspace/pkg/auth"
	"github.com/goliatone/go-dataspace/pkg/config"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/policy"
	"github.com/goliatone/go-dataspace/pkg/secrets"
	"github.com/goliatone/go-dataspace/pkg/storage"
	"github.com/goliatone/go-dataspace/pkg/trust"
)

// Options configure the DI container.
type Options struct {
	Config  config.Config
	Storage storage.Providers
	Logger  logger.Logger
	// Fetcher supplies signing keys; defaults to an HTTP fetcher against
	// the configured trust endpoint.
	Fetcher trust.Fetcher
	// Secrets guards the grant-signing key.
	Secrets secrets.Keeper
	// ProviderTenant names the data-providing side of opened sessions.
	ProviderTenant string
}

// Container wires the trust cache, validator, evaluator, negotiation core,
// gateway and command catalog.
type Container struct {
	Config      config.Config
	Storage     storage.Providers
	TrustCache  *trust.Cache
	Validator   *auth.Validator
	Evaluator   *policy.Evaluator
	Negotiator  *negotiation.Service
	Gateway     *gateway.Service
	Commands    *commands.Catalog
	Sweeper     *sweeper.Sweeper
	GrantSigner *negotiation.GrantSigner
}

func isZeroConfig(cfg config.Config) bool {
	return reflect.ValueOf(cfg).IsZero()
}

// New constructs the container using the supplied options.
func New(opts Options) (*Container, error) {
	cfg := opts.Config
	if isZeroConfig(cfg) {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	providers := opts.Storage
	if providers.Sessions == nil {
		providers = storage.NewMemoryProviders()
	}

	lgr := opts.Logger
	if lgr == nil {
		lgr = &logger.Nop{}
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		if cfg.Trust.Endpoint == "" {
			return nil, errors.New("di: trust endpoint or fetcher is required")
		}
		fetcher = trust.NewHTTPFetcher(cfg.Trust.Endpoint, nil, cfg.Trust.CacheTTL)
	}

	keeper := opts.Secrets
	if keeper == nil {
		return nil, errors.New("di: secrets keeper is required")
	}

	cache, err := trust.NewCache(trust.CacheOptions{
		Fetcher:      fetcher,
		TTL:          cfg.Trust.CacheTTL,
		GracePeriod:  cfg.Trust.GracePeriod,
		FetchTimeout: cfg.Trust.FetchTimeout,
		Logger:       lgr,
	})
	if err != nil {
		return nil, err
	}

	validator, err := auth.NewValidator(auth.ValidatorOptions{
		Keys:      cache,
		Issuers:   cfg.Auth.Issuers,
		ClockSkew: cfg.Auth.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	evaluator, err := policy.NewEvaluator(providers.Policies)
	if err != nil {
		return nil, err
	}

	signer, err := negotiation.NewGrantSigner(keeper, cfg.Grant.Issuer, cfg.Grant.TTL)
	if err != nil {
		return nil, err
	}

	negotiator, err := negotiation.NewService(negotiation.Dependencies{
		Sessions:       providers.Sessions,
		Signer:         signer,
		Logger:         lgr,
		RoundTripLimit: cfg.Negotiation.RoundTripLimit,
		IdleTimeout:    cfg.Negotiation.SessionIdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewService(gateway.Dependencies{
		Validator:      validator,
		Evaluator:      evaluator,
		Negotiator:     negotiator,
		Signer:         signer,
		Logger:         lgr,
		Audience:       cfg.Auth.Audience,
		ProviderTenant: opts.ProviderTenant,
	})
	if err != nil {
		return nil, err
	}

	catalog, err := commands.NewCatalog(commands.Dependencies{
		Negotiator: negotiator,
		Policies:   providers.Policies,
		Logger:     lgr,
	})
	if err != nil {
		return nil, err
	}

	var sweep *sweeper.Sweeper
	if cfg.Sweep.Enabled {
		sweep, err = sweeper.New(sweeper.Dependencies{
			Negotiator: negotiator,
			Logger:     lgr,
			Interval:   cfg.Sweep.Interval,
			Retention:  cfg.Negotiation.SessionRetention,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Container{
		Config:      cfg,
		Storage:     providers,
		TrustCache:  cache,
		Validator:   validator,
		Evaluator:   evaluator,
		Negotiator:  negotiator,
		Gateway:     gw,
		Commands:    catalog,
		Sweeper:     sweep,
		GrantSigner: signer,
	}, nil
}
