package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/goliatone/go-config/cfgx"
)

// Config captures module-level configuration knobs. Feature packages (auth,
// trust, negotiation, sweeper) pull from these nested structs.
type Config struct {
	Auth        AuthConfig        `mapstructure:"auth" json:"auth"`
	Trust       TrustConfig       `mapstructure:"trust" json:"trust"`
	Negotiation NegotiationConfig `mapstructure:"negotiation" json:"negotiation"`
	Grant       GrantConfig       `mapstructure:"grant" json:"grant"`
	Sweep       SweepConfig       `mapstructure:"sweep" json:"sweep"`
}

// AuthConfig controls bearer token validation.
type AuthConfig struct {
	// Audience is the audience claim inbound tokens must carry.
	Audience string `mapstructure:"audience" json:"audience"`
	// Issuers is the allow-list of trusted token issuers.
	Issuers []string `mapstructure:"issuers" json:"issuers"`
	// ClockSkew tolerates drift between this service and the identity
	// provider.
	ClockSkew time.Duration `mapstructure:"clock_skew" json:"clock_skew"`
}

// TrustConfig controls the signing-key cache.
type TrustConfig struct {
	// Endpoint is the identity provider's key discovery URL.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// CacheTTL bounds how long a fetched key set serves lookups.
	CacheTTL time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	// GracePeriod bounds how long a stale key set may keep serving while
	// refresh fails.
	GracePeriod time.Duration `mapstructure:"grace_period" json:"grace_period"`
	// FetchTimeout caps a single discovery fetch.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
}

// NegotiationConfig bounds the offer/counter-offer protocol.
type NegotiationConfig struct {
	// RoundTripLimit caps offer/counter alternations before a session is
	// force-rejected.
	RoundTripLimit int `mapstructure:"round_trip_limit" json:"round_trip_limit"`
	// SessionIdleTimeout expires sessions with no activity.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" json:"session_idle_timeout"`
	// SessionRetention keeps terminal sessions before archival.
	SessionRetention time.Duration `mapstructure:"session_retention" json:"session_retention"`
}

// GrantConfig controls minted access grants.
type GrantConfig struct {
	// TTL is the grant validity window.
	TTL time.Duration `mapstructure:"ttl" json:"ttl"`
	// Issuer is the iss claim stamped on grants.
	Issuer string `mapstructure:"issuer" json:"issuer"`
}

// SweepConfig controls the background expiry sweeper.
type SweepConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Auth: AuthConfig{
			ClockSkew: 30 * time.Second,
		},
		Trust: TrustConfig{
			CacheTTL:     15 * time.Minute,
			GracePeriod:  5 * time.Minute,
			FetchTimeout: 10 * time.Second,
		},
		Negotiation: NegotiationConfig{
			RoundTripLimit:     8,
			SessionIdleTimeout: 30 * time.Minute,
			SessionRetention:   24 * time.Hour,
		},
		Grant: GrantConfig{
			TTL:    5 * time.Minute,
			Issuer: "go-dataspace",
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
	}
}

// Validate ensures required fields are present and sane.
func (c *Config) Validate() error {
	if c.Auth.Audience == "" {
		return errors.New("auth.audience is required")
	}
	if len(c.Auth.Issuers) == 0 {
		return errors.New("auth.issuers requires at least one trusted issuer")
	}
	if c.Auth.ClockSkew < 0 {
		return fmt.Errorf("auth.clock_skew must be >= 0")
	}
	if c.Trust.CacheTTL <= 0 {
		return fmt.Errorf("trust.cache_ttl must be > 0")
	}
	if c.Trust.GracePeriod < 0 {
		return fmt.Errorf("trust.grace_period must be >= 0")
	}
	if c.Negotiation.RoundTripLimit <= 0 {
		return fmt.Errorf("negotiation.round_trip_limit must be > 0")
	}
	if c.Negotiation.SessionIdleTimeout <= 0 {
		return fmt.Errorf("negotiation.session_idle_timeout must be > 0")
	}
	if c.Negotiation.SessionRetention < 0 {
		return fmt.Errorf("negotiation.session_retention must be >= 0")
	}
	if c.Grant.TTL <= 0 {
		return fmt.Errorf("grant.ttl must be > 0")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be > 0 when sweeping is enabled")
	}
	return nil
}

// Load decodes arbitrary input (struct, map, cfg struct) using cfgx
// helpers, falling back to a lightweight JSON round-trip decoder when cfgx
// yields a zero value.
func Load(input any, opts ...LoadOption) (Config, error) {
	settings := loadOptions{}
	for _, opt := range opts {
		opt(&settings)
	}

	cfg, err := cfgx.Build(input, settings.buildOpts...)
	if err != nil {
		return Config{}, err
	}

	if isZero(cfg) {
		if err := decodeFallback(input, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOption lets callers amend cfgx build options.
type LoadOption func(*loadOptions)

type loadOptions struct {
	buildOpts []cfgx.Option[Config]
}

// WithBuildOptions forwards cfgx options (duration hooks, preprocessors, etc.).
func WithBuildOptions(opts ...cfgx.Option[Config]) LoadOption {
	return func(lo *loadOptions) {
		lo.buildOpts = append(lo.buildOpts, opts...)
	}
}

func (c Config) withDefaults() Config {
	defaults := Defaults()

	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = defaults.Auth.ClockSkew
	}
	if c.Trust.CacheTTL == 0 {
		c.Trust.CacheTTL = defaults.Trust.CacheTTL
	}
	if c.Trust.GracePeriod == 0 {
		c.Trust.GracePeriod = defaults.Trust.GracePeriod
	}
	if c.Trust.FetchTimeout == 0 {
		c.Trust.FetchTimeout = defaults.Trust.FetchTimeout
	}
	if c.Negotiation.RoundTripLimit == 0 {
		c.Negotiation.RoundTripLimit = defaults.Negotiation.RoundTripLimit
	}
	if c.Negotiation.SessionIdleTimeout == 0 {
		c.Negotiation.SessionIdleTimeout = defaults.Negotiation.SessionIdleTimeout
	}
	if c.Negotiation.SessionRetention == 0 {
		c.Negotiation.SessionRetention = defaults.Negotiation.SessionRetention
	}
	if c.Grant.TTL == 0 {
		c.Grant.TTL = defaults.Grant.TTL
	}
	if c.Grant.Issuer == "" {
		c.Grant.Issuer = defaults.Grant.Issuer
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = defaults.Sweep.Interval
	}
	return c
}

func isZero(cfg Config) bool {
	return reflect.ValueOf(cfg).IsZero()
}

func decodeFallback(input any, cfg *Config) error {
	if input == nil {
		return nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("config: marshal input: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: decode input: %w", err)
	}
	return nil
}
