package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"mtls-lb/internal/validator"
)

// IdentityConfig maps one authenticated identity to the single upstream
// pool it is authorized to use.
type IdentityConfig struct {
	Email  string `json:"email"`
	PoolID uint32 `json:"pool_id"`
}

// EndpointConfig is one plaintext upstream target within a pool.
type EndpointConfig struct {
	ID      uint32 `json:"id"`
	Address string `json:"address"`
}

// PoolConfig is a pool id and its member endpoints.
type PoolConfig struct {
	ID        uint32           `json:"id"`
	Endpoints []EndpointConfig `json:"endpoints"`
}

// RetryConfig controls the exponential-backoff retry used only for the
// initial listener bind at startup.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"`
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
}

// CircuitBreakerConfig controls the per-endpoint dial-failure breaker.
type CircuitBreakerConfig struct {
	Enabled          bool     `json:"enabled"`
	MaxFailures      int32    `json:"max_failures"`
	ResetTimeout     Duration `json:"reset_timeout"`
	SuccessThreshold int32    `json:"success_threshold"`
}

// Config is the load balancer's full configuration.
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	HTTPAddr       string `json:"http_addr"`
	AlternateCerts bool   `json:"alternate_certs"`
	CertDir        string `json:"cert_dir"`

	PollInterval          Duration    `json:"poll_interval"`
	ListenBindRetry       RetryConfig `json:"listen_bind_retry"`
	GlobalConnectionLimit int         `json:"global_connection_limit"`

	Identities []IdentityConfig `json:"identities"`
	Pools      []PoolConfig     `json:"pools"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
}

// Default returns the configuration the original implementation shipped
// as its own hardcoded topology: four identities each allowed a distinct
// pool, with only pools 0 and 1 populated with endpoints (pools 2 and 3
// are intentionally left empty, matching the source this was adapted
// from).
func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8443",
		HTTPAddr:       "127.0.0.1:9090",
		AlternateCerts: false,
		CertDir:        "certs",
		PollInterval:   Duration(10_000_000), // 10ms
		ListenBindRetry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: Duration(200_000_000), // 200ms
			MaxDelay:     Duration(2_000_000_000),
		},
		GlobalConnectionLimit: 0,
		Identities: []IdentityConfig{
			{Email: "first@first.com", PoolID: 0},
			{Email: "second@second.com", PoolID: 1},
			{Email: "third@third.com", PoolID: 2},
			{Email: "fourth@fourth.com", PoolID: 3},
		},
		Pools: []PoolConfig{
			{ID: 0, Endpoints: []EndpointConfig{
				{ID: 0, Address: "127.0.0.1:2500"},
				{ID: 1, Address: "127.0.0.1:2501"},
				{ID: 2, Address: "127.0.0.1:2502"},
			}},
			{ID: 1, Endpoints: []EndpointConfig{
				{ID: 3, Address: "127.0.0.1:2503"},
				{ID: 4, Address: "127.0.0.1:2504"},
				{ID: 5, Address: "127.0.0.1:2505"},
			}},
			{ID: 2, Endpoints: nil},
			{ID: 3, Endpoints: nil},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			MaxFailures:      3,
			ResetTimeout:     Duration(5_000_000_000),
			SuccessThreshold: 1,
		},
	}
}

// LoadFile reads and decodes a JSON configuration file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency: required
// fields, valid upstream addresses, and no identity referencing an
// undefined pool.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.PollInterval.AsDuration() <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.GlobalConnectionLimit < 0 {
		return errors.New("global_connection_limit must be >= 0")
	}

	pools := make(map[uint32]bool, len(c.Pools))
	for _, p := range c.Pools {
		if pools[p.ID] {
			return fmt.Errorf("duplicate pool id %d", p.ID)
		}
		pools[p.ID] = true

		endpointIDs := make(map[uint32]bool, len(p.Endpoints))
		for _, ep := range p.Endpoints {
			if endpointIDs[ep.ID] {
				return fmt.Errorf("pool %d: duplicate endpoint id %d", p.ID, ep.ID)
			}
			endpointIDs[ep.ID] = true
			if err := validator.ValidateUpstreamAddress(ep.Address); err != nil {
				return fmt.Errorf("pool %d endpoint %d: %w", p.ID, ep.ID, err)
			}
		}
	}

	emails := make(map[string]bool, len(c.Identities))
	for _, id := range c.Identities {
		if id.Email == "" {
			return errors.New("identities: email is required")
		}
		if emails[id.Email] {
			return fmt.Errorf("duplicate identity %q", id.Email)
		}
		emails[id.Email] = true
		if !pools[id.PoolID] {
			return fmt.Errorf("identity %q references undefined pool %d", id.Email, id.PoolID)
		}
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxFailures <= 0 {
			return errors.New("circuit_breaker.max_failures must be positive when enabled")
		}
		if c.CircuitBreaker.ResetTimeout.AsDuration() <= 0 {
			return errors.New("circuit_breaker.reset_timeout must be positive when enabled")
		}
	}

	return nil
}
