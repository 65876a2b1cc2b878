package oracled

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"chainscore/storage"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for oracled.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	MaxConnections int             `yaml:"max_connections"`
	LogLevel       string          `yaml:"log_level"`
	Storage        StorageConfig   `yaml:"storage"`
	SchedulePath   string          `yaml:"schedule"`
	Vault          string          `yaml:"vault"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Outbox         OutboxConfig    `yaml:"outbox"`
	Stream         StreamConfig    `yaml:"stream"`
	Genesis        []GenesisEntry  `yaml:"genesis"`
}

// StorageConfig selects the key/value backend for ledger state.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuthConfig controls bearer token verification. The token subject is the
// caller's ledger address.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// OutboxConfig configures durable callback delivery.
type OutboxConfig struct {
	Driver         string            `yaml:"driver"`
	DSN            string            `yaml:"dsn"`
	PollInterval   Duration          `yaml:"poll_interval"`
	MaxAttempts    int               `yaml:"max_attempts"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	SigningSecret  string            `yaml:"signing_secret"`
	Callbacks      map[string]string `yaml:"callbacks"`
}

// StreamConfig tunes the websocket event feed.
type StreamConfig struct {
	Buffer         int      `yaml:"buffer"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GenesisEntry seeds an account balance when the ledger is empty.
type GenesisEntry struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 1024
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != storage.BackendMemory {
		cfg.Storage.Path = "/var/data/oracled"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Outbox.Driver == "" {
		cfg.Outbox.Driver = OutboxDriverSQLite
	}
	if cfg.Outbox.DSN == "" && cfg.Outbox.Driver == OutboxDriverSQLite {
		cfg.Outbox.DSN = "file:/var/data/oracled-outbox.db"
	}
	if cfg.Outbox.PollInterval.Duration == 0 {
		cfg.Outbox.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = 5
	}
	if cfg.Outbox.RequestTimeout.Duration == 0 {
		cfg.Outbox.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
	if cfg.Stream.WriteTimeout.Duration == 0 {
		cfg.Stream.WriteTimeout.Duration = 10 * time.Second
	}
}

func validate(cfg Config) error {
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBoltDB:
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if strings.TrimSpace(cfg.SchedulePath) == "" {
		return fmt.Errorf("schedule path must be configured")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if cfg.Vault != "" && !common.IsHexAddress(cfg.Vault) {
		return fmt.Errorf("vault %q is not a hex address", cfg.Vault)
	}
	switch cfg.Outbox.Driver {
	case OutboxDriverSQLite, OutboxDriverPostgres:
	default:
		return fmt.Errorf("unsupported outbox driver %q", cfg.Outbox.Driver)
	}
	if strings.TrimSpace(cfg.Outbox.DSN) == "" {
		return fmt.Errorf("outbox.dsn must be configured")
	}
	for contract, url := range cfg.Outbox.Callbacks {
		if !common.IsHexAddress(contract) {
			return fmt.Errorf("callback contract %q is not a hex address", contract)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("callback url for %s must be http(s)", contract)
		}
	}
	for i, entry := range cfg.Genesis {
		if !common.IsHexAddress(entry.Address) {
			return fmt.Errorf("genesis[%d]: address %q is not a hex address", i, entry.Address)
		}
		if _, err := entry.Amount(); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// VaultAddress returns the configured escrow vault or ok=false when unset.
func (c Config) VaultAddress() (common.Address, bool) {
	if c.Vault == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(c.Vault), true
}

// CallbackURLs returns the delivery endpoints keyed by contract address.
func (c OutboxConfig) CallbackURLs() map[common.Address]string {
	out := make(map[common.Address]string, len(c.Callbacks))
	for contract, url := range c.Callbacks {
		out[common.HexToAddress(contract)] = url
	}
	return out
}

// Amount parses the decimal balance.
func (g GenesisEntry) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(g.Balance), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid balance %q", g.Balance)
	}
	return amount, nil
}
