package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"ratematch/gateway/middleware"
	nativecommon "ratematch/native/common"
	"ratematch/native/matching"
	"ratematch/observability/logging"
)

const (
	defaultListen      = ":8645"
	defaultAdminScope  = "matching:admin"
	defaultJournal     = "sqlite"
	defaultJournalDSN  = "file:matchingd-events?mode=memory&cache=shared"
	maxBasisPoints     = 10_000
	defaultPriceString = "1000000000000000000"
)

// Config captures the runtime settings for the matching service daemon.
type Config struct {
	ListenAddress string                `yaml:"listen"`
	DataDir       string                `yaml:"data_dir"`
	GenesisPath   string                `yaml:"genesis"`
	TLS           TLSConfig             `yaml:"tls"`
	Auth          AuthConfig            `yaml:"auth"`
	CORS          middleware.CORSConfig `yaml:"cors"`
	RateLimit     middleware.RateLimit  `yaml:"rate_limit"`
	Quota         nativecommon.Quota    `yaml:"quota"`
	Journal       JournalConfig         `yaml:"journal"`
	Telemetry     TelemetryConfig       `yaml:"telemetry"`
	Logging       LoggingConfig         `yaml:"logging"`
	Pool          PoolConfig            `yaml:"pool"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token validation. Token subjects are user
// addresses; AdminScope guards the admin routes.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	AdminScope string        `yaml:"admin_scope"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// JournalConfig selects the SQL backend of the event journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LoggingConfig struct {
	Level string              `yaml:"level"`
	File  logging.FileOptions `yaml:"file"`
}

// PoolConfig lists the assets of the simulated lending pool the engine runs
// against.
type PoolConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

// AssetConfig describes one pool reserve together with its oracle entry.
// Amounts are decimal strings in the asset's smallest unit.
type AssetConfig struct {
	Asset                   string `yaml:"asset"`
	SupplyRateBps           uint64 `yaml:"supply_rate_bps"`
	BorrowRateBps           uint64 `yaml:"borrow_rate_bps"`
	Liquidity               string `yaml:"liquidity"`
	Price                   string `yaml:"price"`
	Decimals                uint8  `yaml:"decimals"`
	CollateralFactorBps     uint64 `yaml:"collateral_factor_bps"`
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps"`
	LiquidationBonusBps     uint64 `yaml:"liquidation_bonus_bps"`
}

// Address returns the parsed asset address.
func (a AssetConfig) Address() common.Address {
	return common.HexToAddress(a.Asset)
}

// LiquidityAmount returns the initial idle liquidity.
func (a AssetConfig) LiquidityAmount() *big.Int {
	value, _ := parseAmount(a.Liquidity)
	return value
}

// PriceAmount returns the oracle price.
func (a AssetConfig) PriceAmount() *big.Int {
	value, _ := parseAmount(a.Price)
	return value
}

// SupplyRate returns the annual supply rate in ray.
func (a AssetConfig) SupplyRate() *big.Int { return bpsToRay(a.SupplyRateBps) }

// BorrowRate returns the annual borrow rate in ray.
func (a AssetConfig) BorrowRate() *big.Int { return bpsToRay(a.BorrowRateBps) }

// Risk returns the oracle risk parameters.
func (a AssetConfig) Risk() matching.AssetConfig {
	return matching.AssetConfig{
		Decimals:             a.Decimals,
		CollateralFactor:     a.CollateralFactorBps,
		LiquidationThreshold: a.LiquidationThresholdBps,
		LiquidationBonus:     a.LiquidationBonusBps,
	}
}

func bpsToRay(bps uint64) *big.Int {
	out := new(big.Int).Mul(matching.Ray, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(maxBasisPoints))
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.GenesisPath = strings.TrimSpace(cfg.GenesisPath)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Auth.normalize()
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = defaultJournal
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == defaultJournal {
		cfg.Journal.DSN = defaultJournalDSN
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Logging.Level = strings.TrimSpace(cfg.Logging.Level)
	for i := range cfg.Pool.Assets {
		asset := &cfg.Pool.Assets[i]
		asset.Asset = strings.TrimSpace(asset.Asset)
		if strings.TrimSpace(asset.Price) == "" {
			asset.Price = defaultPriceString
		}
		if asset.Decimals == 0 {
			asset.Decimals = 18
		}
		if asset.LiquidationBonusBps == 0 {
			asset.LiquidationBonusBps = maxBasisPoints
		}
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	hasCert := cfg.TLS.CertPath != ""
	hasKey := cfg.TLS.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal: dsn required for driver %q", cfg.Journal.Driver)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	seen := make(map[common.Address]struct{}, len(cfg.Pool.Assets))
	for i, asset := range cfg.Pool.Assets {
		if !common.IsHexAddress(asset.Asset) {
			return fmt.Errorf("pool: asset %d: invalid address %q", i, asset.Asset)
		}
		addr := asset.Address()
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("pool: duplicate asset %s", addr.Hex())
		}
		seen[addr] = struct{}{}
		if _, err := parseAmount(asset.Liquidity); err != nil {
			return fmt.Errorf("pool: asset %s: liquidity: %w", addr.Hex(), err)
		}
		price, err := parseAmount(asset.Price)
		if err != nil {
			return fmt.Errorf("pool: asset %s: price: %w", addr.Hex(), err)
		}
		if price.Sign() == 0 {
			return fmt.Errorf("pool: asset %s: price must be positive", addr.Hex())
		}
		if asset.SupplyRateBps > asset.BorrowRateBps {
			return fmt.Errorf("pool: asset %s: supply rate exceeds borrow rate", addr.Hex())
		}
		if asset.CollateralFactorBps > asset.LiquidationThresholdBps {
			return fmt.Errorf("pool: asset %s: collateral factor exceeds liquidation threshold", addr.Hex())
		}
		if asset.LiquidationThresholdBps > maxBasisPoints {
			return fmt.Errorf("pool: asset %s: liquidation threshold exceeds %d", addr.Hex(), maxBasisPoints)
		}
		if asset.LiquidationBonusBps < maxBasisPoints {
			return fmt.Errorf("pool: asset %s: liquidation bonus must include the principal", addr.Hex())
		}
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
	if cfg.AdminScope == "" {
		cfg.AdminScope = defaultAdminScope
	}
}

func (cfg AuthConfig) validate() error {
	if cfg.Enabled && cfg.HMACSecret == "" {
		return fmt.Errorf("hmac_secret required when auth is enabled")
	}
	if cfg.ClockSkew < 0 {
		return fmt.Errorf("clock_skew must not be negative")
	}
	return nil
}

// Middleware converts the settings into the authenticator configuration.
func (cfg AuthConfig) Middleware() middleware.AuthConfig {
	return middleware.AuthConfig{
		Enabled:        cfg.Enabled,
		HMACSecret:     cfg.HMACSecret,
		Issuer:         cfg.Issuer,
		Audience:       cfg.Audience,
		OptionalPaths:  []string{"/healthz", "/metrics"},
		AllowAnonymous: true,
		ClockSkew:      cfg.ClockSkew,
	}
}

// LogValue hides the HMAC secret when the auth settings are logged.
func (cfg AuthConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("enabled", cfg.Enabled),
		slog.String("hmac_secret", logging.MaskValue(cfg.HMACSecret)),
		slog.String("issuer", cfg.Issuer),
		slog.String("audience", cfg.Audience),
		slog.String("admin_scope", cfg.AdminScope),
	)
}

// LoadGenesis decodes the TOML market genesis into the engine configuration.
// An empty path yields the default configuration without markets.
func LoadGenesis(path string) (matching.Config, error) {
	var cfg matching.Config
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return matching.Config{}, fmt.Errorf("decode genesis: %w", err)
		}
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return matching.Config{}, err
	}
	return cfg, nil
}
