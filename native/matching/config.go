package matching

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultMaxSortedUsers bounds how deep registry insertions search.
	DefaultMaxSortedUsers = 16
	// DefaultCloseFactorBps is the share of a borrower's debt a single
	// liquidation may repay.
	DefaultCloseFactorBps = 5_000
	// DefaultBudget is the matching budget applied when a caller does not
	// request one.
	DefaultBudget = 64
)

// Config captures the runtime configuration of the matching engine and the
// markets created at genesis.
type Config struct {
	DefaultMaxSortedUsers   uint64         `toml:"DefaultMaxSortedUsers"`
	CloseFactorBps          uint64         `toml:"CloseFactorBps"`
	LiquidationBudget       uint64         `toml:"LiquidationBudget"`
	DefaultReserveFactorBps uint64         `toml:"DefaultReserveFactorBps"`
	DefaultBudget           uint64         `toml:"DefaultBudget"`
	Markets                 []MarketConfig `toml:"market"`
}

// MarketConfig describes one market created at start-up. Zero values fall
// back to the engine defaults; ReserveFactorBps is a pointer so an explicit
// zero can be told apart from an omitted value.
type MarketConfig struct {
	Asset            string   `toml:"Asset"`
	ReserveFactorBps *uint64  `toml:"ReserveFactorBps"`
	MaxSortedUsers   uint64   `toml:"MaxSortedUsers"`
	Threshold        *big.Int `toml:"Threshold"`
	P2PCap           *big.Int `toml:"P2PCap"`
	P2PDisabled      bool     `toml:"P2PDisabled"`
}

// DefaultConfig returns a configuration populated with the engine defaults.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.EnsureDefaults()
	return cfg
}

// EnsureDefaults populates zero fields with their defaults so the engine
// never operates on a zero hot depth or close factor.
func (c *Config) EnsureDefaults() {
	if c.DefaultMaxSortedUsers == 0 {
		c.DefaultMaxSortedUsers = DefaultMaxSortedUsers
	}
	if c.CloseFactorBps == 0 {
		c.CloseFactorBps = DefaultCloseFactorBps
	}
	if c.DefaultBudget == 0 {
		c.DefaultBudget = DefaultBudget
	}
	for i := range c.Markets {
		m := &c.Markets[i]
		m.Asset = strings.TrimSpace(m.Asset)
		if m.MaxSortedUsers == 0 {
			m.MaxSortedUsers = c.DefaultMaxSortedUsers
		}
		if m.ReserveFactorBps == nil {
			rf := c.DefaultReserveFactorBps
			m.ReserveFactorBps = &rf
		}
		if m.Threshold == nil {
			m.Threshold = big.NewInt(0)
		}
		if m.P2PCap == nil {
			m.P2PCap = big.NewInt(0)
		}
	}
}

// Validate checks the configuration for values the engine cannot honour.
func (c Config) Validate() error {
	if c.DefaultMaxSortedUsers == 0 {
		return fmt.Errorf("%w: DefaultMaxSortedUsers must be at least 1", ErrInvalidConfig)
	}
	if c.CloseFactorBps == 0 || c.CloseFactorBps > 10_000 {
		return fmt.Errorf("%w: CloseFactorBps must be within (0, 10000]", ErrInvalidConfig)
	}
	if c.DefaultReserveFactorBps > 10_000 {
		return fmt.Errorf("%w: DefaultReserveFactorBps exceeds 10000", ErrInvalidConfig)
	}
	seen := make(map[common.Address]struct{}, len(c.Markets))
	for i, m := range c.Markets {
		if !common.IsHexAddress(m.Asset) {
			return fmt.Errorf("%w: market %d: invalid asset %q", ErrInvalidConfig, i, m.Asset)
		}
		asset := common.HexToAddress(m.Asset)
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("%w: market %d: duplicate asset %s", ErrInvalidConfig, i, asset.Hex())
		}
		seen[asset] = struct{}{}
		if m.ReserveFactorBps != nil && *m.ReserveFactorBps > 10_000 {
			return fmt.Errorf("%w: market %s: reserve factor exceeds 10000", ErrInvalidConfig, asset.Hex())
		}
		if m.Threshold != nil && m.Threshold.Sign() < 0 {
			return fmt.Errorf("%w: market %s: negative threshold", ErrInvalidConfig, asset.Hex())
		}
		if m.P2PCap != nil && m.P2PCap.Sign() < 0 {
			return fmt.Errorf("%w: market %s: negative p2p cap", ErrInvalidConfig, asset.Hex())
		}
	}
	return nil
}

// MarketParams are the creation parameters of a market.
type MarketParams struct {
	ReserveFactorBps uint64
	MaxSortedUsers   uint64
	Threshold        *big.Int
	P2PCap           *big.Int
	P2PDisabled      bool
}

// Params resolves the market configuration into creation parameters.
func (m MarketConfig) Params() (common.Address, MarketParams) {
	params := MarketParams{
		MaxSortedUsers: m.MaxSortedUsers,
		Threshold:      cloneBig(m.Threshold),
		P2PCap:         cloneBig(m.P2PCap),
		P2PDisabled:    m.P2PDisabled,
	}
	if m.ReserveFactorBps != nil {
		params.ReserveFactorBps = *m.ReserveFactorBps
	}
	return common.HexToAddress(m.Asset), params
}
