package matching

import (
	"errors"
	"math/big"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

func TestConfigEnsureDefaults(t *testing.T) {
	explicit := uint64(0)
	cfg := Config{
		DefaultReserveFactorBps: 500,
		Markets: []MarketConfig{
			{Asset: " 0x00000000000000000000000000000000000000aa "},
			{Asset: "0x00000000000000000000000000000000000000bb", ReserveFactorBps: &explicit, MaxSortedUsers: 4},
		},
	}
	cfg.EnsureDefaults()

	if cfg.DefaultMaxSortedUsers != DefaultMaxSortedUsers || cfg.CloseFactorBps != DefaultCloseFactorBps {
		t.Fatalf("expected engine defaults, got %+v", cfg)
	}
	first := cfg.Markets[0]
	if first.Asset != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("expected asset to be trimmed, got %q", first.Asset)
	}
	if first.MaxSortedUsers != DefaultMaxSortedUsers || *first.ReserveFactorBps != 500 {
		t.Fatalf("expected market to inherit defaults, got %+v", first)
	}
	if first.Threshold.Sign() != 0 || first.P2PCap.Sign() != 0 {
		t.Fatalf("expected zero threshold and cap")
	}
	second := cfg.Markets[1]
	if *second.ReserveFactorBps != 0 || second.MaxSortedUsers != 4 {
		t.Fatalf("expected explicit values to survive, got %+v", second)
	}
}

func TestConfigValidate(t *testing.T) {
	tooHigh := uint64(10_001)
	cases := map[string]Config{
		"close factor":   {DefaultMaxSortedUsers: 1, CloseFactorBps: 10_001},
		"hot depth":      {CloseFactorBps: 5_000},
		"reserve factor": {DefaultMaxSortedUsers: 1, CloseFactorBps: 5_000, DefaultReserveFactorBps: 10_001},
		"asset":          {DefaultMaxSortedUsers: 1, CloseFactorBps: 5_000, Markets: []MarketConfig{{Asset: "nope"}}},
		"duplicate": {DefaultMaxSortedUsers: 1, CloseFactorBps: 5_000, Markets: []MarketConfig{
			{Asset: "0x00000000000000000000000000000000000000aa"},
			{Asset: "0x00000000000000000000000000000000000000AA"},
		}},
		"market reserve factor": {DefaultMaxSortedUsers: 1, CloseFactorBps: 5_000, Markets: []MarketConfig{
			{Asset: "0x00000000000000000000000000000000000000aa", ReserveFactorBps: &tooHigh},
		}},
		"negative threshold": {DefaultMaxSortedUsers: 1, CloseFactorBps: 5_000, Markets: []MarketConfig{
			{Asset: "0x00000000000000000000000000000000000000aa", Threshold: big.NewInt(-1)},
		}},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigDecodesMarketTable(t *testing.T) {
	const doc = `
CloseFactorBps = 4000
LiquidationBudget = 8

[[market]]
Asset = "0x00000000000000000000000000000000000000aa"
ReserveFactorBps = 1000
Threshold = "1000000"
P2PCap = 5000000000

[[market]]
Asset = "0x00000000000000000000000000000000000000bb"
P2PDisabled = true
`
	var cfg Config
	if _, err := toml.Decode(doc, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.CloseFactorBps != 4_000 || cfg.LiquidationBudget != 8 || len(cfg.Markets) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	asset, params := cfg.Markets[0].Params()
	if asset != common.HexToAddress("0x00000000000000000000000000000000000000aa") {
		t.Fatalf("unexpected asset %s", asset.Hex())
	}
	if params.ReserveFactorBps != 1_000 || params.Threshold.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected params %+v", params)
	}
	if params.P2PCap.Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Fatalf("unexpected cap %s", params.P2PCap)
	}
	if _, params = cfg.Markets[1].Params(); !params.P2PDisabled || params.MaxSortedUsers != DefaultMaxSortedUsers {
		t.Fatalf("unexpected second market params %+v", params)
	}
}
