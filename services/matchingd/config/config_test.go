package config

import (
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  enabled: true
  hmac_secret: " s3cret "
  clock_skew: 30s
rate_limit:
  rate_per_second: 5
  burst: 10
quota:
  max_budget_per_epoch: 256
pool:
  assets:
    - asset: "0x00000000000000000000000000000000000000aa"
      supply_rate_bps: 200
      borrow_rate_bps: 400
      liquidity: "1000000"
      collateral_factor_bps: 7500
      liquidation_threshold_bps: 8000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Auth.HMACSecret != "s3cret" || cfg.Auth.AdminScope != defaultAdminScope {
		t.Fatalf("unexpected auth settings: %+v", cfg.Auth)
	}
	if cfg.Auth.ClockSkew != 30*time.Second {
		t.Fatalf("unexpected clock skew %v", cfg.Auth.ClockSkew)
	}
	if cfg.Journal.Driver != "sqlite" || cfg.Journal.DSN == "" {
		t.Fatalf("expected sqlite journal default, got %+v", cfg.Journal)
	}
	if cfg.Quota.MaxBudgetPerEpoch != 256 {
		t.Fatalf("quota not decoded: %+v", cfg.Quota)
	}
	if len(cfg.Pool.Assets) != 1 {
		t.Fatalf("expected one pool asset, got %d", len(cfg.Pool.Assets))
	}
	asset := cfg.Pool.Assets[0]
	if asset.Decimals != 18 || asset.LiquidationBonusBps != maxBasisPoints {
		t.Fatalf("asset defaults not applied: %+v", asset)
	}
	if asset.LiquidityAmount().Int64() != 1_000_000 {
		t.Fatalf("unexpected liquidity %s", asset.LiquidityAmount())
	}
	wantSupply := new(big.Int).Quo(matching.Ray, big.NewInt(50))
	if asset.SupplyRate().Cmp(wantSupply) != 0 {
		t.Fatalf("unexpected supply rate %s", asset.SupplyRate())
	}
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"tls": `
tls:
  cert: "server.crt"
`,
		"auth": `
tls: {allow_insecure: true}
auth: {enabled: true}
`,
		"journal": `
tls: {allow_insecure: true}
journal: {driver: mysql, dsn: "x"}
`,
		"postgres_dsn": `
tls: {allow_insecure: true}
journal: {driver: postgres}
`,
		"asset": `
tls: {allow_insecure: true}
pool:
  assets:
    - asset: "nope"
`,
		"rates": `
tls: {allow_insecure: true}
pool:
  assets:
    - asset: "0x00000000000000000000000000000000000000aa"
      supply_rate_bps: 500
      borrow_rate_bps: 100
`,
		"unknown_field": `
tls: {allow_insecure: true}
listen_addr: ":1"
`,
	}
	for name, contents := range cases {
		path := writeFile(t, "config.yaml", contents)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestAuthLogValueMasksSecret(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: "s3cret", AdminScope: "matching:admin"}
	rendered := cfg.LogValue().String()
	if strings.Contains(rendered, "s3cret") {
		t.Fatalf("secret leaked into log value: %s", rendered)
	}
	if cfg.LogValue().Kind() != slog.KindGroup {
		t.Fatalf("expected group log value")
	}
}

func TestLoadGenesis(t *testing.T) {
	path := writeFile(t, "genesis.toml", `
DefaultMaxSortedUsers = 8
CloseFactorBps = 4000

[[market]]
Asset = "0x00000000000000000000000000000000000000aa"
ReserveFactorBps = 1000
P2PCap = 5000
`)
	cfg, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("load genesis: %v", err)
	}
	if cfg.DefaultMaxSortedUsers != 8 || cfg.CloseFactorBps != 4000 {
		t.Fatalf("unexpected engine settings: %+v", cfg)
	}
	if len(cfg.Markets) != 1 {
		t.Fatalf("expected one market, got %d", len(cfg.Markets))
	}
	asset, params := cfg.Markets[0].Params()
	if asset != common.HexToAddress("0x00000000000000000000000000000000000000aa") {
		t.Fatalf("unexpected asset %s", asset.Hex())
	}
	if params.ReserveFactorBps != 1000 || params.MaxSortedUsers != 8 || params.P2PCap.Int64() != 5000 {
		t.Fatalf("unexpected market params: %+v", params)
	}

	empty, err := LoadGenesis("")
	if err != nil {
		t.Fatalf("load empty genesis: %v", err)
	}
	if empty.DefaultMaxSortedUsers != matching.DefaultMaxSortedUsers {
		t.Fatalf("expected defaults for empty genesis")
	}

	bad := writeFile(t, "genesis.toml", "CloseFactorBps = 20000\n")
	if _, err := LoadGenesis(bad); err == nil {
		t.Fatalf("expected invalid close factor to be rejected")
	}
}
