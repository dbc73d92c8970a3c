package matching_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

type failingOracle struct{}

var errOracleDown = errors.New("oracle down")

func (failingOracle) AssetPrice(common.Address) (*big.Int, error) { return nil, errOracleDown }

func (failingOracle) AssetConfig(common.Address) (matching.AssetConfig, error) {
	return matching.AssetConfig{}, errOracleDown
}

func TestLiquidityAggregatesMemberships(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())
	f.collateralise(borrower, 1_000)
	f.borrow(assetA, borrower, 500, 0)

	liq, err := f.engine.Liquidity(borrower)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	expectInt(t, "collateral", liq.Collateral, 1_000)
	expectInt(t, "max debt", liq.MaxDebt, 800)
	expectInt(t, "liquidation value", liq.LiquidationValue, 850)
	expectInt(t, "debt", liq.Debt, 500)

	if _, err := f.engine.Withdraw(f.ctx, assetC, borrower, big.NewInt(400), 0); !errors.Is(err, matching.ErrInsufficientCollateral) {
		t.Fatalf("expected withdraw below the borrow limit to fail, got %v", err)
	}
	f.withdraw(assetC, borrower, 300, 0)
	if _, err := f.engine.Borrow(f.ctx, assetA, borrower, big.NewInt(61), 0); !errors.Is(err, matching.ErrInsufficientCollateral) {
		t.Fatalf("expected borrow above the limit to fail, got %v", err)
	}
	f.borrow(assetA, borrower, 60, 0)
}

func TestWithdrawWithoutDebtSkipsOracle(t *testing.T) {
	f := newFixture(t, matching.DefaultConfig())
	engine := matching.NewEngine(f.pool, failingOracle{}, matching.DefaultConfig())
	engine.SetClock(func() time.Time { return f.now })
	if err := engine.CreateMarket(f.ctx, assetA, matching.MarketParams{}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if _, err := engine.Supply(f.ctx, assetA, supplier, big.NewInt(100), 0); err != nil {
		t.Fatalf("supply: %v", err)
	}
	receipt, err := engine.Withdraw(f.ctx, assetA, supplier, big.NewInt(100), 0)
	if err != nil {
		t.Fatalf("expected debt-free withdraw to ignore the oracle, got %v", err)
	}
	expectInt(t, "withdrawn", receipt.Amount, 100)

	if _, err := engine.Borrow(f.ctx, assetA, borrower, big.NewInt(1), 0); !errors.Is(err, errOracleDown) {
		t.Fatalf("expected borrow to surface the oracle failure, got %v", err)
	}
}
