package simpool

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ratematch/native/matching"
)

var asset = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func percent(n int64) *big.Int {
	return new(big.Int).Quo(new(big.Int).Mul(matching.Ray, big.NewInt(n)), big.NewInt(100))
}

func newTestPool(t *testing.T, now *time.Time) *Pool {
	t.Helper()
	p := New(func() time.Time { return *now })
	require.NoError(t, p.AddAsset(asset, percent(2), percent(4)))
	require.NoError(t, p.AddLiquidity(asset, big.NewInt(1_000)))
	return p
}

func TestPoolAccruesLinearly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)

	now = now.Add(matching.SecondsPerYear * time.Second)
	supplyIndex, err := p.SupplyIndex(asset)
	require.NoError(t, err)
	require.Equal(t, 0, supplyIndex.Cmp(new(big.Int).Add(matching.Ray, percent(2))))

	borrowIndex, err := p.BorrowIndex(asset)
	require.NoError(t, err)
	require.Equal(t, 0, borrowIndex.Cmp(new(big.Int).Add(matching.Ray, percent(4))))
}

func TestPoolTracksClientBalances(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)

	require.NoError(t, p.Supply(asset, big.NewInt(100)))
	require.NoError(t, p.Borrow(asset, big.NewInt(40)))
	require.NoError(t, p.Withdraw(asset, big.NewInt(30)))
	require.NoError(t, p.Repay(asset, big.NewInt(10)))

	supplied, err := p.SuppliedValue(asset)
	require.NoError(t, err)
	require.Equal(t, int64(70), supplied.Int64())
	borrowed, err := p.BorrowedValue(asset)
	require.NoError(t, err)
	require.Equal(t, int64(30), borrowed.Int64())
	cash, err := p.Cash(asset)
	require.NoError(t, err)
	require.Equal(t, int64(1_040), cash.Int64())
}

func TestPoolRejectsInvalidRequests(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)

	if err := p.Borrow(asset, big.NewInt(1_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if err := p.Supply(asset, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.SupplyRate(common.Address{}); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	if err := p.AddAsset(asset, nil, nil); !errors.Is(err, ErrAssetExists) {
		t.Fatalf("expected ErrAssetExists, got %v", err)
	}
}

func TestPoolRejectsWithdrawAndRepayBeyondPosition(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)
	require.NoError(t, p.Supply(asset, big.NewInt(100)))
	require.NoError(t, p.Borrow(asset, big.NewInt(50)))

	// Idle liquidity of other depositors is not the client's to take.
	require.ErrorIs(t, p.Withdraw(asset, big.NewInt(101)), ErrExceedsSupply)
	require.ErrorIs(t, p.Repay(asset, big.NewInt(51)), ErrExceedsDebt)

	now = now.Add(matching.SecondsPerYear * time.Second)
	require.ErrorIs(t, p.Withdraw(asset, big.NewInt(103)), ErrExceedsSupply)
	require.NoError(t, p.Withdraw(asset, big.NewInt(102)))
	require.ErrorIs(t, p.Repay(asset, big.NewInt(53)), ErrExceedsDebt)
	require.NoError(t, p.Repay(asset, big.NewInt(52)))

	supplied, err := p.SuppliedValue(asset)
	require.NoError(t, err)
	require.Equal(t, int64(0), supplied.Int64())
	borrowed, err := p.BorrowedValue(asset)
	require.NoError(t, err)
	require.Equal(t, int64(0), borrowed.Int64())
}

func TestPoolSnapshotRevert(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)
	require.NoError(t, p.Supply(asset, big.NewInt(100)))

	id := p.Snapshot()
	require.NoError(t, p.Supply(asset, big.NewInt(50)))
	p.RevertToSnapshot(id - 1)
	supplied, _ := p.SuppliedValue(asset)
	require.Equal(t, int64(150), supplied.Int64(), "stale revision must be ignored")

	p.RevertToSnapshot(id)
	supplied, _ = p.SuppliedValue(asset)
	require.Equal(t, int64(100), supplied.Int64())
}

func TestPoolHookAndFailureInjection(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)

	var ops []string
	p.SetHook(func(op string, _ common.Address, _ *big.Int) error {
		ops = append(ops, op)
		return nil
	})
	require.NoError(t, p.Supply(asset, big.NewInt(5)))
	require.Equal(t, []string{OpSupply}, ops)
	require.NoError(t, p.Borrow(asset, big.NewInt(1)))

	boom := errors.New("boom")
	p.FailOn(OpRepay, boom)
	require.ErrorIs(t, p.Repay(asset, big.NewInt(1)), boom)
	p.FailOn(OpRepay, nil)
	require.NoError(t, p.Repay(asset, big.NewInt(1)))
}

func TestPoolSeedRestoresClientState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newTestPool(t, &now)

	supplyIndex := new(big.Int).Add(matching.Ray, percent(10))
	borrowIndex := new(big.Int).Add(matching.Ray, percent(20))
	require.NoError(t, p.Seed(asset, SeedState{
		SupplyIndex: supplyIndex,
		BorrowIndex: borrowIndex,
		Supplied:    big.NewInt(100),
		Borrowed:    big.NewInt(50),
	}))

	got, err := p.SupplyIndex(asset)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(supplyIndex))
	supplied, err := p.SuppliedValue(asset)
	require.NoError(t, err)
	require.Equal(t, int64(110), supplied.Int64())
	borrowed, err := p.BorrowedValue(asset)
	require.NoError(t, err)
	require.Equal(t, int64(60), borrowed.Int64())
	cash, err := p.Cash(asset)
	require.NoError(t, err)
	require.Equal(t, int64(1_050), cash.Int64())

	require.ErrorIs(t, p.Seed(common.HexToAddress("0xbb"), SeedState{}), ErrUnknownAsset)
}
