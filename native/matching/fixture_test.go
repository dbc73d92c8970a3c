package matching_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/core/events"
	"ratematch/native/matching"
	"ratematch/native/matching/simpool"
)

var (
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assetC = common.HexToAddress("0x00000000000000000000000000000000000000cc")

	supplier  = common.HexToAddress("0x0000000000000000000000000000000000000101")
	supplier2 = common.HexToAddress("0x0000000000000000000000000000000000000102")
	borrower  = common.HexToAddress("0x0000000000000000000000000000000000000201")
	borrower2 = common.HexToAddress("0x0000000000000000000000000000000000000202")
	keeper    = common.HexToAddress("0x0000000000000000000000000000000000000301")
)

func percentRay(n int64) *big.Int {
	return new(big.Int).Quo(new(big.Int).Mul(matching.Ray, big.NewInt(n)), big.NewInt(100))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	now     time.Time
	pool    *simpool.Pool
	oracle  *simpool.Oracle
	engine  *matching.Engine
	emitter *recordingEmitter
}

// newFixture builds an engine over two markets: assetA, lent and borrowed in
// the scenarios, and assetC, used as collateral. Prices are one base unit per
// token with no decimals so values can be read directly.
func newFixture(t *testing.T, cfg matching.Config) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return f.now }

	f.pool = simpool.New(clock)
	f.oracle = simpool.NewOracle()
	for _, asset := range []common.Address{assetA, assetC} {
		if err := f.pool.AddAsset(asset, percentRay(2), percentRay(4)); err != nil {
			t.Fatalf("add asset: %v", err)
		}
		if err := f.pool.AddLiquidity(asset, big.NewInt(1_000_000)); err != nil {
			t.Fatalf("add liquidity: %v", err)
		}
		f.oracle.Set(asset, big.NewInt(1), matching.AssetConfig{
			Decimals:             0,
			CollateralFactor:     8_000,
			LiquidationThreshold: 8_500,
			LiquidationBonus:     10_500,
		})
	}

	f.engine = matching.NewEngine(f.pool, f.oracle, cfg)
	f.engine.SetClock(clock)
	f.emitter = &recordingEmitter{}
	f.engine.SetEmitter(f.emitter)
	for _, asset := range []common.Address{assetA, assetC} {
		if err := f.engine.CreateMarket(f.ctx, asset, matching.MarketParams{}); err != nil {
			t.Fatalf("create market: %v", err)
		}
	}
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) supply(asset, user common.Address, amount int64, budget uint64) *matching.Receipt {
	f.t.Helper()
	r, err := f.engine.Supply(f.ctx, asset, user, big.NewInt(amount), budget)
	if err != nil {
		f.t.Fatalf("supply %d: %v", amount, err)
	}
	return r
}

func (f *fixture) borrow(asset, user common.Address, amount int64, budget uint64) *matching.Receipt {
	f.t.Helper()
	r, err := f.engine.Borrow(f.ctx, asset, user, big.NewInt(amount), budget)
	if err != nil {
		f.t.Fatalf("borrow %d: %v", amount, err)
	}
	return r
}

func (f *fixture) withdraw(asset, user common.Address, amount int64, budget uint64) *matching.Receipt {
	f.t.Helper()
	r, err := f.engine.Withdraw(f.ctx, asset, user, big.NewInt(amount), budget)
	if err != nil {
		f.t.Fatalf("withdraw %d: %v", amount, err)
	}
	return r
}

func (f *fixture) repay(asset, user common.Address, amount int64, budget uint64) *matching.Receipt {
	f.t.Helper()
	r, err := f.engine.Repay(f.ctx, asset, user, big.NewInt(amount), budget)
	if err != nil {
		f.t.Fatalf("repay %d: %v", amount, err)
	}
	return r
}

func (f *fixture) market(asset common.Address) *matching.Market {
	f.t.Helper()
	m, err := f.engine.Market(asset)
	if err != nil {
		f.t.Fatalf("market: %v", err)
	}
	return m
}

func (f *fixture) supplyBalance(asset, user common.Address) matching.Balance {
	f.t.Helper()
	b, err := f.engine.SupplyBalance(asset, user)
	if err != nil {
		f.t.Fatalf("supply balance: %v", err)
	}
	return b
}

func (f *fixture) borrowBalance(asset, user common.Address) matching.Balance {
	f.t.Helper()
	b, err := f.engine.BorrowBalance(asset, user)
	if err != nil {
		f.t.Fatalf("borrow balance: %v", err)
	}
	return b
}

// collateralise gives user enough assetC supply to borrow freely.
func (f *fixture) collateralise(user common.Address, amount int64) {
	f.t.Helper()
	f.supply(assetC, user, amount, 0)
}

func expectInt(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %d, got nil", label, want)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %s", label, want, got)
	}
}

func expectBalance(t *testing.T, label string, b matching.Balance, onPool, inP2P int64) {
	t.Helper()
	expectInt(t, label+" on pool", b.OnPool, onPool)
	expectInt(t, label+" in p2p", b.InP2P, inP2P)
}

func abs(v *big.Int) *big.Int { return new(big.Int).Abs(v) }

func rayMulDown(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, matching.Ray)
}

// checkInvariants verifies the P2P totals, the matched value equality and
// the pool conservation of asset within tolerance.
func (f *fixture) checkInvariants(asset common.Address, users []common.Address, tolerance int64) {
	f.t.Helper()
	m := f.market(asset)

	supplyUnits, borrowUnits := big.NewInt(0), big.NewInt(0)
	poolSupply, poolDebt := big.NewInt(0), big.NewInt(0)
	for _, user := range users {
		s := f.supplyBalance(asset, user)
		b := f.borrowBalance(asset, user)
		supplyUnits.Add(supplyUnits, s.InP2P)
		borrowUnits.Add(borrowUnits, b.InP2P)
		poolSupply.Add(poolSupply, rayMulDown(s.OnPool, m.PoolSupplyIndex))
		poolDebt.Add(poolDebt, rayMulDown(b.OnPool, m.PoolBorrowIndex))
	}
	if supplyUnits.Cmp(m.P2PSupplyAmount) != 0 {
		f.t.Fatalf("p2p supply amount %s != sum of user units %s", m.P2PSupplyAmount, supplyUnits)
	}
	if borrowUnits.Cmp(m.P2PBorrowAmount) != 0 {
		f.t.Fatalf("p2p borrow amount %s != sum of user units %s", m.P2PBorrowAmount, borrowUnits)
	}

	lhs := new(big.Int).Sub(rayMulDown(m.P2PSupplyAmount, m.P2PSupplyIndex), rayMulDown(m.SupplyDelta, m.PoolSupplyIndex))
	rhs := new(big.Int).Sub(rayMulDown(m.P2PBorrowAmount, m.P2PBorrowIndex), rayMulDown(m.BorrowDelta, m.PoolBorrowIndex))
	if abs(new(big.Int).Sub(lhs, rhs)).Cmp(big.NewInt(tolerance)) > 0 {
		f.t.Fatalf("matched value mismatch: supply side %s, borrow side %s", lhs, rhs)
	}

	poolSupply.Add(poolSupply, rayMulDown(m.SupplyDelta, m.PoolSupplyIndex))
	poolDebt.Add(poolDebt, rayMulDown(m.BorrowDelta, m.PoolBorrowIndex))
	supplied, err := f.pool.SuppliedValue(asset)
	if err != nil {
		f.t.Fatalf("pool supplied: %v", err)
	}
	borrowed, err := f.pool.BorrowedValue(asset)
	if err != nil {
		f.t.Fatalf("pool borrowed: %v", err)
	}
	if abs(new(big.Int).Sub(supplied, poolSupply)).Cmp(big.NewInt(tolerance)) > 0 {
		f.t.Fatalf("pool supply %s != on pool plus delta %s", supplied, poolSupply)
	}
	if abs(new(big.Int).Sub(borrowed, poolDebt)).Cmp(big.NewInt(tolerance)) > 0 {
		f.t.Fatalf("pool debt %s != on pool plus delta %s", borrowed, poolDebt)
	}
}
