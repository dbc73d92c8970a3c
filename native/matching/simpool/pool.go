package simpool

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

var (
	ErrUnknownAsset          = errors.New("simpool: asset not listed")
	ErrAssetExists           = errors.New("simpool: asset already listed")
	ErrInsufficientLiquidity = errors.New("simpool: insufficient liquidity")
	ErrInvalidAmount         = errors.New("simpool: amount must be positive")
	ErrExceedsSupply         = errors.New("simpool: withdraw exceeds client supply")
	ErrExceedsDebt           = errors.New("simpool: repay exceeds client debt")
)

// Operation names passed to hooks and failure injections.
const (
	OpSupply   = "supply"
	OpWithdraw = "withdraw"
	OpBorrow   = "borrow"
	OpRepay    = "repay"
)

type reserve struct {
	supplyIndex *big.Int
	borrowIndex *big.Int
	supplyRate  *big.Int
	borrowRate  *big.Int
	lastUpdate  int64

	// supplied and borrowed are the scaled positions of the single pool
	// client; cash is the idle liquidity.
	supplied *big.Int
	borrowed *big.Int
	cash     *big.Int
}

func (r *reserve) clone() *reserve {
	return &reserve{
		supplyIndex: new(big.Int).Set(r.supplyIndex),
		borrowIndex: new(big.Int).Set(r.borrowIndex),
		supplyRate:  new(big.Int).Set(r.supplyRate),
		borrowRate:  new(big.Int).Set(r.borrowRate),
		lastUpdate:  r.lastUpdate,
		supplied:    new(big.Int).Set(r.supplied),
		borrowed:    new(big.Int).Set(r.borrowed),
		cash:        new(big.Int).Set(r.cash),
	}
}

// Hook is invoked before every token movement. A non-nil error aborts it.
type Hook func(op string, asset common.Address, amount *big.Int) error

// Pool is an in-memory lending pool with linear index accrual. It serves a
// single client, the matching engine, and tracks that client's scaled supply
// and debt together with the pool's idle liquidity.
type Pool struct {
	mu       sync.Mutex
	clock    func() time.Time
	reserves map[common.Address]*reserve
	saved    map[common.Address]*reserve
	revision int
	hook     Hook
	failures map[string]error
}

// New constructs an empty pool using clock for accrual. A nil clock uses
// time.Now.
func New(clock func() time.Time) *Pool {
	if clock == nil {
		clock = time.Now
	}
	return &Pool{
		clock:    clock,
		reserves: make(map[common.Address]*reserve),
		failures: make(map[string]error),
	}
}

// AddAsset lists an asset with both indexes at one ray.
func (p *Pool) AddAsset(asset common.Address, supplyRate, borrowRate *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserves[asset]; ok {
		return ErrAssetExists
	}
	p.reserves[asset] = &reserve{
		supplyIndex: new(big.Int).Set(matching.Ray),
		borrowIndex: new(big.Int).Set(matching.Ray),
		supplyRate:  nonNil(supplyRate),
		borrowRate:  nonNil(borrowRate),
		lastUpdate:  p.clock().Unix(),
		supplied:    big.NewInt(0),
		borrowed:    big.NewInt(0),
		cash:        big.NewInt(0),
	}
	return nil
}

// SetRates accrues the reserve at its current rates and switches to the new
// annual ray rates.
func (p *Pool) SetRates(asset common.Address, supplyRate, borrowRate *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.accrued(asset)
	if err != nil {
		return err
	}
	r.supplyRate = nonNil(supplyRate)
	r.borrowRate = nonNil(borrowRate)
	return nil
}

// AddLiquidity credits idle liquidity supplied by third parties.
func (p *Pool) AddLiquidity(asset common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[asset]
	if !ok {
		return ErrUnknownAsset
	}
	r.cash.Add(r.cash, nonNil(amount))
	return nil
}

// SeedState carries the reserve state recovered for the pool client after a
// restart. Supplied and Borrowed are scaled by the respective index.
type SeedState struct {
	SupplyIndex *big.Int
	BorrowIndex *big.Int
	Supplied    *big.Int
	Borrowed    *big.Int
}

// Seed replaces the indexes and client balances of a listed asset. Idle
// liquidity moves by the net underlying value the client brings back.
func (p *Pool) Seed(asset common.Address, state SeedState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reserves[asset]
	if !ok {
		return ErrUnknownAsset
	}
	if state.SupplyIndex != nil && state.SupplyIndex.Sign() > 0 {
		r.supplyIndex = new(big.Int).Set(state.SupplyIndex)
	}
	if state.BorrowIndex != nil && state.BorrowIndex.Sign() > 0 {
		r.borrowIndex = new(big.Int).Set(state.BorrowIndex)
	}
	r.supplied = new(big.Int).Set(nonNil(state.Supplied))
	r.borrowed = new(big.Int).Set(nonNil(state.Borrowed))
	r.cash.Add(r.cash, mulDown(r.supplied, r.supplyIndex))
	r.cash = floorSub(r.cash, mulUp(r.borrowed, r.borrowIndex))
	r.lastUpdate = p.clock().Unix()
	return nil
}

// SetHook installs the hook called before every token movement.
func (p *Pool) SetHook(hook Hook) {
	p.mu.Lock()
	p.hook = hook
	p.mu.Unlock()
}

// FailOn makes every subsequent op fail with err. A nil err clears it.
func (p *Pool) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

func (p *Pool) Supply(asset common.Address, amount *big.Int) error {
	return p.move(OpSupply, asset, amount, func(r *reserve) error {
		r.supplied.Add(r.supplied, divDown(amount, r.supplyIndex))
		r.cash.Add(r.cash, amount)
		return nil
	})
}

func (p *Pool) Withdraw(asset common.Address, amount *big.Int) error {
	return p.move(OpWithdraw, asset, amount, func(r *reserve) error {
		burned := divUp(amount, r.supplyIndex)
		if burned.Cmp(r.supplied) > 0 {
			return ErrExceedsSupply
		}
		if r.cash.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		r.supplied.Sub(r.supplied, burned)
		r.cash.Sub(r.cash, amount)
		return nil
	})
}

func (p *Pool) Borrow(asset common.Address, amount *big.Int) error {
	return p.move(OpBorrow, asset, amount, func(r *reserve) error {
		if r.cash.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		r.borrowed.Add(r.borrowed, divUp(amount, r.borrowIndex))
		r.cash.Sub(r.cash, amount)
		return nil
	})
}

func (p *Pool) Repay(asset common.Address, amount *big.Int) error {
	return p.move(OpRepay, asset, amount, func(r *reserve) error {
		if amount.Cmp(mulUp(r.borrowed, r.borrowIndex)) > 0 {
			return ErrExceedsDebt
		}
		r.borrowed = floorSub(r.borrowed, divDown(amount, r.borrowIndex))
		r.cash.Add(r.cash, amount)
		return nil
	})
}

func (p *Pool) move(op string, asset common.Address, amount *big.Int, apply func(r *reserve) error) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	hook := p.hook
	failure := p.failures[op]
	p.mu.Unlock()
	if failure != nil {
		return failure
	}
	if hook != nil {
		if err := hook(op, asset, amount); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.accrued(asset)
	if err != nil {
		return err
	}
	return apply(r)
}

func (p *Pool) SupplyIndex(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return r.supplyIndex })
}

func (p *Pool) BorrowIndex(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return r.borrowIndex })
}

func (p *Pool) SupplyRate(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return r.supplyRate })
}

func (p *Pool) BorrowRate(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return r.borrowRate })
}

// SuppliedValue returns the client's supply in underlying, rounded down.
func (p *Pool) SuppliedValue(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return mulDown(r.supplied, r.supplyIndex) })
}

// BorrowedValue returns the client's debt in underlying, rounded up.
func (p *Pool) BorrowedValue(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return mulUp(r.borrowed, r.borrowIndex) })
}

// Cash returns the idle liquidity of the reserve.
func (p *Pool) Cash(asset common.Address) (*big.Int, error) {
	return p.read(asset, func(r *reserve) *big.Int { return r.cash })
}

func (p *Pool) read(asset common.Address, get func(r *reserve) *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.accrued(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(get(r)), nil
}

// Snapshot records the pool state and returns its revision. Only the latest
// revision is kept; taking a snapshot discards the previous one.
func (p *Pool) Snapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make(map[common.Address]*reserve, len(p.reserves))
	for asset, r := range p.reserves {
		copied[asset] = r.clone()
	}
	p.saved = copied
	p.revision++
	return p.revision
}

// RevertToSnapshot restores the state recorded by the latest Snapshot. Stale
// revisions are ignored.
func (p *Pool) RevertToSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.revision || p.saved == nil {
		return
	}
	p.reserves = p.saved
	p.saved = nil
}

// accrued brings the reserve indexes up to the current time. Callers hold mu.
func (p *Pool) accrued(asset common.Address) (*reserve, error) {
	r, ok := p.reserves[asset]
	if !ok {
		return nil, ErrUnknownAsset
	}
	now := p.clock().Unix()
	if now <= r.lastUpdate {
		return r, nil
	}
	elapsed := big.NewInt(now - r.lastUpdate)
	r.supplyIndex = linear(r.supplyIndex, r.supplyRate, elapsed)
	r.borrowIndex = linear(r.borrowIndex, r.borrowRate, elapsed)
	r.lastUpdate = now
	return r, nil
}

var _ matching.PoolAdapter = (*Pool)(nil)
var _ matching.Snapshotter = (*Pool)(nil)
