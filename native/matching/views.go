package matching

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Market returns a copy of the market state.
func (e *Engine) Market(asset common.Address) (*Market, error) {
	m, ok := e.markets[asset]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m.Clone(), nil
}

// Markets returns copies of every market in creation order.
func (e *Engine) Markets() []*Market {
	out := make([]*Market, 0, len(e.marketOrder))
	for _, asset := range e.marketOrder {
		out = append(out, e.markets[asset].Clone())
	}
	return out
}

// SupplyBalance returns the user's supply units.
func (e *Engine) SupplyBalance(asset, user common.Address) (Balance, error) {
	if _, ok := e.markets[asset]; !ok {
		return Balance{}, ErrMarketNotFound
	}
	return e.balance(asset, user, SideSupply), nil
}

// BorrowBalance returns the user's debt units.
func (e *Engine) BorrowBalance(asset, user common.Address) (Balance, error) {
	if _, ok := e.markets[asset]; !ok {
		return Balance{}, ErrMarketNotFound
	}
	return e.balance(asset, user, SideBorrow), nil
}

// SupplyValue returns the user's supply in underlying at the last refreshed
// indexes, rounded down.
func (e *Engine) SupplyValue(asset, user common.Address) (*big.Int, error) {
	m, ok := e.markets[asset]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return balanceValue(SideSupply, e.balance(asset, user, SideSupply), m), nil
}

// BorrowValue returns the user's debt in underlying at the last refreshed
// indexes, rounded up.
func (e *Engine) BorrowValue(asset, user common.Address) (*big.Int, error) {
	m, ok := e.markets[asset]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return balanceValue(SideBorrow, e.balance(asset, user, SideBorrow), m), nil
}

// Head returns the first user of a registry bucket.
func (e *Engine) Head(asset common.Address, bucket Bucket) (common.Address, bool) {
	reg := e.registry(asset, bucket)
	if reg == nil {
		return common.Address{}, false
	}
	return reg.Head()
}

// Next returns the user following user in a registry bucket.
func (e *Engine) Next(asset common.Address, bucket Bucket, user common.Address) (common.Address, bool) {
	reg := e.registry(asset, bucket)
	if reg == nil {
		return common.Address{}, false
	}
	return reg.Next(user)
}

// BucketLen returns the number of users listed in a registry bucket.
func (e *Engine) BucketLen(asset common.Address, bucket Bucket) int {
	reg := e.registry(asset, bucket)
	if reg == nil {
		return 0
	}
	return reg.Len()
}

// Memberships returns the markets the user holds a balance in, in entry order.
func (e *Engine) Memberships(user common.Address) []common.Address {
	return append([]common.Address(nil), e.memberships[user]...)
}

// Liquidity aggregates the user's collateral and debt at the last refreshed
// indexes.
func (e *Engine) Liquidity(user common.Address) (Liquidity, error) {
	if e.oracle == nil {
		return Liquidity{}, ErrNilState
	}
	return e.liquidity(user, common.Address{}, nil, nil)
}

// Restore replaces the engine state with a persisted snapshot. Registry
// entries are linked back in their stored order.
func (e *Engine) Restore(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer e.busy.Store(false)

	e.markets = make(map[common.Address]*Market)
	e.marketOrder = nil
	e.positions = make(map[positionKey]*Position)
	e.registries = make(map[common.Address]*[bucketCount]*Registry)
	e.memberships = make(map[common.Address][]common.Address)

	for _, m := range snapshot.Markets {
		if m == nil {
			continue
		}
		if m.MaxSortedUsers == 0 {
			m.MaxSortedUsers = e.cfg.DefaultMaxSortedUsers
		}
		e.installMarket(m.Clone())
	}
	for _, rec := range snapshot.Positions {
		if rec.Position.IsZero() {
			continue
		}
		e.positions[positionKey{market: rec.Market, user: rec.User}] = rec.Position.Clone()
	}
	for _, list := range snapshot.Lists {
		reg := e.registry(list.Market, list.Bucket)
		if reg == nil {
			return fmt.Errorf("matching engine: stored list for unknown market %s", list.Market.Hex())
		}
		for _, entry := range list.Entries {
			tail, ok := reg.Tail()
			var anchor *common.Address
			if ok {
				anchor = &tail
			}
			if err := reg.insertAfter(anchor, entry.User, entry.Value); err != nil {
				return fmt.Errorf("matching engine: restore %s %s: %w", list.Market.Hex(), list.Bucket, err)
			}
		}
	}
	for _, rec := range snapshot.Memberships {
		if len(rec.Markets) == 0 {
			continue
		}
		e.memberships[rec.User] = append([]common.Address(nil), rec.Markets...)
	}
	return nil
}

// BucketEntries returns up to limit entries of a registry bucket in list
// order. A non-positive limit returns every entry.
func (e *Engine) BucketEntries(asset common.Address, bucket Bucket, limit int) ([]ListEntry, error) {
	if _, ok := e.markets[asset]; !ok {
		return nil, ErrMarketNotFound
	}
	if !bucket.valid() {
		return nil, fmt.Errorf("matching: unknown bucket %d", uint8(bucket))
	}
	reg := e.registry(asset, bucket)
	if reg == nil {
		return nil, nil
	}
	out := make([]ListEntry, 0, reg.Len())
	reg.Walk(func(user common.Address, value *big.Int) bool {
		out = append(out, ListEntry{User: user, Value: cloneBig(value)})
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}
