package matching

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/core/events"
)

// CreateMarket registers a market for asset. P2P indexes start at one ray and
// the pool indexes are read from the adapter.
func (e *Engine) CreateMarket(ctx context.Context, asset common.Address, params MarketParams) error {
	if params.MaxSortedUsers == 0 {
		params.MaxSortedUsers = e.cfg.DefaultMaxSortedUsers
	}
	if params.ReserveFactorBps > 10_000 {
		return fmt.Errorf("%w: reserve factor exceeds 10000", ErrInvalidConfig)
	}
	if (params.Threshold != nil && params.Threshold.Sign() < 0) || (params.P2PCap != nil && params.P2PCap.Sign() < 0) {
		return fmt.Errorf("%w: negative market bound", ErrInvalidConfig)
	}
	return e.run(ctx, "create_market", asset, func(tx *txn) error {
		if _, exists := e.markets[asset]; exists {
			return ErrMarketExists
		}
		poolSupply, err := e.pool.SupplyIndex(asset)
		if err != nil {
			return fmt.Errorf("matching engine: pool supply index: %w", err)
		}
		poolBorrow, err := e.pool.BorrowIndex(asset)
		if err != nil {
			return fmt.Errorf("matching engine: pool borrow index: %w", err)
		}
		m := &Market{
			Asset:           asset,
			PoolSupplyIndex: cloneBig(poolSupply),
			PoolBorrowIndex: cloneBig(poolBorrow),
			P2PSupplyIndex:  new(big.Int).Set(Ray),
			P2PBorrowIndex:  new(big.Int).Set(Ray),
			LastUpdate:      e.now(),
			P2PSupplyRate:   big.NewInt(0),
			P2PBorrowRate:   big.NewInt(0),
			P2PSupplyYield:  big.NewInt(0),
			P2PBorrowYield:  big.NewInt(0),
			SupplyDelta:     big.NewInt(0),
			BorrowDelta:     big.NewInt(0),
			P2PSupplyAmount: big.NewInt(0),
			P2PBorrowAmount: big.NewInt(0),
			P2PDisabled:     params.P2PDisabled,
			Threshold:       cloneBig(params.Threshold),
			P2PCap:          cloneBig(params.P2PCap),
			ReserveFactor:   params.ReserveFactorBps,
			MaxSortedUsers:  params.MaxSortedUsers,
		}
		e.installMarket(m)
		tx.journal.append(marketCreate{asset: asset})
		tx.markets[asset] = struct{}{}
		if err := e.recomputeYield(tx, m); err != nil {
			return err
		}
		tx.emit(events.MatchingMarketUpdated{Market: asset, Field: "created", Value: strconv.FormatUint(m.LastUpdate, 10)})
		return nil
	})
}

// Genesis creates every configured market that does not exist yet.
func (e *Engine) Genesis(ctx context.Context) error {
	for _, mc := range e.cfg.Markets {
		asset, params := mc.Params()
		if _, exists := e.markets[asset]; exists {
			continue
		}
		if err := e.CreateMarket(ctx, asset, params); err != nil {
			return fmt.Errorf("market %s: %w", asset.Hex(), err)
		}
	}
	return nil
}

func (e *Engine) installMarket(m *Market) {
	e.markets[m.Asset] = m
	e.marketOrder = append(e.marketOrder, m.Asset)
	regs := new([bucketCount]*Registry)
	for _, b := range Buckets {
		regs[b] = NewRegistry(m.MaxSortedUsers)
	}
	e.registries[m.Asset] = regs
}

// updateMarket applies change to an existing market inside a transaction and
// reports the new value of field.
func (e *Engine) updateMarket(ctx context.Context, asset common.Address, field string, change func(tx *txn, m *Market) (string, error)) error {
	return e.run(ctx, "set_"+field, asset, func(tx *txn) error {
		m, ok := e.markets[asset]
		if !ok {
			return ErrMarketNotFound
		}
		if err := e.refreshIndices(tx, m); err != nil {
			return err
		}
		e.touchMarket(tx, m)
		value, err := change(tx, m)
		if err != nil {
			return err
		}
		tx.emit(events.MatchingMarketUpdated{Market: asset, Field: field, Value: value})
		return nil
	})
}

// SetP2PDisabled toggles the P2P paths of supply and borrow.
func (e *Engine) SetP2PDisabled(ctx context.Context, asset common.Address, disabled bool) error {
	return e.updateMarket(ctx, asset, "p2p_disabled", func(_ *txn, m *Market) (string, error) {
		m.P2PDisabled = disabled
		return strconv.FormatBool(disabled), nil
	})
}

// SetMarketPaused pauses or resumes every user operation on the market.
func (e *Engine) SetMarketPaused(ctx context.Context, asset common.Address, paused bool) error {
	return e.updateMarket(ctx, asset, "paused", func(_ *txn, m *Market) (string, error) {
		m.Paused = paused
		return strconv.FormatBool(paused), nil
	})
}

// SetThreshold sets the minimum amount eligible for the P2P paths.
func (e *Engine) SetThreshold(ctx context.Context, asset common.Address, threshold *big.Int) error {
	if threshold == nil || threshold.Sign() < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidConfig)
	}
	return e.updateMarket(ctx, asset, "threshold", func(_ *txn, m *Market) (string, error) {
		m.Threshold = new(big.Int).Set(threshold)
		return threshold.String(), nil
	})
}

// SetP2PCap bounds the P2P supply value of the market. Zero removes the cap.
func (e *Engine) SetP2PCap(ctx context.Context, asset common.Address, limit *big.Int) error {
	if limit == nil || limit.Sign() < 0 {
		return fmt.Errorf("%w: p2p cap must not be negative", ErrInvalidConfig)
	}
	return e.updateMarket(ctx, asset, "p2p_cap", func(_ *txn, m *Market) (string, error) {
		m.P2PCap = new(big.Int).Set(limit)
		return limit.String(), nil
	})
}

// SetMaxSortedUsers sets the registry hot depth of the market.
func (e *Engine) SetMaxSortedUsers(ctx context.Context, asset common.Address, n uint64) error {
	if n == 0 {
		return fmt.Errorf("%w: max sorted users must be at least 1", ErrInvalidConfig)
	}
	return e.updateMarket(ctx, asset, "max_sorted_users", func(tx *txn, m *Market) (string, error) {
		prev := m.MaxSortedUsers
		m.MaxSortedUsers = n
		tx.journal.append(maxSortedUsersChange{asset: m.Asset, prev: prev})
		if regs, ok := e.registries[m.Asset]; ok {
			for _, reg := range regs {
				reg.SetMaxIterations(n)
			}
		}
		return strconv.FormatUint(n, 10), nil
	})
}

// SetReserveFactor sets the reserve factor in basis points. Indexes are
// refreshed at the old rates before the yields are recomputed.
func (e *Engine) SetReserveFactor(ctx context.Context, asset common.Address, bps uint64) error {
	if bps > 10_000 {
		return fmt.Errorf("%w: reserve factor exceeds 10000", ErrInvalidConfig)
	}
	return e.updateMarket(ctx, asset, "reserve_factor", func(tx *txn, m *Market) (string, error) {
		m.ReserveFactor = bps
		if err := e.recomputeYield(tx, m); err != nil {
			return "", err
		}
		return strconv.FormatUint(bps, 10), nil
	})
}

type maxSortedUsersChange struct {
	asset common.Address
	prev  uint64
}

func (ch maxSortedUsersChange) revert(e *Engine) {
	if regs, ok := e.registries[ch.asset]; ok {
		for _, reg := range regs {
			reg.SetMaxIterations(ch.prev)
		}
	}
}
