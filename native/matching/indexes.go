package matching

import (
	"fmt"
	"math/big"

	"ratematch/core/events"
)

// refreshIndices compounds the P2P indexes over the time elapsed since the
// last refresh, re-reads the pool indexes and recomputes the P2P yields. The
// delta share of each side grows with the pool index. It is a no-op when
// called twice within the same second.
func (e *Engine) refreshIndices(tx *txn, m *Market) error {
	now := e.now()
	if now <= m.LastUpdate {
		return nil
	}
	poolSupply, err := e.pool.SupplyIndex(m.Asset)
	if err != nil {
		return fmt.Errorf("matching engine: pool supply index: %w", err)
	}
	poolBorrow, err := e.pool.BorrowIndex(m.Asset)
	if err != nil {
		return fmt.Errorf("matching engine: pool borrow index: %w", err)
	}
	if poolSupply == nil || poolBorrow == nil || poolSupply.Cmp(m.PoolSupplyIndex) < 0 || poolBorrow.Cmp(m.PoolBorrowIndex) < 0 {
		return ErrIndexDecreased
	}

	e.touchMarket(tx, m)
	elapsed := now - m.LastUpdate
	m.P2PSupplyIndex = p2pGrowth(m.P2PSupplyIndex, m.P2PSupplyYield, elapsed,
		m.SupplyDelta, m.P2PSupplyAmount, m.PoolSupplyIndex, poolSupply)
	m.P2PBorrowIndex = p2pGrowth(m.P2PBorrowIndex, m.P2PBorrowYield, elapsed,
		m.BorrowDelta, m.P2PBorrowAmount, m.PoolBorrowIndex, poolBorrow)
	m.PoolSupplyIndex = new(big.Int).Set(poolSupply)
	m.PoolBorrowIndex = new(big.Int).Set(poolBorrow)
	m.LastUpdate = now

	if err := e.recomputeYield(tx, m); err != nil {
		return err
	}
	tx.emit(events.MatchingIndexesUpdated{
		Market:          m.Asset,
		PoolSupplyIndex: cloneBig(m.PoolSupplyIndex),
		PoolBorrowIndex: cloneBig(m.PoolBorrowIndex),
		P2PSupplyIndex:  cloneBig(m.P2PSupplyIndex),
		P2PBorrowIndex:  cloneBig(m.P2PBorrowIndex),
		Timestamp:       now,
	})
	return nil
}

// recomputeYield derives the P2P rates from the pool rates: the mean of the
// pool supply and borrow rates shifted by the reserve factor and clamped into
// the pool spread.
func (e *Engine) recomputeYield(tx *txn, m *Market) error {
	supplyRate, err := e.pool.SupplyRate(m.Asset)
	if err != nil {
		return fmt.Errorf("matching engine: pool supply rate: %w", err)
	}
	borrowRate, err := e.pool.BorrowRate(m.Asset)
	if err != nil {
		return fmt.Errorf("matching engine: pool borrow rate: %w", err)
	}
	supplyRate, borrowRate = cloneBig(supplyRate), cloneBig(borrowRate)

	lower, upper := supplyRate, borrowRate
	if lower.Cmp(upper) > 0 {
		lower, upper = upper, lower
	}
	p2pSupply, p2pBorrow := p2pRates(supplyRate, borrowRate, m.ReserveFactor)
	p2pSupply = clamp(p2pSupply, lower, upper)
	p2pBorrow = clamp(p2pBorrow, lower, upper)

	e.touchMarket(tx, m)
	m.P2PSupplyRate = p2pSupply
	m.P2PBorrowRate = p2pBorrow
	m.P2PSupplyYield = new(big.Int).Quo(p2pSupply, big.NewInt(SecondsPerYear))
	m.P2PBorrowYield = new(big.Int).Quo(p2pBorrow, big.NewInt(SecondsPerYear))
	return nil
}

func p2pRates(supplyRate, borrowRate *big.Int, reserveFactor uint64) (*big.Int, *big.Int) {
	mean := new(big.Int).Add(supplyRate, borrowRate)
	mean.Rsh(mean, 1)
	if reserveFactor > 10_000 {
		reserveFactor = 10_000
	}
	supply := bpsMul(mean, 10_000-reserveFactor)
	borrow := bpsMul(mean, 10_000+reserveFactor)
	return supply, borrow
}

func clamp(v, lower, upper *big.Int) *big.Int {
	if v.Cmp(lower) < 0 {
		return new(big.Int).Set(lower)
	}
	if v.Cmp(upper) > 0 {
		return new(big.Int).Set(upper)
	}
	return v
}
