package matching

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// matchSuppliers promotes suppliers waiting on the pool to P2P for up to
// amount of underlying. It returns the matched amount and the budget spent.
func (e *Engine) matchSuppliers(tx *txn, m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return e.promote(tx, m, SideSupply, amount, budget)
}

// matchBorrowers promotes borrowers waiting on the pool to P2P.
func (e *Engine) matchBorrowers(tx *txn, m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return e.promote(tx, m, SideBorrow, amount, budget)
}

// unmatchSuppliers demotes P2P suppliers back to the pool.
func (e *Engine) unmatchSuppliers(tx *txn, m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return e.demote(tx, m, SideSupply, amount, budget)
}

// unmatchBorrowers demotes P2P borrowers back to the pool.
func (e *Engine) unmatchBorrowers(tx *txn, m *Market, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return e.demote(tx, m, SideBorrow, amount, budget)
}

// promote walks the pool bucket of side from its head moving counterparties
// from the pool into P2P. Every counterparty visited costs one unit of budget.
// The matching engine moves no tokens; callers route the returned amount.
func (e *Engine) promote(tx *txn, m *Market, side Side, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return e.walk(tx, m, side, poolBucket(side), amount, budget, func(bal Balance, remaining *big.Int) (Balance, *big.Int) {
		poolIdx, p2pIdx := m.poolIndex(side), m.p2pIndex(side)
		toMatch := minBig(valueOf(side, bal.OnPool, poolIdx), remaining)
		burned := debitUnits(side, toMatch, poolIdx, bal.OnPool)
		minted := creditUnits(side, toMatch, p2pIdx)
		next := Balance{
			OnPool: new(big.Int).Sub(bal.OnPool, burned),
			InP2P:  new(big.Int).Add(bal.InP2P, minted),
		}
		m.setP2PAmount(side, new(big.Int).Add(m.p2pAmount(side), minted))
		return next, toMatch
	})
}

// demote walks the P2P bucket of side from its head moving counterparties
// from P2P back onto the pool.
func (e *Engine) demote(tx *txn, m *Market, side Side, amount *big.Int, budget uint64) (*big.Int, uint64, error) {
	return e.walk(tx, m, side, p2pBucket(side), amount, budget, func(bal Balance, remaining *big.Int) (Balance, *big.Int) {
		poolIdx, p2pIdx := m.poolIndex(side), m.p2pIndex(side)
		toUnmatch := minBig(valueOf(side, bal.InP2P, p2pIdx), remaining)
		burned := debitUnits(side, toUnmatch, p2pIdx, bal.InP2P)
		minted := creditUnits(side, toUnmatch, poolIdx)
		next := Balance{
			OnPool: new(big.Int).Add(bal.OnPool, minted),
			InP2P:  new(big.Int).Sub(bal.InP2P, burned),
		}
		m.setP2PAmount(side, zeroFloorSub(m.p2pAmount(side), burned))
		return next, toUnmatch
	})
}

type stepFunc func(bal Balance, remaining *big.Int) (next Balance, moved *big.Int)

func (e *Engine) walk(tx *txn, m *Market, side Side, bucket Bucket, amount *big.Int, budget uint64, step stepFunc) (*big.Int, uint64, error) {
	moved := big.NewInt(0)
	if budget == 0 || amount == nil || amount.Sign() <= 0 {
		return moved, 0, nil
	}
	reg := e.registry(m.Asset, bucket)
	if reg == nil {
		return moved, 0, nil
	}
	e.touchMarket(tx, m)

	remaining := new(big.Int).Set(amount)
	var spent uint64
	for remaining.Sign() > 0 && spent < budget {
		user, ok := reg.Head()
		if !ok {
			break
		}
		spent++
		pos := e.positions[positionKey{market: m.Asset, user: user}]
		if pos == nil {
			// A listed user always holds a position; drop the stale entry.
			e.setListed(tx, m.Asset, bucket, user, nil)
			continue
		}
		next, delta := step(pos.side(side).Clone(), remaining)
		if err := e.updateBalance(tx, m.Asset, user, side, next); err != nil {
			return nil, spent, err
		}
		moved.Add(moved, delta)
		remaining.Sub(remaining, delta)
	}
	return moved, spent, nil
}

// updateBalance replaces one side of a user's position, keeping the
// registries, the membership list and the balance hook in step.
func (e *Engine) updateBalance(tx *txn, market, user common.Address, side Side, next Balance) error {
	pos := e.touchPosition(tx, market, user)
	bal := pos.side(side)
	if e.hook != nil {
		if err := e.hook.BeforeBalanceChange(market, user, side, bal.Clone()); err != nil {
			return wrapHook(err)
		}
	}
	next = next.Clone()
	if bal.OnPool.Cmp(next.OnPool) != 0 {
		e.setListed(tx, market, poolBucket(side), user, next.OnPool)
	}
	if bal.InP2P.Cmp(next.InP2P) != 0 {
		e.setListed(tx, market, p2pBucket(side), user, next.InP2P)
	}
	bal.OnPool = next.OnPool
	bal.InP2P = next.InP2P
	if pos.IsZero() {
		delete(e.positions, positionKey{market: market, user: user})
	}
	e.syncMembership(tx, market, user)
	tx.emit(positionUpdated(market, user, side, next))
	return nil
}
