package matching

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/core/events"
)

// Withdraw returns up to amount of the user's supply. The request is capped
// at the supply balance. Liquidity is taken from the user's pool balance
// first, then from the supply delta, replacement pool suppliers and demoted
// P2P borrowers; whatever remains becomes a new borrow delta.
func (e *Engine) Withdraw(ctx context.Context, market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := e.run(ctx, "withdraw", market, func(tx *txn) error {
		m, err := e.activeMarket(market)
		if err != nil {
			return err
		}
		if !e.isMember(user, market) {
			return ErrNotAMember
		}
		if err := e.refreshIndices(tx, m); err != nil {
			return err
		}
		available := balanceValue(SideSupply, e.balance(market, user, SideSupply), m)
		if available.Sign() == 0 {
			return ErrNothingToWithdraw
		}
		capped := minBig(amount, available)
		if e.hasDebt(user) {
			if err := e.refreshMemberships(tx, user); err != nil {
				return err
			}
			liq, err := e.liquidity(user, market, capped, nil)
			if err != nil {
				return err
			}
			if liq.Debt.Cmp(liq.MaxDebt) > 0 {
				return ErrInsufficientCollateral
			}
		}
		receipt, err = e.withdraw(tx, m, user, capped, budget)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) withdraw(tx *txn, m *Market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	receipt := newReceipt(tx.id, m.Asset, user, SideSupply)
	e.touchMarket(tx, m)

	bal := e.balance(m.Asset, user, SideSupply)
	available := balanceValue(SideSupply, bal, m)
	amount = minBig(amount, available)
	if amount.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	receipt.Amount = new(big.Int).Set(amount)
	remaining := new(big.Int).Set(amount)
	toWithdraw := big.NewInt(0)
	toBorrow := big.NewInt(0)

	fromPool := minBig(valueOf(SideSupply, bal.OnPool, m.PoolSupplyIndex), remaining)
	if fromPool.Sign() > 0 || bal.OnPool.Sign() > 0 {
		burned := debitUnits(SideSupply, fromPool, m.PoolSupplyIndex, bal.OnPool)
		bal.OnPool = new(big.Int).Sub(bal.OnPool, burned)
		remaining.Sub(remaining, fromPool)
		toWithdraw.Add(toWithdraw, fromPool)
		receipt.ToPool = fromPool
	}

	if remaining.Sign() > 0 {
		burned := debitUnits(SideSupply, remaining, m.P2PSupplyIndex, bal.InP2P)
		bal.InP2P = new(big.Int).Sub(bal.InP2P, burned)
		m.P2PSupplyAmount = zeroFloorSub(m.P2PSupplyAmount, burned)
	}
	if err := e.updateBalance(tx, m.Asset, user, SideSupply, bal); err != nil {
		return nil, err
	}

	if remaining.Sign() > 0 && m.SupplyDelta.Sign() > 0 {
		fromDelta := minBig(valueOf(SideSupply, m.SupplyDelta, m.PoolSupplyIndex), remaining)
		burned := debitUnits(SideSupply, fromDelta, m.PoolSupplyIndex, m.SupplyDelta)
		m.SupplyDelta = new(big.Int).Sub(m.SupplyDelta, burned)
		remaining.Sub(remaining, fromDelta)
		toWithdraw.Add(toWithdraw, fromDelta)
		receipt.FromDelta = fromDelta
		tx.emit(deltaUpdated(m))
	}

	if remaining.Sign() > 0 && !m.P2PDisabled {
		matched, spent, err := e.matchSuppliers(tx, m, remaining, budget)
		if err != nil {
			return nil, err
		}
		remaining.Sub(remaining, matched)
		toWithdraw.Add(toWithdraw, matched)
		receipt.Matched = matched
		receipt.CostSpent += spent
	}

	if remaining.Sign() > 0 {
		unmatched, spent, err := e.unmatchBorrowers(tx, m, remaining, budget-receipt.CostSpent)
		if err != nil {
			return nil, err
		}
		remaining.Sub(remaining, unmatched)
		toBorrow.Add(toBorrow, unmatched)
		receipt.Unmatched = unmatched
		receipt.CostSpent += spent
	}

	if remaining.Sign() > 0 {
		m.BorrowDelta = new(big.Int).Add(m.BorrowDelta, creditUnits(SideBorrow, remaining, m.PoolBorrowIndex))
		toBorrow.Add(toBorrow, remaining)
		receipt.NewDelta = new(big.Int).Set(remaining)
		tx.emit(deltaUpdated(m))
	}
	if e.metrics != nil {
		e.metrics.ObserveMatching("withdraw", m.Asset, new(big.Int).Add(receipt.Matched, receipt.Unmatched), receipt.CostSpent)
	}

	if toWithdraw.Sign() > 0 {
		if err := e.pool.Withdraw(m.Asset, toWithdraw); err != nil {
			return nil, wrapPool("withdraw", err)
		}
	}
	if toBorrow.Sign() > 0 {
		if err := e.pool.Borrow(m.Asset, toBorrow); err != nil {
			return nil, wrapPool("borrow", err)
		}
	}
	receipt.Balance = e.balance(m.Asset, user, SideSupply)
	tx.emit(operationEvent(events.TypeMatchingWithdrawn, receipt))
	return receipt, nil
}

// Repay pays back up to amount of the user's debt. The request is capped at
// the outstanding debt. The user's pool debt is repaid first, then the borrow
// delta, replacement pool borrowers and demoted P2P suppliers; whatever
// remains becomes a new supply delta.
func (e *Engine) Repay(ctx context.Context, market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := e.run(ctx, "repay", market, func(tx *txn) error {
		m, err := e.activeMarket(market)
		if err != nil {
			return err
		}
		if !e.isMember(user, market) {
			return ErrNotAMember
		}
		if err := e.refreshIndices(tx, m); err != nil {
			return err
		}
		receipt, err = e.repay(tx, m, user, amount, budget)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) repay(tx *txn, m *Market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	receipt := newReceipt(tx.id, m.Asset, user, SideBorrow)
	e.touchMarket(tx, m)

	bal := e.balance(m.Asset, user, SideBorrow)
	debt := balanceValue(SideBorrow, bal, m)
	if debt.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	amount = minBig(amount, debt)
	receipt.Amount = new(big.Int).Set(amount)
	remaining := new(big.Int).Set(amount)
	toRepay := big.NewInt(0)
	toSupply := big.NewInt(0)

	fromPool := minBig(valueOf(SideBorrow, bal.OnPool, m.PoolBorrowIndex), remaining)
	if fromPool.Sign() > 0 || bal.OnPool.Sign() > 0 {
		burned := debitUnits(SideBorrow, fromPool, m.PoolBorrowIndex, bal.OnPool)
		bal.OnPool = new(big.Int).Sub(bal.OnPool, burned)
		remaining.Sub(remaining, fromPool)
		toRepay.Add(toRepay, fromPool)
		receipt.ToPool = fromPool
	}

	if remaining.Sign() > 0 {
		burned := debitUnits(SideBorrow, remaining, m.P2PBorrowIndex, bal.InP2P)
		bal.InP2P = new(big.Int).Sub(bal.InP2P, burned)
		m.P2PBorrowAmount = zeroFloorSub(m.P2PBorrowAmount, burned)
	}
	if err := e.updateBalance(tx, m.Asset, user, SideBorrow, bal); err != nil {
		return nil, err
	}

	if remaining.Sign() > 0 && m.BorrowDelta.Sign() > 0 {
		fromDelta := minBig(valueOf(SideBorrow, m.BorrowDelta, m.PoolBorrowIndex), remaining)
		burned := debitUnits(SideBorrow, fromDelta, m.PoolBorrowIndex, m.BorrowDelta)
		m.BorrowDelta = new(big.Int).Sub(m.BorrowDelta, burned)
		remaining.Sub(remaining, fromDelta)
		toRepay.Add(toRepay, fromDelta)
		receipt.FromDelta = fromDelta
		tx.emit(deltaUpdated(m))
	}

	if remaining.Sign() > 0 && !m.P2PDisabled {
		matched, spent, err := e.matchBorrowers(tx, m, remaining, budget)
		if err != nil {
			return nil, err
		}
		remaining.Sub(remaining, matched)
		toRepay.Add(toRepay, matched)
		receipt.Matched = matched
		receipt.CostSpent += spent
	}

	if remaining.Sign() > 0 {
		unmatched, spent, err := e.unmatchSuppliers(tx, m, remaining, budget-receipt.CostSpent)
		if err != nil {
			return nil, err
		}
		remaining.Sub(remaining, unmatched)
		toSupply.Add(toSupply, unmatched)
		receipt.Unmatched = unmatched
		receipt.CostSpent += spent
	}

	if remaining.Sign() > 0 {
		m.SupplyDelta = new(big.Int).Add(m.SupplyDelta, creditUnits(SideSupply, remaining, m.PoolSupplyIndex))
		toSupply.Add(toSupply, remaining)
		receipt.NewDelta = new(big.Int).Set(remaining)
		tx.emit(deltaUpdated(m))
	}
	if e.metrics != nil {
		e.metrics.ObserveMatching("repay", m.Asset, new(big.Int).Add(receipt.Matched, receipt.Unmatched), receipt.CostSpent)
	}

	if toRepay.Sign() > 0 {
		if err := e.pool.Repay(m.Asset, toRepay); err != nil {
			return nil, wrapPool("repay", err)
		}
	}
	if toSupply.Sign() > 0 {
		if err := e.pool.Supply(m.Asset, toSupply); err != nil {
			return nil, wrapPool("supply", err)
		}
	}
	receipt.Balance = e.balance(m.Asset, user, SideBorrow)
	tx.emit(operationEvent(events.TypeMatchingRepaid, receipt))
	return receipt, nil
}
