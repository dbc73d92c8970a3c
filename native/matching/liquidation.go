package matching

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/core/events"
)

// Liquidate repays amount of the borrower's debt in borrowedMarket on behalf
// of the liquidator and seizes the matching collateral, bonus included, from
// collateralMarket. The borrower must be under water and amount may not
// exceed the close factor of its debt in borrowedMarket.
func (e *Engine) Liquidate(ctx context.Context, borrowedMarket, collateralMarket, liquidator, borrower common.Address, amount *big.Int) (*LiquidationReceipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var receipt *LiquidationReceipt
	err := e.run(ctx, "liquidate", borrowedMarket, func(tx *txn) error {
		borrowed, err := e.activeMarket(borrowedMarket)
		if err != nil {
			return err
		}
		collateral, err := e.activeMarket(collateralMarket)
		if err != nil {
			return err
		}
		if !e.isMember(borrower, borrowedMarket) || !e.isMember(borrower, collateralMarket) {
			return ErrNotAMember
		}
		if err := e.refreshMemberships(tx, borrower); err != nil {
			return err
		}

		liq, err := e.liquidity(borrower, common.Address{}, nil, nil)
		if err != nil {
			return err
		}
		if liq.Debt.Cmp(liq.LiquidationValue) <= 0 {
			return ErrNotLiquidatable
		}

		debt := balanceValue(SideBorrow, e.balance(borrowedMarket, borrower, SideBorrow), borrowed)
		if amount.Cmp(bpsMul(debt, e.cfg.CloseFactorBps)) > 0 {
			return ErrExcessiveRepay
		}

		seized, err := e.seizeAmount(borrowedMarket, collateralMarket, amount)
		if err != nil {
			return err
		}
		available := balanceValue(SideSupply, e.balance(collateralMarket, borrower, SideSupply), collateral)
		if seized.Cmp(available) > 0 {
			return ErrExcessiveSeize
		}

		repaid, err := e.repay(tx, borrowed, borrower, amount, e.cfg.LiquidationBudget)
		if err != nil {
			return err
		}
		receipt = &LiquidationReceipt{
			ID:               tx.id,
			BorrowedMarket:   borrowedMarket,
			CollateralMarket: collateralMarket,
			Liquidator:       liquidator,
			Borrower:         borrower,
			Repaid:           new(big.Int).Set(repaid.Amount),
			Seized:           big.NewInt(0),
			Repay:            repaid,
		}
		if seized.Sign() > 0 {
			withdrawn, err := e.withdraw(tx, collateral, borrower, seized, e.cfg.LiquidationBudget)
			if err != nil {
				return err
			}
			receipt.Seized = new(big.Int).Set(withdrawn.Amount)
			receipt.Withdraw = withdrawn
		}
		tx.emit(events.MatchingLiquidated{
			ID:               tx.id,
			BorrowedMarket:   borrowedMarket,
			CollateralMarket: collateralMarket,
			Liquidator:       liquidator,
			Borrower:         borrower,
			Repaid:           cloneBig(receipt.Repaid),
			Seized:           cloneBig(receipt.Seized),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// seizeAmount converts a repaid amount of the borrowed asset into collateral
// units including the liquidation bonus, rounding down.
func (e *Engine) seizeAmount(borrowedMarket, collateralMarket common.Address, amount *big.Int) (*big.Int, error) {
	borrowedPrice, err := e.oracle.AssetPrice(borrowedMarket)
	if err != nil {
		return nil, fmt.Errorf("matching engine: oracle price %s: %w", borrowedMarket.Hex(), err)
	}
	collateralPrice, err := e.oracle.AssetPrice(collateralMarket)
	if err != nil {
		return nil, fmt.Errorf("matching engine: oracle price %s: %w", collateralMarket.Hex(), err)
	}
	borrowedCfg, err := e.oracle.AssetConfig(borrowedMarket)
	if err != nil {
		return nil, fmt.Errorf("matching engine: oracle config %s: %w", borrowedMarket.Hex(), err)
	}
	collateralCfg, err := e.oracle.AssetConfig(collateralMarket)
	if err != nil {
		return nil, fmt.Errorf("matching engine: oracle config %s: %w", collateralMarket.Hex(), err)
	}
	if collateralPrice == nil || collateralPrice.Sign() <= 0 {
		return nil, fmt.Errorf("matching engine: oracle price %s: not positive", collateralMarket.Hex())
	}

	num := new(big.Int).Mul(amount, borrowedPrice)
	num.Mul(num, pow10(collateralCfg.Decimals))
	num.Mul(num, new(big.Int).SetUint64(collateralCfg.LiquidationBonus))
	den := new(big.Int).Mul(collateralPrice, pow10(borrowedCfg.Decimals))
	den.Mul(den, basisPoints)
	return num.Quo(num, den), nil
}
