package matching

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// refreshMemberships refreshes the indexes of every market the user is a
// member of so liquidity is computed on current values.
func (e *Engine) refreshMemberships(tx *txn, user common.Address) error {
	for _, asset := range e.memberships[user] {
		m, ok := e.markets[asset]
		if !ok {
			continue
		}
		if err := e.refreshIndices(tx, m); err != nil {
			return err
		}
	}
	return nil
}

// hasDebt reports whether the user owes anything in any market.
func (e *Engine) hasDebt(user common.Address) bool {
	for _, asset := range e.memberships[user] {
		if !e.balance(asset, user, SideBorrow).IsZero() {
			return true
		}
	}
	return false
}

// liquidity aggregates the user's collateral and debt over its memberships
// plus target. withdrawn and borrowed adjust target to the balances the
// pending operation would leave.
func (e *Engine) liquidity(user, target common.Address, withdrawn, borrowed *big.Int) (Liquidity, error) {
	liq := Liquidity{
		Collateral:       big.NewInt(0),
		MaxDebt:          big.NewInt(0),
		LiquidationValue: big.NewInt(0),
		Debt:             big.NewInt(0),
	}
	assets := append([]common.Address(nil), e.memberships[user]...)
	if target != (common.Address{}) && !e.isMember(user, target) {
		assets = append(assets, target)
	}
	for _, asset := range assets {
		m, ok := e.markets[asset]
		if !ok {
			continue
		}
		supplied := balanceValue(SideSupply, e.balance(asset, user, SideSupply), m)
		debt := balanceValue(SideBorrow, e.balance(asset, user, SideBorrow), m)
		if asset == target {
			if withdrawn != nil {
				supplied = zeroFloorSub(supplied, withdrawn)
			}
			if borrowed != nil {
				debt.Add(debt, borrowed)
			}
		}
		if supplied.Sign() == 0 && debt.Sign() == 0 {
			continue
		}
		price, err := e.oracle.AssetPrice(asset)
		if err != nil {
			return Liquidity{}, fmt.Errorf("matching engine: oracle price %s: %w", asset.Hex(), err)
		}
		cfg, err := e.oracle.AssetConfig(asset)
		if err != nil {
			return Liquidity{}, fmt.Errorf("matching engine: oracle config %s: %w", asset.Hex(), err)
		}
		scale := pow10(cfg.Decimals)

		collateral := new(big.Int).Mul(supplied, price)
		collateral.Quo(collateral, scale)
		liq.Collateral.Add(liq.Collateral, collateral)
		liq.MaxDebt.Add(liq.MaxDebt, bpsMul(collateral, cfg.CollateralFactor))
		liq.LiquidationValue.Add(liq.LiquidationValue, bpsMul(collateral, cfg.LiquidationThreshold))

		owed := new(big.Int).Mul(debt, price)
		liq.Debt.Add(liq.Debt, ceilQuo(owed, scale))
	}
	return liq, nil
}
