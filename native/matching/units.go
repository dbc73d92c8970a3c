package matching

import "math/big"

// valueOf converts raw units into underlying at index. Supplier value rounds
// down and debt rounds up.
func valueOf(side Side, units, index *big.Int) *big.Int {
	if side == SideSupply {
		return rayMulDown(units, index)
	}
	return rayMulUp(units, index)
}

// creditUnits converts an underlying amount added to a balance into units.
func creditUnits(side Side, amount, index *big.Int) *big.Int {
	if side == SideSupply {
		return rayDivDown(amount, index)
	}
	return rayDivUp(amount, index)
}

// debitUnits converts an underlying amount removed from a balance of units
// into the units to burn. Removing the whole readable value burns the whole
// balance so no dust is left listed.
func debitUnits(side Side, amount, index, units *big.Int) *big.Int {
	if units == nil || units.Sign() <= 0 {
		return big.NewInt(0)
	}
	if amount.Cmp(valueOf(side, units, index)) >= 0 {
		return new(big.Int).Set(units)
	}
	var burn *big.Int
	if side == SideSupply {
		burn = rayDivUp(amount, index)
	} else {
		burn = rayDivDown(amount, index)
	}
	if burn.Cmp(units) > 0 {
		return new(big.Int).Set(units)
	}
	return burn
}

func balanceValue(side Side, b Balance, m *Market) *big.Int {
	total := valueOf(side, b.OnPool, m.poolIndex(side))
	return total.Add(total, valueOf(side, b.InP2P, m.p2pIndex(side)))
}

// p2pCapRoom returns how much P2P supply value the market can still take, or
// nil when uncapped.
func p2pCapRoom(m *Market) *big.Int {
	if m.P2PCap == nil || m.P2PCap.Sign() == 0 {
		return nil
	}
	used := rayMulDown(m.P2PSupplyAmount, m.P2PSupplyIndex)
	return zeroFloorSub(m.P2PCap, used)
}

// p2pEligible reports whether an amount may take the delta and matching
// paths of supply and borrow.
func p2pEligible(m *Market, amount *big.Int) bool {
	if m.P2PDisabled {
		return false
	}
	return m.Threshold == nil || amount.Cmp(m.Threshold) >= 0
}
