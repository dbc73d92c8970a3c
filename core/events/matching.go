package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/core/types"
)

const (
	// TypeMatchingSupplied is emitted after a supply has been settled.
	TypeMatchingSupplied = "matching.supplied"
	// TypeMatchingBorrowed is emitted after a borrow has been settled.
	TypeMatchingBorrowed = "matching.borrowed"
	// TypeMatchingWithdrawn is emitted after a withdrawal has been settled.
	TypeMatchingWithdrawn = "matching.withdrawn"
	// TypeMatchingRepaid is emitted after a repayment has been settled.
	TypeMatchingRepaid = "matching.repaid"
	// TypeMatchingLiquidated is emitted when a borrower has been liquidated.
	TypeMatchingLiquidated = "matching.liquidated"
	// TypeMatchingPositionUpdated is emitted whenever a user's balance on one
	// side of a market changes.
	TypeMatchingPositionUpdated = "matching.position.updated"
	// TypeMatchingIndexesUpdated is emitted when a market refreshes its indexes.
	TypeMatchingIndexesUpdated = "matching.indexes.updated"
	// TypeMatchingDeltaUpdated is emitted when either delta of a market changes.
	TypeMatchingDeltaUpdated = "matching.delta.updated"
	// TypeMatchingMarketUpdated is emitted for market creation and admin changes.
	TypeMatchingMarketUpdated = "matching.market.updated"
)

// MatchingOperation summarises a settled supply, borrow, withdraw or repay.
type MatchingOperation struct {
	Kind      string
	ID        string
	Market    common.Address
	User      common.Address
	Amount    *big.Int
	FromDelta *big.Int
	Matched   *big.Int
	Unmatched *big.Int
	NewDelta  *big.Int
	ToPool    *big.Int
	CostSpent uint64
}

func (e MatchingOperation) EventType() string { return e.Kind }

func (e MatchingOperation) Event() *types.Event {
	return &types.Event{
		Type: e.Kind,
		Attributes: map[string]string{
			"id":        e.ID,
			"market":    e.Market.Hex(),
			"user":      e.User.Hex(),
			"amount":    formatAmount(e.Amount),
			"fromDelta": formatAmount(e.FromDelta),
			"matched":   formatAmount(e.Matched),
			"unmatched": formatAmount(e.Unmatched),
			"newDelta":  formatAmount(e.NewDelta),
			"toPool":    formatAmount(e.ToPool),
			"costSpent": strconv.FormatUint(e.CostSpent, 10),
		},
	}
}

// MatchingLiquidated records a liquidation.
type MatchingLiquidated struct {
	ID               string
	BorrowedMarket   common.Address
	CollateralMarket common.Address
	Liquidator       common.Address
	Borrower         common.Address
	Repaid           *big.Int
	Seized           *big.Int
}

func (MatchingLiquidated) EventType() string { return TypeMatchingLiquidated }

func (e MatchingLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeMatchingLiquidated,
		Attributes: map[string]string{
			"id":               e.ID,
			"borrowedMarket":   e.BorrowedMarket.Hex(),
			"collateralMarket": e.CollateralMarket.Hex(),
			"liquidator":       e.Liquidator.Hex(),
			"borrower":         e.Borrower.Hex(),
			"repaid":           formatAmount(e.Repaid),
			"seized":           formatAmount(e.Seized),
		},
	}
}

// MatchingPositionUpdated carries the new raw units of one side of a user's
// position.
type MatchingPositionUpdated struct {
	Market common.Address
	User   common.Address
	Side   string
	OnPool *big.Int
	InP2P  *big.Int
}

func (MatchingPositionUpdated) EventType() string { return TypeMatchingPositionUpdated }

func (e MatchingPositionUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeMatchingPositionUpdated,
		Attributes: map[string]string{
			"market": e.Market.Hex(),
			"user":   e.User.Hex(),
			"side":   e.Side,
			"onPool": formatAmount(e.OnPool),
			"inP2P":  formatAmount(e.InP2P),
		},
	}
}

// MatchingIndexesUpdated reports a market index refresh.
type MatchingIndexesUpdated struct {
	Market          common.Address
	PoolSupplyIndex *big.Int
	PoolBorrowIndex *big.Int
	P2PSupplyIndex  *big.Int
	P2PBorrowIndex  *big.Int
	Timestamp       uint64
}

func (MatchingIndexesUpdated) EventType() string { return TypeMatchingIndexesUpdated }

func (e MatchingIndexesUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeMatchingIndexesUpdated,
		Attributes: map[string]string{
			"market":          e.Market.Hex(),
			"poolSupplyIndex": formatAmount(e.PoolSupplyIndex),
			"poolBorrowIndex": formatAmount(e.PoolBorrowIndex),
			"p2pSupplyIndex":  formatAmount(e.P2PSupplyIndex),
			"p2pBorrowIndex":  formatAmount(e.P2PBorrowIndex),
			"timestamp":       strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

// MatchingDeltaUpdated reports the current deltas of a market in pool units.
type MatchingDeltaUpdated struct {
	Market      common.Address
	SupplyDelta *big.Int
	BorrowDelta *big.Int
}

func (MatchingDeltaUpdated) EventType() string { return TypeMatchingDeltaUpdated }

func (e MatchingDeltaUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeMatchingDeltaUpdated,
		Attributes: map[string]string{
			"market":      e.Market.Hex(),
			"supplyDelta": formatAmount(e.SupplyDelta),
			"borrowDelta": formatAmount(e.BorrowDelta),
		},
	}
}

// MatchingMarketUpdated reports a market creation or parameter change.
type MatchingMarketUpdated struct {
	Market common.Address
	Field  string
	Value  string
}

func (MatchingMarketUpdated) EventType() string { return TypeMatchingMarketUpdated }

func (e MatchingMarketUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeMatchingMarketUpdated,
		Attributes: map[string]string{
			"market": e.Market.Hex(),
			"field":  e.Field,
			"value":  e.Value,
		},
	}
}
