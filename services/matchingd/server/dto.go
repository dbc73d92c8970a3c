package server

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type marketView struct {
	Asset           string         `json:"asset"`
	PoolSupplyIndex string         `json:"pool_supply_index"`
	PoolBorrowIndex string         `json:"pool_borrow_index"`
	P2PSupplyIndex  string         `json:"p2p_supply_index"`
	P2PBorrowIndex  string         `json:"p2p_borrow_index"`
	P2PSupplyRate   string         `json:"p2p_supply_rate"`
	P2PBorrowRate   string         `json:"p2p_borrow_rate"`
	LastUpdate      uint64         `json:"last_update"`
	SupplyDelta     string         `json:"supply_delta"`
	BorrowDelta     string         `json:"borrow_delta"`
	P2PSupplyAmount string         `json:"p2p_supply_amount"`
	P2PBorrowAmount string         `json:"p2p_borrow_amount"`
	P2PDisabled     bool           `json:"p2p_disabled"`
	Paused          bool           `json:"paused"`
	Threshold       string         `json:"threshold"`
	P2PCap          string         `json:"p2p_cap"`
	ReserveFactor   uint64         `json:"reserve_factor_bps"`
	MaxSortedUsers  uint64         `json:"max_sorted_users"`
	Buckets         map[string]int `json:"buckets,omitempty"`
}

func newMarketView(m *matching.Market) marketView {
	return marketView{
		Asset:           m.Asset.Hex(),
		PoolSupplyIndex: amountString(m.PoolSupplyIndex),
		PoolBorrowIndex: amountString(m.PoolBorrowIndex),
		P2PSupplyIndex:  amountString(m.P2PSupplyIndex),
		P2PBorrowIndex:  amountString(m.P2PBorrowIndex),
		P2PSupplyRate:   amountString(m.P2PSupplyRate),
		P2PBorrowRate:   amountString(m.P2PBorrowRate),
		LastUpdate:      m.LastUpdate,
		SupplyDelta:     amountString(m.SupplyDelta),
		BorrowDelta:     amountString(m.BorrowDelta),
		P2PSupplyAmount: amountString(m.P2PSupplyAmount),
		P2PBorrowAmount: amountString(m.P2PBorrowAmount),
		P2PDisabled:     m.P2PDisabled,
		Paused:          m.Paused,
		Threshold:       amountString(m.Threshold),
		P2PCap:          amountString(m.P2PCap),
		ReserveFactor:   m.ReserveFactor,
		MaxSortedUsers:  m.MaxSortedUsers,
	}
}

type balanceView struct {
	OnPool string `json:"on_pool"`
	InP2P  string `json:"in_p2p"`
	Value  string `json:"value"`
}

func newBalanceView(b matching.Balance, value *big.Int) balanceView {
	return balanceView{OnPool: amountString(b.OnPool), InP2P: amountString(b.InP2P), Value: amountString(value)}
}

type accountMarketView struct {
	Market string      `json:"market"`
	Supply balanceView `json:"supply"`
	Borrow balanceView `json:"borrow"`
}

type liquidityView struct {
	Collateral       string `json:"collateral"`
	MaxDebt          string `json:"max_debt"`
	LiquidationValue string `json:"liquidation_value"`
	Debt             string `json:"debt"`
}

func newLiquidityView(l matching.Liquidity) liquidityView {
	return liquidityView{
		Collateral:       amountString(l.Collateral),
		MaxDebt:          amountString(l.MaxDebt),
		LiquidationValue: amountString(l.LiquidationValue),
		Debt:             amountString(l.Debt),
	}
}

type accountView struct {
	User      string              `json:"user"`
	Markets   []accountMarketView `json:"markets"`
	Liquidity liquidityView       `json:"liquidity"`
}

type entryView struct {
	User  string `json:"user"`
	Value string `json:"value"`
}

type bucketView struct {
	Market  string      `json:"market"`
	Bucket  string      `json:"bucket"`
	Len     int         `json:"len"`
	Entries []entryView `json:"entries"`
}

type receiptView struct {
	ID        string      `json:"id"`
	Market    string      `json:"market"`
	User      string      `json:"user"`
	Side      string      `json:"side"`
	Amount    string      `json:"amount"`
	FromDelta string      `json:"from_delta"`
	Matched   string      `json:"matched"`
	Unmatched string      `json:"unmatched"`
	NewDelta  string      `json:"new_delta"`
	ToPool    string      `json:"to_pool"`
	CostSpent uint64      `json:"cost_spent"`
	Balance   balanceView `json:"balance"`
}

func newReceiptView(r *matching.Receipt) *receiptView {
	if r == nil {
		return nil
	}
	return &receiptView{
		ID:        r.ID,
		Market:    r.Market.Hex(),
		User:      r.User.Hex(),
		Side:      r.Side.String(),
		Amount:    amountString(r.Amount),
		FromDelta: amountString(r.FromDelta),
		Matched:   amountString(r.Matched),
		Unmatched: amountString(r.Unmatched),
		NewDelta:  amountString(r.NewDelta),
		ToPool:    amountString(r.ToPool),
		CostSpent: r.CostSpent,
		Balance:   balanceView{OnPool: amountString(r.Balance.OnPool), InP2P: amountString(r.Balance.InP2P)},
	}
}

type liquidationView struct {
	ID               string       `json:"id"`
	BorrowedMarket   string       `json:"borrowed_market"`
	CollateralMarket string       `json:"collateral_market"`
	Liquidator       string       `json:"liquidator"`
	Borrower         string       `json:"borrower"`
	Repaid           string       `json:"repaid"`
	Seized           string       `json:"seized"`
	Repay            *receiptView `json:"repay,omitempty"`
	Withdraw         *receiptView `json:"withdraw,omitempty"`
}

func newLiquidationView(r *matching.LiquidationReceipt) liquidationView {
	return liquidationView{
		ID:               r.ID,
		BorrowedMarket:   r.BorrowedMarket.Hex(),
		CollateralMarket: r.CollateralMarket.Hex(),
		Liquidator:       r.Liquidator.Hex(),
		Borrower:         r.Borrower.Hex(),
		Repaid:           amountString(r.Repaid),
		Seized:           amountString(r.Seized),
		Repay:            newReceiptView(r.Repay),
		Withdraw:         newReceiptView(r.Withdraw),
	}
}

// operationRequest is the body of supply, borrow, withdraw and repay calls.
// User may be omitted when the token subject names the caller.
type operationRequest struct {
	User   string  `json:"user"`
	Amount string  `json:"amount"`
	Budget *uint64 `json:"budget"`
}

type liquidationRequest struct {
	BorrowedMarket   string `json:"borrowed_market"`
	CollateralMarket string `json:"collateral_market"`
	Borrower         string `json:"borrower"`
	Liquidator       string `json:"liquidator"`
	Amount           string `json:"amount"`
}

type createMarketRequest struct {
	Asset            string  `json:"asset"`
	ReserveFactorBps *uint64 `json:"reserve_factor_bps"`
	MaxSortedUsers   uint64  `json:"max_sorted_users"`
	Threshold        string  `json:"threshold"`
	P2PCap           string  `json:"p2p_cap"`
	P2PDisabled      bool    `json:"p2p_disabled"`
}

// updateMarketRequest applies every non-nil field in a fixed order.
type updateMarketRequest struct {
	Paused           *bool   `json:"paused"`
	P2PDisabled      *bool   `json:"p2p_disabled"`
	Threshold        *string `json:"threshold"`
	P2PCap           *string `json:"p2p_cap"`
	MaxSortedUsers   *uint64 `json:"max_sorted_users"`
	ReserveFactorBps *uint64 `json:"reserve_factor_bps"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type pauseView struct {
	Paused []string `json:"paused"`
}

func parseUint(raw string) (uint64, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	return v, err == nil
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
