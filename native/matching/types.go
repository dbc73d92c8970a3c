package matching

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side distinguishes the supplier and borrower halves of a market.
type Side uint8

const (
	SideSupply Side = iota
	SideBorrow
)

func (s Side) String() string {
	switch s {
	case SideSupply:
		return "supply"
	case SideBorrow:
		return "borrow"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Bucket identifies one of the four sorted registries kept per market.
type Bucket uint8

const (
	SuppliersOnPool Bucket = iota
	SuppliersInP2P
	BorrowersOnPool
	BorrowersInP2P

	bucketCount = 4
)

// Buckets lists every registry bucket in storage order.
var Buckets = [bucketCount]Bucket{SuppliersOnPool, SuppliersInP2P, BorrowersOnPool, BorrowersInP2P}

func (b Bucket) String() string {
	switch b {
	case SuppliersOnPool:
		return "suppliers_on_pool"
	case SuppliersInP2P:
		return "suppliers_in_p2p"
	case BorrowersOnPool:
		return "borrowers_on_pool"
	case BorrowersInP2P:
		return "borrowers_in_p2p"
	default:
		return fmt.Sprintf("bucket(%d)", uint8(b))
	}
}

// ParseBucket resolves the textual bucket name used by the service surface.
func ParseBucket(name string) (Bucket, error) {
	for _, b := range Buckets {
		if b.String() == name {
			return b, nil
		}
	}
	return 0, fmt.Errorf("matching: unknown bucket %q", name)
}

func (b Bucket) valid() bool { return b < bucketCount }

func poolBucket(side Side) Bucket {
	if side == SideSupply {
		return SuppliersOnPool
	}
	return BorrowersOnPool
}

func p2pBucket(side Side) Bucket {
	if side == SideSupply {
		return SuppliersInP2P
	}
	return BorrowersInP2P
}

// Market captures the peer-to-peer accounting state of one supported asset.
// Pool and P2P indexes are ray scaled; deltas are pool units and P2P amounts
// are P2P units.
type Market struct {
	Asset common.Address

	// PoolSupplyIndex and PoolBorrowIndex are the pool indexes observed at
	// the last refresh.
	PoolSupplyIndex *big.Int
	PoolBorrowIndex *big.Int
	P2PSupplyIndex  *big.Int
	P2PBorrowIndex  *big.Int
	// LastUpdate is the unix timestamp of the last index refresh.
	LastUpdate uint64

	// P2PSupplyRate and P2PBorrowRate are annual ray rates; the yields are
	// their per-second counterparts used for compounding.
	P2PSupplyRate  *big.Int
	P2PBorrowRate  *big.Int
	P2PSupplyYield *big.Int
	P2PBorrowYield *big.Int

	// SupplyDelta is P2P supply actually sitting on the pool; BorrowDelta is
	// P2P borrow actually borrowed from the pool.
	SupplyDelta *big.Int
	BorrowDelta *big.Int

	P2PSupplyAmount *big.Int
	P2PBorrowAmount *big.Int

	P2PDisabled    bool
	Paused         bool
	Threshold      *big.Int
	P2PCap         *big.Int
	ReserveFactor  uint64
	MaxSortedUsers uint64
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.PoolSupplyIndex = cloneBig(m.PoolSupplyIndex)
	clone.PoolBorrowIndex = cloneBig(m.PoolBorrowIndex)
	clone.P2PSupplyIndex = cloneBig(m.P2PSupplyIndex)
	clone.P2PBorrowIndex = cloneBig(m.P2PBorrowIndex)
	clone.P2PSupplyRate = cloneBig(m.P2PSupplyRate)
	clone.P2PBorrowRate = cloneBig(m.P2PBorrowRate)
	clone.P2PSupplyYield = cloneBig(m.P2PSupplyYield)
	clone.P2PBorrowYield = cloneBig(m.P2PBorrowYield)
	clone.SupplyDelta = cloneBig(m.SupplyDelta)
	clone.BorrowDelta = cloneBig(m.BorrowDelta)
	clone.P2PSupplyAmount = cloneBig(m.P2PSupplyAmount)
	clone.P2PBorrowAmount = cloneBig(m.P2PBorrowAmount)
	clone.Threshold = cloneBig(m.Threshold)
	clone.P2PCap = cloneBig(m.P2PCap)
	return &clone
}

func (m *Market) poolIndex(side Side) *big.Int {
	if side == SideSupply {
		return m.PoolSupplyIndex
	}
	return m.PoolBorrowIndex
}

func (m *Market) p2pIndex(side Side) *big.Int {
	if side == SideSupply {
		return m.P2PSupplyIndex
	}
	return m.P2PBorrowIndex
}

func (m *Market) delta(side Side) *big.Int {
	if side == SideSupply {
		return m.SupplyDelta
	}
	return m.BorrowDelta
}

func (m *Market) setDelta(side Side, v *big.Int) {
	if side == SideSupply {
		m.SupplyDelta = v
		return
	}
	m.BorrowDelta = v
}

func (m *Market) p2pAmount(side Side) *big.Int {
	if side == SideSupply {
		return m.P2PSupplyAmount
	}
	return m.P2PBorrowAmount
}

func (m *Market) setP2PAmount(side Side, v *big.Int) {
	if side == SideSupply {
		m.P2PSupplyAmount = v
		return
	}
	m.P2PBorrowAmount = v
}

// Balance is a user's position on one side of a market.
type Balance struct {
	// OnPool is denominated in pool units.
	OnPool *big.Int
	// InP2P is denominated in P2P units.
	InP2P *big.Int
}

// Clone returns a deep copy of the balance.
func (b Balance) Clone() Balance {
	return Balance{OnPool: cloneBig(b.OnPool), InP2P: cloneBig(b.InP2P)}
}

// IsZero reports whether both buckets are empty.
func (b Balance) IsZero() bool {
	return (b.OnPool == nil || b.OnPool.Sign() == 0) && (b.InP2P == nil || b.InP2P.Sign() == 0)
}

// Position holds both sides of a user's balances in one market.
type Position struct {
	Supply Balance
	Borrow Balance
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{Supply: p.Supply.Clone(), Borrow: p.Borrow.Clone()}
}

// IsZero reports whether all four balances are zero.
func (p *Position) IsZero() bool {
	return p == nil || (p.Supply.IsZero() && p.Borrow.IsZero())
}

func (p *Position) side(side Side) *Balance {
	if side == SideSupply {
		return &p.Supply
	}
	return &p.Borrow
}

type positionKey struct {
	market common.Address
	user   common.Address
}

// Receipt summarises how a position operation was realised.
type Receipt struct {
	ID     string
	Market common.Address
	User   common.Address
	Side   Side
	// Amount is the underlying amount actually processed. Withdraw and repay
	// cap the request at the available balance.
	Amount *big.Int
	// FromDelta is the amount absorbed by an existing delta.
	FromDelta *big.Int
	// Matched is the amount moved peer-to-peer through the matching engine.
	Matched *big.Int
	// Unmatched is the amount of counterparties demoted back to the pool.
	Unmatched *big.Int
	// NewDelta is the remainder recorded as a fresh delta.
	NewDelta *big.Int
	// ToPool is the amount routed directly to or from the pool for the user.
	ToPool    *big.Int
	CostSpent uint64
	Balance   Balance
}

func newReceipt(id string, market, user common.Address, side Side) *Receipt {
	return &Receipt{
		ID:        id,
		Market:    market,
		User:      user,
		Side:      side,
		Amount:    big.NewInt(0),
		FromDelta: big.NewInt(0),
		Matched:   big.NewInt(0),
		Unmatched: big.NewInt(0),
		NewDelta:  big.NewInt(0),
		ToPool:    big.NewInt(0),
	}
}

// LiquidationReceipt reports the repaid debt and seized collateral.
type LiquidationReceipt struct {
	ID               string
	BorrowedMarket   common.Address
	CollateralMarket common.Address
	Liquidator       common.Address
	Borrower         common.Address
	Repaid           *big.Int
	Seized           *big.Int
	Repay            *Receipt
	Withdraw         *Receipt
}

// Liquidity aggregates a user's collateral and debt in oracle units.
type Liquidity struct {
	Collateral       *big.Int
	MaxDebt          *big.Int
	LiquidationValue *big.Int
	Debt             *big.Int
}
