package matching

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolAdapter is the underlying lending pool. Every call is synchronous and
// any error aborts the enclosing operation. Indexes and rates are ray scaled,
// rates annualised.
type PoolAdapter interface {
	Supply(asset common.Address, amount *big.Int) error
	Withdraw(asset common.Address, amount *big.Int) error
	Borrow(asset common.Address, amount *big.Int) error
	Repay(asset common.Address, amount *big.Int) error

	SupplyIndex(asset common.Address) (*big.Int, error)
	BorrowIndex(asset common.Address) (*big.Int, error)
	SupplyRate(asset common.Address) (*big.Int, error)
	BorrowRate(asset common.Address) (*big.Int, error)
}

// Snapshotter is implemented by pool adapters whose side effects can be rolled
// back together with the engine journal.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

// AssetConfig carries the oracle risk parameters of an asset. Factors are
// expressed in basis points; LiquidationBonus includes the principal, so
// 10500 pays a 5% bonus.
type AssetConfig struct {
	Decimals             uint8
	CollateralFactor     uint64
	LiquidationThreshold uint64
	LiquidationBonus     uint64
}

// Oracle prices assets in a common base unit.
type Oracle interface {
	AssetPrice(asset common.Address) (*big.Int, error)
	AssetConfig(asset common.Address) (AssetConfig, error)
}

// BalanceHook is notified with the units held before every position change so
// an incentives module can accrue against the previous balance.
type BalanceHook interface {
	BeforeBalanceChange(market, user common.Address, side Side, previous Balance) error
}

// Metrics receives per operation outcomes.
type Metrics interface {
	ObserveOperation(operation string, market common.Address, err error, took time.Duration)
	ObserveMatching(operation string, market common.Address, matched *big.Int, spent uint64)
}

// NodeRecord is the persisted linkage of one registry entry. Listed is false
// when the user left the bucket during the transaction.
type NodeRecord struct {
	User    common.Address
	Listed  bool
	Value   *big.Int
	Prev    common.Address
	HasPrev bool
	Next    common.Address
	HasNext bool
}

// ListRecord carries the changed entries of one registry bucket.
type ListRecord struct {
	Market  common.Address
	Bucket  Bucket
	Head    common.Address
	HasHead bool
	Len     uint64
	Nodes   []NodeRecord
}

// PositionRecord carries one user position. A zero Position is a deletion.
type PositionRecord struct {
	Market   common.Address
	User     common.Address
	Position *Position
}

// MembershipRecord carries the full list of markets a user is a member of.
type MembershipRecord struct {
	User    common.Address
	Markets []common.Address
}

// ChangeSet is the set of entities a transaction dirtied.
type ChangeSet struct {
	Markets     []*Market
	Positions   []PositionRecord
	Lists       []ListRecord
	Memberships []MembershipRecord
}

// Empty reports whether the change set carries no writes.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Markets) == 0 && len(c.Positions) == 0 && len(c.Lists) == 0 && len(c.Memberships) == 0)
}

// Store persists the effects of a transaction atomically. When Commit fails
// the engine reverts the transaction.
type Store interface {
	Commit(changes *ChangeSet) error
}

// ListEntry is one registry entry in list order.
type ListEntry struct {
	User  common.Address
	Value *big.Int
}

// StoredList is a registry bucket restored in list order.
type StoredList struct {
	Market  common.Address
	Bucket  Bucket
	Entries []ListEntry
}

// Snapshot is the complete persisted engine state used by Restore.
type Snapshot struct {
	Markets     []*Market
	Positions   []PositionRecord
	Lists       []StoredList
	Memberships []MembershipRecord
}

// PoolUnits sums what the protocol holds on the pool for market: every
// on-pool balance plus the delta of each side, in pool units.
func (s *Snapshot) PoolUnits(market common.Address) (supplied, borrowed *big.Int) {
	supplied, borrowed = big.NewInt(0), big.NewInt(0)
	if s == nil {
		return supplied, borrowed
	}
	for _, rec := range s.Positions {
		if rec.Market != market || rec.Position == nil {
			continue
		}
		if rec.Position.Supply.OnPool != nil {
			supplied.Add(supplied, rec.Position.Supply.OnPool)
		}
		if rec.Position.Borrow.OnPool != nil {
			borrowed.Add(borrowed, rec.Position.Borrow.OnPool)
		}
	}
	for _, m := range s.Markets {
		if m == nil || m.Asset != market {
			continue
		}
		if m.SupplyDelta != nil {
			supplied.Add(supplied, m.SupplyDelta)
		}
		if m.BorrowDelta != nil {
			borrowed.Add(borrowed, m.BorrowDelta)
		}
	}
	return supplied, borrowed
}
