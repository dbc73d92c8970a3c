package matching_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

func TestBucketEntriesFollowListOrder(t *testing.T) {
	f := newFixture(t, matching.Config{})
	f.supply(assetA, supplier, 100, 0)
	f.supply(assetA, supplier2, 300, 0)

	entries, err := f.engine.BucketEntries(assetA, matching.SuppliersOnPool, 0)
	if err != nil {
		t.Fatalf("bucket entries: %v", err)
	}
	if len(entries) != 2 || entries[0].User != supplier2 || entries[1].User != supplier {
		t.Fatalf("unexpected entries %+v", entries)
	}
	expectInt(t, "head value", entries[0].Value, 300)

	limited, err := f.engine.BucketEntries(assetA, matching.SuppliersOnPool, 1)
	if err != nil {
		t.Fatalf("bucket entries: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d entries", len(limited))
	}

	if _, err := f.engine.BucketEntries(common.HexToAddress("0xdead"), matching.SuppliersOnPool, 0); err != matching.ErrMarketNotFound {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestSnapshotPoolUnits(t *testing.T) {
	snapshot := &matching.Snapshot{
		Markets: []*matching.Market{{Asset: assetA, SupplyDelta: big.NewInt(7), BorrowDelta: big.NewInt(3)}},
		Positions: []matching.PositionRecord{
			{Market: assetA, User: supplier, Position: &matching.Position{
				Supply: matching.Balance{OnPool: big.NewInt(100), InP2P: big.NewInt(50)},
			}},
			{Market: assetA, User: borrower, Position: &matching.Position{
				Borrow: matching.Balance{OnPool: big.NewInt(40), InP2P: big.NewInt(50)},
			}},
			{Market: assetC, User: borrower, Position: &matching.Position{
				Supply: matching.Balance{OnPool: big.NewInt(1_000)},
			}},
		},
	}
	supplied, borrowed := snapshot.PoolUnits(assetA)
	expectInt(t, "supplied", supplied, 107)
	expectInt(t, "borrowed", borrowed, 43)
}
