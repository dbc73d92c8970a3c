package state

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

var (
	matchingMarketListKey    = []byte("matching/markets")
	matchingUserIndexKey     = []byte("matching/users")
	matchingMarketPrefix     = []byte("matching/market/")
	matchingListPrefix       = []byte("matching/list/")
	matchingNodePrefix       = []byte("matching/node/")
	matchingPositionPrefix   = []byte("matching/position/")
	matchingMembershipPrefix = []byte("matching/membership/")
)

func matchingKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return buf
}

func matchingMarketKey(asset common.Address) []byte {
	return matchingKey(matchingMarketPrefix, asset.Bytes())
}

func matchingListKey(asset common.Address, bucket matching.Bucket) []byte {
	return matchingKey(matchingListPrefix, asset.Bytes(), []byte{byte(bucket)})
}

func matchingNodeKey(asset common.Address, bucket matching.Bucket, user common.Address) []byte {
	return matchingKey(matchingNodePrefix, asset.Bytes(), []byte{byte(bucket)}, user.Bytes())
}

func matchingPositionKey(asset, user common.Address) []byte {
	return matchingKey(matchingPositionPrefix, asset.Bytes(), user.Bytes())
}

func matchingMembershipKey(user common.Address) []byte {
	return matchingKey(matchingMembershipPrefix, user.Bytes())
}

type storedMatchingMarket struct {
	Asset           common.Address
	PoolSupplyIndex *big.Int
	PoolBorrowIndex *big.Int
	P2PSupplyIndex  *big.Int
	P2PBorrowIndex  *big.Int
	LastUpdate      uint64
	P2PSupplyRate   *big.Int
	P2PBorrowRate   *big.Int
	P2PSupplyYield  *big.Int
	P2PBorrowYield  *big.Int
	SupplyDelta     *big.Int
	BorrowDelta     *big.Int
	P2PSupplyAmount *big.Int
	P2PBorrowAmount *big.Int
	P2PDisabled     bool
	Paused          bool
	Threshold       *big.Int
	P2PCap          *big.Int
	ReserveFactor   uint64
	MaxSortedUsers  uint64
}

func nonNegative(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newStoredMatchingMarket(m *matching.Market) *storedMatchingMarket {
	return &storedMatchingMarket{
		Asset:           m.Asset,
		PoolSupplyIndex: nonNegative(m.PoolSupplyIndex),
		PoolBorrowIndex: nonNegative(m.PoolBorrowIndex),
		P2PSupplyIndex:  nonNegative(m.P2PSupplyIndex),
		P2PBorrowIndex:  nonNegative(m.P2PBorrowIndex),
		LastUpdate:      m.LastUpdate,
		P2PSupplyRate:   nonNegative(m.P2PSupplyRate),
		P2PBorrowRate:   nonNegative(m.P2PBorrowRate),
		P2PSupplyYield:  nonNegative(m.P2PSupplyYield),
		P2PBorrowYield:  nonNegative(m.P2PBorrowYield),
		SupplyDelta:     nonNegative(m.SupplyDelta),
		BorrowDelta:     nonNegative(m.BorrowDelta),
		P2PSupplyAmount: nonNegative(m.P2PSupplyAmount),
		P2PBorrowAmount: nonNegative(m.P2PBorrowAmount),
		P2PDisabled:     m.P2PDisabled,
		Paused:          m.Paused,
		Threshold:       nonNegative(m.Threshold),
		P2PCap:          nonNegative(m.P2PCap),
		ReserveFactor:   m.ReserveFactor,
		MaxSortedUsers:  m.MaxSortedUsers,
	}
}

func (s *storedMatchingMarket) toMarket() *matching.Market {
	return &matching.Market{
		Asset:           s.Asset,
		PoolSupplyIndex: nonNegative(s.PoolSupplyIndex),
		PoolBorrowIndex: nonNegative(s.PoolBorrowIndex),
		P2PSupplyIndex:  nonNegative(s.P2PSupplyIndex),
		P2PBorrowIndex:  nonNegative(s.P2PBorrowIndex),
		LastUpdate:      s.LastUpdate,
		P2PSupplyRate:   nonNegative(s.P2PSupplyRate),
		P2PBorrowRate:   nonNegative(s.P2PBorrowRate),
		P2PSupplyYield:  nonNegative(s.P2PSupplyYield),
		P2PBorrowYield:  nonNegative(s.P2PBorrowYield),
		SupplyDelta:     nonNegative(s.SupplyDelta),
		BorrowDelta:     nonNegative(s.BorrowDelta),
		P2PSupplyAmount: nonNegative(s.P2PSupplyAmount),
		P2PBorrowAmount: nonNegative(s.P2PBorrowAmount),
		P2PDisabled:     s.P2PDisabled,
		Paused:          s.Paused,
		Threshold:       nonNegative(s.Threshold),
		P2PCap:          nonNegative(s.P2PCap),
		ReserveFactor:   s.ReserveFactor,
		MaxSortedUsers:  s.MaxSortedUsers,
	}
}

type storedMatchingPosition struct {
	SupplyOnPool *big.Int
	SupplyInP2P  *big.Int
	BorrowOnPool *big.Int
	BorrowInP2P  *big.Int
}

func newStoredMatchingPosition(p *matching.Position) *storedMatchingPosition {
	return &storedMatchingPosition{
		SupplyOnPool: nonNegative(p.Supply.OnPool),
		SupplyInP2P:  nonNegative(p.Supply.InP2P),
		BorrowOnPool: nonNegative(p.Borrow.OnPool),
		BorrowInP2P:  nonNegative(p.Borrow.InP2P),
	}
}

func (s *storedMatchingPosition) toPosition() *matching.Position {
	return &matching.Position{
		Supply: matching.Balance{OnPool: nonNegative(s.SupplyOnPool), InP2P: nonNegative(s.SupplyInP2P)},
		Borrow: matching.Balance{OnPool: nonNegative(s.BorrowOnPool), InP2P: nonNegative(s.BorrowInP2P)},
	}
}

type storedMatchingList struct {
	Head    common.Address
	HasHead bool
	Len     uint64
}

type storedMatchingNode struct {
	Value   *big.Int
	Prev    common.Address
	HasPrev bool
	Next    common.Address
	HasNext bool
}

// MatchingStore persists the matching engine state. Registry buckets are
// stored as linked nodes so a transaction only rewrites the entries whose
// neighbours changed.
type MatchingStore struct {
	manager *Manager
}

// NewMatchingStore creates a store on top of the state manager.
func NewMatchingStore(manager *Manager) *MatchingStore {
	return &MatchingStore{manager: manager}
}

var _ matching.Store = (*MatchingStore)(nil)

// Commit writes the change set in a single atomic batch.
func (s *MatchingStore) Commit(changes *matching.ChangeSet) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("matching store: not initialised")
	}
	if changes.Empty() {
		return nil
	}
	w := s.manager.NewWriter()

	if len(changes.Markets) > 0 {
		var listed []common.Address
		if err := s.manager.KVGetList(matchingMarketListKey, &listed); err != nil {
			return fmt.Errorf("matching store: load markets: %w", err)
		}
		known := make(map[common.Address]struct{}, len(listed))
		for _, asset := range listed {
			known[asset] = struct{}{}
		}
		grew := false
		for _, m := range changes.Markets {
			if err := w.Put(matchingMarketKey(m.Asset), newStoredMatchingMarket(m)); err != nil {
				return fmt.Errorf("matching store: encode market %s: %w", m.Asset.Hex(), err)
			}
			if _, ok := known[m.Asset]; !ok {
				listed = append(listed, m.Asset)
				known[m.Asset] = struct{}{}
				grew = true
			}
		}
		if grew {
			if err := w.Put(matchingMarketListKey, listed); err != nil {
				return fmt.Errorf("matching store: encode markets: %w", err)
			}
		}
	}

	for _, rec := range changes.Positions {
		key := matchingPositionKey(rec.Market, rec.User)
		if rec.Position.IsZero() {
			w.Delete(key)
			continue
		}
		if err := w.Put(key, newStoredMatchingPosition(rec.Position)); err != nil {
			return fmt.Errorf("matching store: encode position: %w", err)
		}
	}

	for _, list := range changes.Lists {
		head := storedMatchingList{Head: list.Head, HasHead: list.HasHead, Len: list.Len}
		if err := w.Put(matchingListKey(list.Market, list.Bucket), head); err != nil {
			return fmt.Errorf("matching store: encode list: %w", err)
		}
		for _, node := range list.Nodes {
			key := matchingNodeKey(list.Market, list.Bucket, node.User)
			if !node.Listed {
				w.Delete(key)
				continue
			}
			stored := storedMatchingNode{
				Value:   nonNegative(node.Value),
				Prev:    node.Prev,
				HasPrev: node.HasPrev,
				Next:    node.Next,
				HasNext: node.HasNext,
			}
			if err := w.Put(key, stored); err != nil {
				return fmt.Errorf("matching store: encode node: %w", err)
			}
		}
	}

	if len(changes.Memberships) > 0 {
		var users []common.Address
		if err := s.manager.KVGetList(matchingUserIndexKey, &users); err != nil {
			return fmt.Errorf("matching store: load users: %w", err)
		}
		index := make(map[common.Address]struct{}, len(users))
		for _, user := range users {
			index[user] = struct{}{}
		}
		for _, rec := range changes.Memberships {
			key := matchingMembershipKey(rec.User)
			if len(rec.Markets) == 0 {
				w.Delete(key)
				delete(index, rec.User)
				continue
			}
			if err := w.Put(key, rec.Markets); err != nil {
				return fmt.Errorf("matching store: encode membership: %w", err)
			}
			index[rec.User] = struct{}{}
		}
		if len(index) != len(users) || !containsAll(index, users) {
			if err := w.Put(matchingUserIndexKey, sortedUsers(index)); err != nil {
				return fmt.Errorf("matching store: encode users: %w", err)
			}
		}
	}
	return w.Write()
}

func containsAll(index map[common.Address]struct{}, users []common.Address) bool {
	for _, user := range users {
		if _, ok := index[user]; !ok {
			return false
		}
	}
	return true
}

func sortedUsers(index map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(index))
	for user := range index {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Load reads the complete engine state for Engine.Restore.
func (s *MatchingStore) Load() (*matching.Snapshot, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("matching store: not initialised")
	}
	snapshot := &matching.Snapshot{}

	var assets []common.Address
	if err := s.manager.KVGetList(matchingMarketListKey, &assets); err != nil {
		return nil, fmt.Errorf("matching store: load markets: %w", err)
	}
	for _, asset := range assets {
		var stored storedMatchingMarket
		ok, err := s.manager.KVGet(matchingMarketKey(asset), &stored)
		if err != nil {
			return nil, fmt.Errorf("matching store: load market %s: %w", asset.Hex(), err)
		}
		if !ok {
			return nil, fmt.Errorf("matching store: market %s listed but missing", asset.Hex())
		}
		snapshot.Markets = append(snapshot.Markets, stored.toMarket())

		for _, bucket := range matching.Buckets {
			list, err := s.loadList(asset, bucket)
			if err != nil {
				return nil, err
			}
			if len(list.Entries) > 0 {
				snapshot.Lists = append(snapshot.Lists, list)
			}
		}
	}

	var users []common.Address
	if err := s.manager.KVGetList(matchingUserIndexKey, &users); err != nil {
		return nil, fmt.Errorf("matching store: load users: %w", err)
	}
	for _, user := range users {
		var markets []common.Address
		if err := s.manager.KVGetList(matchingMembershipKey(user), &markets); err != nil {
			return nil, fmt.Errorf("matching store: load membership %s: %w", user.Hex(), err)
		}
		if len(markets) == 0 {
			continue
		}
		snapshot.Memberships = append(snapshot.Memberships, matching.MembershipRecord{User: user, Markets: markets})
		for _, asset := range markets {
			var stored storedMatchingPosition
			ok, err := s.manager.KVGet(matchingPositionKey(asset, user), &stored)
			if err != nil {
				return nil, fmt.Errorf("matching store: load position: %w", err)
			}
			if !ok {
				continue
			}
			snapshot.Positions = append(snapshot.Positions, matching.PositionRecord{
				Market:   asset,
				User:     user,
				Position: stored.toPosition(),
			})
		}
	}
	return snapshot, nil
}

func (s *MatchingStore) loadList(asset common.Address, bucket matching.Bucket) (matching.StoredList, error) {
	list := matching.StoredList{Market: asset, Bucket: bucket}
	var head storedMatchingList
	ok, err := s.manager.KVGet(matchingListKey(asset, bucket), &head)
	if err != nil {
		return list, fmt.Errorf("matching store: load list %s %s: %w", asset.Hex(), bucket, err)
	}
	if !ok || !head.HasHead {
		return list, nil
	}
	cur := head.Head
	for uint64(len(list.Entries)) < head.Len {
		var node storedMatchingNode
		ok, err := s.manager.KVGet(matchingNodeKey(asset, bucket, cur), &node)
		if err != nil {
			return list, fmt.Errorf("matching store: load node: %w", err)
		}
		if !ok {
			return list, fmt.Errorf("matching store: list %s %s broken at %s", asset.Hex(), bucket, cur.Hex())
		}
		list.Entries = append(list.Entries, matching.ListEntry{User: cur, Value: nonNegative(node.Value)})
		if !node.HasNext {
			break
		}
		cur = node.Next
	}
	if uint64(len(list.Entries)) != head.Len {
		return list, fmt.Errorf("matching store: list %s %s holds %d entries, expected %d", asset.Hex(), bucket, len(list.Entries), head.Len)
	}
	return list, nil
}
