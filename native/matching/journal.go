package matching

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/core/events"
)

// journalEntry is a modification of engine state that can be reverted.
type journalEntry interface {
	revert(e *Engine)
}

// journal records the undo entries of the transaction in flight.
type journal struct {
	entries []journalEntry
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

// revert undoes every entry in reverse order.
func (j *journal) revert(e *Engine) {
	for i := len(j.entries) - 1; i >= 0; i-- {
		j.entries[i].revert(e)
	}
	j.entries = j.entries[:0]
}

func (j *journal) length() int { return len(j.entries) }

type (
	marketChange struct {
		asset common.Address
		prev  *Market
	}
	marketCreate struct {
		asset common.Address
	}
	positionChange struct {
		key  positionKey
		prev *Position
	}
	listInsert struct {
		market common.Address
		bucket Bucket
		user   common.Address
	}
	listRemove struct {
		market common.Address
		bucket Bucket
		user   common.Address
		value  *big.Int
		prev   *common.Address
	}
	membershipChange struct {
		user common.Address
		prev []common.Address
	}
)

func (ch marketChange) revert(e *Engine) {
	e.markets[ch.asset] = ch.prev
}

func (ch marketCreate) revert(e *Engine) {
	delete(e.markets, ch.asset)
	delete(e.registries, ch.asset)
	for i, asset := range e.marketOrder {
		if asset == ch.asset {
			e.marketOrder = append(e.marketOrder[:i], e.marketOrder[i+1:]...)
			break
		}
	}
}

func (ch positionChange) revert(e *Engine) {
	if ch.prev == nil {
		delete(e.positions, ch.key)
		return
	}
	e.positions[ch.key] = ch.prev
}

func (ch listInsert) revert(e *Engine) {
	if reg := e.registry(ch.market, ch.bucket); reg != nil {
		reg.Remove(ch.user)
	}
}

func (ch listRemove) revert(e *Engine) {
	if reg := e.registry(ch.market, ch.bucket); reg != nil {
		if err := reg.insertAfter(ch.prev, ch.user, ch.value); err != nil {
			e.logger.Error("matching registry restore failed",
				"market", ch.market.Hex(), "bucket", ch.bucket.String(), "user", ch.user.Hex(), "error", err)
		}
	}
}

func (ch membershipChange) revert(e *Engine) {
	if len(ch.prev) == 0 {
		delete(e.memberships, ch.user)
		return
	}
	e.memberships[ch.user] = ch.prev
}

type listKey struct {
	market common.Address
	bucket Bucket
}

// txn is the state of one engine operation: its journal, the notifications
// held back until commit and the entities it dirtied.
type txn struct {
	id      string
	journal journal
	events  []events.Event

	markets     map[common.Address]struct{}
	positions   map[positionKey]struct{}
	lists       map[listKey]map[common.Address]struct{}
	memberships map[common.Address]struct{}

	snapshot    int
	hasSnapshot bool
}

func newTxn(id string) *txn {
	return &txn{
		id:          id,
		markets:     make(map[common.Address]struct{}),
		positions:   make(map[positionKey]struct{}),
		lists:       make(map[listKey]map[common.Address]struct{}),
		memberships: make(map[common.Address]struct{}),
	}
}

func (tx *txn) emit(evt events.Event) {
	tx.events = append(tx.events, evt)
}

func (tx *txn) touchList(market common.Address, bucket Bucket, users ...common.Address) {
	key := listKey{market: market, bucket: bucket}
	set, ok := tx.lists[key]
	if !ok {
		set = make(map[common.Address]struct{})
		tx.lists[key] = set
	}
	for _, user := range users {
		set[user] = struct{}{}
	}
}

// touchMarket journals the market before its first in-place change.
func (e *Engine) touchMarket(tx *txn, m *Market) {
	if _, ok := tx.markets[m.Asset]; ok {
		return
	}
	tx.markets[m.Asset] = struct{}{}
	tx.journal.append(marketChange{asset: m.Asset, prev: m.Clone()})
}

// touchPosition journals and returns the position of a user, creating an
// empty one when absent.
func (e *Engine) touchPosition(tx *txn, market, user common.Address) *Position {
	key := positionKey{market: market, user: user}
	pos, ok := e.positions[key]
	if _, dirty := tx.positions[key]; !dirty {
		tx.positions[key] = struct{}{}
		tx.journal.append(positionChange{key: key, prev: pos.Clone()})
	}
	if !ok {
		pos = newPosition()
		e.positions[key] = pos
	}
	return pos
}

// setListed moves a user to value in a registry bucket, removing the entry
// when value is zero.
func (e *Engine) setListed(tx *txn, market common.Address, bucket Bucket, user common.Address, value *big.Int) {
	reg := e.registry(market, bucket)
	if reg == nil {
		return
	}
	if reg.Contains(user) {
		entry := listRemove{market: market, bucket: bucket, user: user, value: reg.ValueOf(user)}
		if prev, ok := reg.Prev(user); ok {
			entry.prev = &prev
			tx.touchList(market, bucket, prev)
		}
		if next, ok := reg.Next(user); ok {
			tx.touchList(market, bucket, next)
		}
		reg.Remove(user)
		tx.journal.append(entry)
		tx.touchList(market, bucket, user)
	}
	if value == nil || value.Sign() <= 0 {
		return
	}
	if err := reg.Insert(user, value); err != nil {
		return
	}
	tx.journal.append(listInsert{market: market, bucket: bucket, user: user})
	tx.touchList(market, bucket, user)
	if prev, ok := reg.Prev(user); ok {
		tx.touchList(market, bucket, prev)
	}
	if next, ok := reg.Next(user); ok {
		tx.touchList(market, bucket, next)
	}
}

// syncMembership enters or leaves the market for the user according to its
// current position.
func (e *Engine) syncMembership(tx *txn, market, user common.Address) {
	current := e.memberships[user]
	idx := -1
	for i, asset := range current {
		if asset == market {
			idx = i
			break
		}
	}
	pos := e.positions[positionKey{market: market, user: user}]
	member := !pos.IsZero()
	if member == (idx >= 0) {
		return
	}
	prev := append([]common.Address(nil), current...)
	tx.journal.append(membershipChange{user: user, prev: prev})
	tx.memberships[user] = struct{}{}
	if member {
		e.memberships[user] = append(append([]common.Address(nil), current...), market)
		return
	}
	next := append(append([]common.Address(nil), current[:idx]...), current[idx+1:]...)
	if len(next) == 0 {
		delete(e.memberships, user)
		return
	}
	e.memberships[user] = next
}

// changeSet collects the entities dirtied by tx in deterministic order.
func (e *Engine) changeSet(tx *txn) *ChangeSet {
	changes := &ChangeSet{}
	for _, asset := range sortedAddresses(tx.markets) {
		if m, ok := e.markets[asset]; ok {
			changes.Markets = append(changes.Markets, m.Clone())
		}
	}

	keys := make([]positionKey, 0, len(tx.positions))
	for key := range tx.positions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].market[:], keys[j].market[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(keys[i].user[:], keys[j].user[:]) < 0
	})
	for _, key := range keys {
		pos := e.positions[key]
		if pos == nil {
			pos = newPosition()
		}
		changes.Positions = append(changes.Positions, PositionRecord{Market: key.market, User: key.user, Position: pos.Clone()})
	}

	lists := make([]listKey, 0, len(tx.lists))
	for key := range tx.lists {
		lists = append(lists, key)
	}
	sort.Slice(lists, func(i, j int) bool {
		if c := bytes.Compare(lists[i].market[:], lists[j].market[:]); c != 0 {
			return c < 0
		}
		return lists[i].bucket < lists[j].bucket
	})
	for _, key := range lists {
		reg := e.registry(key.market, key.bucket)
		if reg == nil {
			continue
		}
		record := ListRecord{Market: key.market, Bucket: key.bucket, Len: uint64(reg.Len())}
		record.Head, record.HasHead = reg.Head()
		for _, user := range sortedAddresses(tx.lists[key]) {
			node := NodeRecord{User: user, Listed: reg.Contains(user)}
			if node.Listed {
				node.Value = reg.ValueOf(user)
				node.Prev, node.HasPrev = reg.Prev(user)
				node.Next, node.HasNext = reg.Next(user)
			}
			record.Nodes = append(record.Nodes, node)
		}
		changes.Lists = append(changes.Lists, record)
	}

	for _, user := range sortedAddresses(tx.memberships) {
		changes.Memberships = append(changes.Memberships, MembershipRecord{
			User:    user,
			Markets: append([]common.Address(nil), e.memberships[user]...),
		})
	}
	return changes
}

func sortedAddresses(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func newPosition() *Position {
	return &Position{
		Supply: Balance{OnPool: big.NewInt(0), InP2P: big.NewInt(0)},
		Borrow: Balance{OnPool: big.NewInt(0), InP2P: big.NewInt(0)},
	}
}
