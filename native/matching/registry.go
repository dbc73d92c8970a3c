package matching

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errRegistryDuplicate = errors.New("matching registry: user already listed")
	errRegistryZeroValue = errors.New("matching registry: value must be positive")
	errRegistryUnknown   = errors.New("matching registry: anchor not listed")
)

const nilSlot int32 = -1

type registryNode struct {
	user  common.Address
	value *big.Int
	prev  int32
	next  int32
}

// Registry is a balance ordered list of users backed by a flat node arena.
//
// Insertion walks at most maxIterations entries from the head looking for the
// first strictly smaller value and falls back to appending at the tail, so the
// order is exact within the hot depth and best effort beyond it. Equal values
// keep arrival order.
type Registry struct {
	nodes         []registryNode
	free          []int32
	slots         map[common.Address]int32
	head          int32
	tail          int32
	maxIterations uint64
}

// NewRegistry constructs an empty registry sorting up to maxIterations deep.
func NewRegistry(maxIterations uint64) *Registry {
	return &Registry{
		slots:         make(map[common.Address]int32),
		head:          nilSlot,
		tail:          nilSlot,
		maxIterations: maxIterations,
	}
}

// SetMaxIterations updates the hot depth used by subsequent insertions.
func (r *Registry) SetMaxIterations(n uint64) { r.maxIterations = n }

// MaxIterations returns the configured hot depth.
func (r *Registry) MaxIterations() uint64 { return r.maxIterations }

// Len returns the number of listed users.
func (r *Registry) Len() int { return len(r.slots) }

// Head returns the user with the largest value.
func (r *Registry) Head() (common.Address, bool) {
	if r.head == nilSlot {
		return common.Address{}, false
	}
	return r.nodes[r.head].user, true
}

// Tail returns the last listed user.
func (r *Registry) Tail() (common.Address, bool) {
	if r.tail == nilSlot {
		return common.Address{}, false
	}
	return r.nodes[r.tail].user, true
}

// Next returns the user listed after the provided one.
func (r *Registry) Next(user common.Address) (common.Address, bool) {
	slot, ok := r.slots[user]
	if !ok {
		return common.Address{}, false
	}
	next := r.nodes[slot].next
	if next == nilSlot {
		return common.Address{}, false
	}
	return r.nodes[next].user, true
}

// Prev returns the user listed before the provided one.
func (r *Registry) Prev(user common.Address) (common.Address, bool) {
	slot, ok := r.slots[user]
	if !ok {
		return common.Address{}, false
	}
	prev := r.nodes[slot].prev
	if prev == nilSlot {
		return common.Address{}, false
	}
	return r.nodes[prev].user, true
}

// Contains reports whether the user is listed.
func (r *Registry) Contains(user common.Address) bool {
	_, ok := r.slots[user]
	return ok
}

// ValueOf returns the listed value of a user, or zero when absent.
func (r *Registry) ValueOf(user common.Address) *big.Int {
	slot, ok := r.slots[user]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(r.nodes[slot].value)
}

// Walk visits users from the head until fn returns false.
func (r *Registry) Walk(fn func(user common.Address, value *big.Int) bool) {
	for slot := r.head; slot != nilSlot; slot = r.nodes[slot].next {
		node := r.nodes[slot]
		if !fn(node.user, new(big.Int).Set(node.value)) {
			return
		}
	}
}

// Insert lists a user with a strictly positive value.
func (r *Registry) Insert(user common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return errRegistryZeroValue
	}
	if _, ok := r.slots[user]; ok {
		return errRegistryDuplicate
	}

	cursor := r.head
	var iterations uint64
	for iterations < r.maxIterations && cursor != nilSlot && r.nodes[cursor].value.Cmp(value) >= 0 {
		cursor = r.nodes[cursor].next
		iterations++
	}

	slot := r.alloc(user, value)
	if cursor != nilSlot && r.nodes[cursor].value.Cmp(value) < 0 {
		r.linkBefore(slot, cursor)
	} else {
		r.linkAfter(slot, r.tail)
	}
	return nil
}

// Remove unlists a user. It reports false when the user was not listed.
func (r *Registry) Remove(user common.Address) bool {
	slot, ok := r.slots[user]
	if !ok {
		return false
	}
	node := r.nodes[slot]
	if node.prev != nilSlot {
		r.nodes[node.prev].next = node.next
	} else {
		r.head = node.next
	}
	if node.next != nilSlot {
		r.nodes[node.next].prev = node.prev
	} else {
		r.tail = node.prev
	}
	delete(r.slots, user)
	r.nodes[slot] = registryNode{prev: nilSlot, next: nilSlot}
	r.free = append(r.free, slot)
	return true
}

// insertAfter lists a user directly after anchor, or at the head when anchor
// is nil. It restores exact positions when a removal is reverted and when a
// persisted list is reloaded.
func (r *Registry) insertAfter(anchor *common.Address, user common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return errRegistryZeroValue
	}
	if _, ok := r.slots[user]; ok {
		return errRegistryDuplicate
	}
	prev := nilSlot
	if anchor != nil {
		s, ok := r.slots[*anchor]
		if !ok {
			return errRegistryUnknown
		}
		prev = s
	}
	slot := r.alloc(user, value)
	r.linkAfter(slot, prev)
	return nil
}

func (r *Registry) alloc(user common.Address, value *big.Int) int32 {
	node := registryNode{user: user, value: new(big.Int).Set(value), prev: nilSlot, next: nilSlot}
	var slot int32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.nodes[slot] = node
	} else {
		slot = int32(len(r.nodes))
		r.nodes = append(r.nodes, node)
	}
	r.slots[user] = slot
	return slot
}

// linkBefore places slot immediately before cursor, which must be listed.
func (r *Registry) linkBefore(slot, cursor int32) {
	prev := r.nodes[cursor].prev
	r.nodes[slot].prev = prev
	r.nodes[slot].next = cursor
	r.nodes[cursor].prev = slot
	if prev == nilSlot {
		r.head = slot
	} else {
		r.nodes[prev].next = slot
	}
}

// linkAfter places slot immediately after prev, or at the head when prev is
// nilSlot.
func (r *Registry) linkAfter(slot, prev int32) {
	var next int32
	if prev == nilSlot {
		next = r.head
		r.head = slot
	} else {
		next = r.nodes[prev].next
		r.nodes[prev].next = slot
	}
	r.nodes[slot].prev = prev
	r.nodes[slot].next = next
	if next == nilSlot {
		r.tail = slot
	} else {
		r.nodes[next].prev = slot
	}
}
