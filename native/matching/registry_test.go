package matching

import (
	"bytes"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(b byte) common.Address {
	var a common.Address
	a[len(a)-1] = b
	return a
}

func listOrder(r *Registry) []common.Address {
	var out []common.Address
	r.Walk(func(user common.Address, _ *big.Int) bool {
		out = append(out, user)
		return true
	})
	return out
}

func expectOrder(t *testing.T, r *Registry, want ...common.Address) {
	t.Helper()
	got := listOrder(r)
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i].Hex(), got[i].Hex())
		}
	}
	if r.Len() != len(want) {
		t.Fatalf("expected Len %d, got %d", len(want), r.Len())
	}
	if len(want) > 0 {
		if tail, _ := r.Tail(); tail != want[len(want)-1] {
			t.Fatalf("expected tail %s, got %s", want[len(want)-1].Hex(), tail.Hex())
		}
	}
}

func TestRegistrySortsDescending(t *testing.T) {
	r := NewRegistry(16)
	for i, v := range []int64{10, 30, 20, 5} {
		if err := r.Insert(addr(byte(i+1)), big.NewInt(v)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	expectOrder(t, r, addr(2), addr(3), addr(1), addr(4))
	if head, ok := r.Head(); !ok || head != addr(2) {
		t.Fatalf("expected head %s, got %s", addr(2).Hex(), head.Hex())
	}
	if next, ok := r.Next(addr(3)); !ok || next != addr(1) {
		t.Fatalf("expected next of 3 to be 1, got %s", next.Hex())
	}
	if _, ok := r.Next(addr(4)); ok {
		t.Fatalf("expected tail to have no successor")
	}
}

func TestRegistryTiesKeepArrivalOrder(t *testing.T) {
	r := NewRegistry(16)
	for i := 1; i <= 3; i++ {
		if err := r.Insert(addr(byte(i)), big.NewInt(10)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	expectOrder(t, r, addr(1), addr(2), addr(3))

	// Touching a balance is a new arrival.
	r.Remove(addr(1))
	if err := r.Insert(addr(1), big.NewInt(10)); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	expectOrder(t, r, addr(2), addr(3), addr(1))
}

func TestRegistryBoundedInsertionFallsBackToTail(t *testing.T) {
	r := NewRegistry(1)
	mustInsert := func(user common.Address, v int64) {
		if err := r.Insert(user, big.NewInt(v)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	mustInsert(addr(1), 10)
	mustInsert(addr(2), 5)
	mustInsert(addr(3), 20)
	expectOrder(t, r, addr(3), addr(1), addr(2))

	// 7 belongs before 5 but lies beyond the hot depth.
	mustInsert(addr(4), 7)
	expectOrder(t, r, addr(3), addr(1), addr(2), addr(4))

	// The head stays exact.
	mustInsert(addr(5), 50)
	if head, _ := r.Head(); head != addr(5) {
		t.Fatalf("expected new maximum at head, got %s", head.Hex())
	}
}

func TestRegistryRemoveHeadPromotesSuccessor(t *testing.T) {
	r := NewRegistry(8)
	_ = r.Insert(addr(1), big.NewInt(3))
	_ = r.Insert(addr(2), big.NewInt(2))
	_ = r.Insert(addr(3), big.NewInt(1))

	if !r.Remove(addr(1)) {
		t.Fatalf("expected head to be removed")
	}
	expectOrder(t, r, addr(2), addr(3))
	if _, ok := r.Prev(addr(2)); ok {
		t.Fatalf("expected promoted head to have no predecessor")
	}
	if r.Remove(addr(1)) {
		t.Fatalf("expected second removal to report false")
	}
	if v := r.ValueOf(addr(1)); v.Sign() != 0 {
		t.Fatalf("expected removed user value 0, got %s", v)
	}

	r.Remove(addr(2))
	r.Remove(addr(3))
	expectOrder(t, r)
	if _, ok := r.Head(); ok {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistryRejectsZeroAndDuplicates(t *testing.T) {
	r := NewRegistry(4)
	if err := r.Insert(addr(1), big.NewInt(0)); err == nil {
		t.Fatalf("expected zero value to be rejected")
	}
	if err := r.Insert(addr(1), big.NewInt(1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.Insert(addr(1), big.NewInt(2)); err == nil {
		t.Fatalf("expected duplicate to be rejected")
	}
}

func TestRegistryInsertAfterRestoresPosition(t *testing.T) {
	r := NewRegistry(8)
	_ = r.Insert(addr(1), big.NewInt(3))
	_ = r.Insert(addr(2), big.NewInt(2))
	_ = r.Insert(addr(3), big.NewInt(1))

	prev, _ := r.Prev(addr(2))
	value := r.ValueOf(addr(2))
	r.Remove(addr(2))
	if err := r.insertAfter(&prev, addr(2), value); err != nil {
		t.Fatalf("insertAfter: %v", err)
	}
	expectOrder(t, r, addr(1), addr(2), addr(3))

	r.Remove(addr(1))
	if err := r.insertAfter(nil, addr(1), big.NewInt(3)); err != nil {
		t.Fatalf("insertAfter head: %v", err)
	}
	expectOrder(t, r, addr(1), addr(2), addr(3))

	missing := addr(9)
	if err := r.insertAfter(&missing, addr(4), big.NewInt(1)); err == nil {
		t.Fatalf("expected unknown anchor to fail")
	}
}

func TestRegistryReusesFreedSlots(t *testing.T) {
	r := NewRegistry(4)
	_ = r.Insert(addr(1), big.NewInt(1))
	_ = r.Insert(addr(2), big.NewInt(2))
	r.Remove(addr(1))
	_ = r.Insert(addr(3), big.NewInt(3))
	if len(r.nodes) != 2 {
		t.Fatalf("expected freed slot to be reused, arena holds %d nodes", len(r.nodes))
	}
	expectOrder(t, r, addr(3), addr(2))
}

func TestListRemoveRevertLogsFailedRestore(t *testing.T) {
	var out bytes.Buffer
	e := NewEngine(nil, nil, Config{})
	e.SetLogger(slog.New(slog.NewTextHandler(&out, nil)))
	market := addr(0xaa)
	regs := &[bucketCount]*Registry{}
	for i := range regs {
		regs[i] = NewRegistry(0)
	}
	e.registries[market] = regs

	missing := addr(9)
	listRemove{market: market, bucket: SuppliersOnPool, user: addr(1), value: big.NewInt(5), prev: &missing}.revert(e)
	if !strings.Contains(out.String(), "matching registry restore failed") {
		t.Fatalf("expected restore failure to be logged, got %q", out.String())
	}
	if regs[SuppliersOnPool].Contains(addr(1)) {
		t.Fatalf("user listed despite unknown anchor")
	}

	out.Reset()
	listRemove{market: market, bucket: SuppliersOnPool, user: addr(1), value: big.NewInt(5)}.revert(e)
	if out.Len() != 0 {
		t.Fatalf("unexpected log output: %q", out.String())
	}
	expectOrder(t, regs[SuppliersOnPool], addr(1))
}
