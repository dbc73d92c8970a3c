package state

import (
	"math/big"
	"testing"

	"ratematch/storage"
)

type kvRecord struct {
	Name  string
	Value *big.Int
}

func TestManagerKVRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	key := []byte("matching/test/record")

	if ok, err := manager.KVGet(key, new(kvRecord)); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := manager.KVPut(key, &kvRecord{Name: "alpha", Value: big.NewInt(42)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out kvRecord
	ok, err := manager.KVGet(key, &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Name != "alpha" || out.Value.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected record %+v", out)
	}
	if err := manager.KVPut(nil, &out); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestManagerKVGetListDefaultsEmpty(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	var list [][]byte
	if err := manager.KVGetList([]byte("matching/missing"), &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", list)
	}
	if err := manager.KVGetList([]byte("matching/missing"), list); err == nil {
		t.Fatalf("expected non-pointer destination to fail")
	}
}

func TestWriterAppliesBatchAtomically(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	if err := manager.KVPut([]byte("stale"), uint64(1)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	writer := manager.NewWriter()
	if err := writer.Put([]byte("fresh"), uint64(7)); err != nil {
		t.Fatalf("put: %v", err)
	}
	writer.Delete([]byte("stale"))
	if writer.Len() != 2 {
		t.Fatalf("expected two buffered writes, got %d", writer.Len())
	}
	var fresh uint64
	if ok, _ := manager.KVGet([]byte("fresh"), &fresh); ok {
		t.Fatalf("expected buffered write to stay invisible before Write")
	}
	if err := writer.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ok, err := manager.KVGet([]byte("fresh"), &fresh); err != nil || !ok || fresh != 7 {
		t.Fatalf("expected fresh=7, got %d ok=%v err=%v", fresh, ok, err)
	}
	if ok, _ := manager.KVGet([]byte("stale"), nil); ok {
		t.Fatalf("expected stale key to be deleted")
	}
	if err := manager.NewWriter().Write(); err != nil {
		t.Fatalf("empty write: %v", err)
	}
}
