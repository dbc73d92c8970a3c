package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaBudget(t *testing.T) {
	q := Quota{MaxBudgetPerEpoch: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.BudgetUsed != 1000 {
		t.Fatalf("unexpected budget used: %d", next.BudgetUsed)
	}

	denied, err := CheckQuota(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaBudgetExceeded) {
		t.Fatalf("expected ErrQuotaBudgetExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.BudgetUsed != 500 {
		t.Fatalf("unexpected budget used after rollover: %d", rollover.BudgetUsed)
	}
}

func TestQuotaTrackerCharges(t *testing.T) {
	tracker := NewQuotaTracker(Quota{MaxRequestsPerEpoch: 2, MaxBudgetPerEpoch: 10, EpochSeconds: 30})
	if err := tracker.Charge("alice", 0, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tracker.Charge("alice", 10, 3); !errors.Is(err, ErrQuotaBudgetExceeded) {
		t.Fatalf("expected ErrQuotaBudgetExceeded, got %v", err)
	}
	if err := tracker.Charge("bob", 10, 3); err != nil {
		t.Fatalf("callers must be tracked separately: %v", err)
	}
	if err := tracker.Charge("alice", 20, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tracker.Charge("alice", 25, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if err := tracker.Charge("alice", 30, 10); err != nil {
		t.Fatalf("expected a new epoch to reset counters: %v", err)
	}

	var disabled *QuotaTracker
	if err := disabled.Charge("alice", 0, 1_000); err != nil {
		t.Fatalf("nil tracker must not limit: %v", err)
	}
}

func TestQuotaTrackerRefundsCurrentEpoch(t *testing.T) {
	tracker := NewQuotaTracker(Quota{MaxRequestsPerEpoch: 1, MaxBudgetPerEpoch: 10, EpochSeconds: 30})
	if err := tracker.Charge("alice", 0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tracker.Refund("alice", 5, 10)
	if err := tracker.Charge("alice", 10, 10); err != nil {
		t.Fatalf("refunded charge must free the quota: %v", err)
	}

	// A refund after rollover must not eat into the new epoch.
	tracker.Refund("alice", 40, 10)
	if err := tracker.Charge("alice", 45, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tracker.Refund("alice", 70, 10)
	if err := tracker.Charge("alice", 75, 1); err != nil {
		t.Fatalf("unexpected error in fresh epoch: %v", err)
	}

	var disabled *QuotaTracker
	disabled.Refund("alice", 0, 1)
}
