package common

import (
	"errors"
	"math"
	"sync"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaBudgetExceeded   = errors.New("quota matching budget exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount   uint32
	BudgetUsed uint64
	EpochID    uint64
}

// Quota defines the limits enforced for a module interaction per address.
// Budget is the matching budget requested by the caller, counted in
// counterparty visits.
type Quota struct {
	MaxRequestsPerEpoch uint32 `yaml:"max_requests_per_epoch"`
	MaxBudgetPerEpoch   uint64 `yaml:"max_budget_per_epoch"`
	EpochSeconds        uint32 `yaml:"epoch_seconds"`
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxBudgetPerEpoch > 0
}

// Epoch maps a unix timestamp onto the quota epoch. A zero EpochSeconds uses
// one minute epochs.
func (q Quota) Epoch(unix int64) uint64 {
	seconds := int64(q.EpochSeconds)
	if seconds <= 0 {
		seconds = 60
	}
	if unix < 0 {
		return 0
	}
	return uint64(unix / seconds)
}

// CheckQuota verifies whether the additional request and budget usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addBudget uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addBudget > 0 {
		if next.BudgetUsed > math.MaxUint64-addBudget {
			return prev, ErrQuotaCounterOverflow
		}
		next.BudgetUsed += addBudget
	}
	if q.MaxBudgetPerEpoch > 0 && next.BudgetUsed > q.MaxBudgetPerEpoch {
		return prev, ErrQuotaBudgetExceeded
	}

	return next, nil
}

// QuotaTracker keeps the quota counters of every caller in memory.
type QuotaTracker struct {
	quota Quota
	mu    sync.Mutex
	usage map[string]QuotaNow
}

func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]QuotaNow)}
}

// Charge records one request consuming budget for key at unix time now. A
// denied charge leaves the counters untouched.
func (t *QuotaTracker) Charge(key string, now int64, budget uint64) error {
	if t == nil || !t.quota.Enabled() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, t.quota.Epoch(now), t.usage[key], 1, budget)
	if err != nil {
		return err
	}
	t.usage[key] = next
	return nil
}

// Refund reverses a Charge of budget made in the current epoch. Charges from
// an earlier epoch have already been reset and are left alone.
func (t *QuotaTracker) Refund(key string, now int64, budget uint64) {
	if t == nil || !t.quota.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage, ok := t.usage[key]
	if !ok || usage.EpochID != t.quota.Epoch(now) {
		return
	}
	if usage.ReqCount > 0 {
		usage.ReqCount--
	}
	if usage.BudgetUsed > budget {
		usage.BudgetUsed -= budget
	} else {
		usage.BudgetUsed = 0
	}
	t.usage[key] = usage
}
