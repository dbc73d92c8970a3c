package observability

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ratematch/core/events"
	"ratematch/native/matching"
)

func TestMatchingMetricsLabelErrorCodes(t *testing.T) {
	m := Matching()
	market := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	m.ObserveOperation("supply", market, nil, time.Millisecond)
	m.ObserveOperation("supply", market, matching.ErrNotAMember, time.Millisecond)
	m.ObserveOperation("supply", market, errors.New("pool down"), time.Millisecond)

	label := labelMarket(market)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("supply", label, "ok")); got != 1 {
		t.Fatalf("expected one successful supply, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("supply", label, "not_a_member")); got != 1 {
		t.Fatalf("expected one not_a_member supply, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("supply", label, "internal")); got != 1 {
		t.Fatalf("expected one internal failure, got %v", got)
	}

	m.ObserveMatching("borrow", market, big.NewInt(250), 3)
	m.ObserveMatching("borrow", market, big.NewInt(0), 0)
	if got := testutil.ToFloat64(m.matched.WithLabelValues("borrow", label)); got != 250 {
		t.Fatalf("expected 250 matched, got %v", got)
	}
}

func TestEventMetricsCountEmittedTypes(t *testing.T) {
	reg := Events()
	before := testutil.ToFloat64(reg.emitted.WithLabelValues(events.TypeMatchingDeltaUpdated))
	events.Fanout{reg}.Emit(events.MatchingDeltaUpdated{})
	if got := testutil.ToFloat64(reg.emitted.WithLabelValues(events.TypeMatchingDeltaUpdated)); got != before+1 {
		t.Fatalf("expected counter to grow by one, got %v", got-before)
	}
}

func TestEventMetricsCountJournalDrops(t *testing.T) {
	reg := Events()
	before := testutil.ToFloat64(reg.dropped.WithLabelValues(events.TypeMatchingDeltaUpdated))
	reg.RecordJournalDrop(" " + strings.ToUpper(events.TypeMatchingDeltaUpdated))
	if got := testutil.ToFloat64(reg.dropped.WithLabelValues(events.TypeMatchingDeltaUpdated)); got != before+1 {
		t.Fatalf("expected drop counter to grow by one, got %v", got-before)
	}
}

func TestBigToFloat(t *testing.T) {
	if bigToFloat(nil) != 0 {
		t.Fatalf("expected nil to map to zero")
	}
	if got := bigToFloat(big.NewInt(42)); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}
