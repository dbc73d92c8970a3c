package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,broken, =skip,x-team=rates")
	if len(headers) != 2 {
		t.Fatalf("expected two headers, got %v", headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["x-team"] != "rates" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
}

func TestInitWithoutExportersInstallsPropagator(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "matchingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerHonoursRatio(t *testing.T) {
	always := sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()
	for _, ratio := range []float64{0, 1, 2} {
		if got := sampler(ratio).Description(); got != always {
			t.Fatalf("ratio %v: expected always-on sampler, got %s", ratio, got)
		}
	}
	if got := sampler(0.25).Description(); got == always {
		t.Fatalf("expected ratio sampler, got %s", got)
	}
}
