package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/state"
)

var testBackoff = BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2.0, MaxDelayMS: 1000, Jitter: false}

func TestClassifyCancellation(t *testing.T) {
	dec := Classify(context.Canceled, NodeResearch, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionCancel {
		t.Fatalf("action = %q, want cancel", dec.Action)
	}
	wrapped := fmt.Errorf("search: %w", context.Canceled)
	if dec := Classify(wrapped, NodeResearch, 0, 3, testBackoff, "run-x"); dec.Action != ActionCancel {
		t.Fatalf("wrapped cancellation action = %q, want cancel", dec.Action)
	}
}

func TestClassifyInvariantViolationAborts(t *testing.T) {
	err := &state.ViolatedInvariant{Field: "outline", Detail: "dup"}
	dec := Classify(err, NodeResearch, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionAbort || dec.Kind != gateway.KindInvariantViolation {
		t.Fatalf("decision = %+v, want abort/invariant_violation", dec)
	}
}

func TestClassifyConfigurationAborts(t *testing.T) {
	err := &gateway.ConfigurationError{Message: "missing key"}
	dec := Classify(err, NodePlan, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionAbort || dec.Kind != gateway.KindConfiguration {
		t.Fatalf("decision = %+v, want abort/configuration", dec)
	}
}

func TestClassifyTransientRetriesThenSkips(t *testing.T) {
	err := gateway.NewSearchUnavailable("search", "503")

	dec := Classify(err, NodeResearch, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionRetry {
		t.Fatalf("attempt 0: action = %q, want retry", dec.Action)
	}
	if dec.Delay != 100*time.Millisecond {
		t.Fatalf("attempt 0: delay = %v, want 100ms", dec.Delay)
	}

	dec = Classify(err, NodeResearch, 1, 3, testBackoff, "run-x")
	if dec.Action != ActionRetry || dec.Delay != 200*time.Millisecond {
		t.Fatalf("attempt 1: decision = %+v, want retry/200ms", dec)
	}

	// Third consecutive failure: three attempts spent, the cap of three
	// is reached. Section-scoped node: skip, not abort.
	dec = Classify(err, NodeResearch, 2, 3, testBackoff, "run-x")
	if dec.Action != ActionSkipSection || dec.Kind != gateway.KindSearchUnavailable {
		t.Fatalf("exhausted: decision = %+v, want skip_section", dec)
	}
}

func TestClassifyRetryCapCountsInitialAttempt(t *testing.T) {
	err := gateway.NewProviderTimeout("generate", "deadline")

	// maxRetries=1: the failed first attempt already spent the whole
	// budget, no retry is granted.
	if dec := Classify(err, NodeWrite, 0, 1, testBackoff, "run-x"); dec.Action != ActionSkipSection {
		t.Fatalf("maxRetries=1 attempt 0: action = %q, want skip_section", dec.Action)
	}

	// maxRetries=2: exactly one retry after the first failure.
	if dec := Classify(err, NodeWrite, 0, 2, testBackoff, "run-x"); dec.Action != ActionRetry {
		t.Fatalf("maxRetries=2 attempt 0: action = %q, want retry", dec.Action)
	}
	if dec := Classify(err, NodeWrite, 1, 2, testBackoff, "run-x"); dec.Action != ActionSkipSection {
		t.Fatalf("maxRetries=2 attempt 1: action = %q, want skip_section", dec.Action)
	}
}

func TestClassifyTransientExhaustedOnPlanAborts(t *testing.T) {
	err := gateway.NewProviderTimeout("generate", "deadline")
	dec := Classify(err, NodePlan, 2, 3, testBackoff, "run-x")
	if dec.Action != ActionAbort {
		t.Fatalf("action = %q, want abort (plan is not section-scoped)", dec.Action)
	}
}

func TestClassifyRetryAfterOverridesShorterBackoff(t *testing.T) {
	ra := 5 * time.Second
	err := gateway.NewProviderRateLimited("generate", "429", &ra)
	dec := Classify(err, NodeWrite, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionRetry || dec.Delay != ra {
		t.Fatalf("decision = %+v, want retry with 5s", dec)
	}
}

func TestClassifyNonRetryableProviderErrorAborts(t *testing.T) {
	err := gateway.NewProviderFailed("generate", "status 401: bad key", false)
	dec := Classify(err, NodeWrite, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionAbort || dec.Kind != gateway.KindProviderError {
		t.Fatalf("decision = %+v, want abort/provider_error", dec)
	}
}

func TestClassifyMalformedOutput(t *testing.T) {
	err := &gateway.MalformedOutputError{Stage: "review", Detail: "bad json"}
	if dec := Classify(err, NodeReview, 0, 3, testBackoff, "run-x"); dec.Action != ActionSkipSection {
		t.Fatalf("section node: action = %q, want skip_section", dec.Action)
	}
	if dec := Classify(err, NodePlan, 0, 3, testBackoff, "run-x"); dec.Action != ActionAbort {
		t.Fatalf("plan node: action = %q, want abort", dec.Action)
	}
}

func TestClassifyUnknownErrorAborts(t *testing.T) {
	dec := Classify(errors.New("something odd"), NodeWrite, 0, 3, testBackoff, "run-x")
	if dec.Action != ActionAbort {
		t.Fatalf("action = %q, want abort", dec.Action)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := gateway.NewProviderTimeout("generate", "deadline")
	a := Classify(err, NodeWrite, 1, 3, testBackoff, "run-x")
	b := Classify(err, NodeWrite, 1, 3, testBackoff, "run-x")
	if a != b {
		t.Fatalf("same inputs classified differently: %+v vs %+v", a, b)
	}
}
