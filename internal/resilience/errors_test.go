package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/sells-group/site-enrich/internal/model"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := Transient("flood", errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected transient provider error to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	wrapped := fmt.Errorf("fetch overlay: %w", Transient("traffic", errors.New("rate limited"), 429))
	if !IsTransient(wrapped) {
		t.Error("expected wrapped transient error to be transient")
	}
}

func TestIsTransient_PermanentProviderError(t *testing.T) {
	if IsTransient(Permanent("soil", errors.New("bad request"), 400)) {
		t.Error("permanent provider error should not be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("expected ECONNRESET to be transient")
	}
}

func TestIsTransient_NetTimeout(t *testing.T) {
	err := &net.DNSError{Err: "timeout", IsTimeout: true}
	if !IsTransient(err) {
		t.Error("expected net timeout to be transient")
	}
}

func TestIsTransient_StringPattern(t *testing.T) {
	if !IsTransient(errors.New("read: connection reset by peer")) {
		t.Error("expected string pattern match to be transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false}, {400, false}, {404, false},
		{408, true}, {429, true}, {500, true}, {502, true}, {503, true}, {504, true},
	}
	for _, tt := range tests {
		if got := IsTransientHTTPStatus(tt.code); got != tt.want {
			t.Errorf("IsTransientHTTPStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	if got := FromHTTPStatus("epa", 503, "busy").Kind; got != model.FailureTransient {
		t.Errorf("503 kind = %s, want transient", got)
	}
	pe := FromHTTPStatus("epa", 404, "no layer")
	if pe.Kind != model.FailurePermanent {
		t.Errorf("404 kind = %s, want permanent", pe.Kind)
	}
	if pe.StatusCode != 404 {
		t.Errorf("status = %d, want 404", pe.StatusCode)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.FailureKind
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), model.FailureTimeout},
		{"throttled", Throttled("places"), model.FailureThrottled},
		{"budget", BudgetExceeded("places"), model.FailureBudget},
		{"network", errors.New("dial tcp: i/o timeout"), model.FailureTransient},
		{"decode", errors.New("invalid character '<'"), model.FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("timeouts should be retryable")
	}
	if IsRetryable(Throttled("places")) {
		t.Error("throttled calls should not be retryable")
	}
	if !errors.Is(Throttled("places"), ErrThrottled) {
		t.Error("throttled error should wrap ErrThrottled")
	}
}
