package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/site-enrich/internal/model"
)

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Provider   string
	Kind       model.FailureKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable provider failure.
func Transient(provider string, err error, statusCode int) *ProviderError {
	return &ProviderError{Provider: provider, Kind: model.FailureTransient, StatusCode: statusCode, Err: err}
}

// Permanent wraps err as a provider failure that a retry will not fix.
func Permanent(provider string, err error, statusCode int) *ProviderError {
	return &ProviderError{Provider: provider, Kind: model.FailurePermanent, StatusCode: statusCode, Err: err}
}

// Timeout wraps err as a call that ran past its deadline.
func Timeout(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: model.FailureTimeout, Err: err}
}

// ErrThrottled is the cause of every call rejected by emergency mode.
var ErrThrottled = errors.New("metered provider throttled by emergency cost mode")

// ErrCircuitOpen is the cause of calls rejected by an open provider circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrBudgetExceeded is the cause of calls rejected by the per-application budget.
var ErrBudgetExceeded = errors.New("application API call budget exceeded")

// Throttled builds the failure returned instead of a metered live call.
func Throttled(provider string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: model.FailureThrottled, Err: ErrThrottled}
}

// BudgetExceeded builds the failure returned when an application is over budget.
func BudgetExceeded(provider string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: model.FailureBudget, Err: ErrBudgetExceeded}
}

// FromHTTPStatus classifies a non-2xx response.
func FromHTTPStatus(provider string, statusCode int, body string) *ProviderError {
	if len(body) > 200 {
		body = body[:200]
	}
	err := fmt.Errorf("unexpected status %d: %s", statusCode, strings.TrimSpace(body))
	if IsTransientHTTPStatus(statusCode) {
		return Transient(provider, err, statusCode)
	}
	return Permanent(provider, err, statusCode)
}

// Classify maps any error from a provider call to a failure kind.
func Classify(err error) model.FailureKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	if IsTransient(err) {
		return model.FailureTransient
	}
	return model.FailurePermanent
}

// IsRetryable reports whether a failure may succeed on a later call.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case model.FailureTransient, model.FailureTimeout:
		return true
	default:
		return false
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// transient ProviderError, or matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == model.FailureTransient || pe.Kind == model.FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
