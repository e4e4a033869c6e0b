package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the execution engine. Callers classify failures with
// errors.Is rather than string matching.
var (
	// ErrInvalidConfiguration is fatal to a run and never retried
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAlreadyRunning is returned when a strategy already has an
	// in-flight execution. The caller may retry later.
	ErrAlreadyRunning = errors.New("strategy execution already running")

	// ErrDataUnavailable marks a transient data failure. It causes the
	// affected rule to abstain or candidate to be skipped, never a crash.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrExecutionTimeout finalizes an execution as failed
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrExecutionStopped marks a cooperative cancellation
	ErrExecutionStopped = errors.New("execution stopped")

	// ErrLedgerViolation marks a decision the ledger cannot honor.
	// The decision is downgraded with a logged reason, never half-applied.
	ErrLedgerViolation = errors.New("ledger violation")
)

// FetchErrorKind classifies data provider failures
type FetchErrorKind string

const (
	FetchNotFound               FetchErrorKind = "not_found"
	FetchRateLimited            FetchErrorKind = "rate_limited"
	FetchProviderError          FetchErrorKind = "provider_error"
	FetchEndpointNotImplemented FetchErrorKind = "endpoint_not_implemented"
)

// FetchError is the uniform error returned by data providers.
// Raw provider errors never escape the fetch layer.
type FetchError struct {
	Kind     FetchErrorKind
	Endpoint string
	Symbol   string
	Err      error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s failed (%s)", e.Endpoint, e.Kind)
	if e.Symbol != "" {
		msg = fmt.Sprintf("fetch %s for %s failed (%s)", e.Endpoint, e.Symbol, e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying provider error
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the fetch layer may retry this failure.
// Only transient provider failures are retried; 4xx-class errors are not.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchProviderError
}

// NewFetchError creates a FetchError with the given classification
func NewFetchError(kind FetchErrorKind, endpoint, symbol string, err error) *FetchError {
	return &FetchError{Kind: kind, Endpoint: endpoint, Symbol: symbol, Err: err}
}

// AsFetchError extracts a *FetchError from an error chain, if present
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
