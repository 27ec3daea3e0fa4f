package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the pricing pipeline. Callers match them with
// errors.Is; concrete errors wrap one of these sentinels.
var (
	// ErrInvalidInput marks bad tickers, expiries or configuration values.
	// Never retried; surfaced immediately.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamUnavailable marks a provider failure that survived the
	// local retry budget.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrDegenerateContract marks a contract whose pricing is undefined
	// (zero volatility, no market price). Skipped, never fatal to a run.
	ErrDegenerateContract = errors.New("degenerate contract")

	// ErrPersistenceFailure marks a failed batch write. The whole run is
	// reported failed; no partial commit.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrTimeout marks a run that exceeded its deadline. Reported
	// distinctly from ErrUpstreamUnavailable so callers can tell a slow
	// provider from a down one.
	ErrTimeout = errors.New("run timed out")
)

// InvalidExpiryError reports a requested expiry the provider does not list.
type InvalidExpiryError struct {
	Ticker    string
	Expiry    string
	Available []string
}

func (e *InvalidExpiryError) Error() string {
	return fmt.Sprintf("expiry %s not available for %s (available: %s)",
		e.Expiry, e.Ticker, strings.Join(e.Available, ", "))
}

func (e *InvalidExpiryError) Unwrap() error { return ErrInvalidInput }
