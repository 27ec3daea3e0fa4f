package fetcher

import (
	"context"
	"time"

	"optionflow/models"
)

// QuoteFetcher retrieves the option chain for a (ticker, expiry) pair from
// the market-data provider. An empty expiry means the provider's nearest
// available expiry. A valid ticker with no contracts yields an empty slice,
// not an error. All quotes in one fetch share the same observation
// timestamp, stamped by the fetcher.
type QuoteFetcher interface {
	Fetch(ctx context.Context, ticker, expiry string) ([]models.OptionContractQuote, error)
}

// RetryPolicy is a bounded exponential backoff: delays start at BaseDelay,
// grow by Multiplier per attempt and never exceed MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Delay returns the backoff before the given retry. attempt is 1-based:
// Delay(1) is the pause after the first failure.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// sleep waits for d or until the context is cancelled. Tests inject a fake
// to keep backoff behaviour observable without real waiting.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
