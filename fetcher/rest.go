package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// RESTFetcher pulls option chains from the provider's REST API.
type RESTFetcher struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     RetryPolicy
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	log        *logger.Log
}

// NewRESTFetcher builds a fetcher with a pooled HTTP transport and a
// client-side rate limiter sized from configuration.
func NewRESTFetcher(cfg config.ProviderConfig) *RESTFetcher {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst < 1 {
		burst = 1
	}

	f := &RESTFetcher{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		policy: RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.BackoffMultiplier,
		},
		sleep: sleep,
		now:   time.Now,
		log:   log,
	}

	log.WithComponent("rest_fetcher").WithFields(logger.Fields{
		"base_url":           cfg.BaseURL,
		"timeout":            cfg.Timeout,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"retry_attempts":     f.policy.MaxAttempts,
	}).Info("rest fetcher initialized")

	return f
}

type chainResponse struct {
	Ticker    string            `json:"ticker"`
	Expiry    string            `json:"expiry_date"`
	SpotPrice float64           `json:"spot_price"`
	Contracts []contractPayload `json:"contracts"`
}

type contractPayload struct {
	Strike            float64 `json:"strike"`
	OptionType        string  `json:"option_type"`
	Bid               float64 `json:"bid"`
	Ask               float64 `json:"ask"`
	LastPrice         float64 `json:"last_price"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	OpenInterest      int64   `json:"open_interest"`
}

type expirationsResponse struct {
	Expirations []string `json:"expirations"`
}

// Fetch retrieves the chain for ticker at expiry. The requested expiry must
// be one of the provider's available expiries; an empty expiry selects the
// nearest one. Transient provider errors are retried with exponential
// backoff before surfacing as upstream-unavailable.
func (f *RESTFetcher) Fetch(ctx context.Context, ticker, expiry string) ([]models.OptionContractQuote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required: %w", models.ErrInvalidInput)
	}
	expiry = strings.TrimSpace(expiry)
	if expiry != "" {
		if _, err := models.ParseExpiry(expiry); err != nil {
			return nil, err
		}
	}

	log := f.log.WithComponent("rest_fetcher").WithFields(logger.Fields{
		"ticker": ticker,
		"expiry": expiry,
	})

	expirations, err := f.fetchExpirations(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if expiry == "" {
		if len(expirations) == 0 {
			log.Debug("provider lists no expirations")
			return []models.OptionContractQuote{}, nil
		}
		expiry = expirations[0]
		log = log.WithFields(logger.Fields{"resolved_expiry": expiry})
	} else if !contains(expirations, expiry) {
		return nil, &models.InvalidExpiryError{Ticker: ticker, Expiry: expiry, Available: expirations}
	}

	endpoint := fmt.Sprintf("%s/v1/options/%s/chain?expiry=%s",
		strings.TrimRight(f.cfg.BaseURL, "/"), url.PathEscape(ticker), url.QueryEscape(expiry))

	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload chainResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode chain response: %w", err)
	}

	// One observation timestamp for the whole chain. The provider is not
	// trusted to stamp rows consistently.
	fetchedAt := f.now().UTC()

	quotes := make([]models.OptionContractQuote, 0, len(payload.Contracts))
	for _, c := range payload.Contracts {
		optType, err := models.ParseOptionType(c.OptionType)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"strike": c.Strike}).Warn("skipping unparseable contract")
			continue
		}
		quotes = append(quotes, models.OptionContractQuote{
			Ticker:            ticker,
			ExpiryDate:        expiry,
			Strike:            c.Strike,
			OptionType:        optType,
			Bid:               c.Bid,
			Ask:               c.Ask,
			LastPrice:         c.LastPrice,
			ImpliedVolatility: c.ImpliedVolatility,
			OpenInterest:      c.OpenInterest,
			SpotPrice:         payload.SpotPrice,
			Timestamp:         fetchedAt,
			Source:            f.cfg.Name,
		})
	}

	log.WithFields(logger.Fields{"contracts": len(quotes)}).Info("chain fetched")
	return quotes, nil
}

func (f *RESTFetcher) fetchExpirations(ctx context.Context, ticker string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v1/options/%s/expirations",
		strings.TrimRight(f.cfg.BaseURL, "/"), url.PathEscape(ticker))

	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload expirationsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode expirations response: %w", err)
	}
	return payload.Expirations, nil
}

// get performs a GET with rate limiting and the bounded retry policy.
// Permanent failures (4xx) abort immediately; timeouts, connection errors
// and 5xx/429 responses are retried until the budget is spent.
func (f *RESTFetcher) get(ctx context.Context, endpoint string) ([]byte, error) {
	attempts := f.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := f.doRequest(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if attempt < attempts {
			delay := f.policy.Delay(attempt)
			f.log.WithComponent("rest_fetcher").WithError(err).WithFields(logger.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("transient provider error, backing off")
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("provider failed after %d attempts: %w: %v",
		attempts, models.ErrUpstreamUnavailable, lastErr)
}

func (f *RESTFetcher) doRequest(ctx context.Context, endpoint string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, isTransient(err), err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("provider returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return nil, false, fmt.Errorf("provider rejected request (%d): %w", resp.StatusCode, models.ErrInvalidInput)
	default:
		return nil, false, fmt.Errorf("provider returned %d", resp.StatusCode)
	}
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
