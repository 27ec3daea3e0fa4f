package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"optionflow/cache"
	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/pipeline"
	"optionflow/pricing"
	"optionflow/signal"
)

type fakeFetcher struct {
	chain []models.OptionContractQuote
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, ticker, expiry string) ([]models.OptionContractQuote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chain, nil
}

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, f *fakeFetcher) *Server {
	t.Helper()
	cfg := &appconfig.Config{
		Cache:    appconfig.CacheConfig{TTL: time.Minute, MaxStaleness: 15 * time.Minute, MaxEntries: 16},
		Pricing:  appconfig.PricingConfig{RiskFreeRate: 0.01, DaysPerYear: 365},
		Signal:   appconfig.SignalConfig{Threshold: 0.05},
		Pipeline: appconfig.PipelineConfig{MaxWorkers: 4, RunTimeout: 5 * time.Second},
	}
	classifier, err := signal.NewClassifier(cfg.Signal.Threshold)
	if err != nil {
		t.Fatalf("NewClassifier failed: %v", err)
	}
	pl := pipeline.New(cfg, cache.New(f, cfg.Cache), pricing.NewEngine(cfg.Pricing.DaysPerYear), classifier, nil)

	return &Server{
		cfg:        appconfig.APIConfig{Enabled: true, Address: ":0"},
		pl:         pl,
		classifier: classifier,
		now:        func() time.Time { return testNow },
		log:        logger.GetLogger(),
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestHandlePredict(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})

	body := `{"spot_price": 100, "strike": 100, "expiry_date": "2027-01-01",
		"option_type": "call", "volatility": 0.2, "bid": 9.3, "ask": 9.5}`
	rec := postJSON(t, s.handlePredict, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}

	var resp predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Result.Price.Defined || math.Abs(resp.Result.Price.Float-8.4333) > 1e-3 {
		t.Errorf("unexpected model price: %+v", resp.Result.Price)
	}
	if resp.MarketPrice == nil || *resp.MarketPrice != 9.4 {
		t.Errorf("expected a 9.40 mid, got %+v", resp.MarketPrice)
	}
	if resp.Signal != string(signal.SignalOverpriced) {
		t.Errorf("expected OVERPRICED, got %q", resp.Signal)
	}
}

func TestHandlePredictSolvesImpliedVol(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})

	// No volatility in the request: it is implied from the mid.
	body := `{"spot_price": 100, "strike": 100, "expiry_date": "2027-01-01",
		"option_type": "call", "bid": 9.3, "ask": 9.5}`
	rec := postJSON(t, s.handlePredict, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}

	var resp predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if math.Abs(resp.Result.Price.Float-9.4) > 1e-3 {
		t.Errorf("implied sigma should reproduce the mid, got %v", resp.Result.Price.Float)
	}
	if resp.Signal != string(signal.SignalFair) {
		t.Errorf("expected FAIR, got %q", resp.Signal)
	}
	if resp.Input.Volatility <= 0 {
		t.Errorf("response should echo the solved sigma, got %v", resp.Input.Volatility)
	}
}

func TestHandlePredictRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"spot_price": `, http.StatusBadRequest},
		{"bad option type", `{"spot_price": 100, "strike": 100, "expiry_date": "2027-01-01", "option_type": "spread", "volatility": 0.2}`, http.StatusBadRequest},
		{"bad expiry", `{"spot_price": 100, "strike": 100, "expiry_date": "soon", "option_type": "call", "volatility": 0.2}`, http.StatusBadRequest},
		{"no sigma and no market", `{"spot_price": 100, "strike": 100, "expiry_date": "2027-01-01", "option_type": "call"}`, http.StatusBadRequest},
		{"zero sigma", `{"spot_price": 100, "strike": 100, "expiry_date": "2027-01-01", "option_type": "call", "volatility": 0}`, http.StatusUnprocessableEntity},
		{"degenerate sigma", `{"spot_price": 100, "strike": 100, "expiry_date": "2027-01-01", "option_type": "call", "volatility": -1}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, s.handlePredict, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestHandleHistoricalVol(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})

	rec := postJSON(t, s.handleHistoricalVol, `{"closes": [100, 102, 99, 103, 101]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
	var resp historicalVolResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Volatility <= 0 || resp.Samples != 5 {
		t.Errorf("unexpected response: %+v", resp)
	}

	rec = postJSON(t, s.handleHistoricalVol, `{"closes": [100]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("one close should be rejected, got %d", rec.Code)
	}
}

func TestHandleRun(t *testing.T) {
	// The snapshot pipeline prices against the wall clock, so the contract
	// sits far enough out to stay live.
	f := &fakeFetcher{chain: []models.OptionContractQuote{{
		Ticker: "AAPL", ExpiryDate: "2036-01-01", Strike: 100,
		OptionType: models.OptionTypeCall, Bid: 9.3, Ask: 9.5,
		ImpliedVolatility: 0.2, SpotPrice: 100, Timestamp: testNow,
	}}}
	s := newTestServer(t, f)

	rec := postJSON(t, s.handleRun, `{"ticker": "AAPL", "expiry_date": "2036-01-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}

	var result models.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Records) != 1 || result.Ticker != "AAPL" {
		t.Errorf("unexpected run result: %+v", result)
	}
}

func TestHandleRunErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		f    *fakeFetcher
		body string
		want int
	}{
		{
			"upstream down",
			&fakeFetcher{err: fmt.Errorf("provider down: %w", models.ErrUpstreamUnavailable)},
			`{"ticker": "AAPL"}`,
			http.StatusBadGateway,
		},
		{
			"blank ticker",
			&fakeFetcher{},
			`{"ticker": ""}`,
			http.StatusBadRequest,
		},
		{
			"malformed body",
			&fakeFetcher{},
			`{"ticker"`,
			http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, tc.f)
			rec := postJSON(t, s.handleRun, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}
