package models

import "time"

// PredictionRecord is one durable row combining a quote, its model price and
// the market comparison. Created once per pipeline run per contract; never
// mutated afterwards.
type PredictionRecord struct {
	Ticker            string            `json:"ticker"`
	ExpiryDate        string            `json:"expiry_date"`
	Strike            float64           `json:"strike"`
	OptionType        OptionType        `json:"option_type"`
	ModelPrice        float64           `json:"model_price"`
	MarketPrice       float64           `json:"market_price"`
	MarketPriceSource MarketPriceSource `json:"market_price_source"`
	MispricingPct     float64           `json:"mispricing_pct"`
	Signal            string            `json:"signal"`
	Delta             float64           `json:"delta"`
	Gamma             float64           `json:"gamma"`
	Vega              float64           `json:"vega"`
	Theta             float64           `json:"theta"`
	Rho               float64           `json:"rho"`
	CreatedAt         time.Time         `json:"created_at"`
}

// ContractFailure describes why a single contract was excluded from a run.
type ContractFailure struct {
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"option_type"`
	Reason     string     `json:"reason"`
}

// RunResult is the outcome of one pipeline run. A run either produces a
// fully committed set of records plus the failures it skipped, or a single
// terminal error; data is never dropped silently.
type RunResult struct {
	RunID      string            `json:"run_id"`
	Ticker     string            `json:"ticker"`
	ExpiryDate string            `json:"expiry_date"`
	SpotPrice  float64           `json:"spot_price"`
	FetchedAt  time.Time         `json:"fetched_at"`
	Records    []PredictionRecord `json:"records"`
	Failures   []ContractFailure  `json:"failures"`
	CreatedAt  time.Time         `json:"created_at"`
}
