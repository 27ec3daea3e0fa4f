package models

import (
	"fmt"
	"strings"
	"time"
)

// OptionType identifies the side of an option contract.
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// ParseOptionType normalizes provider spellings ("C", "calls", "Put", ...)
// into the canonical OptionType values.
func ParseOptionType(raw string) (OptionType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "c", "call", "calls":
		return OptionTypeCall, nil
	case "p", "put", "puts":
		return OptionTypePut, nil
	default:
		return "", fmt.Errorf("unrecognized option type %q: %w", raw, ErrInvalidInput)
	}
}

// MarketPriceSource records how the market reference price of a quote was
// derived. A mid price requires a two-sided market; the last traded price is
// a lower-confidence fallback.
type MarketPriceSource string

const (
	MarketPriceMid  MarketPriceSource = "mid"
	MarketPriceLast MarketPriceSource = "last"
)

// OptionContractQuote is a raw market observation for a single contract.
// Quotes are immutable once fetched; bid, ask and last price use zero or
// negative values to mean "not quoted".
type OptionContractQuote struct {
	Ticker            string     `json:"ticker"`
	ExpiryDate        string     `json:"expiry_date"`
	Strike            float64    `json:"strike"`
	OptionType        OptionType `json:"option_type"`
	Bid               float64    `json:"bid"`
	Ask               float64    `json:"ask"`
	LastPrice         float64    `json:"last_price"`
	ImpliedVolatility float64    `json:"implied_volatility"`
	OpenInterest      int64      `json:"open_interest"`
	SpotPrice         float64    `json:"spot_price"`
	Timestamp         time.Time  `json:"timestamp"`
	Source            string     `json:"source"`
}

// MarketPrice derives the reference market price for the quote: the bid/ask
// midpoint when a two-sided market exists, otherwise the last traded price.
// ok is false when neither is available; such contracts are not classified.
func (q OptionContractQuote) MarketPrice() (price float64, source MarketPriceSource, ok bool) {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2.0, MarketPriceMid, true
	}
	if q.LastPrice > 0 {
		return q.LastPrice, MarketPriceLast, true
	}
	return 0, "", false
}

// Chain is the full set of contracts for one (ticker, expiry) observation.
type Chain struct {
	Ticker     string                `json:"ticker"`
	ExpiryDate string                `json:"expiry_date"`
	Quotes     []OptionContractQuote `json:"quotes"`
	FetchedAt  time.Time             `json:"fetched_at"`
}

const expiryLayout = "2006-01-02"

// ParseExpiry parses a YYYY-MM-DD expiry date string.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(expiryLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry date %q: %w", s, ErrInvalidInput)
	}
	return t, nil
}

// TimeToExpiryYears converts an expiry date to a year fraction relative to
// now, using whole calendar days over 365. Expired dates clamp to zero.
func TimeToExpiryYears(expiryDate string, now time.Time) (float64, error) {
	expiry, err := ParseExpiry(expiryDate)
	if err != nil {
		return 0, err
	}
	today := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	days := int(expiry.Sub(today).Hours() / 24)
	if days <= 0 {
		return 0, nil
	}
	return float64(days) / 365.0, nil
}
