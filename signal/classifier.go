package signal

import (
	"fmt"

	"optionflow/models"
)

// Signal is the categorical verdict on a contract's market price relative
// to its model price. The wire labels match the persisted rows: a contract
// the model considers underpriced is labeled BUY.
type Signal string

const (
	SignalUnderpriced Signal = "BUY"
	SignalFair        Signal = "FAIR"
	SignalOverpriced  Signal = "OVERPRICED"
)

// Classifier turns a model/market price pair into a mispricing percentage
// and a Signal. The threshold is a positive fraction (0.05 means 5%); a
// mispricing inside [-threshold, +threshold] is FAIR, beyond it the
// contract is under- or overpriced. Stateless and safe for concurrent use.
type Classifier struct {
	threshold float64
}

// NewClassifier validates the threshold and builds a Classifier.
func NewClassifier(threshold float64) (*Classifier, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("signal threshold must be a positive fraction, got %g: %w",
			threshold, models.ErrInvalidInput)
	}
	return &Classifier{threshold: threshold}, nil
}

// Classify computes mispricingPct = (modelPrice - marketPrice) / marketPrice
// and maps it onto a Signal. A non-positive market price means there is no
// two-sided market to compare against; such contracts are skipped rather
// than classified.
func (c *Classifier) Classify(modelPrice, marketPrice float64) (float64, Signal, error) {
	if marketPrice <= 0 {
		return 0, "", fmt.Errorf("no usable market price: %w", models.ErrDegenerateContract)
	}

	pct := (modelPrice - marketPrice) / marketPrice
	switch {
	case pct > c.threshold:
		return pct, SignalUnderpriced, nil
	case pct < -c.threshold:
		return pct, SignalOverpriced, nil
	default:
		return pct, SignalFair, nil
	}
}
