package writer

import (
	"context"
	"time"

	"optionflow/models"
)

// Batch is one pipeline run's durable output: the full chain snapshot plus
// the prediction records derived from it. RunID doubles as the idempotency
// key; a retried write of the same batch lands on the same object keys and
// cannot duplicate rows.
type Batch struct {
	RunID      string
	Ticker     string
	ExpiryDate string
	Chain      []models.OptionContractQuote
	Records    []models.PredictionRecord
	CreatedAt  time.Time
}

// Sink is the durable store for chain snapshots and prediction records.
// WriteBatch commits the batch as a single logical unit: it either fully
// succeeds or the whole run is reported failed.
type Sink interface {
	WriteBatch(ctx context.Context, batch Batch) error
}
