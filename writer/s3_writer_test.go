package writer

import (
	"testing"
	"time"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

func testBatch() Batch {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return Batch{
		RunID:      "3f2a9c0e",
		Ticker:     "AAPL",
		ExpiryDate: "2026-09-18",
		Chain: []models.OptionContractQuote{
			{
				Ticker: "AAPL", ExpiryDate: "2026-09-18", Strike: 230,
				OptionType: models.OptionTypeCall, Bid: 4.5, Ask: 4.7,
				ImpliedVolatility: 0.22, SpotPrice: 230.5, Timestamp: created,
				Source: "testprovider",
			},
		},
		Records: []models.PredictionRecord{
			{
				Ticker: "AAPL", ExpiryDate: "2026-09-18", Strike: 230,
				OptionType: models.OptionTypeCall, ModelPrice: 4.1, MarketPrice: 4.6,
				MarketPriceSource: models.MarketPriceMid, MispricingPct: -0.1087,
				Signal: "OVERPRICED", Delta: 0.53, Gamma: 0.017, Vega: 45.9,
				Theta: -0.023, Rho: 11.9, CreatedAt: created,
			},
		},
		CreatedAt: created,
	}
}

func TestObjectKeyLayout(t *testing.T) {
	s := &S3Sink{cfg: appconfig.S3Config{Prefix: "snapshots"}, log: logger.GetLogger()}
	batch := testBatch()

	got := s.objectKey(batch, "predictions")
	want := "snapshots/ticker=AAPL/expiry=2026-09-18/date=2026-08-01/predictions_3f2a9c0e.parquet"
	if got != want {
		t.Errorf("objectKey = %q, want %q", got, want)
	}

	s.cfg.Prefix = ""
	got = s.objectKey(batch, "chain")
	want = "ticker=AAPL/expiry=2026-09-18/date=2026-08-01/chain_3f2a9c0e.parquet"
	if got != want {
		t.Errorf("objectKey without prefix = %q, want %q", got, want)
	}
}

func TestEncodeParquet(t *testing.T) {
	s := &S3Sink{log: logger.GetLogger()}
	batch := testBatch()

	chainData, err := s.encodeChain(batch.Chain)
	if err != nil {
		t.Fatalf("encodeChain failed: %v", err)
	}
	if len(chainData) == 0 {
		t.Error("chain parquet should not be empty")
	}

	predictionData, err := s.encodePredictions(batch.RunID, batch.Records)
	if err != nil {
		t.Fatalf("encodePredictions failed: %v", err)
	}
	if len(predictionData) == 0 {
		t.Error("prediction parquet should not be empty")
	}

	// Parquet files start and end with the PAR1 magic.
	for _, data := range [][]byte{chainData, predictionData} {
		if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
			t.Error("encoded bytes are not a parquet file")
		}
	}
}

func TestEncodeEmptyBatch(t *testing.T) {
	s := &S3Sink{log: logger.GetLogger()}

	if _, err := s.encodeChain(nil); err != nil {
		t.Errorf("encoding an empty chain should succeed: %v", err)
	}
	if _, err := s.encodePredictions("run", nil); err != nil {
		t.Errorf("encoding empty records should succeed: %v", err)
	}
}
