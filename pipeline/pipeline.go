package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "optionflow/config"
	"optionflow/cache"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/pricing"
	"optionflow/signal"
	"optionflow/writer"
)

// RunRequest describes one snapshot run. Expiry is optional (nearest expiry
// when empty). RiskFreeRate and VolOverride, when set, replace the
// configured rate and the per-quote market implied volatility.
type RunRequest struct {
	Ticker       string
	Expiry       string
	RiskFreeRate *float64
	VolOverride  *float64
}

// SnapshotPipeline orchestrates fetch, cache, pricing, classification and
// persistence for a batch of contracts. Per-contract pricing runs across a
// worker pool; the persisted batch is assembled in deterministic order
// (strike, then type) regardless of compute interleaving.
type SnapshotPipeline struct {
	cfg        *appconfig.Config
	chainCache *cache.ChainCache
	engine     *pricing.Engine
	classifier *signal.Classifier
	sink       writer.Sink
	now        func() time.Time
	log        *logger.Log
}

// New wires a pipeline. sink may be nil when persistence is disabled; runs
// then return results without committing a batch.
func New(cfg *appconfig.Config, chainCache *cache.ChainCache, engine *pricing.Engine, classifier *signal.Classifier, sink writer.Sink) *SnapshotPipeline {
	return &SnapshotPipeline{
		cfg:        cfg,
		chainCache: chainCache,
		engine:     engine,
		classifier: classifier,
		sink:       sink,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
}

// Price exposes the engine directly for ad-hoc single-contract queries that
// bypass the fetch/persist pipeline.
func (p *SnapshotPipeline) Price(in models.PricingInput) (models.PricingResult, error) {
	return p.engine.Price(in)
}

// ImpliedVolatility solves for the volatility implied by a market price,
// again without touching the provider or the sink.
func (p *SnapshotPipeline) ImpliedVolatility(marketPrice float64, in models.PricingInput) (float64, error) {
	return p.engine.ImpliedVolatility(marketPrice, in)
}

// DefaultRiskFreeRate is the configured rate used when a request does not
// carry its own.
func (p *SnapshotPipeline) DefaultRiskFreeRate() float64 {
	return p.cfg.Pricing.RiskFreeRate
}

// Run executes one snapshot run. It either returns a full result with the
// skipped contracts and their reasons embedded, or a single terminal error;
// data is never dropped silently. Cancellation before the batch commit
// abandons the run cleanly; once the commit has been issued it is allowed
// to complete.
func (p *SnapshotPipeline) Run(ctx context.Context, req RunRequest) (*models.RunResult, error) {
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required: %w", models.ErrInvalidInput)
	}

	if p.cfg.Pipeline.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Pipeline.RunTimeout)
		defer cancel()
	}

	log := p.log.WithComponent("snapshot_pipeline").WithFields(logger.Fields{
		"ticker": ticker,
		"expiry": req.Expiry,
	})
	log.Info("starting run")

	chain, err := p.chainCache.GetOrFetch(ctx, ticker, req.Expiry, p.cfg.Cache.TTL)
	if err != nil {
		return nil, p.asRunError(ctx, err)
	}

	result := &models.RunResult{
		RunID:      uuid.New().String(),
		Ticker:     ticker,
		ExpiryDate: req.Expiry,
		CreatedAt:  p.now().UTC(),
	}
	if len(chain) == 0 {
		log.Warn("chain is empty, nothing to price")
		result.Records = []models.PredictionRecord{}
		result.Failures = []models.ContractFailure{}
		return result, nil
	}

	result.ExpiryDate = chain[0].ExpiryDate
	result.SpotPrice = chain[0].SpotPrice
	result.FetchedAt = chain[0].Timestamp

	tYears, err := models.TimeToExpiryYears(result.ExpiryDate, p.now())
	if err != nil {
		return nil, err
	}

	riskFreeRate := p.cfg.Pricing.RiskFreeRate
	if req.RiskFreeRate != nil {
		riskFreeRate = *req.RiskFreeRate
	}

	outcomes := p.evaluateAll(ctx, chain, tYears, riskFreeRate, req.VolOverride, result.CreatedAt)
	if err := ctx.Err(); err != nil {
		return nil, p.asRunError(ctx, err)
	}

	records := make([]models.PredictionRecord, 0, len(outcomes))
	failures := make([]models.ContractFailure, 0)
	for _, o := range outcomes {
		if o.failure != nil {
			failures = append(failures, *o.failure)
			continue
		}
		records = append(records, o.record)
	}

	// Stable batch order: by strike, calls before puts.
	sort.Slice(records, func(i, j int) bool {
		if records[i].Strike != records[j].Strike {
			return records[i].Strike < records[j].Strike
		}
		return records[i].OptionType < records[j].OptionType
	})
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Strike != failures[j].Strike {
			return failures[i].Strike < failures[j].Strike
		}
		return failures[i].OptionType < failures[j].OptionType
	})

	result.Records = records
	result.Failures = failures

	if p.sink != nil {
		// The commit must not be torn by caller cancellation: once issued
		// it runs to completion on a detached context.
		commitCtx := context.WithoutCancel(ctx)
		batch := writer.Batch{
			RunID:      result.RunID,
			Ticker:     ticker,
			ExpiryDate: result.ExpiryDate,
			Chain:      chain,
			Records:    records,
			CreatedAt:  result.CreatedAt,
		}
		if err := p.sink.WriteBatch(commitCtx, batch); err != nil {
			log.WithError(err).Error("batch commit failed")
			if errors.Is(err, models.ErrPersistenceFailure) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
		}
	}

	log.WithFields(logger.Fields{
		"run_id":   result.RunID,
		"records":  len(records),
		"failures": len(failures),
	}).Info("run completed")

	log.LogMetric("snapshot_pipeline", "contracts_priced", len(records), "counter", logger.Fields{
		"ticker": ticker,
	})

	return result, nil
}

type outcome struct {
	record  models.PredictionRecord
	failure *models.ContractFailure
}

// evaluateAll prices every quote concurrently, bounded by the configured
// worker count. Outcomes keep their input positions so the caller can sort
// deterministically afterwards.
func (p *SnapshotPipeline) evaluateAll(ctx context.Context, chain []models.OptionContractQuote, tYears, riskFreeRate float64, volOverride *float64, createdAt time.Time) []outcome {
	workers := p.cfg.Pipeline.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	outcomes := make([]outcome, len(chain))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range chain {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = p.evaluate(chain[i], tYears, riskFreeRate, volOverride, createdAt)
		}(i)
	}
	wg.Wait()

	return outcomes
}

func (p *SnapshotPipeline) evaluate(q models.OptionContractQuote, tYears, riskFreeRate float64, volOverride *float64, createdAt time.Time) outcome {
	fail := func(reason string) outcome {
		return outcome{failure: &models.ContractFailure{
			Strike:     q.Strike,
			OptionType: q.OptionType,
			Reason:     reason,
		}}
	}

	marketPrice, priceSource, ok := q.MarketPrice()
	if !ok {
		return fail("no two-sided market and no last price")
	}

	in := models.PricingInput{
		Spot:         q.SpotPrice,
		Strike:       q.Strike,
		TimeToExpiry: tYears,
		RiskFreeRate: riskFreeRate,
		OptionType:   q.OptionType,
	}

	switch {
	case volOverride != nil:
		in.Volatility = *volOverride
	case q.ImpliedVolatility > 0:
		in.Volatility = q.ImpliedVolatility
	default:
		// No market IV on the quote; solve for it from the market price.
		iv, err := p.engine.ImpliedVolatility(marketPrice, in)
		if err != nil {
			return fail("volatility unavailable: " + err.Error())
		}
		in.Volatility = iv
	}

	res, err := p.engine.Price(in)
	if err != nil {
		return fail(err.Error())
	}
	if !res.Complete() {
		return fail("pricing undefined for expired or degenerate contract")
	}

	pct, sig, err := p.classifier.Classify(res.Price.Float, marketPrice)
	if err != nil {
		return fail(err.Error())
	}

	return outcome{record: models.PredictionRecord{
		Ticker:            q.Ticker,
		ExpiryDate:        q.ExpiryDate,
		Strike:            q.Strike,
		OptionType:        q.OptionType,
		ModelPrice:        res.Price.Float,
		MarketPrice:       marketPrice,
		MarketPriceSource: priceSource,
		MispricingPct:     pct,
		Signal:            string(sig),
		Delta:             res.Delta.Float,
		Gamma:             res.Gamma.Float,
		Vega:              res.Vega.Float,
		Theta:             res.Theta.Float,
		Rho:               res.Rho.Float,
		CreatedAt:         createdAt,
	}}
}

// asRunError maps context expiry onto the timeout error kind so callers can
// tell a slow run from an unavailable provider.
func (p *SnapshotPipeline) asRunError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	return err
}
