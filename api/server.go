package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/pipeline"
	"optionflow/pricing"
	"optionflow/signal"
)

// Server exposes the pipeline over HTTP: batch runs, ad-hoc single-contract
// pricing and a health probe. Dashboards and auth live elsewhere; this is
// the computational core's JSON surface.
type Server struct {
	cfg        appconfig.APIConfig
	pl         *pipeline.SnapshotPipeline
	classifier *signal.Classifier
	httpServer *http.Server
	now        func() time.Time
	log        *logger.Log
}

// NewServer builds the HTTP server. Returns nil when the API is disabled.
func NewServer(cfg appconfig.APIConfig, pl *pipeline.SnapshotPipeline, classifier *signal.Classifier) *Server {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		cfg:        cfg,
		pl:         pl,
		classifier: classifier,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/run", s.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/predict", s.handlePredict).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/volatility/historical", s.handleHistoricalVol).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting api server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Ticker       string   `json:"ticker"`
	Expiry       string   `json:"expiry_date,omitempty"`
	RiskFreeRate *float64 `json:"risk_free_rate,omitempty"`
	VolOverride  *float64 `json:"vol_override,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.pl.Run(r.Context(), pipeline.RunRequest{
		Ticker:       req.Ticker,
		Expiry:       req.Expiry,
		RiskFreeRate: req.RiskFreeRate,
		VolOverride:  req.VolOverride,
	})
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type predictRequest struct {
	SpotPrice    float64  `json:"spot_price"`
	Strike       float64  `json:"strike"`
	ExpiryDate   string   `json:"expiry_date"`
	OptionType   string   `json:"option_type"`
	Volatility   *float64 `json:"volatility,omitempty"`
	RiskFreeRate *float64 `json:"risk_free_rate,omitempty"`
	Bid          float64  `json:"bid,omitempty"`
	Ask          float64  `json:"ask,omitempty"`
	LastPrice    float64  `json:"last_price,omitempty"`
}

type predictResponse struct {
	Input             models.PricingInput  `json:"input"`
	Result            models.PricingResult `json:"result"`
	MarketPrice       *float64             `json:"market_price,omitempty"`
	MarketPriceSource string               `json:"market_price_source,omitempty"`
	MispricingPct     *float64             `json:"mispricing_pct,omitempty"`
	Signal            string               `json:"signal,omitempty"`
}

// handlePredict prices one contract without touching the provider or the
// sink. When the request carries a market (bid/ask or last) the response
// also classifies the contract.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	optType, err := models.ParseOptionType(req.OptionType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tYears, err := models.TimeToExpiryYears(req.ExpiryDate, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := models.PricingInput{
		Spot:         req.SpotPrice,
		Strike:       req.Strike,
		TimeToExpiry: tYears,
		RiskFreeRate: s.pl.DefaultRiskFreeRate(),
		OptionType:   optType,
	}
	if req.RiskFreeRate != nil {
		in.RiskFreeRate = *req.RiskFreeRate
	}

	quote := models.OptionContractQuote{Bid: req.Bid, Ask: req.Ask, LastPrice: req.LastPrice}
	marketPrice, priceSource, hasMarket := quote.MarketPrice()

	if req.Volatility != nil {
		in.Volatility = *req.Volatility
	} else if hasMarket {
		iv, err := s.pl.ImpliedVolatility(marketPrice, in)
		if err != nil {
			s.writeRunError(w, err)
			return
		}
		in.Volatility = iv
	} else {
		writeError(w, http.StatusBadRequest, "volatility or a market price is required")
		return
	}

	result, err := s.pl.Price(in)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	resp := predictResponse{Input: in, Result: result}
	if hasMarket && result.Price.Defined {
		if pct, sig, err := s.classifier.Classify(result.Price.Float, marketPrice); err == nil {
			resp.MarketPrice = &marketPrice
			resp.MarketPriceSource = string(priceSource)
			resp.MispricingPct = &pct
			resp.Signal = string(sig)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type historicalVolRequest struct {
	Closes []float64 `json:"closes"`
}

type historicalVolResponse struct {
	Volatility float64 `json:"volatility"`
	Samples    int     `json:"samples"`
}

func (s *Server) handleHistoricalVol(w http.ResponseWriter, r *http.Request) {
	var req historicalVolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	vol, err := pricing.HistoricalVolatility(req.Closes)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, historicalVolResponse{Volatility: vol, Samples: len(req.Closes)})
}

// writeRunError maps error kinds onto HTTP statuses.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrDegenerateContract):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, models.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, models.ErrPersistenceFailure):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
