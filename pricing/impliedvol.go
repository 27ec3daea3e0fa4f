package pricing

import (
	"fmt"
	"math"

	"optionflow/models"
)

const (
	ivInitialGuess  = 0.2
	ivTolerance     = 1e-6
	ivMaxIterations = 100
	ivVegaFloor     = 1e-8
	ivMaxSigma      = 5.0 // 500%, anything beyond is noise
)

// ImpliedVolatility solves for the sigma that reproduces marketPrice under
// the Black-Scholes model, using Newton-Raphson on vega. Returns a
// degenerate-contract error when the market price is unusable or the
// iteration cannot converge to a stable positive sigma.
func (e *Engine) ImpliedVolatility(marketPrice float64, in models.PricingInput) (float64, error) {
	if marketPrice <= 0 {
		return 0, fmt.Errorf("implied volatility needs a positive market price: %w", models.ErrDegenerateContract)
	}
	if in.TimeToExpiry <= 0 {
		return 0, fmt.Errorf("implied volatility undefined at expiry: %w", models.ErrDegenerateContract)
	}

	sigma := ivInitialGuess
	for i := 0; i < ivMaxIterations; i++ {
		in.Volatility = sigma
		res, err := e.Price(in)
		if err != nil {
			return 0, err
		}

		diff := res.Price.Float - marketPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}

		// Vega here is per unit sigma, the same quantity Newton needs.
		vega := res.Vega.Float
		if math.Abs(vega) < ivVegaFloor {
			return 0, fmt.Errorf("vega vanished at sigma=%.6f: %w", sigma, models.ErrDegenerateContract)
		}

		sigma -= diff / vega
		if sigma <= 0 || sigma > ivMaxSigma {
			return 0, fmt.Errorf("implied volatility diverged: %w", models.ErrDegenerateContract)
		}
	}

	return 0, fmt.Errorf("implied volatility did not converge after %d iterations: %w",
		ivMaxIterations, models.ErrDegenerateContract)
}
