package pricing

import (
	"fmt"
	"math"

	"optionflow/models"
)

// Saturation bound for the normal CDF. Beyond this |x| the tail mass is far
// below double precision, so N(x) is pinned to 0 or 1 instead of risking
// overflow inside erfc scaling.
const cdfSaturation = 40.0

// normCDF is the standard normal cumulative distribution function N(x).
func normCDF(x float64) float64 {
	if x <= -cdfSaturation {
		return 0
	}
	if x >= cdfSaturation {
		return 1
	}
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal probability density function n(x).
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// Engine computes theoretical prices and Greeks for European options under
// the Black-Scholes model. It is stateless and safe for concurrent use.
type Engine struct {
	daysPerYear float64
}

// NewEngine creates a pricing engine. daysPerYear controls the theta
// per-day conversion; values <= 0 fall back to 365.
func NewEngine(daysPerYear float64) *Engine {
	if daysPerYear <= 0 {
		daysPerYear = 365
	}
	return &Engine{daysPerYear: daysPerYear}
}

// Price computes the theoretical value and Greeks for one contract.
//
// Degenerate inputs follow a fixed policy: T <= 0 collapses the price to
// intrinsic value with delta reduced to an in-the-money indicator and all
// other Greeks undefined; sigma <= 0 leaves everything undefined and
// returns a degenerate-contract error. NaN or division-by-zero never leak
// into the result.
func (e *Engine) Price(in models.PricingInput) (models.PricingResult, error) {
	if in.Spot <= 0 || in.Strike <= 0 {
		return models.PricingResult{}, fmt.Errorf("spot and strike must be positive: %w", models.ErrInvalidInput)
	}
	if in.OptionType != models.OptionTypeCall && in.OptionType != models.OptionTypePut {
		return models.PricingResult{}, fmt.Errorf("option type %q: %w", in.OptionType, models.ErrInvalidInput)
	}

	if in.TimeToExpiry <= 0 {
		return e.intrinsic(in), nil
	}
	if in.Volatility <= 0 {
		return models.PricingResult{}, fmt.Errorf("volatility %.6f: %w", in.Volatility, models.ErrDegenerateContract)
	}

	S, K, T, r, sigma := in.Spot, in.Strike, in.TimeToExpiry, in.RiskFreeRate, in.Volatility

	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	discount := math.Exp(-r * T)
	pdfD1 := normPDF(d1)

	var price, delta, theta, rho float64
	if in.OptionType == models.OptionTypeCall {
		price = S*normCDF(d1) - K*discount*normCDF(d2)
		delta = normCDF(d1)
		theta = -(S*pdfD1*sigma)/(2*sqrtT) - r*K*discount*normCDF(d2)
		rho = K * T * discount * normCDF(d2)
	} else {
		price = K*discount*normCDF(-d2) - S*normCDF(-d1)
		delta = normCDF(d1) - 1.0
		theta = -(S*pdfD1*sigma)/(2*sqrtT) + r*K*discount*normCDF(-d2)
		rho = -K * T * discount * normCDF(-d2)
	}

	gamma := pdfD1 / (S * sigma * sqrtT)
	vega := S * pdfD1 * sqrtT

	// Theta is reported as per-day decay.
	theta /= e.daysPerYear

	return models.PricingResult{
		Price: models.Defined(price),
		Delta: models.Defined(delta),
		Gamma: models.Defined(gamma),
		Vega:  models.Defined(vega),
		Theta: models.Defined(theta),
		Rho:   models.Defined(rho),
	}, nil
}

// intrinsic handles expired or at-expiry contracts. Delta degrades to an
// indicator of moneyness: 1 (call ITM), -1 (put ITM) or 0.
func (e *Engine) intrinsic(in models.PricingInput) models.PricingResult {
	res := models.PricingResult{Intrinsic: true}
	if in.OptionType == models.OptionTypeCall {
		res.Price = models.Defined(math.Max(in.Spot-in.Strike, 0))
		if in.Spot > in.Strike {
			res.Delta = models.Defined(1)
		} else {
			res.Delta = models.Defined(0)
		}
		return res
	}
	res.Price = models.Defined(math.Max(in.Strike-in.Spot, 0))
	if in.Spot < in.Strike {
		res.Delta = models.Defined(-1)
	} else {
		res.Delta = models.Defined(0)
	}
	return res
}
