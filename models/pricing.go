package models

import (
	"encoding/json"
	"math"
)

// PricingInput is the normalized input to the pricing engine. Volatility is
// the sigma actually used: market implied volatility unless overridden.
type PricingInput struct {
	Spot         float64    `json:"spot_price"`
	Strike       float64    `json:"strike"`
	TimeToExpiry float64    `json:"t_years"`
	RiskFreeRate float64    `json:"risk_free_rate"`
	Volatility   float64    `json:"volatility"`
	OptionType   OptionType `json:"option_type"`
}

// Value is a model output that may be undefined for degenerate inputs.
// Undefined values marshal as JSON null instead of propagating NaN.
type Value struct {
	Float   float64
	Defined bool
}

// Defined wraps a finite float as a defined Value.
func Defined(v float64) Value { return Value{Float: v, Defined: true} }

// Undefined is the explicit "no value" marker.
var Undefined = Value{}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Defined || math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Float)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Undefined
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Defined(f)
	return nil
}

// PricingResult is the theoretical price and Greeks for one contract.
// Intrinsic marks an expired contract whose price collapsed to intrinsic
// value; only delta remains defined in that case.
type PricingResult struct {
	Price     Value `json:"price"`
	Delta     Value `json:"delta"`
	Gamma     Value `json:"gamma"`
	Vega      Value `json:"vega"`
	Theta     Value `json:"theta"`
	Rho       Value `json:"rho"`
	Intrinsic bool  `json:"intrinsic_only,omitempty"`
}

// Complete reports whether the price and every Greek are defined, which is
// required for a contract to become a persisted prediction.
func (r PricingResult) Complete() bool {
	return r.Price.Defined && r.Delta.Defined && r.Gamma.Defined &&
		r.Vega.Defined && r.Theta.Defined && r.Rho.Defined
}
