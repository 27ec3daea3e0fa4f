package pricing

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"optionflow/models"
)

const tradingDaysPerYear = 252

// HistoricalVolatility annualizes the volatility of a series of daily
// closing prices: standard deviation of log returns scaled by sqrt(252).
// At least two positive closes are required.
func HistoricalVolatility(closes []float64) (float64, error) {
	if len(closes) < 2 {
		return 0, fmt.Errorf("historical volatility needs at least 2 closes, got %d: %w",
			len(closes), models.ErrInvalidInput)
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return 0, fmt.Errorf("closing prices must be positive: %w", models.ErrInvalidInput)
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}

	daily, err := stats.StandardDeviation(stats.Float64Data(returns))
	if err != nil {
		return 0, fmt.Errorf("stddev of log returns: %w", err)
	}

	return daily * math.Sqrt(tradingDaysPerYear), nil
}
