// Package money provides deterministic arithmetic for prices and revenue.
//
// Float accumulation order changes results in the last bits, which breaks
// byte-identical re-runs. Every mean, sum and rounding in the estimator goes
// through shopspring/decimal and is rounded to Places digits.
package money

import "github.com/shopspring/decimal"

// Places is the number of fractional digits kept for stored amounts.
const Places = 4

// Round rounds v to Places digits.
func Round(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(Places).Float64()
	return f
}

// Sum adds values exactly and rounds the result.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Round(Places).Float64()
	return f
}

// Mean returns the rounded arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Div(decimal.NewFromInt(int64(len(values)))).Round(Places).Float64()
	return f
}

// Mul multiplies factors exactly and rounds the product.
func Mul(factors ...float64) float64 {
	if len(factors) == 0 {
		return 0
	}
	p := decimal.NewFromInt(1)
	for _, v := range factors {
		p = p.Mul(decimal.NewFromFloat(v))
	}
	f, _ := p.Round(Places).Float64()
	return f
}

// Ratio divides num by den, returning 0 when den is 0. Ratios keep six
// digits since they are rates, not amounts.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	f, _ := decimal.NewFromFloat(num).Div(decimal.NewFromFloat(den)).Round(6).Float64()
	return f
}
