package services

import "github.com/shopspring/decimal"

// AmountEpsilon absorbs float noise when comparing currency amounts read
// back from decimal(15,2) columns.
const AmountEpsilon = 1e-6

// Round2 rounds a currency amount to two decimal places, half away from
// zero. All amounts crossing a service boundary are rounded with this.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
