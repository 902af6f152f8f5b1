// Package validate checks canonical records for structural and cross-field
// consistency and scores their quality. It never modifies the data it checks.
package validate

import (
	"math"
)

// =============================================================================
// FINANCIAL CONSISTENCY CHECKS
// =============================================================================

// BalanceTolerance is the relative tolerance applied to total assets.
const BalanceTolerance = 0.01

// BalanceCheck verifies Assets = Liabilities + Equity.
type BalanceCheck struct {
	TotalAssets      float64
	TotalLiabilities float64
	TotalEquity      float64
	ComputedAssets   float64 // L + E
	Difference       float64
	IsBalanced       bool
	Tolerance        float64
}

// CheckBalanceEquation validates A = L + E within an absolute tolerance.
func CheckBalanceEquation(assets, liabilities, equity, tolerance float64) *BalanceCheck {
	computed := liabilities + equity
	diff := assets - computed

	return &BalanceCheck{
		TotalAssets:      assets,
		TotalLiabilities: liabilities,
		TotalEquity:      equity,
		ComputedAssets:   computed,
		Difference:       diff,
		IsBalanced:       math.Abs(diff) <= tolerance,
		Tolerance:        tolerance,
	}
}

// CheckBalanceRelative validates A = L + E with a tolerance expressed as a share of |A|.
func CheckBalanceRelative(assets, liabilities, equity, ratio float64) *BalanceCheck {
	return CheckBalanceEquation(assets, liabilities, equity, math.Abs(assets)*ratio)
}

// OrderCheck verifies that a subtotal does not exceed the total it is derived from,
// e.g. gross profit <= net revenue.
type OrderCheck struct {
	Part    float64
	Whole   float64
	IsValid bool
}

func CheckNotGreater(part, whole float64) *OrderCheck {
	return &OrderCheck{Part: part, Whole: whole, IsValid: part <= whole}
}
