// Package money computes line amounts and document totals with fixed-point
// decimals. Binary floating point is never used for monetary values.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Line is the priced portion of a line item.
type Line struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Totals holds the derived header amounts of a document.
type Totals struct {
	Subtotal    decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
}

// LineAmount returns quantity * unitPrice rounded to 2 decimal places.
// Rounding is half-up: 49.995 becomes 50.00. Zero-value operands are
// treated as zero rather than rejected.
func LineAmount(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).Round(2)
}

// ComputeTotals sums line amounts, applies the flat discount, then the tax
// rate on the discounted subtotal. The computation is pure: identical inputs
// always yield identical outputs.
//
//	subtotal = Σ round2(qty * price)
//	tax      = round2((subtotal - discount) * rate / 100)
//	total    = subtotal - discount + tax
func ComputeTotals(lines []Line, taxRate, discountAmount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(LineAmount(line.Quantity, line.UnitPrice))
	}

	tax := subtotal.Sub(discountAmount).Mul(taxRate).Div(hundred).Round(2)
	total := subtotal.Sub(discountAmount).Add(tax)

	return Totals{
		Subtotal:    subtotal,
		TaxAmount:   tax,
		TotalAmount: total,
	}
}
