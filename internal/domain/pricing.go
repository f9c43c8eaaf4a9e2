package domain

import "github.com/shopspring/decimal"

// RoundMoney rounds an amount half-up (away from zero) to the given number of decimal places.
// Totals are rounded exactly once, after summation.
func RoundMoney(amount decimal.Decimal, places int32) decimal.Decimal {
	if places < 0 {
		places = 0
	}
	return amount.Round(places)
}

// LineTotal multiplies a unit price by a quantity without intermediate rounding.
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	if quantity <= 0 {
		return decimal.Zero
	}
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// SumLineTotals adds the line totals of the provided items.
func SumLineTotals(items []EnrichedCartItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal)
	}
	return total
}

// TotalQuantity sums quantities across cart lines.
func TotalQuantity(items []CartItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}
