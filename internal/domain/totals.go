package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// NewCartLine snapshots the product's current prices.
func NewCartLine(product Product, qty int) CartLine {
	line := CartLine{
		ProductID: product.ID,
		Barcode:   product.Barcode,
		Name:      product.Name,
		Quantity:  qty,
		UnitPrice: product.SellingPrice,
		UnitCost:  product.CostPrice,
	}
	line.LineTotal = line.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	return line
}

// WithQuantity returns a copy of the line with a new quantity and line total. The
// price snapshot is kept.
func (l CartLine) WithQuantity(qty int) CartLine {
	l.Quantity = qty
	l.LineTotal = l.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	return l
}

// ValidateAdjustments rejects percentages outside [0, 100].
func ValidateAdjustments(adj Adjustments) error {
	if adj.DiscountPercent.IsNegative() || adj.DiscountPercent.GreaterThan(hundred) {
		return ErrInvalidInput
	}
	if adj.TaxRate.IsNegative() || adj.TaxRate.GreaterThan(hundred) {
		return ErrInvalidInput
	}
	return nil
}

// ComputeTotals derives the money totals of a set of lines. Intermediate values are
// exact; only the final total is rounded to two decimals.
func ComputeTotals(lines []CartLine, adj Adjustments) Totals {
	subtotal := decimal.Zero
	count := 0
	for _, line := range lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		count += line.Quantity
	}

	discount := subtotal.Mul(adj.DiscountPercent).Div(hundred)
	tax := subtotal.Sub(discount).Mul(adj.TaxRate).Div(hundred)
	total := subtotal.Sub(discount).Add(tax)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Totals{
		Subtotal:  subtotal,
		Discount:  discount,
		Tax:       tax,
		Total:     total.Round(2),
		ItemCount: count,
	}
}

// QuantitiesByProduct sums line quantities per product id.
func QuantitiesByProduct(lines []CartLine) map[string]int {
	result := make(map[string]int, len(lines))
	for _, line := range lines {
		result[line.ProductID] += line.Quantity
	}
	return result
}

func CloneLines(src []CartLine) []CartLine {
	dup := make([]CartLine, len(src))
	copy(dup, src)
	return dup
}

func CloneInvoice(src Invoice) Invoice {
	dup := src
	dup.Items = CloneLines(src.Items)
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	return dup
}

// ApplyTotals copies computed money values onto the invoice. Change is what the
// customer gets back from received.
func (inv *Invoice) ApplyTotals(totals Totals, adj Adjustments, received decimal.Decimal) {
	inv.Subtotal = totals.Subtotal
	inv.DiscountPercent = adj.DiscountPercent
	inv.DiscountAmount = totals.Discount
	inv.TaxRate = adj.TaxRate
	inv.TaxAmount = totals.Tax
	inv.Total = totals.Total
	inv.AmountReceived = received
	inv.ChangeReturned = received.Sub(totals.Total)
}
