package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/invoicing/internal/domain"
)

type staticInvoices []domain.Invoice

func (s staticInvoices) List(_ context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	out := make([]domain.Invoice, 0, len(s))
	for _, inv := range s {
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.From != nil && inv.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && inv.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func line(id, name string, qty int, price, cost string) domain.CartLine {
	return domain.NewCartLine(domain.Product{ID: id, Name: name, SellingPrice: dec(price), CostPrice: dec(cost)}, qty)
}

func invoice(status string, at time.Time, lines ...domain.CartLine) domain.Invoice {
	totals := domain.ComputeTotals(lines, domain.Adjustments{})
	inv := domain.Invoice{Status: status, Items: lines, CreatedAt: at}
	inv.ApplyTotals(totals, domain.Adjustments{}, totals.Total)
	return inv
}

var saleDay = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func TestTotalsExcludeVoidedInvoices(t *testing.T) {
	src := staticInvoices{
		invoice(domain.InvoiceStatusPaid, saleDay, line("a", "A", 10, "10", "6")),
		invoice(domain.InvoiceStatusVoided, saleDay, line("b", "B", 1, "50", "20")),
	}

	totals, err := New(src, nil).TotalsForPeriod(context.Background(), domain.PeriodRange{})
	require.NoError(t, err)
	assert.True(t, totals.TotalSales.Equal(dec("100")), "sales %s", totals.TotalSales)
	assert.True(t, totals.TotalProfit.Equal(dec("40")), "profit %s", totals.TotalProfit)
	assert.Equal(t, 1, totals.TotalInvoices)
	assert.True(t, totals.AverageOrderValue.Equal(dec("100")))
}

func TestTotalsProfitUsesDiscountedSubtotal(t *testing.T) {
	lines := []domain.CartLine{line("a", "A", 2, "10", "6")}
	adj := domain.Adjustments{DiscountPercent: dec("10"), TaxRate: dec("5")}
	inv := domain.Invoice{Status: domain.InvoiceStatusPaid, Items: lines, CreatedAt: saleDay}
	inv.ApplyTotals(domain.ComputeTotals(lines, adj), adj, dec("20"))

	totals, err := New(staticInvoices{inv}, nil).TotalsForPeriod(context.Background(), domain.PeriodRange{})
	require.NoError(t, err)
	assert.True(t, totals.TotalSales.Equal(dec("18.9")))
	assert.True(t, totals.TotalProfit.Equal(dec("6")), "profit %s", totals.TotalProfit)
}

func TestTotalsForEmptyPeriod(t *testing.T) {
	totals, err := New(staticInvoices{}, nil).TotalsForPeriod(context.Background(), domain.PeriodRange{})
	require.NoError(t, err)
	assert.Zero(t, totals.TotalInvoices)
	assert.True(t, totals.AverageOrderValue.IsZero())
}

func TestTopProductsRanksByRevenueThenQuantityThenName(t *testing.T) {
	src := staticInvoices{
		invoice(domain.InvoiceStatusPaid, saleDay, line("a", "Alpha", 2, "10", "1"), line("c", "Charlie", 4, "5", "1")),
		invoice(domain.InvoiceStatusPaid, saleDay, line("b", "Bravo", 1, "20", "1"), line("d", "Delta", 1, "100", "1")),
		invoice(domain.InvoiceStatusVoided, saleDay, line("b", "Bravo", 10, "20", "1")),
	}

	ranking, err := New(src, nil).TopProducts(context.Background(), domain.PeriodRange{}, 0)
	require.NoError(t, err)
	require.Len(t, ranking, 4)
	ids := []string{ranking[0].ProductID, ranking[1].ProductID, ranking[2].ProductID, ranking[3].ProductID}
	assert.Equal(t, []string{"d", "c", "a", "b"}, ids)

	top, err := New(src, nil).TopProducts(context.Background(), domain.PeriodRange{}, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestDailyBreakdownZeroFillsGaps(t *testing.T) {
	src := staticInvoices{
		invoice(domain.InvoiceStatusPaid, saleDay, line("a", "A", 1, "10", "1")),
		invoice(domain.InvoiceStatusPaid, saleDay.Add(time.Hour), line("a", "A", 2, "10", "1")),
		invoice(domain.InvoiceStatusPaid, saleDay.AddDate(0, 0, 2), line("a", "A", 1, "7.5", "1")),
		invoice(domain.InvoiceStatusVoided, saleDay.AddDate(0, 0, 1), line("a", "A", 1, "99", "1")),
	}
	from := saleDay.Add(-10 * time.Hour)
	to := saleDay.AddDate(0, 0, 3)

	buckets, err := New(src, nil).DailyBreakdown(context.Background(), domain.PeriodRange{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, buckets, 4)
	assert.Equal(t, "2026-10-19", buckets[0].Date)
	assert.Equal(t, 2, buckets[0].Invoices)
	assert.True(t, buckets[0].Total.Equal(dec("30")))
	assert.Equal(t, 0, buckets[1].Invoices)
	assert.True(t, buckets[1].Total.IsZero())
	assert.True(t, buckets[2].Total.Equal(dec("7.5")))
	assert.Equal(t, "2026-10-22", buckets[3].Date)
}

func TestDailyBreakdownUsesConfiguredZone(t *testing.T) {
	late := time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)
	src := staticInvoices{invoice(domain.InvoiceStatusPaid, late, line("a", "A", 1, "10", "1"))}

	buckets, err := New(src, time.FixedZone("WIB", 7*3600)).DailyBreakdown(context.Background(), domain.PeriodRange{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2026-10-20", buckets[0].Date)
}

func TestRejectsInvertedRange(t *testing.T) {
	from := saleDay
	to := saleDay.Add(-time.Hour)
	_, err := New(staticInvoices{}, nil).TotalsForPeriod(context.Background(), domain.PeriodRange{From: &from, To: &to})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
