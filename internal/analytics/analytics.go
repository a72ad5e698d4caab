// Package analytics computes read-only rollups over the invoice ledger. Nothing
// is cached; every call reflects the ledger as it is now.
package analytics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/invoicing/internal/domain"
)

const maxBreakdownDays = 1000

type InvoiceSource interface {
	List(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error)
}

type Aggregator struct {
	invoices InvoiceSource
	loc      *time.Location
}

// New returns an aggregator that buckets days in loc.
func New(invoices InvoiceSource, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{invoices: invoices, loc: loc}
}

// TotalsForPeriod sums paid invoices in the range. Profit is the discounted
// subtotal minus the cost snapshot of every line.
func (a *Aggregator) TotalsForPeriod(ctx context.Context, r domain.PeriodRange) (domain.PeriodTotals, error) {
	invoices, err := a.paid(ctx, r)
	if err != nil {
		return domain.PeriodTotals{}, err
	}

	totals := domain.PeriodTotals{
		TotalSales:        decimal.Zero,
		TotalProfit:       decimal.Zero,
		AverageOrderValue: decimal.Zero,
	}
	for _, inv := range invoices {
		totals.TotalInvoices++
		totals.TotalSales = totals.TotalSales.Add(inv.Total)

		cost := decimal.Zero
		for _, line := range inv.Items {
			cost = cost.Add(line.UnitCost.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		totals.TotalProfit = totals.TotalProfit.Add(inv.Subtotal.Sub(inv.DiscountAmount).Sub(cost))
	}
	totals.TotalProfit = totals.TotalProfit.Round(2)
	if totals.TotalInvoices > 0 {
		totals.AverageOrderValue = totals.TotalSales.Div(decimal.NewFromInt(int64(totals.TotalInvoices))).Round(2)
	}
	return totals, nil
}

// TopProducts ranks products by revenue. Ties go to the larger quantity, then to
// the name in alphabetical order. A limit below one returns every product.
func (a *Aggregator) TopProducts(ctx context.Context, r domain.PeriodRange, limit int) ([]domain.ProductRanking, error) {
	invoices, err := a.paid(ctx, r)
	if err != nil {
		return nil, err
	}

	byProduct := map[string]*domain.ProductRanking{}
	for _, inv := range invoices {
		for _, line := range inv.Items {
			entry := byProduct[line.ProductID]
			if entry == nil {
				entry = &domain.ProductRanking{ProductID: line.ProductID, Name: line.Name, Revenue: decimal.Zero}
				byProduct[line.ProductID] = entry
			}
			entry.Quantity += line.Quantity
			entry.Revenue = entry.Revenue.Add(line.LineTotal)
		}
	}

	ranking := make([]domain.ProductRanking, 0, len(byProduct))
	for _, entry := range byProduct {
		ranking = append(ranking, *entry)
	}
	slices.SortFunc(ranking, func(x, y domain.ProductRanking) int {
		if c := y.Revenue.Cmp(x.Revenue); c != 0 {
			return c
		}
		if x.Quantity != y.Quantity {
			return y.Quantity - x.Quantity
		}
		if c := strings.Compare(x.Name, y.Name); c != 0 {
			return c
		}
		return strings.Compare(x.ProductID, y.ProductID)
	})
	if limit > 0 && len(ranking) > limit {
		ranking = ranking[:limit]
	}
	return ranking, nil
}

// DailyBreakdown buckets paid totals per calendar day. Days without sales between
// the bounds are present with zero values. Open bounds fall back to the first and
// last sale.
func (a *Aggregator) DailyBreakdown(ctx context.Context, r domain.PeriodRange) ([]domain.DailyBucket, error) {
	invoices, err := a.paid(ctx, r)
	if err != nil {
		return nil, err
	}

	byDay := map[string]*domain.DailyBucket{}
	var first, last time.Time
	for _, inv := range invoices {
		day := a.startOfDay(inv.CreatedAt)
		if first.IsZero() || day.Before(first) {
			first = day
		}
		if day.After(last) {
			last = day
		}
		key := day.Format(time.DateOnly)
		bucket := byDay[key]
		if bucket == nil {
			bucket = &domain.DailyBucket{Date: key, Total: decimal.Zero}
			byDay[key] = bucket
		}
		bucket.Invoices++
		bucket.Total = bucket.Total.Add(inv.Total)
	}

	if r.From != nil {
		first = a.startOfDay(*r.From)
	}
	if r.To != nil {
		last = a.startOfDay(*r.To)
	}
	if first.IsZero() || last.Before(first) {
		return []domain.DailyBucket{}, nil
	}

	buckets := make([]domain.DailyBucket, 0, len(byDay))
	for day, n := first, 0; !day.After(last); day, n = day.AddDate(0, 0, 1), n+1 {
		if n >= maxBreakdownDays {
			return nil, fmt.Errorf("%w: range exceeds %d days", domain.ErrInvalidInput, maxBreakdownDays)
		}
		key := day.Format(time.DateOnly)
		if bucket, ok := byDay[key]; ok {
			buckets = append(buckets, *bucket)
			continue
		}
		buckets = append(buckets, domain.DailyBucket{Date: key, Total: decimal.Zero})
	}
	return buckets, nil
}

func (a *Aggregator) paid(ctx context.Context, r domain.PeriodRange) ([]domain.Invoice, error) {
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return nil, fmt.Errorf("%w: range ends before it starts", domain.ErrInvalidInput)
	}
	return a.invoices.List(ctx, domain.InvoiceFilter{
		From:   r.From,
		To:     r.To,
		Status: domain.InvoiceStatusPaid,
	})
}

func (a *Aggregator) startOfDay(t time.Time) time.Time {
	t = t.In(a.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.loc)
}
