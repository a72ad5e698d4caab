package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/events"
	"kasirinaja/invoicing/internal/ledger"
	"kasirinaja/invoicing/internal/store/memory"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("broker unavailable")
}
func (failingPublisher) Close() error { return nil }

func newTestService(t *testing.T, publisher events.Publisher) *Service {
	t.Helper()
	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	return New(memory.NewSeeded(nil), publisher, nil, Options{
		InvoicePrefix: "INV",
		Scope:         ledger.ScopeDay,
		Now:           func() time.Time { return clock },
	})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func TestCheckoutStampsSalesmanAuditsAndPublishes(t *testing.T) {
	recorder := &events.Recorder{}
	svc := newTestService(t, recorder)
	ctx := cashierCtx()

	view, err := svc.AddToCart(ctx, "t1", domain.CartLineRequest{Barcode: "8991002304017", Quantity: 3})
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.True(t, view.Totals.Total.Equal(decimal.NewFromInt(7800)))

	inv, err := svc.Checkout(ctx, "t1", domain.CheckoutRequest{AmountReceived: decimal.NewFromInt(10000)})
	require.NoError(t, err)
	assert.Equal(t, "cashier", inv.Salesman)
	assert.Equal(t, "INV20261019001", inv.InvoiceNumber)
	assert.True(t, inv.ChangeReturned.Equal(decimal.NewFromInt(2200)))

	product, err := svc.GetProduct(ctx, "prd-kopi-01")
	require.NoError(t, err)
	assert.Equal(t, 117, product.Stock)

	cart, err := svc.Cart("t1")
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)

	logs, err := svc.ListAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "invoice.create", logs[0].Action)
	assert.Equal(t, "cashier", logs[0].ActorUsername)

	published := recorder.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.InvoiceCreated, published[0].EventType)
	assert.Equal(t, inv.InvoiceNumber, published[0].InvoiceNumber)
}

func TestPublishFailureDoesNotUndoCommittedChange(t *testing.T) {
	svc := newTestService(t, failingPublisher{})
	ctx := cashierCtx()

	_, err := svc.AddToCart(ctx, "t1", domain.CartLineRequest{ProductID: "prd-mie-01", Quantity: 1})
	require.NoError(t, err)
	inv, err := svc.Checkout(ctx, "t1", domain.CheckoutRequest{AmountReceived: decimal.NewFromInt(5000)})
	require.NoError(t, err)

	stored, err := svc.GetInvoice(ctx, inv.InvoiceNumber)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, stored.ID)
}

func TestCartsAreIsolatedPerTerminal(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := cashierCtx()

	_, err := svc.AddToCart(ctx, "t1", domain.CartLineRequest{ProductID: "prd-mie-01", Quantity: 2})
	require.NoError(t, err)
	other, err := svc.Cart("t2")
	require.NoError(t, err)
	assert.Empty(t, other.Lines)

	_, err = svc.Cart("bad/terminal")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestVoidThenDeleteThroughService(t *testing.T) {
	recorder := &events.Recorder{}
	svc := newTestService(t, recorder)
	ctx := cashierCtx()

	_, err := svc.AddToCart(ctx, "t1", domain.CartLineRequest{ProductID: "prd-susu-01", Quantity: 2})
	require.NoError(t, err)
	inv, err := svc.Checkout(ctx, "t1", domain.CheckoutRequest{AmountReceived: decimal.NewFromInt(50000)})
	require.NoError(t, err)

	_, err = svc.VoidInvoice(ctx, inv.ID, domain.VoidInvoiceRequest{Reason: "customer return"})
	require.NoError(t, err)
	_, err = svc.VoidInvoice(ctx, inv.ID, domain.VoidInvoiceRequest{Reason: "again"})
	assert.ErrorIs(t, err, domain.ErrAlreadyVoided)

	product, err := svc.GetProduct(ctx, "prd-susu-01")
	require.NoError(t, err)
	assert.Equal(t, 120, product.Stock)

	_, err = svc.DeleteInvoice(ctx, inv.ID)
	require.NoError(t, err)
	product, err = svc.GetProduct(ctx, "prd-susu-01")
	require.NoError(t, err)
	assert.Equal(t, 120, product.Stock, "deleting a voided invoice must not restock twice")

	types := []events.Type{}
	for _, e := range recorder.Events() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []events.Type{events.InvoiceCreated, events.InvoiceVoided, events.InvoiceDeleted}, types)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := cashierCtx()
	stock := 5
	_, err := svc.UpdateProduct(ctx, "prd-roti-01", domain.ProductUpdateRequest{Stock: &stock})
	require.NoError(t, err)

	const terminals = 8
	for i := range terminals {
		_, err := svc.AddToCart(ctx, terminalName(i), domain.CartLineRequest{ProductID: "prd-roti-01", Quantity: 1})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, outOfStock := 0, 0
	for i := range terminals {
		wg.Add(1)
		go func(terminal string) {
			defer wg.Done()
			_, err := svc.Checkout(ctx, terminal, domain.CheckoutRequest{AmountReceived: decimal.NewFromInt(100000)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(terminalName(i))
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 3, outOfStock)
	product, err := svc.GetProduct(ctx, "prd-roti-01")
	require.NoError(t, err)
	assert.Equal(t, 0, product.Stock)

	invoices, err := svc.ListInvoices(ctx, domain.InvoiceFilter{})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, inv := range invoices {
		assert.False(t, seen[inv.InvoiceNumber], "duplicate %s", inv.InvoiceNumber)
		seen[inv.InvoiceNumber] = true
	}
}

func TestSummaryExcludesVoided(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := cashierCtx()

	_, err := svc.AddToCart(ctx, "t1", domain.CartLineRequest{ProductID: "prd-air-01", Quantity: 2})
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, "t1", domain.CheckoutRequest{AmountReceived: decimal.NewFromInt(7800)})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, "t1", domain.CartLineRequest{ProductID: "prd-air-01", Quantity: 1})
	require.NoError(t, err)
	second, err := svc.Checkout(ctx, "t1", domain.CheckoutRequest{AmountReceived: decimal.NewFromInt(3900)})
	require.NoError(t, err)
	_, err = svc.VoidInvoice(ctx, second.ID, domain.VoidInvoiceRequest{Reason: "duplicate scan"})
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, domain.PeriodRange{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalInvoices)
	assert.True(t, summary.TotalSales.Equal(decimal.NewFromInt(7800)))
	assert.True(t, summary.TotalProfit.Equal(decimal.NewFromInt(1400)))
}

func terminalName(i int) string {
	return "terminal-" + string(rune('a'+i))
}
