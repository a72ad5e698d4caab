// Package checkout turns a cart and a payment into a committed invoice.
package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/ledger"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/metrics"
	"kasirinaja/invoicing/internal/tracing"
	"kasirinaja/invoicing/internal/txn"
	"kasirinaja/invoicing/internal/xid"
)

type Cart interface {
	Lines() []domain.CartLine
	Adjustments() domain.Adjustments
	RemoveConsumed(lines []domain.CartLine)
}

type Stock interface {
	CheckAvailability(ctx context.Context, wanted map[string]int) error
	DebitLines(ctx context.Context, lines []domain.CartLine) error
	CreditLines(ctx context.Context, lines []domain.CartLine) error
}

type Ledger interface {
	Now() time.Time
	ReserveNumber(ctx context.Context) (ledger.Reservation, error)
	ReleaseNumber(ctx context.Context, r ledger.Reservation) error
	Insert(ctx context.Context, inv domain.Invoice) error
}

type Engine struct {
	stock  Stock
	ledger Ledger
	runner *txn.Runner
	logger *zap.Logger
}

func New(stock Stock, ledger Ledger, runner *txn.Runner, logger *zap.Logger) *Engine {
	logger = logging.OrNop(logger)
	if runner == nil {
		runner = txn.NewRunner(logger)
	}
	return &Engine{stock: stock, ledger: ledger, runner: runner, logger: logger}
}

// Checkout commits the cart as a paid invoice. Number reservation, stock debit
// and invoice persistence run as one compensated sequence; on failure stock and
// the number are given back and the cart is left untouched. On success only the
// lines that were invoiced leave the cart.
func (e *Engine) Checkout(ctx context.Context, cart Cart, amountReceived decimal.Decimal, salesman string) (inv domain.Invoice, err error) {
	ctx, span := tracing.StartSpan(ctx, "checkout.Checkout")
	start := time.Now()
	defer func() {
		metrics.CheckoutLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CheckoutFailuresTotal.WithLabelValues(string(failureReason(err))).Inc()
		}
		tracing.EndSpan(span, err)
	}()

	lines := cart.Lines()
	if len(lines) == 0 {
		return domain.Invoice{}, domain.ErrEmptyCart
	}
	adj := cart.Adjustments()
	if err := domain.ValidateAdjustments(adj); err != nil {
		return domain.Invoice{}, err
	}
	totals := domain.ComputeTotals(lines, adj)
	if amountReceived.LessThan(totals.Total) {
		return domain.Invoice{}, &domain.PaymentError{Total: totals.Total.StringFixed(2), Received: amountReceived.String()}
	}
	if err := e.stock.CheckAvailability(ctx, domain.QuantitiesByProduct(lines)); err != nil {
		return domain.Invoice{}, err
	}

	now := e.ledger.Now()
	inv = domain.Invoice{
		ID:        xid.New("inv"),
		Items:     lines,
		Status:    domain.InvoiceStatusPaid,
		Salesman:  salesman,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inv.ApplyTotals(totals, adj, amountReceived)

	var reservation ledger.Reservation
	err = e.runner.Run(ctx, "checkout",
		txn.Step{
			Name: "reserve-number",
			Do: func(ctx context.Context) error {
				r, err := e.ledger.ReserveNumber(ctx)
				if err != nil {
					return err
				}
				reservation = r
				inv.InvoiceNumber = r.Number
				inv.ScopeKey = r.ScopeKey
				return nil
			},
			Undo: func(ctx context.Context) error { return e.ledger.ReleaseNumber(ctx, reservation) },
		},
		txn.Step{
			Name: "debit-stock",
			Do:   func(ctx context.Context) error { return e.stock.DebitLines(ctx, lines) },
			Undo: func(ctx context.Context) error { return e.stock.CreditLines(ctx, lines) },
		},
		txn.Step{
			Name: "persist-invoice",
			Do:   func(ctx context.Context) error { return e.ledger.Insert(ctx, inv) },
		},
	)
	if err != nil {
		return domain.Invoice{}, err
	}
	cart.RemoveConsumed(lines)

	metrics.InvoicesCreatedTotal.Inc()
	e.logger.Info("checkout committed",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("total", inv.Total.StringFixed(2)),
		zap.Int("items", totals.ItemCount),
		zap.String("salesman", salesman))
	return inv, nil
}

func failureReason(err error) metrics.FailureReason {
	switch {
	case errors.Is(err, domain.ErrEmptyCart):
		return metrics.ReasonEmptyCart
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.ReasonInsufficientStock
	case errors.Is(err, domain.ErrInsufficientPayment):
		return metrics.ReasonInsufficientPayment
	case errors.Is(err, domain.ErrPersistence):
		return metrics.ReasonPersistence
	default:
		return metrics.ReasonOther
	}
}
