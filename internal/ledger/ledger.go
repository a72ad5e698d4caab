// Package ledger persists invoices and keeps stock consistent when an invoice is
// edited, voided or deleted after checkout.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/catalog"
	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/metrics"
	"kasirinaja/invoicing/internal/store"
	"kasirinaja/invoicing/internal/tracing"
	"kasirinaja/invoicing/internal/txn"
)

// Stock is the part of the catalog the ledger reconciles against.
type Stock interface {
	FindByID(ctx context.Context, id string) (domain.Product, error)
	Apply(ctx context.Context, deltas []domain.StockDelta) error
}

type Options struct {
	Prefix   string
	Scope    Scope
	Location *time.Location
	Now      func() time.Time
}

type Ledger struct {
	mu     sync.Mutex
	kv     store.KV
	stock  Stock
	runner *txn.Runner
	logger *zap.Logger
	prefix string
	scope  Scope
	loc    *time.Location
	now    func() time.Time
}

func New(kv store.KV, stock Stock, runner *txn.Runner, logger *zap.Logger, opts Options) *Ledger {
	logger = logging.OrNop(logger)
	if runner == nil {
		runner = txn.NewRunner(logger)
	}
	if opts.Prefix == "" {
		opts.Prefix = "INV"
	}
	if opts.Scope == "" {
		opts.Scope = ScopeDay
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		kv:     kv,
		stock:  stock,
		runner: runner,
		logger: logger,
		prefix: opts.Prefix,
		scope:  opts.Scope,
		loc:    opts.Location,
		now:    opts.Now,
	}
}

// Now is the ledger clock, shared with checkout so invoice timestamps and number
// scopes agree.
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) Location() *time.Location {
	return l.loc
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.Invoice, error) {
	invoices, err := l.load(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	for _, inv := range invoices {
		if inv.ID == id {
			return inv, nil
		}
	}
	return domain.Invoice{}, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (domain.Invoice, error) {
	number = strings.TrimSpace(number)
	invoices, err := l.load(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	for _, inv := range invoices {
		if inv.InvoiceNumber == number {
			return inv, nil
		}
	}
	return domain.Invoice{}, fmt.Errorf("invoice %s: %w", number, domain.ErrNotFound)
}

// List returns matching invoices, most recent first. Bounds are inclusive.
func (l *Ledger) List(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	invoices, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if matches(inv, filter) {
			result = append(result, inv)
		}
	}
	slices.SortFunc(result, func(a, b domain.Invoice) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.InvoiceNumber, a.InvoiceNumber)
	})
	return result, nil
}

// Insert stores a new invoice. The number must not already be in use.
func (l *Ledger) Insert(ctx context.Context, inv domain.Invoice) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	invoices, err := l.load(ctx)
	if err != nil {
		return err
	}
	for _, existing := range invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
		}
	}
	invoices = append(invoices, domain.CloneInvoice(inv))
	return store.SaveCollection(ctx, l.kv, store.InvoicesKey, invoices)
}

// Update edits a paid invoice. Changed items are reconciled as one net stock
// adjustment, reversed again if the invoice cannot be persisted.
func (l *Ledger) Update(ctx context.Context, id string, req domain.InvoiceUpdateRequest) (inv domain.Invoice, err error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Update")
	defer func() { tracing.EndSpan(span, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	invoices, err := l.load(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	idx := indexOf(invoices, id)
	if idx < 0 {
		return domain.Invoice{}, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
	}
	current := invoices[idx]
	if current.Status == domain.InvoiceStatusVoided {
		return domain.Invoice{}, domain.ErrCannotModifyVoided
	}

	lines := domain.CloneLines(current.Items)
	if req.Items != nil {
		if lines, err = l.resolveLines(ctx, current.Items, req.Items); err != nil {
			return domain.Invoice{}, err
		}
	}
	adj := domain.Adjustments{DiscountPercent: current.DiscountPercent, TaxRate: current.TaxRate}
	if req.DiscountPercent != nil {
		adj.DiscountPercent = *req.DiscountPercent
	}
	if req.TaxRate != nil {
		adj.TaxRate = *req.TaxRate
	}
	if err := domain.ValidateAdjustments(adj); err != nil {
		return domain.Invoice{}, fmt.Errorf("%w: discount and tax must be within 0..100", err)
	}
	received := current.AmountReceived
	if req.AmountReceived != nil {
		received = *req.AmountReceived
	}

	totals := domain.ComputeTotals(lines, adj)
	if received.LessThan(totals.Total) {
		return domain.Invoice{}, &domain.PaymentError{Total: totals.Total.StringFixed(2), Received: received.String()}
	}

	updated := domain.CloneInvoice(current)
	updated.Items = lines
	updated.ApplyTotals(totals, adj, received)
	updated.UpdatedAt = l.now()

	deltas := append(stockDeltas(current.Items, 1), stockDeltas(lines, -1)...)
	next := slices.Clone(invoices)
	next[idx] = updated

	err = l.runner.Run(ctx, "invoice.update",
		txn.Step{
			Name: "adjust-stock",
			Do:   func(ctx context.Context) error { return l.stock.Apply(ctx, deltas) },
			Undo: func(ctx context.Context) error { return l.stock.Apply(ctx, catalog.Reverse(deltas)) },
		},
		txn.Step{
			Name: "persist-invoice",
			Do: func(ctx context.Context) error {
				return store.SaveCollection(ctx, l.kv, store.InvoicesKey, next)
			},
		},
	)
	if err != nil {
		return domain.Invoice{}, err
	}

	metrics.InvoicesUpdatedTotal.Inc()
	l.logger.Info("invoice updated",
		zap.String("invoice_number", updated.InvoiceNumber),
		zap.String("total", updated.Total.StringFixed(2)))
	return updated, nil
}

// Void credits back every item of a paid invoice and marks it voided. A second
// void is rejected.
func (l *Ledger) Void(ctx context.Context, id string, reason string) (inv domain.Invoice, err error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Void")
	defer func() { tracing.EndSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Invoice{}, fmt.Errorf("%w: void reason is required", domain.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	invoices, err := l.load(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	idx := indexOf(invoices, id)
	if idx < 0 {
		return domain.Invoice{}, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
	}
	current := invoices[idx]
	if current.Status == domain.InvoiceStatusVoided {
		return domain.Invoice{}, domain.ErrAlreadyVoided
	}

	now := l.now()
	voided := domain.CloneInvoice(current)
	voided.Status = domain.InvoiceStatusVoided
	voided.VoidReason = reason
	voided.VoidedAt = &now
	voided.UpdatedAt = now

	next := slices.Clone(invoices)
	next[idx] = voided

	err = l.runner.Run(ctx, "invoice.void",
		l.restockStep(current.Items),
		txn.Step{
			Name: "persist-invoice",
			Do: func(ctx context.Context) error {
				return store.SaveCollection(ctx, l.kv, store.InvoicesKey, next)
			},
		},
	)
	if err != nil {
		return domain.Invoice{}, err
	}

	metrics.InvoicesVoidedTotal.Inc()
	l.logger.Info("invoice voided",
		zap.String("invoice_number", voided.InvoiceNumber),
		zap.String("reason", reason))
	return voided, nil
}

// Delete removes an invoice. A paid invoice is restocked first, as in Void.
func (l *Ledger) Delete(ctx context.Context, id string) (inv domain.Invoice, err error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Delete")
	defer func() { tracing.EndSpan(span, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	invoices, err := l.load(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	idx := indexOf(invoices, id)
	if idx < 0 {
		return domain.Invoice{}, fmt.Errorf("invoice %s: %w", id, domain.ErrNotFound)
	}
	removed := invoices[idx]
	next := slices.Delete(slices.Clone(invoices), idx, idx+1)

	steps := make([]txn.Step, 0, 2)
	if removed.Status == domain.InvoiceStatusPaid {
		steps = append(steps, l.restockStep(removed.Items))
	}
	steps = append(steps, txn.Step{
		Name: "persist-removal",
		Do: func(ctx context.Context) error {
			return store.SaveCollection(ctx, l.kv, store.InvoicesKey, next)
		},
	})
	if err := l.runner.Run(ctx, "invoice.delete", steps...); err != nil {
		return domain.Invoice{}, err
	}

	metrics.InvoicesDeletedTotal.Inc()
	l.logger.Info("invoice deleted", zap.String("invoice_number", removed.InvoiceNumber))
	return removed, nil
}

func (l *Ledger) restockStep(items []domain.CartLine) txn.Step {
	credit := stockDeltas(items, 1)
	return txn.Step{
		Name: "restock",
		Do:   func(ctx context.Context) error { return l.stock.Apply(ctx, credit) },
		Undo: func(ctx context.Context) error { return l.stock.Apply(ctx, catalog.Reverse(credit)) },
	}
}

// resolveLines builds the new item set. Products already on the invoice keep
// their price snapshot; new products take the current catalog price.
func (l *Ledger) resolveLines(ctx context.Context, old []domain.CartLine, reqs []domain.LineRequest) ([]domain.CartLine, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: an invoice needs at least one item", domain.ErrEmptyCart)
	}
	order := make([]string, 0, len(reqs))
	qty := make(map[string]int, len(reqs))
	for _, r := range reqs {
		if r.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", domain.ErrInvalidInput, r.ProductID)
		}
		if _, seen := qty[r.ProductID]; !seen {
			order = append(order, r.ProductID)
		}
		qty[r.ProductID] += r.Quantity
	}

	lines := make([]domain.CartLine, 0, len(order))
	for _, productID := range order {
		if i := slices.IndexFunc(old, func(line domain.CartLine) bool { return line.ProductID == productID }); i >= 0 {
			lines = append(lines, old[i].WithQuantity(qty[productID]))
			continue
		}
		product, err := l.stock.FindByID(ctx, productID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, domain.NewCartLine(product, qty[productID]))
	}
	return lines, nil
}

func (l *Ledger) load(ctx context.Context) ([]domain.Invoice, error) {
	return store.LoadCollection[domain.Invoice](ctx, l.kv, store.InvoicesKey)
}

func stockDeltas(lines []domain.CartLine, sign int) []domain.StockDelta {
	deltas := make([]domain.StockDelta, 0, len(lines))
	for _, line := range lines {
		deltas = append(deltas, domain.StockDelta{ProductID: line.ProductID, Qty: sign * line.Quantity})
	}
	return deltas
}

func indexOf(invoices []domain.Invoice, id string) int {
	return slices.IndexFunc(invoices, func(inv domain.Invoice) bool { return inv.ID == id })
}

func matches(inv domain.Invoice, f domain.InvoiceFilter) bool {
	if f.From != nil && inv.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && inv.CreatedAt.After(*f.To) {
		return false
	}
	if f.Status != "" && inv.Status != f.Status {
		return false
	}
	if f.MinTotal != nil && inv.Total.LessThan(*f.MinTotal) {
		return false
	}
	if f.MaxTotal != nil && inv.Total.GreaterThan(*f.MaxTotal) {
		return false
	}
	return true
}
