// Package service is the application facade over the invoicing engine. It owns
// the per-terminal carts, serializes stock-changing operations and records the
// audit trail.
package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/analytics"
	"kasirinaja/invoicing/internal/cart"
	"kasirinaja/invoicing/internal/catalog"
	"kasirinaja/invoicing/internal/checkout"
	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/events"
	"kasirinaja/invoicing/internal/ledger"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/store"
	"kasirinaja/invoicing/internal/txn"
	"kasirinaja/invoicing/internal/xid"
)

const (
	maxAuditEntries = 5000
	publishTimeout  = 5 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	InvoicePrefix  string
	Scope          ledger.Scope
	Location       *time.Location
	DefaultTaxRate decimal.Decimal
	Now            func() time.Time
}

type Service struct {
	// engineMu serializes checkout and invoice reconciliation so stock validation
	// and the debit that follows never interleave.
	engineMu sync.Mutex

	cartsMu sync.Mutex
	carts   map[string]*cart.Cart

	auditMu sync.Mutex

	kv         store.KV
	catalog    *catalog.Catalog
	ledger     *ledger.Ledger
	checkout   *checkout.Engine
	analytics  *analytics.Aggregator
	publisher  events.Publisher
	logger     *zap.Logger
	defaultAdj domain.Adjustments
}

func New(kv store.KV, publisher events.Publisher, logger *zap.Logger, opts Options) *Service {
	logger = logging.OrNop(logger)
	if publisher == nil {
		publisher = events.Noop{}
	}
	runner := txn.NewRunner(logger)
	products := catalog.New(kv, logger)
	invoices := ledger.New(kv, products, runner, logger, ledger.Options{
		Prefix:   opts.InvoicePrefix,
		Scope:    opts.Scope,
		Location: opts.Location,
		Now:      opts.Now,
	})

	return &Service{
		carts:      make(map[string]*cart.Cart),
		kv:         kv,
		catalog:    products,
		ledger:     invoices,
		checkout:   checkout.New(products, invoices, runner, logger),
		analytics:  analytics.New(invoices, invoices.Location()),
		publisher:  publisher,
		logger:     logger,
		defaultAdj: domain.Adjustments{DiscountPercent: decimal.Zero, TaxRate: opts.DefaultTaxRate},
	}
}

// Products

func (s *Service) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	return s.catalog.Search(ctx, query)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return s.catalog.FindByID(ctx, id)
}

func (s *Service) ProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	return s.catalog.FindByBarcode(ctx, barcode)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	product, err := s.catalog.Create(ctx, req)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.create", "product", product.ID,
		fmt.Sprintf("barcode=%s price=%s stock=%d", product.Barcode, product.SellingPrice, product.Stock))
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if req.Stock != nil {
		s.engineMu.Lock()
		defer s.engineMu.Unlock()
	}
	before, err := s.catalog.FindByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.catalog.Update(ctx, id, req)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.update", "product", product.ID,
		fmt.Sprintf("price=%s->%s stock=%d->%d", before.SellingPrice, product.SellingPrice, before.Stock, product.Stock))
	return product, nil
}

// Carts

func (s *Service) Cart(terminalID string) (domain.CartView, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

// AddToCart resolves the product by id, or by barcode when no id is given.
func (s *Service) AddToCart(ctx context.Context, terminalID string, req domain.CartLineRequest) (domain.CartView, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		if strings.TrimSpace(req.Barcode) == "" {
			return domain.CartView{}, fmt.Errorf("%w: product_id or barcode is required", domain.ErrInvalidInput)
		}
		product, err := s.catalog.FindByBarcode(ctx, req.Barcode)
		if err != nil {
			return domain.CartView{}, err
		}
		productID = product.ID
	}
	if _, err := c.AddLine(ctx, productID, req.Quantity); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

func (s *Service) UpdateCartLine(ctx context.Context, terminalID string, productID string, qty int) (domain.CartView, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := c.UpdateLineQuantity(ctx, productID, qty); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

func (s *Service) RemoveCartLine(terminalID string, productID string) (domain.CartView, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := c.RemoveLine(productID); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

func (s *Service) SetCartAdjustments(terminalID string, adj domain.Adjustments) (domain.CartView, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := c.SetAdjustments(adj); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

func (s *Service) ClearCart(terminalID string) (domain.CartView, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	c.Clear()
	return c.View(), nil
}

// Checkout commits the terminal's cart. The authenticated operator is recorded as
// the salesman.
func (s *Service) Checkout(ctx context.Context, terminalID string, req domain.CheckoutRequest) (domain.Invoice, error) {
	c, err := s.cartFor(terminalID)
	if err != nil {
		return domain.Invoice{}, err
	}
	actor := actorOrSystem(ctx)

	s.engineMu.Lock()
	inv, err := s.checkout.Checkout(ctx, c, req.AmountReceived, actor.Username)
	s.engineMu.Unlock()
	if err != nil {
		s.logger.Warn("checkout rejected",
			zap.String("terminal_id", terminalID),
			zap.String("actor", actor.Username),
			zap.Error(err))
		return domain.Invoice{}, err
	}

	s.logAudit(ctx, "invoice.create", "invoice", inv.ID,
		fmt.Sprintf("number=%s total=%s terminal=%s", inv.InvoiceNumber, inv.Total.StringFixed(2), terminalID))
	s.publish(ctx, events.NewInvoiceEvent(events.InvoiceCreated, inv, actor.Username))
	return inv, nil
}

// Invoices

func (s *Service) ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	return s.ledger.List(ctx, filter)
}

// GetInvoice accepts either an invoice id or an invoice number.
func (s *Service) GetInvoice(ctx context.Context, ref string) (domain.Invoice, error) {
	inv, err := s.ledger.Get(ctx, ref)
	if err == nil {
		return inv, nil
	}
	return s.ledger.GetByNumber(ctx, ref)
}

func (s *Service) UpdateInvoice(ctx context.Context, id string, req domain.InvoiceUpdateRequest) (domain.Invoice, error) {
	s.engineMu.Lock()
	inv, err := s.ledger.Update(ctx, id, req)
	s.engineMu.Unlock()
	if err != nil {
		return domain.Invoice{}, err
	}
	actor := actorOrSystem(ctx)
	s.logAudit(ctx, "invoice.update", "invoice", inv.ID,
		fmt.Sprintf("number=%s total=%s items=%d", inv.InvoiceNumber, inv.Total.StringFixed(2), len(inv.Items)))
	s.publish(ctx, events.NewInvoiceEvent(events.InvoiceUpdated, inv, actor.Username))
	return inv, nil
}

func (s *Service) VoidInvoice(ctx context.Context, id string, req domain.VoidInvoiceRequest) (domain.Invoice, error) {
	s.engineMu.Lock()
	inv, err := s.ledger.Void(ctx, id, req.Reason)
	s.engineMu.Unlock()
	if err != nil {
		return domain.Invoice{}, err
	}
	actor := actorOrSystem(ctx)
	s.logAudit(ctx, "invoice.void", "invoice", inv.ID,
		fmt.Sprintf("number=%s reason=%s", inv.InvoiceNumber, inv.VoidReason))
	s.publish(ctx, events.NewInvoiceEvent(events.InvoiceVoided, inv, actor.Username))
	return inv, nil
}

func (s *Service) DeleteInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	s.engineMu.Lock()
	inv, err := s.ledger.Delete(ctx, id)
	s.engineMu.Unlock()
	if err != nil {
		return domain.Invoice{}, err
	}
	actor := actorOrSystem(ctx)
	s.logAudit(ctx, "invoice.delete", "invoice", inv.ID,
		fmt.Sprintf("number=%s status=%s", inv.InvoiceNumber, inv.Status))
	s.publish(ctx, events.NewInvoiceEvent(events.InvoiceDeleted, inv, actor.Username))
	return inv, nil
}

// Analytics

func (s *Service) Summary(ctx context.Context, r domain.PeriodRange) (domain.PeriodTotals, error) {
	return s.analytics.TotalsForPeriod(ctx, r)
}

func (s *Service) TopProducts(ctx context.Context, r domain.PeriodRange, limit int) ([]domain.ProductRanking, error) {
	return s.analytics.TopProducts(ctx, r, limit)
}

func (s *Service) DailyBreakdown(ctx context.Context, r domain.PeriodRange) ([]domain.DailyBucket, error) {
	return s.analytics.DailyBreakdown(ctx, r)
}

// Location is the zone used for numbering scopes and daily buckets.
func (s *Service) Location() *time.Location {
	return s.ledger.Location()
}

// Audit

// ListAuditLogs returns the newest entries first.
func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	logs, err := store.LoadCollection[domain.AuditLog](ctx, s.kv, store.AuditLogsKey)
	if err != nil {
		return nil, err
	}
	slices.Reverse(logs)
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// logAudit is best-effort: a failed write is logged and never fails the
// operation that triggered it.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)
	entry := domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	s.logger.Info("audit",
		zap.String("action", action),
		zap.String("entity", entityType+"/"+entityID),
		zap.String("actor", actor.Username),
		zap.String("detail", detail))

	ctx = context.WithoutCancel(ctx)
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	logs, err := store.LoadCollection[domain.AuditLog](ctx, s.kv, store.AuditLogsKey)
	if err == nil {
		logs = append(logs, entry)
		if len(logs) > maxAuditEntries {
			logs = logs[len(logs)-maxAuditEntries:]
		}
		err = store.SaveCollection(ctx, s.kv, store.AuditLogsKey, logs)
	}
	if err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

// publish runs after the change is committed; a failure only gets logged.
func (s *Service) publish(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.EventType)),
			zap.String("invoice_id", event.InvoiceID),
			zap.Error(err))
	}
}

func (s *Service) cartFor(terminalID string) (*cart.Cart, error) {
	terminalID = strings.TrimSpace(terminalID)
	if err := ValidateTerminalID(terminalID); err != nil {
		return nil, err
	}

	s.cartsMu.Lock()
	defer s.cartsMu.Unlock()
	c, ok := s.carts[terminalID]
	if !ok {
		c = cart.New(terminalID, s.catalog, s.defaultAdj)
		s.carts[terminalID] = c
	}
	return c, nil
}

func ValidateTerminalID(terminalID string) error {
	if terminalID == "" {
		return fmt.Errorf("%w: terminal id is required", domain.ErrInvalidInput)
	}
	if len(terminalID) > 64 || strings.ContainsAny(terminalID, "/ \t\r\n") {
		return fmt.Errorf("%w: terminal id must be at most 64 characters without spaces or slashes", domain.ErrInvalidInput)
	}
	return nil
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}
