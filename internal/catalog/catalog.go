// Package catalog owns products and is the single place where stock changes.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/metrics"
	"kasirinaja/invoicing/internal/store"
	"kasirinaja/invoicing/internal/xid"
)

type Catalog struct {
	mu     sync.Mutex
	kv     store.KV
	logger *zap.Logger
	now    func() time.Time
}

func New(kv store.KV, logger *zap.Logger) *Catalog {
	return &Catalog{
		kv:     kv,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Catalog) List(ctx context.Context) ([]domain.Product, error) {
	products, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (c *Catalog) FindByID(ctx context.Context, id string) (domain.Product, error) {
	products, err := c.load(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
}

func (c *Catalog) FindByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	products, err := c.load(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if p.Barcode == barcode {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("barcode %s: %w", barcode, domain.ErrNotFound)
}

// Search matches query case-insensitively against name, barcode and category. An
// empty query lists everything.
func (c *Catalog) Search(ctx context.Context, query string) ([]domain.Product, error) {
	products, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return products, nil
	}

	result := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.Barcode), needle) ||
			strings.Contains(strings.ToLower(p.Category), needle) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (c *Catalog) Create(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	now := c.now()
	product := domain.Product{
		ID:           xid.New("prd"),
		Barcode:      strings.TrimSpace(req.Barcode),
		Name:         strings.TrimSpace(req.Name),
		Category:     strings.TrimSpace(req.Category),
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		Stock:        req.InitialStock,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := validateProduct(product); err != nil {
		return domain.Product{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	products, err := c.load(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if p.Barcode == product.Barcode {
			return domain.Product{}, fmt.Errorf("%w: barcode %s already registered", domain.ErrInvalidInput, product.Barcode)
		}
	}

	products = append(products, product)
	if err := store.SaveCollection(ctx, c.kv, store.ProductsKey, products); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

// Update applies an administrative edit. Stock may be set directly here but never
// below zero.
func (c *Catalog) Update(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	products, err := c.load(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	idx := slices.IndexFunc(products, func(p domain.Product) bool { return p.ID == id })
	if idx < 0 {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}

	updated := products[idx]
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.CostPrice != nil {
		updated.CostPrice = *req.CostPrice
	}
	if req.SellingPrice != nil {
		updated.SellingPrice = *req.SellingPrice
	}
	if req.Stock != nil {
		updated.Stock = *req.Stock
	}
	if err := validateProduct(updated); err != nil {
		return domain.Product{}, err
	}
	for i, p := range products {
		if i != idx && p.Barcode == updated.Barcode {
			return domain.Product{}, fmt.Errorf("%w: barcode %s already registered", domain.ErrInvalidInput, updated.Barcode)
		}
	}

	updated.UpdatedAt = c.now()
	products[idx] = updated
	if err := store.SaveCollection(ctx, c.kv, store.ProductsKey, products); err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

// DebitStock removes qty units. It fails without mutating when qty exceeds stock.
func (c *Catalog) DebitStock(ctx context.Context, id string, qty int) error {
	if qty < 1 {
		return domain.ErrInvalidInput
	}
	return c.Apply(ctx, []domain.StockDelta{{ProductID: id, Qty: -qty}})
}

// CreditStock adds qty units back. Callers only credit what they debited before.
func (c *Catalog) CreditStock(ctx context.Context, id string, qty int) error {
	if qty < 1 {
		return domain.ErrInvalidInput
	}
	return c.Apply(ctx, []domain.StockDelta{{ProductID: id, Qty: qty}})
}

func (c *Catalog) DebitLines(ctx context.Context, lines []domain.CartLine) error {
	return c.Apply(ctx, linesToDeltas(lines, -1))
}

func (c *Catalog) CreditLines(ctx context.Context, lines []domain.CartLine) error {
	return c.Apply(ctx, linesToDeltas(lines, 1))
}

// Apply validates every delta against current stock and then persists the whole
// collection once, so either all deltas land or none do.
func (c *Catalog) Apply(ctx context.Context, deltas []domain.StockDelta) error {
	merged := mergeDeltas(deltas)
	if len(merged) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	products, err := c.load(ctx)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(products))
	for i, p := range products {
		index[p.ID] = i
	}

	now := c.now()
	debited, credited := 0, 0
	for _, d := range merged {
		i, ok := index[d.ProductID]
		if !ok {
			return fmt.Errorf("product %s: %w", d.ProductID, domain.ErrNotFound)
		}
		next := products[i].Stock + d.Qty
		if next < 0 {
			return &domain.StockError{
				ProductID: d.ProductID,
				Name:      products[i].Name,
				Requested: -d.Qty,
				Available: products[i].Stock,
			}
		}
		products[i].Stock = next
		products[i].UpdatedAt = now
		if d.Qty < 0 {
			debited -= d.Qty
		} else {
			credited += d.Qty
		}
	}

	if err := store.SaveCollection(ctx, c.kv, store.ProductsKey, products); err != nil {
		return err
	}
	metrics.StockMovementsTotal.WithLabelValues("debit").Add(float64(debited))
	metrics.StockMovementsTotal.WithLabelValues("credit").Add(float64(credited))
	c.logger.Debug("stock adjusted", zap.Int("products", len(merged)), zap.Int("debited", debited), zap.Int("credited", credited))
	return nil
}

// CheckAvailability reports the first product whose stock cannot cover the wanted
// quantity. It never writes.
func (c *Catalog) CheckAvailability(ctx context.Context, wanted map[string]int) error {
	products, err := c.load(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
		if wanted[id] > p.Stock {
			return &domain.StockError{ProductID: id, Name: p.Name, Requested: wanted[id], Available: p.Stock}
		}
	}
	return nil
}

func (c *Catalog) load(ctx context.Context) ([]domain.Product, error) {
	return store.LoadCollection[domain.Product](ctx, c.kv, store.ProductsKey)
}

func validateProduct(p domain.Product) error {
	if p.Barcode == "" || p.Name == "" {
		return fmt.Errorf("%w: barcode and name are required", domain.ErrInvalidInput)
	}
	if p.CostPrice.IsNegative() {
		return fmt.Errorf("%w: cost price must not be negative", domain.ErrInvalidInput)
	}
	if !p.SellingPrice.GreaterThan(p.CostPrice) {
		return fmt.Errorf("%w: selling price must exceed cost price", domain.ErrInvalidInput)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", domain.ErrInvalidInput)
	}
	return nil
}

func linesToDeltas(lines []domain.CartLine, sign int) []domain.StockDelta {
	deltas := make([]domain.StockDelta, 0, len(lines))
	for _, line := range lines {
		deltas = append(deltas, domain.StockDelta{ProductID: line.ProductID, Qty: sign * line.Quantity})
	}
	return deltas
}

// mergeDeltas sums deltas per product, keeping first-seen order and dropping
// zero results.
func mergeDeltas(deltas []domain.StockDelta) []domain.StockDelta {
	order := make([]string, 0, len(deltas))
	sums := make(map[string]int, len(deltas))
	for _, d := range deltas {
		if _, seen := sums[d.ProductID]; !seen {
			order = append(order, d.ProductID)
		}
		sums[d.ProductID] += d.Qty
	}
	merged := make([]domain.StockDelta, 0, len(order))
	for _, id := range order {
		if sums[id] != 0 {
			merged = append(merged, domain.StockDelta{ProductID: id, Qty: sums[id]})
		}
	}
	return merged
}

// Reverse negates every delta.
func Reverse(deltas []domain.StockDelta) []domain.StockDelta {
	out := make([]domain.StockDelta, len(deltas))
	for i, d := range deltas {
		out[i] = domain.StockDelta{ProductID: d.ProductID, Qty: -d.Qty}
	}
	return out
}
