// Package cart holds the transient per-terminal working set that checkout turns
// into an invoice. A cart never changes stock.
package cart

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"kasirinaja/invoicing/internal/domain"
)

// ProductReader resolves the current catalog state of a product.
type ProductReader interface {
	FindByID(ctx context.Context, id string) (domain.Product, error)
}

type Cart struct {
	mu         sync.Mutex
	terminalID string
	products   ProductReader
	lines      []domain.CartLine
	adj        domain.Adjustments
}

func New(terminalID string, products ProductReader, defaults domain.Adjustments) *Cart {
	return &Cart{
		terminalID: terminalID,
		products:   products,
		adj:        defaults,
	}
}

func (c *Cart) TerminalID() string {
	return c.terminalID
}

// AddLine adds qty units of a product, merging with an existing line. The merged
// quantity must fit the current stock; on failure the cart is unchanged.
func (c *Cart) AddLine(ctx context.Context, productID string, qty int) (domain.CartLine, error) {
	if qty < 1 {
		return domain.CartLine{}, fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidInput)
	}
	product, err := c.products.FindByID(ctx, productID)
	if err != nil {
		return domain.CartLine{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(productID)
	combined := qty
	if idx >= 0 {
		combined += c.lines[idx].Quantity
	}
	if combined > product.Stock {
		return domain.CartLine{}, &domain.StockError{
			ProductID: product.ID,
			Name:      product.Name,
			Requested: combined,
			Available: product.Stock,
		}
	}

	if idx >= 0 {
		c.lines[idx] = c.lines[idx].WithQuantity(combined)
		return c.lines[idx], nil
	}
	line := domain.NewCartLine(product, qty)
	c.lines = append(c.lines, line)
	return line, nil
}

// UpdateLineQuantity sets the quantity of an existing line. A quantity of zero or
// less removes the line.
func (c *Cart) UpdateLineQuantity(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return c.RemoveLine(productID)
	}

	c.mu.Lock()
	present := c.indexOf(productID) >= 0
	c.mu.Unlock()
	if !present {
		return fmt.Errorf("cart line %s: %w", productID, domain.ErrNotFound)
	}

	product, err := c.products.FindByID(ctx, productID)
	if err != nil {
		return err
	}
	if qty > product.Stock {
		return &domain.StockError{ProductID: product.ID, Name: product.Name, Requested: qty, Available: product.Stock}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(productID)
	if idx < 0 {
		return fmt.Errorf("cart line %s: %w", productID, domain.ErrNotFound)
	}
	c.lines[idx] = c.lines[idx].WithQuantity(qty)
	return nil
}

func (c *Cart) RemoveLine(productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(productID)
	if idx < 0 {
		return fmt.Errorf("cart line %s: %w", productID, domain.ErrNotFound)
	}
	c.lines = slices.Delete(c.lines, idx, idx+1)
	return nil
}

func (c *Cart) SetAdjustments(adj domain.Adjustments) error {
	if err := domain.ValidateAdjustments(adj); err != nil {
		return fmt.Errorf("%w: discount and tax must be within 0..100", err)
	}
	c.mu.Lock()
	c.adj = adj
	c.mu.Unlock()
	return nil
}

func (c *Cart) Adjustments() domain.Adjustments {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adj
}

// Lines returns a copy of the current lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CloneLines(c.lines)
}

func (c *Cart) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines) == 0
}

func (c *Cart) Totals() domain.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ComputeTotals(c.lines, c.adj)
}

// Clear empties the cart. Adjustments stay so the next sale on the terminal uses
// the same discount and tax.
func (c *Cart) Clear() {
	c.mu.Lock()
	c.lines = nil
	c.mu.Unlock()
}

// RemoveConsumed takes the quantities of a committed checkout out of the cart.
// Lines added or raised after the checkout read the cart keep the difference.
func (c *Cart) RemoveConsumed(consumed []domain.CartLine) {
	used := domain.QuantitiesByProduct(consumed)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.lines[:0]
	for _, line := range c.lines {
		left := line.Quantity - used[line.ProductID]
		used[line.ProductID] = 0
		if left <= 0 {
			continue
		}
		kept = append(kept, line.WithQuantity(left))
	}
	if len(kept) == 0 {
		kept = nil
	}
	c.lines = kept
}

func (c *Cart) View() domain.CartView {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := domain.CloneLines(c.lines)
	return domain.CartView{
		TerminalID:  c.terminalID,
		Lines:       lines,
		Adjustments: c.adj,
		Totals:      domain.ComputeTotals(lines, c.adj),
	}
}

func (c *Cart) indexOf(productID string) int {
	return slices.IndexFunc(c.lines, func(l domain.CartLine) bool { return l.ProductID == productID })
}
