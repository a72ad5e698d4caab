// Package events publishes invoice lifecycle notifications after a change has
// been committed. Publishing is best-effort.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kasirinaja/invoicing/internal/domain"
)

type Type string

const (
	InvoiceCreated Type = "invoice.created"
	InvoiceUpdated Type = "invoice.updated"
	InvoiceVoided  Type = "invoice.voided"
	InvoiceDeleted Type = "invoice.deleted"
)

type Event struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	InvoiceID     string          `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Status        string          `json:"status"`
	Total         decimal.Decimal `json:"total"`
	Items         int             `json:"items"`
	Actor         string          `json:"actor,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewInvoiceEvent describes inv as it is after the change.
func NewInvoiceEvent(t Type, inv domain.Invoice, actor string) Event {
	items := 0
	for _, line := range inv.Items {
		items += line.Quantity
	}
	return Event{
		EventID:       uuid.NewString(),
		EventType:     t,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Status:        inv.Status,
		Total:         inv.Total,
		Items:         items,
		Actor:         actor,
		Reason:        inv.VoidReason,
		OccurredAt:    time.Now().UTC(),
	}
}

// Key partitions events so every change of one invoice stays ordered.
func (e Event) Key() string {
	return "invoice-" + e.InvoiceID
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	dup := make([]Event, len(r.events))
	copy(dup, r.events)
	return dup
}
