package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/invoicing/internal/domain"
)

func sampleInvoice() domain.Invoice {
	return domain.Invoice{
		ID:            "inv-1",
		InvoiceNumber: "INV20261019001",
		Status:        domain.InvoiceStatusVoided,
		VoidReason:    "customer return",
		Total:         decimal.RequireFromString("18.9"),
		Items: []domain.CartLine{
			{ProductID: "a", Quantity: 2},
			{ProductID: "b", Quantity: 1},
		},
	}
}

func TestNewInvoiceEvent(t *testing.T) {
	e := NewInvoiceEvent(InvoiceVoided, sampleInvoice(), "admin")

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, 3, e.Items)
	assert.Equal(t, "customer return", e.Reason)
	assert.Equal(t, "invoice-inv-1", e.Key())
}

func TestEncodeMessage(t *testing.T) {
	e := NewInvoiceEvent(InvoiceCreated, sampleInvoice(), "cashier")

	msg, err := encodeMessage(e)
	require.NoError(t, err)
	assert.Equal(t, "invoice-inv-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "invoice.created", string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "INV20261019001", decoded["invoice_number"])
	assert.Equal(t, "18.9", decoded["total"])
}

func TestRecorderKeepsOrder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, Event{EventType: InvoiceCreated}))
	require.NoError(t, r.Publish(ctx, Event{EventType: InvoiceVoided}))

	got := r.Events()
	require.Len(t, got, 2)
	assert.Equal(t, InvoiceVoided, got[1].EventType)
}
