package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/store"
)

func TestNumbersIncreaseWithinDayAndRestartNextDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var numbers []string
	for range 3 {
		r, err := f.ledger.ReserveNumber(ctx)
		require.NoError(t, err)
		numbers = append(numbers, r.Number)
	}
	assert.Equal(t, []string{"INV20261019001", "INV20261019002", "INV20261019003"}, numbers)

	f.clock = f.clock.Add(24 * time.Hour)
	r, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV20261020001", r.Number)
}

func TestScopeFollowsConfiguredTimezone(t *testing.T) {
	f := newFixture(t)
	jakarta := time.FixedZone("WIB", 7*3600)
	f.ledger.loc = jakarta
	f.clock = time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)

	r, err := f.ledger.ReserveNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "INV20261020001", r.Number)
}

func TestMonthScopeKey(t *testing.T) {
	f := newFixture(t)
	f.ledger.scope = ScopeMonth

	r, err := f.ledger.ReserveNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "INV202610001", r.Number)
	assert.Equal(t, "202610", r.ScopeKey)
}

func TestReleaseOnlyHandsBackTheLatestNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	second, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)

	require.NoError(t, f.ledger.ReleaseNumber(ctx, first))
	third, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV20261019003", third.Number)

	require.NoError(t, f.ledger.ReleaseNumber(ctx, third))
	again, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, third.Number, again.Number)
	assert.NotEqual(t, second.Number, again.Number)
}

func TestCounterSeedsFromLegacyInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy := []domain.Invoice{
		{ID: "inv-1", InvoiceNumber: "INV20261019001", Status: domain.InvoiceStatusPaid},
		{ID: "inv-2", InvoiceNumber: "INV20261019004", Status: domain.InvoiceStatusVoided},
		{ID: "inv-3", InvoiceNumber: "INV20261018007", Status: domain.InvoiceStatusPaid},
	}
	require.NoError(t, store.SaveCollection(ctx, f.kv, store.InvoicesKey, legacy))

	r, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV20261019005", r.Number)
}

func TestReserveDetectsDuplicateNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.SaveValue(ctx, f.kv, counterKey("20261019"), 0))
	require.NoError(t, store.SaveCollection(ctx, f.kv, store.InvoicesKey, []domain.Invoice{
		{ID: "inv-1", InvoiceNumber: "INV20261019001"},
	}))

	_, err := f.ledger.ReserveNumber(ctx)
	assert.ErrorIs(t, err, domain.ErrDuplicateInvoiceNumber)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeDay, s)

	s, err = ParseScope("Month")
	require.NoError(t, err)
	assert.Equal(t, ScopeMonth, s)

	_, err = ParseScope("week")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMonthCounterIgnoresDayScopedNumbers(t *testing.T) {
	f := newFixture(t)
	f.ledger.scope = ScopeMonth
	ctx := context.Background()
	require.NoError(t, store.SaveCollection(ctx, f.kv, store.InvoicesKey, []domain.Invoice{
		{ID: "inv-1", InvoiceNumber: "INV20261019001", ScopeKey: "20261019"},
		{ID: "inv-2", InvoiceNumber: "INV20261019002", ScopeKey: "20261019"},
		{ID: "inv-3", InvoiceNumber: "INV20261018004"},
		{ID: "inv-4", InvoiceNumber: "INV202610002"},
	}))

	r, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, Reservation{Number: "INV202610003", ScopeKey: "202610", Seq: 3}, r)
}

func TestSequenceGrowsPastThreeDigits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.SaveValue(ctx, f.kv, counterKey("20261019"), 999))

	r, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV202610191000", r.Number)
	assert.Equal(t, 1000, r.Seq)

	next, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV202610191001", next.Number)
}

func TestLegacySeedReadsFourDigitSuffix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.SaveCollection(ctx, f.kv, store.InvoicesKey, []domain.Invoice{
		{ID: "inv-1", InvoiceNumber: "INV202610191000"},
	}))

	r, err := f.ledger.ReserveNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV202610191001", r.Number)
}
