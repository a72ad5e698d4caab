package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/store"
)

// Scope is the period within which invoice numbers are unique and sequential.
type Scope string

const (
	ScopeDay   Scope = "day"
	ScopeMonth Scope = "month"
	ScopeYear  Scope = "year"
)

func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeDay:
		return ScopeDay, nil
	case ScopeMonth:
		return ScopeMonth, nil
	case ScopeYear:
		return ScopeYear, nil
	}
	return "", fmt.Errorf("%w: unknown numbering scope %q", domain.ErrInvalidInput, raw)
}

// Key renders t as the scope's date component, e.g. 20261019 for a day scope.
func (s Scope) Key(t time.Time) string {
	switch s {
	case ScopeMonth:
		return t.Format("200601")
	case ScopeYear:
		return t.Format("2006")
	default:
		return t.Format("20060102")
	}
}

// Reservation is an invoice number handed out but not yet committed.
type Reservation struct {
	Number   string
	ScopeKey string
	Seq      int
}

func counterKey(scopeKey string) string {
	return "invoice_seq/" + scopeKey
}

// ReserveNumber advances the counter of the current scope and returns the next
// number. A scope without a counter is seeded from the invoices already in it.
func (l *Ledger) ReserveNumber(ctx context.Context) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scopeKey := l.scope.Key(l.now().In(l.loc))
	invoices, err := l.load(ctx)
	if err != nil {
		return Reservation{}, err
	}

	seq, ok, err := store.LoadValue[int](ctx, l.kv, counterKey(scopeKey))
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		seq = l.seedSequence(invoices, scopeKey)
		if seq > 0 {
			l.logger.Info("seeded invoice counter from existing invoices",
				zap.String("scope", scopeKey), zap.Int("seq", seq))
		}
	}

	next := seq + 1
	number := l.format(scopeKey, next)
	for _, inv := range invoices {
		if inv.InvoiceNumber == number {
			return Reservation{}, fmt.Errorf("%w: %s", domain.ErrDuplicateInvoiceNumber, number)
		}
	}

	if err := store.SaveValue(ctx, l.kv, counterKey(scopeKey), next); err != nil {
		return Reservation{}, err
	}
	return Reservation{Number: number, ScopeKey: scopeKey, Seq: next}, nil
}

// ReleaseNumber hands a reserved number back when nothing was issued after it.
// Otherwise the number is left as a gap.
func (l *Ledger) ReleaseNumber(ctx context.Context, r Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok, err := store.LoadValue[int](ctx, l.kv, counterKey(r.ScopeKey))
	if err != nil {
		return err
	}
	if !ok || current != r.Seq {
		l.logger.Info("invoice number left as gap", zap.String("number", r.Number))
		return nil
	}
	return store.SaveValue(ctx, l.kv, counterKey(r.ScopeKey), r.Seq-1)
}

// seedSequence derives the last issued sequence of a scope from stored invoices.
// It takes the larger of the invoice count and the highest parsed suffix so a
// deleted invoice never leads to a reused number. Invoices stored without a
// scope key are matched on the number alone; their suffix must be a plain
// sequence, which keeps numbers of a finer scope (INV20261019002 under the
// month base INV202610) out of the count.
func (l *Ledger) seedSequence(invoices []domain.Invoice, scopeKey string) int {
	base := l.prefix + scopeKey
	count, highest := 0, 0
	for _, inv := range invoices {
		if inv.ScopeKey != "" && inv.ScopeKey != scopeKey {
			continue
		}
		suffix, ok := strings.CutPrefix(inv.InvoiceNumber, base)
		if inv.ScopeKey == "" && (!ok || !isSequence(suffix)) {
			continue
		}
		count++
		if n, err := strconv.Atoi(suffix); ok && err == nil && n > highest {
			highest = n
		}
	}
	return max(count, highest)
}

// isSequence reports whether s looks like a sequence suffix: three or four
// digits.
func isSequence(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (l *Ledger) format(scopeKey string, seq int) string {
	return fmt.Sprintf("%s%s%03d", l.prefix, scopeKey, seq)
}
