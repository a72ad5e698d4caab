package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInsufficientPayment    = errors.New("insufficient payment")
	ErrEmptyCart              = errors.New("cart is empty")
	ErrAlreadyVoided          = errors.New("invoice already voided")
	ErrCannotModifyVoided     = errors.New("voided invoice cannot be modified")
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")
	ErrPersistence            = errors.New("persistence failure")
	ErrInvalidInput           = errors.New("invalid input")
	ErrCompensationFailed     = errors.New("compensation failed")
)

// StockError reports which product could not cover a requested quantity.
type StockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	label := e.ProductID
	if e.Name != "" {
		label = e.Name
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", label, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// PaymentError carries the amount still owed.
type PaymentError struct {
	Total    string
	Received string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("insufficient payment: total %s, received %s", e.Total, e.Received)
}

func (e *PaymentError) Unwrap() error {
	return ErrInsufficientPayment
}

// IsRetryable reports whether the operation failed because the store rejected a
// write and may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) && !errors.Is(err, ErrCompensationFailed)
}
