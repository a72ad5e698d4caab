package store

import (
	"context"
	"encoding/json"
	"fmt"

	"kasirinaja/invoicing/internal/domain"
)

// Keys of the whole-collection records.
const (
	ProductsKey  = "products"
	InvoicesKey  = "invoices"
	UsersKey     = "users"
	AuditLogsKey = "audit_logs"
)

// KV is the persistence collaborator. Each Set either fully succeeds or fully
// fails; readers never observe a partial value.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// LoadCollection decodes the JSON array stored under key. A missing record is an
// empty collection.
func LoadCollection[T any](ctx context.Context, kv KV, key string) ([]T, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, key, err)
	}
	if !ok || len(raw) == 0 {
		return []T{}, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrPersistence, key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// SaveCollection replaces the record under key with the encoded collection.
func SaveCollection[T any](ctx context.Context, kv KV, key string, items []T) error {
	if items == nil {
		items = []T{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrPersistence, key, err)
	}
	if err := kv.Set(ctx, key, payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

// LoadValue decodes a single JSON value stored under key.
func LoadValue[T any](ctx context.Context, kv KV, key string) (T, bool, error) {
	var value T
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return value, false, fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, key, err)
	}
	if !ok || len(raw) == 0 {
		return value, false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("%w: decode %s: %v", domain.ErrPersistence, key, err)
	}
	return value, true, nil
}

func SaveValue[T any](ctx context.Context, kv KV, key string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrPersistence, key, err)
	}
	if err := kv.Set(ctx, key, payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}
