package memory

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/store"
)

// Store is an in-process KV. Values are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte
	failSet func(key string) error
}

func New() *Store {
	return &Store{records: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	dup := make([]byte, len(raw))
	copy(dup, raw)
	return dup, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSet != nil {
		if err := s.failSet(key); err != nil {
			return err
		}
	}
	dup := make([]byte, len(value))
	copy(dup, value)
	s.records[key] = dup
	return nil
}

// FailSetWith installs a hook consulted before every write; a non-nil error from
// the hook rejects the write. Passing nil removes the hook.
func (s *Store) FailSetWith(hook func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = hook
}

// NewSeeded returns a store holding a demo catalog and the default accounts.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		seedProduct("prd-mie-01", "8991002101104", "Mie Goreng Instan", "grocery", "2800", "3500"),
		seedProduct("prd-telur-01", "8993001100109", "Telur 10 Butir", "grocery", "23000", "26500"),
		seedProduct("prd-susu-01", "8992753101207", "Susu UHT 1L", "dairy", "13600", "18900"),
		seedProduct("prd-roti-01", "8996001600016", "Roti Tawar", "bakery", "12500", "17800"),
		seedProduct("prd-kopi-01", "8991002304017", "Kopi Sachet", "beverage", "1700", "2600"),
		seedProduct("prd-gula-01", "8998866200318", "Gula 1kg", "grocery", "15300", "17400"),
		seedProduct("prd-teh-01", "8992388101017", "Teh Celup", "beverage", "7200", "9800"),
		seedProduct("prd-air-01", "8886008101053", "Air Mineral 600ml", "beverage", "3200", "3900"),
		seedProduct("prd-sabun-01", "8999999036683", "Sabun Mandi", "household", "5000", "7400"),
	}
	for i := range products {
		products[i].CreatedAt = now
		products[i].UpdatedAt = now
	}
	s.mustSeed(store.ProductsKey, products)
	s.mustSeed(store.UsersKey, seedUsers(logger, now))
	return s
}

func seedProduct(id string, barcode string, name string, category string, cost string, price string) domain.Product {
	return domain.Product{
		ID:           id,
		Barcode:      barcode,
		Name:         name,
		Category:     category,
		CostPrice:    decimal.RequireFromString(cost),
		SellingPrice: decimal.RequireFromString(price),
		Stock:        120,
	}
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev defaults.
func seedUsers(logger *zap.Logger, now time.Time) []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func (s *Store) mustSeed(key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	s.records[key] = payload
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
