package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	s := NewWithClient(client, "test")
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, srv
}

func TestSetThenGetRoundTrip(t *testing.T) {
	s, srv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Set(ctx, "products", []byte(`[{"id":"p-1"}]`)))

	raw, ok, err := s.Get(ctx, "products")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"p-1"}]`, string(raw))

	stored, err := srv.Get("test:products")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"p-1"}]`, stored)
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	raw, ok, err := s.Get(context.Background(), "invoices")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, raw)
}

func TestCollectionsOverRedis(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := []domain.AuditLog{{ID: "a-1", Action: "checkout"}}
	require.NoError(t, store.SaveCollection(ctx, s, store.AuditLogsKey, in))

	out, err := store.LoadCollection[domain.AuditLog](ctx, s, store.AuditLogsKey)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "checkout", out[0].Action)
}

func TestUnavailableServerSurfacesError(t *testing.T) {
	s, srv := newTestStore(t)
	srv.Close()

	_, err := store.LoadCollection[domain.Product](context.Background(), s, store.ProductsKey)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}
