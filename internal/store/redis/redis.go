package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"
)

// Store keeps each record as one redis string. SET replaces the whole value, so a
// write is never partially visible.
type Store struct {
	client    *goredis.Client
	namespace string
}

func New(addr string, password string, db int, namespace string) *Store {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(client, namespace)
}

func NewWithClient(client *goredis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "kasirinaja"
	}
	return &Store{client: client, namespace: namespace}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

func (s *Store) key(key string) string {
	return s.namespace + ":" + key
}
