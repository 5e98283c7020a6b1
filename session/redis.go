package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// cborDec decodes CBOR maps into map[string]any so Claims.Raw round-trips
// through Redis with the same shape it had in memory.
var cborDec cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	cborDec = dm
}

// RedisStore persists sessions in Redis so any dashboard replica can serve
// any visitor. Records are CBOR-encoded and expire server-side.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store using the given client. prefix namespaces
// the keys (e.g. "gistdash").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "authgate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisStore) pendingKey(id string) string {
	return fmt.Sprintf("%s:pending:%s", r.prefix, id)
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var s Session
	if err := cborDec.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *Session, ttl time.Duration) error {
	raw, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(s.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.sessionKey(id), r.pendingKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) PutPending(ctx context.Context, id string, p *PendingLogin, ttl time.Duration) error {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("pending encode: %w", err)
	}
	if err := r.client.Set(ctx, r.pendingKey(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// ConsumePending uses GETDEL so two racing callbacks cannot both observe
// the same pending login, regardless of which replica serves them.
func (r *RedisStore) ConsumePending(ctx context.Context, id string) (*PendingLogin, error) {
	raw, err := r.client.GetDel(ctx, r.pendingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel: %w", err)
	}
	var p PendingLogin
	if err := cborDec.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pending decode: %w", err)
	}
	return &p, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
