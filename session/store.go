package session

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrNotFound is returned by stores when no record exists for the key.
var ErrNotFound = errors.New("session not found")

// Store persists sessions and their pending login attempts, keyed by
// session ID. Implementations must make ConsumePending atomic: when two
// callbacks race for the same pending login, at most one may observe it.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error

	// PutPending records the single outstanding login attempt for id,
	// replacing any previous one.
	PutPending(ctx context.Context, id string, p *PendingLogin, ttl time.Duration) error
	// ConsumePending removes and returns the pending login for id.
	// Returns ErrNotFound if none is outstanding (or it already expired).
	ConsumePending(ctx context.Context, id string) (*PendingLogin, error)

	Close() error
}

// MemoryStore keeps sessions in an in-process TTL cache. Suitable for a
// single-replica dashboard; use RedisStore when the dashboard runs more
// than one replica.
type MemoryStore struct {
	sessions *ttlcache.Cache[string, *Session]
	pendings *ttlcache.Cache[string, *PendingLogin]
}

// NewMemoryStore creates a memory store. Expired entries are evicted in the
// background until Close is called.
func NewMemoryStore(sessionTTL time.Duration) *MemoryStore {
	sessions := ttlcache.New(
		ttlcache.WithTTL[string, *Session](sessionTTL),
		ttlcache.WithDisableTouchOnHit[string, *Session](),
	)
	pendings := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *PendingLogin](),
	)
	go sessions.Start()
	go pendings.Start()
	return &MemoryStore{sessions: sessions, pendings: pendings}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	item := m.sessions.Get(id)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session, ttl time.Duration) error {
	m.sessions.Set(s.ID, s, ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.sessions.Delete(id)
	m.pendings.Delete(id)
	return nil
}

func (m *MemoryStore) PutPending(_ context.Context, id string, p *PendingLogin, ttl time.Duration) error {
	m.pendings.Set(id, p, ttl)
	return nil
}

func (m *MemoryStore) ConsumePending(_ context.Context, id string) (*PendingLogin, error) {
	item, ok := m.pendings.GetAndDelete(id)
	if !ok || item == nil {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

func (m *MemoryStore) Close() error {
	m.sessions.Stop()
	m.pendings.Stop()
	return nil
}

var _ Store = (*MemoryStore)(nil)
