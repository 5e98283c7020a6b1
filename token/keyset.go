package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeySetUnavailable is returned when no usable cached keys exist and
	// the key set could not be fetched from the provider.
	ErrKeySetUnavailable = errors.New("signing key set unavailable")
	// ErrKeyNotFound is returned when the key set was fetched successfully
	// but does not contain the requested key ID.
	ErrKeyNotFound = errors.New("signing key not found")
)

// DefaultKeySetTTL is how long a fetched key set is served before a
// background refresh is attempted.
const DefaultKeySetTTL = 5 * time.Minute

// DefaultMinRefreshInterval bounds how often an unknown key ID may trigger
// an outbound JWKS fetch. Tokens referencing bogus key IDs must not be able
// to generate a refresh storm.
const DefaultMinRefreshInterval = 30 * time.Second

// KeySetConfig configures a KeySet.
type KeySetConfig struct {
	// URL is the provider's JWKS endpoint.
	URL string
	// TTL is the cache lifetime. Defaults to DefaultKeySetTTL.
	TTL time.Duration
	// MinRefreshInterval is the minimum time between outbound fetches.
	// Defaults to DefaultMinRefreshInterval.
	MinRefreshInterval time.Duration
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// KeySet caches the provider's published signing keys, shared read-only by
// all token validations in the process.
//
// Reads never block on a refresh: a stale cache is served as-is while a
// background refresh runs, and an unknown key ID triggers one deduplicated
// synchronous fetch shared by all concurrent callers.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu          sync.RWMutex
	keys        jose.JSONWebKeySet
	fetchedAt   time.Time
	lastAttempt time.Time
	refreshing  bool

	group singleflight.Group
}

// NewKeySet creates a key set cache for the given JWKS endpoint. No fetch
// happens until the first key lookup.
func NewKeySet(cfg KeySetConfig) *KeySet {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultKeySetTTL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		url:        cfg.URL,
		ttl:        cfg.TTL,
		minRefresh: cfg.MinRefreshInterval,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Key returns the public key for the given key ID.
//
// A cache miss triggers a refresh so key rotation is picked up without a
// restart; if the refreshed set still lacks the key ID, ErrKeyNotFound is
// returned. If no fetch has ever succeeded and the fetch fails,
// ErrKeySetUnavailable is returned.
func (ks *KeySet) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	ks.mu.RLock()
	key := findKey(ks.keys, kid)
	stale := !ks.fetchedAt.IsZero() && ks.now().After(ks.fetchedAt.Add(ks.ttl))
	fetched := !ks.fetchedAt.IsZero()
	ks.mu.RUnlock()

	if key != nil {
		if stale {
			ks.refreshInBackground()
		}
		return key, nil
	}

	if err := ks.refresh(ctx); err != nil {
		if !fetched {
			return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
		}
		// Serve the failure as a key miss; the cached set simply does not
		// know this key ID and the provider could not be re-asked.
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrKeyNotFound, err)
	}

	ks.mu.RLock()
	key = findKey(ks.keys, kid)
	ks.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// refresh fetches the key set, deduplicating concurrent callers onto a
// single in-flight fetch and enforcing the minimum refresh interval.
func (ks *KeySet) refresh(ctx context.Context) error {
	_, err, _ := ks.group.Do("refresh", func() (any, error) {
		ks.mu.RLock()
		last := ks.lastAttempt
		ks.mu.RUnlock()
		if !last.IsZero() && ks.now().Sub(last) < ks.minRefresh {
			return nil, errors.New("refresh interval not elapsed")
		}

		set, err := ks.fetch(ctx)

		ks.mu.Lock()
		ks.lastAttempt = ks.now()
		if err == nil {
			ks.keys = set
			ks.fetchedAt = ks.now()
		}
		ks.mu.Unlock()

		return nil, err
	})
	return err
}

// refreshInBackground starts an asynchronous refresh unless one is already
// running. Callers keep reading the stale set in the meantime.
func (ks *KeySet) refreshInBackground() {
	ks.mu.Lock()
	if ks.refreshing {
		ks.mu.Unlock()
		return
	}
	ks.refreshing = true
	ks.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ks.refresh(ctx); err != nil {
			ks.logger.Warn().Err(err).Msg("background key set refresh failed")
		}
		ks.mu.Lock()
		ks.refreshing = false
		ks.mu.Unlock()
	}()
}

func (ks *KeySet) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks decode failed: %w", err)
	}

	ks.logger.Debug().Int("keys", len(set.Keys)).Msg("signing key set refreshed")
	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}
