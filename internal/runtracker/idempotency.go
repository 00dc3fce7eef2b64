package runtracker

import (
	"sync"
	"time"
)

// IdempotencyConfig tunes the idempotency cache. Methods is the
// configured set of JSON-RPC method names the middleware applies to
// (spec §4.10: "for methods in a configured set"); a method not in this
// set bypasses the cache entirely regardless of whether the caller
// supplies a key.
type IdempotencyConfig struct {
	TTL         time.Duration
	CacheErrors bool
	Methods     map[string]bool
}

// DefaultIdempotencyConfig matches spec §4.10's stated default TTL.
// Methods is left empty; callers populate it for the mutating RPCs
// they want deduplicated (e.g. "agent.prompt").
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:         5 * time.Minute,
		CacheErrors: false,
		Methods:     map[string]bool{},
	}
}

type cachedResponse struct {
	result    any
	err       error
	expiresAt time.Time
}

// Idempotency caches the first response for a given idempotency key
// and replays it for later requests carrying the same key, without
// invoking the handler again. Cache keys are independent of session id
// and request id, per spec §4.10 — two different sessions reusing the
// same key collide by design.
type Idempotency struct {
	mu    sync.Mutex
	cache map[string]cachedResponse
	cfg   IdempotencyConfig
}

// NewIdempotency constructs an Idempotency cache.
func NewIdempotency(cfg IdempotencyConfig) *Idempotency {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultIdempotencyConfig().TTL
	}
	if cfg.Methods == nil {
		cfg.Methods = map[string]bool{}
	}
	return &Idempotency{cache: make(map[string]cachedResponse), cfg: cfg}
}

// Applies reports whether method participates in idempotency caching.
func (i *Idempotency) Applies(method string) bool {
	return i.cfg.Methods[method]
}

// Execute runs fn under idempotency-key deduplication for method. If
// method is not configured, or key is empty, fn always runs and its
// result is never cached. Otherwise a cached, unexpired entry for key
// short-circuits fn entirely; a fresh entry is cached only if fn
// succeeded, or if it failed and CacheErrors is set.
func (i *Idempotency) Execute(method, key string, fn func() (any, error)) (any, error) {
	if !i.Applies(method) || key == "" {
		return fn()
	}

	i.mu.Lock()
	if entry, ok := i.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		i.mu.Unlock()
		return entry.result, entry.err
	}
	i.mu.Unlock()

	result, err := fn()

	if err == nil || i.cfg.CacheErrors {
		i.mu.Lock()
		i.cache[key] = cachedResponse{result: result, err: err, expiresAt: time.Now().Add(i.cfg.TTL)}
		i.mu.Unlock()
	}
	return result, err
}

// Sweep drops expired cache entries; like Tracker.Sweep, callers invoke
// this periodically rather than the cache running its own timer.
func (i *Idempotency) Sweep(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, v := range i.cache {
		if now.After(v.expiresAt) {
			delete(i.cache, k)
		}
	}
}
