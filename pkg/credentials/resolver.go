package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// Store is the external source of truth for access tokens. Lookup returns
// an error wrapping ErrNotFound or ErrUnavailable on failure; any other error
// is treated as unavailability.
type Store interface {
	Lookup(ctx context.Context, userID, service string) (Credential, error)
}

// Updater is implemented by stores that accept refreshed tokens.
type Updater interface {
	Update(ctx context.Context, userID, service string, cred Credential) error
}

// Refresher exchanges a refresh token for a new credential. It returns an
// error wrapping ErrExpired when the grant is no longer valid and
// ErrUnavailable when the token endpoint cannot be reached.
type Refresher interface {
	Refresh(ctx context.Context, service string, cred Credential) (Credential, error)
}

const (
	DefaultTTL           = 5 * time.Minute
	DefaultExpirySkew    = 30 * time.Second
	defaultLookupTimeout = 10 * time.Second
)

type cacheKey struct {
	user    string
	service string
}

type cacheEntry struct {
	cred  Credential
	until time.Time
}

// Resolver returns usable credentials for (user, service), caching them for a
// bounded TTL. The cache is guarded by a RWMutex that is never held across a
// store call; concurrent misses for the same key share one lookup.
type Resolver struct {
	store     Store
	refresher Refresher
	ttl       time.Duration
	skew      time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
	cacheOps  *prometheus.CounterVec

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
	gen   uint64 // bumped on invalidation; stale lookups do not repopulate
	group singleflight.Group
}

type Option func(*Resolver)

// WithTTL bounds how long a credential stays cached. 0 disables caching.
func WithTTL(d time.Duration) Option { return func(r *Resolver) { r.ttl = d } }

// WithExpirySkew treats credentials expiring within d as already expired.
func WithExpirySkew(d time.Duration) Option { return func(r *Resolver) { r.skew = d } }

// WithRefresher enables refresh of expired credentials.
func WithRefresher(f Refresher) Option { return func(r *Resolver) { r.refresher = f } }

// WithLookupTimeout bounds one shared store lookup.
func WithLookupTimeout(d time.Duration) Option { return func(r *Resolver) { r.timeout = d } }

func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.log = l } }

// WithRegisterer exports cache hit/miss/invalidation counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Resolver) {
		r.cacheOps = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_credential_cache_total",
			Help: "Credential cache operations by result.",
		}, []string{"result"})
	}
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		ttl:     DefaultTTL,
		skew:    DefaultExpirySkew,
		timeout: defaultLookupTimeout,
		now:     time.Now,
		log:     slog.Default(),
		cache:   make(map[cacheKey]cacheEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns a cached credential or looks one up.
func (r *Resolver) Resolve(ctx context.Context, userID, service string) (Credential, error) {
	key := cacheKey{user: userID, service: service}

	r.mu.RLock()
	e, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(e.until) {
		r.count("hit")
		return e.cred, nil
	}
	r.count("miss")
	return r.load(ctx, key, nil)
}

// Invalidate drops the cached entry for (user, service).
func (r *Resolver) Invalidate(userID, service string) {
	key := cacheKey{user: userID, service: service}
	r.mu.Lock()
	delete(r.cache, key)
	r.gen++
	r.mu.Unlock()
	r.group.Forget(flightKey(key))
	r.count("invalidate")
}

// Reresolve is the forced re-resolution after an upstream rejected the
// credential. It bypasses the cache. If the store still holds the rejected
// token it is refreshed when possible, otherwise ErrExpired is returned.
func (r *Resolver) Reresolve(ctx context.Context, userID, service string, rejected Credential) (Credential, error) {
	r.Invalidate(userID, service)
	return r.load(ctx, cacheKey{user: userID, service: service}, &rejected)
}

func flightKey(k cacheKey) string {
	return k.service + "\x00" + k.user
}

func (r *Resolver) load(ctx context.Context, key cacheKey, rejected *Credential) (Credential, error) {
	// Forced re-resolution must not join a lookup that may return the
	// rejected token.
	fk := flightKey(key)
	if rejected != nil {
		fk = "force\x00" + fk
	}

	ch := r.group.DoChan(fk, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.fetch(lctx, key, rejected)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (r *Resolver) fetch(ctx context.Context, key cacheKey, rejected *Credential) (Credential, error) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	cred, err := r.store.Lookup(ctx, key.user, key.service)
	if err != nil {
		return Credential{}, classifyStoreErr(err)
	}

	stale := rejected != nil && cred.AccessToken == rejected.AccessToken
	if stale || cred.ExpiredAt(r.now(), r.skew) {
		cred, err = r.refresh(ctx, key, cred)
		if err != nil {
			return Credential{}, err
		}
	}

	r.put(key, cred, gen)
	return cred, nil
}

func (r *Resolver) refresh(ctx context.Context, key cacheKey, cred Credential) (Credential, error) {
	if r.refresher == nil || !cred.Refreshable() {
		return Credential{}, fmt.Errorf("credential for %s not refreshable: %w", key.service, ErrExpired)
	}
	fresh, err := r.refresher.Refresh(ctx, key.service, cred)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Credential{}, err
		}
		if !errors.Is(err, ErrExpired) {
			err = fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Credential{}, err
	}
	if fresh.ExpiredAt(r.now(), r.skew) {
		return Credential{}, fmt.Errorf("refreshed credential already expired: %w", ErrExpired)
	}

	if u, ok := r.store.(Updater); ok {
		if err := u.Update(ctx, key.user, key.service, fresh); err != nil {
			r.log.WarnContext(ctx, "persist refreshed credential failed",
				"service", key.service, "user", key.user, "error", err)
		}
	}
	r.log.InfoContext(ctx, "credential refreshed", "service", key.service, "user", key.user)
	return fresh, nil
}

func (r *Resolver) put(key cacheKey, cred Credential, gen uint64) {
	if r.ttl <= 0 {
		return
	}
	until := r.now().Add(r.ttl)
	if !cred.ExpiresAt.IsZero() {
		if limit := cred.ExpiresAt.Add(-r.skew); limit.Before(until) {
			until = limit
		}
	}
	r.mu.Lock()
	if r.gen == gen {
		r.cache[key] = cacheEntry{cred: cred, until: until}
	}
	r.mu.Unlock()
}

func (r *Resolver) count(result string) {
	if r.cacheOps != nil {
		r.cacheOps.WithLabelValues(result).Inc()
	}
}

func classifyStoreErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired), errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
