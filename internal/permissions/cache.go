package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/charlesng35/adminaccess/internal/cache"
	"github.com/charlesng35/adminaccess/pkg/logger"
	"github.com/charlesng35/adminaccess/pkg/metrics"
)

const (
	cacheStripes = 64

	defaultCacheTTL       = 5 * time.Minute
	defaultOpTimeout      = 250 * time.Millisecond
	defaultResolveTimeout = 2 * time.Second
	pendingRetryInterval  = 5 * time.Second

	// per-stripe bound on tracked generations before the stripe is reset
	maxStripeGenerations = 1024
)

// GrantResolver computes a fresh grant set for a user.
type GrantResolver interface {
	ResolveGrants(ctx context.Context, userID string) (*GrantSet, error)
}

// Cache memoises grant sets per user in front of a GrantResolver.
//
// Every invalidated user is stamped with a value from one monotonic sequence,
// kept in one of a fixed set of striped maps, and the cache as a whole has an
// epoch. Invalidate restamps the user and InvalidateAll bumps the epoch.
// Entries written by this process carry the stamp they were computed under and
// are ignored once it no longer matches, so a grant set computed before an
// invalidation is never observable after it. Stripe locks only guard the
// in-process maps; backend calls run outside them.
//
// When a backend delete fails the user is marked pending and reads bypass the
// backend until a delete succeeds. With a shared backend, invalidations in one
// process reach other processes only through the store; peers may serve a
// stale set for at most the TTL.
type Cache struct {
	store          cache.Store
	resolver       GrantResolver
	ttl            time.Duration
	opTimeout      time.Duration
	resolveTimeout time.Duration
	instance       string
	log            *zap.Logger

	group   singleflight.Group
	stripes [cacheStripes]cacheStripe
	epoch   atomic.Uint64
	seq     atomic.Uint64

	purgePending  atomic.Bool
	nextRetry     atomic.Int64
	retryInterval time.Duration
}

type cacheStripe struct {
	mu      sync.Mutex
	gens    map[string]uint64
	floor   uint64
	pending map[string]struct{}
}

func (s *cacheStripe) generation(userID string) uint64 {
	if gen, ok := s.gens[userID]; ok {
		return gen
	}
	return s.floor
}

// restamp gives userID a fresh generation. Once the stripe tracks too many
// users it is reset with a floor above every stamp handed out so far, which
// only turns other users' entries into misses.
func (s *cacheStripe) restamp(userID string, gen uint64) {
	if len(s.gens) >= maxStripeGenerations {
		clear(s.gens)
		s.floor = gen
		return
	}
	s.gens[userID] = gen
}

type cacheSnapshot struct {
	gen    uint64
	epoch  uint64
	bypass bool
}

// cacheStamp identifies the process and the state a cached entry was computed under.
type cacheStamp struct {
	Instance string `json:"instance"`
	Epoch    uint64 `json:"epoch"`
	Gen      uint64 `json:"gen"`
}

type cachedGrants struct {
	Stamp  cacheStamp `json:"stamp"`
	Grants *GrantSet  `json:"grants"`
}

type cachedModules struct {
	Stamp   cacheStamp `json:"stamp"`
	Modules []string   `json:"modules"`
}

type stampedEntry interface {
	stamp() cacheStamp
}

func (e *cachedGrants) stamp() cacheStamp  { return e.Stamp }
func (e *cachedModules) stamp() cacheStamp { return e.Stamp }

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithCacheTTL sets the safety-net expiry of cached grant sets.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithOperationTimeout bounds each backend read, write, or delete.
func WithOperationTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// WithResolveTimeout bounds a single resolution against the role store.
func WithResolveTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.resolveTimeout = d
		}
	}
}

// NewCache constructs a grant cache over store.
func NewCache(store cache.Store, resolver GrantResolver, opts ...CacheOption) (*Cache, error) {
	if store == nil {
		return nil, errors.New("permission cache: store is required")
	}
	if resolver == nil {
		return nil, errors.New("permission cache: resolver is required")
	}

	c := &Cache{
		store:          store,
		resolver:       resolver,
		ttl:            defaultCacheTTL,
		opTimeout:      defaultOpTimeout,
		resolveTimeout: defaultResolveTimeout,
		retryInterval:  pendingRetryInterval,
		instance:       uuid.NewString(),
		log:            logger.WithModule("permissions.cache"),
	}
	for i := range c.stripes {
		c.stripes[i].gens = make(map[string]uint64)
		c.stripes[i].pending = make(map[string]struct{})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetGrants returns the user's grant set, resolving and storing it on a miss.
// Concurrent misses for the same user share one resolution.
func (c *Cache) GetGrants(ctx context.Context, userID string) (*GrantSet, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("permission cache: user id is required")
	}

	snap := c.snapshot(userID)
	if snap.bypass {
		c.retryPending(ctx, userID)
		snap = c.snapshot(userID)
	}

	if !snap.bypass {
		var entry cachedGrants
		if c.read(ctx, grantsKey(userID), snap, &entry) && entry.Grants != nil {
			return entry.Grants, nil
		}
	}
	return c.load(ctx, userID, snap)
}

// GetModules returns the modules-only projection of the user's grants.
func (c *Cache) GetModules(ctx context.Context, userID string) ([]string, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("permission cache: user id is required")
	}

	if snap := c.snapshot(userID); !snap.bypass {
		var entry cachedModules
		if c.read(ctx, modulesKey(userID), snap, &entry) {
			return entry.Modules, nil
		}
	}

	grants, err := c.GetGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	return grants.Modules(), nil
}

// Invalidate drops the user's cached entries. Once it returns, no GetGrants
// call observes a grant set computed before it, even when the backend delete
// fails; the error is returned for logging only.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	s := c.stripeFor(userID)
	s.mu.Lock()
	s.restamp(userID, c.seq.Add(1))
	s.mu.Unlock()

	if err := c.deleteUser(ctx, userID); err != nil {
		metrics.PermissionCacheInvalidations.WithLabelValues("user", "error").Inc()
		c.log.Warn("invalidate user grants", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("permission cache: invalidate %s: %w", userID, err)
	}
	metrics.PermissionCacheInvalidations.WithLabelValues("user", "ok").Inc()
	return nil
}

// InvalidateAll drops every cached grant set.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.epoch.Add(1)
	if err := c.purge(ctx); err != nil {
		metrics.PermissionCacheInvalidations.WithLabelValues("all", "error").Inc()
		c.log.Warn("purge grant cache", zap.Error(err))
		return fmt.Errorf("permission cache: purge: %w", err)
	}
	metrics.PermissionCacheInvalidations.WithLabelValues("all", "ok").Inc()
	return nil
}

func (c *Cache) load(ctx context.Context, userID string, snap cacheSnapshot) (*GrantSet, error) {
	key := fmt.Sprintf("%s|%d|%d", userID, snap.epoch, snap.gen)
	resultCh := c.group.DoChan(key, func() (interface{}, error) {
		// the flight outlives any single caller but not the resolve timeout
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.resolveTimeout)
		defer cancel()

		grants, err := c.resolver.ResolveGrants(rctx, userID)
		if err != nil {
			return nil, err
		}
		if !snap.bypass {
			c.storeIfCurrent(rctx, userID, snap, grants)
		}
		return grants, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*GrantSet), nil
	}
}

func (c *Cache) storeIfCurrent(ctx context.Context, userID string, snap cacheSnapshot, grants *GrantSet) {
	if !c.current(userID, snap) {
		return
	}

	stamp := cacheStamp{Instance: c.instance, Epoch: snap.epoch, Gen: snap.gen}
	grantsPayload, err := json.Marshal(cachedGrants{Stamp: stamp, Grants: grants})
	if err != nil {
		c.log.Error("encode grant set", zap.String("user_id", userID), zap.Error(err))
		return
	}
	modulesPayload, err := json.Marshal(cachedModules{Stamp: stamp, Modules: grants.Modules()})
	if err != nil {
		c.log.Error("encode module projection", zap.String("user_id", userID), zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Set(opCtx, grantsKey(userID), grantsPayload, c.ttl); err != nil {
		c.log.Debug("store grant set", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := c.store.Set(opCtx, modulesKey(userID), modulesPayload, c.ttl); err != nil {
		c.log.Debug("store module projection", zap.String("user_id", userID), zap.Error(err))
	}

	// an invalidation that raced the write may have deleted before it landed;
	// peers sharing the backend cannot check our stamp, so drop it again
	if !c.current(userID, snap) {
		_ = c.deleteUser(ctx, userID)
	}
}

// current reports whether snap still describes the user's cache state.
func (c *Cache) current(userID string, snap cacheSnapshot) bool {
	s := c.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation(userID) != snap.gen || c.epoch.Load() != snap.epoch || c.purgePending.Load() {
		return false
	}
	_, pending := s.pending[userID]
	return !pending
}

func (c *Cache) read(ctx context.Context, key string, snap cacheSnapshot, dst stampedEntry) bool {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	payload, ok, err := c.store.Get(opCtx, key)
	switch {
	case err != nil:
		metrics.PermissionCacheLookups.WithLabelValues("error").Inc()
		c.log.Debug("cache read failed, resolving directly", zap.String("key", key), zap.Error(err))
		return false
	case !ok:
		metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()
		return false
	}

	if err := json.Unmarshal(payload, dst); err != nil {
		metrics.PermissionCacheLookups.WithLabelValues("error").Inc()
		c.log.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return false
	}
	if stamp := dst.stamp(); stamp.Instance == c.instance && (stamp.Epoch != snap.epoch || stamp.Gen != snap.gen) {
		metrics.PermissionCacheLookups.WithLabelValues("stale").Inc()
		return false
	}
	metrics.PermissionCacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *Cache) snapshot(userID string) cacheSnapshot {
	s := c.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, pending := s.pending[userID]
	return cacheSnapshot{
		gen:    s.generation(userID),
		epoch:  c.epoch.Load(),
		bypass: pending || c.purgePending.Load(),
	}
}

// retryPending re-attempts failed deletes, at most once per retry interval.
func (c *Cache) retryPending(ctx context.Context, userID string) {
	now := time.Now().UnixNano()
	next := c.nextRetry.Load()
	if now < next || !c.nextRetry.CompareAndSwap(next, now+int64(c.retryInterval)) {
		return
	}

	if c.purgePending.Load() {
		_ = c.InvalidateAll(ctx)
		return
	}

	s := c.stripeFor(userID)
	s.mu.Lock()
	_, pending := s.pending[userID]
	s.mu.Unlock()
	if pending {
		_ = c.deleteUser(ctx, userID)
	}
}

func (c *Cache) deleteUser(ctx context.Context, userID string) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ensureContext(ctx)), c.opTimeout)
	defer cancel()
	err := c.store.Delete(opCtx, grantsKey(userID), modulesKey(userID))

	s := c.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.pending[userID] = struct{}{}
		return err
	}
	delete(s.pending, userID)
	return nil
}

func (c *Cache) purge(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ensureContext(ctx)), c.opTimeout)
	defer cancel()

	if err := c.store.Purge(opCtx); err != nil {
		c.purgePending.Store(true)
		return err
	}
	c.purgePending.Store(false)
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.Lock()
		clear(s.pending)
		s.mu.Unlock()
	}
	return nil
}

func (c *Cache) stripeFor(userID string) *cacheStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &c.stripes[h.Sum32()%cacheStripes]
}

// Keys are opaque to the store; the user id is the final segment verbatim.
func grantsKey(userID string) string {
	return "perm:grants:" + userID
}

func modulesKey(userID string) string {
	return "perm:modules:" + userID
}
