// Package capability resolves and caches the workflow:* capabilities of an
// authenticated subject from a static role policy.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with a bounded TTL cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver. maxEntries <= 0 leaves the cache unbounded.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles so a token carrying new roles misses the cache.
func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the capability set for the given context.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)
	now := r.now()

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && now.Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evict(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evict drops expired entries, or one arbitrary entry when none expired.
// Callers hold mu.
func (r *Resolver) evict(now time.Time) {
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) < r.maxEntries {
		return
	}
	for key := range r.cache {
		delete(r.cache, key)
		return
	}
}

// Require returns FORBIDDEN unless the context holds capability.
func (r *Resolver) Require(rctx *model.RequestContext, capability string) error {
	caps, err := r.Resolve(rctx)
	if err != nil {
		return err
	}
	if !caps.Has(capability) {
		return model.NewForbiddenError("missing capability " + capability)
	}
	return nil
}

// Invalidate clears cached capabilities for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
