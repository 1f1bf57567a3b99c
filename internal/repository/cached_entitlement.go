package repository

import (
	"context"
	"time"

	"github.com/flexprice/usagegate/internal/cache"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	"github.com/flexprice/usagegate/internal/logger"
)

// entitlementCacheTTL bounds staleness of the read-through layer. The shard
// overwrites entries on every counter write-back, so in practice entries are
// much fresher than this.
const entitlementCacheTTL = 30 * time.Minute

// CachedEntitlementProvider is a read-through decorator over the primary-DB
// provider with stale-while-revalidate semantics: reads prefer the cache,
// misses fall through and populate it.
type CachedEntitlementProvider struct {
	inner  entitlement.Provider
	cache  cache.Cache
	logger *logger.Logger
}

func NewCachedEntitlementProvider(inner entitlement.Provider, c cache.Cache, logger *logger.Logger) *CachedEntitlementProvider {
	return &CachedEntitlementProvider{inner: inner, cache: c, logger: logger}
}

func entitlementCacheKey(projectID, customerID, featureSlug string) string {
	return cache.GenerateKey(cache.PrefixEntitlement, projectID, customerID, featureSlug)
}

func (p *CachedEntitlementProvider) GetActiveEntitlement(ctx context.Context, projectID, customerID, featureSlug string) (*entitlement.Entitlement, error) {
	key := entitlementCacheKey(projectID, customerID, featureSlug)
	if cached, found := p.cache.Get(ctx, key); found {
		if e, ok := cached.(*entitlement.Entitlement); ok {
			return e.Clone(), nil
		}
	}

	e, err := p.inner.GetActiveEntitlement(ctx, projectID, customerID, featureSlug)
	if err != nil {
		return nil, err
	}

	p.cache.Set(ctx, key, e.Clone(), entitlementCacheTTL)
	return e, nil
}

func (p *CachedEntitlementProvider) ListActiveEntitlements(ctx context.Context, projectID, customerID string) ([]*entitlement.Entitlement, error) {
	// List always goes to the source; it refreshes the per-feature entries
	// as a side effect so subsequent point reads are warm.
	entitlements, err := p.inner.ListActiveEntitlements(ctx, projectID, customerID)
	if err != nil {
		return nil, err
	}
	for _, e := range entitlements {
		p.cache.Set(ctx, entitlementCacheKey(projectID, customerID, e.FeatureSlug), e.Clone(), entitlementCacheTTL)
	}
	return entitlements, nil
}

func (p *CachedEntitlementProvider) SyncUsage(ctx context.Context, entitlements []*entitlement.Entitlement) error {
	return p.inner.SyncUsage(ctx, entitlements)
}

// WriteBack overwrites the cached entry with the shard's fresher counters.
// Called by the cache write-back debouncer after Reports.
func (p *CachedEntitlementProvider) WriteBack(ctx context.Context, e *entitlement.Entitlement) {
	if e == nil || e.IsPlaceholder() {
		return
	}
	p.cache.Set(ctx, entitlementCacheKey(e.ProjectID, e.CustomerID, e.FeatureSlug), e.Clone(), entitlementCacheTTL)
}

// Peek returns the cached entry without falling through to the source. Used
// by the fromCache Verify variant.
func (p *CachedEntitlementProvider) Peek(ctx context.Context, projectID, customerID, featureSlug string) (*entitlement.Entitlement, bool) {
	if cached, found := p.cache.Get(ctx, entitlementCacheKey(projectID, customerID, featureSlug)); found {
		if e, ok := cached.(*entitlement.Entitlement); ok {
			return e.Clone(), true
		}
	}
	return nil, false
}

// Invalidate drops the cached entries for the given feature slugs. Called
// after a shard reset so the next hydration reads the source of truth.
func (p *CachedEntitlementProvider) Invalidate(ctx context.Context, projectID, customerID string, featureSlugs []string) {
	for _, slug := range featureSlugs {
		p.cache.Delete(ctx, entitlementCacheKey(projectID, customerID, slug))
	}
}
