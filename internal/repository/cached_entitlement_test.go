package repository

import (
	"context"
	"testing"

	"github.com/flexprice/usagegate/internal/cache"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	"github.com/flexprice/usagegate/internal/testutil"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedProvider(t *testing.T) (*CachedEntitlementProvider, *testutil.InMemoryEntitlementProvider) {
	t.Helper()
	inner := testutil.NewInMemoryEntitlementProvider()
	// The in-memory cache is a process-wide singleton; start from a clean
	// slate so entries from other tests cannot leak into this fixture.
	c := cache.NewInMemoryCache()
	c.Flush(context.Background())
	p := NewCachedEntitlementProvider(inner, c, testutil.GetLogger())
	return p, inner
}

func testEntitlement(slug string) *entitlement.Entitlement {
	limit := decimal.NewFromInt(100)
	return &entitlement.Entitlement{
		ID:          "ent_" + slug,
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: slug,
		FeatureType: types.FeatureTypeUsage,
		Enabled:     true,
		Limit:       &limit,
		LimitType:   types.LimitTypeHard,
	}
}

func TestGetActiveEntitlementReadThrough(t *testing.T) {
	p, inner := newCachedProvider(t)
	inner.Add(testEntitlement("api-calls"))
	ctx := context.Background()

	e, err := p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, "api-calls", e.FeatureSlug)
	require.Equal(t, 1, inner.GetCalls())

	// Second read is served from the cache.
	_, err = p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.GetCalls())
}

func TestCachedResultIsIsolated(t *testing.T) {
	p, inner := newCachedProvider(t)
	inner.Add(testEntitlement("api-calls"))
	ctx := context.Background()

	first, err := p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "api-calls")
	require.NoError(t, err)
	first.CurrentCycleUsage = decimal.NewFromInt(999)

	second, err := p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "api-calls")
	require.NoError(t, err)
	assert.True(t, second.CurrentCycleUsage.IsZero(), "mutating a returned entitlement must not poison the cache")
}

func TestWriteBackWinsOverStaleCache(t *testing.T) {
	p, inner := newCachedProvider(t)
	inner.Add(testEntitlement("api-calls"))
	ctx := context.Background()

	_, err := p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "api-calls")
	require.NoError(t, err)

	fresh := testEntitlement("api-calls")
	fresh.CurrentCycleUsage = decimal.NewFromInt(42)
	p.WriteBack(ctx, fresh)

	peeked, found := p.Peek(ctx, "proj_1", "cust_1", "api-calls")
	require.True(t, found)
	assert.Equal(t, "42", peeked.CurrentCycleUsage.String())
}

func TestWriteBackIgnoresPlaceholders(t *testing.T) {
	p, _ := newCachedProvider(t)
	ctx := context.Background()

	p.WriteBack(ctx, entitlement.NewPlaceholder("proj_1", "cust_1", "api-calls", 0))

	_, found := p.Peek(ctx, "proj_1", "cust_1", "api-calls")
	assert.False(t, found)
}

func TestPeekNeverFallsThrough(t *testing.T) {
	p, inner := newCachedProvider(t)
	inner.Add(testEntitlement("api-calls"))

	_, found := p.Peek(context.Background(), "proj_1", "cust_1", "api-calls")
	assert.False(t, found)
	assert.Zero(t, inner.GetCalls())
}

func TestListRefreshesPointReads(t *testing.T) {
	p, inner := newCachedProvider(t)
	inner.Add(testEntitlement("api-calls"))
	inner.Add(testEntitlement("seats"))
	ctx := context.Background()

	entitlements, err := p.ListActiveEntitlements(ctx, "proj_1", "cust_1")
	require.NoError(t, err)
	assert.Len(t, entitlements, 2)

	_, err = p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "seats")
	require.NoError(t, err)
	assert.Zero(t, inner.GetCalls(), "list must warm the per-feature entries")
}

func TestInvalidateDropsEntries(t *testing.T) {
	p, inner := newCachedProvider(t)
	inner.Add(testEntitlement("api-calls"))
	ctx := context.Background()

	_, err := p.GetActiveEntitlement(ctx, "proj_1", "cust_1", "api-calls")
	require.NoError(t, err)

	p.Invalidate(ctx, "proj_1", "cust_1", []string{"api-calls"})

	_, found := p.Peek(ctx, "proj_1", "cust_1", "api-calls")
	assert.False(t, found)
}
