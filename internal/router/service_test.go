package router

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/cache"
	"github.com/flexprice/usagegate/internal/cycle"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	"github.com/flexprice/usagegate/internal/limiter"
	"github.com/flexprice/usagegate/internal/repository"
	"github.com/flexprice/usagegate/internal/testutil"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	service  *Service
	provider *testutil.InMemoryEntitlementProvider
	sink     *testutil.InMemorySink
	registry *limiter.Registry
}

func newServiceFixture(t *testing.T, env types.Environment) *serviceFixture {
	t.Helper()
	cfg := testutil.GetConfig(t.TempDir())
	cfg.Deployment.Environment = env
	log := testutil.GetLogger()
	provider := testutil.NewInMemoryEntitlementProvider()
	// The in-memory cache is a process-wide singleton; start from a clean
	// slate so entries from other tests cannot leak into this fixture.
	c := cache.NewInMemoryCache()
	c.Flush(context.Background())
	cached := repository.NewCachedEntitlementProvider(provider, c, log)
	memSink := testutil.NewInMemorySink()

	registry := limiter.NewRegistry(limiter.Deps{
		Config:   cfg,
		Logger:   log,
		Provider: cached,
		Sink:     memSink,
		Bus:      testutil.NewInMemoryPubSub(),
	})
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	return &serviceFixture{
		service:  NewService(cfg, log, registry, cached),
		provider: provider,
		sink:     memSink,
		registry: registry,
	}
}

func (f *serviceFixture) addEntitlement(limit, usage int64) {
	l := decimal.NewFromInt(limit)
	f.provider.Add(&entitlement.Entitlement{
		ID:          "ent_1",
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "api-calls",
		FeatureType: types.FeatureTypeUsage,
		Enabled:     true,
		Limit:       &l,
		LimitType:   types.LimitTypeHard,

		CurrentCycleUsage: decimal.NewFromInt(usage),
		AccumulatedUsage:  decimal.NewFromInt(usage),

		ActivePhase: entitlement.SubscriptionPhase{
			ID:                   "phase_1",
			StartAt:              time.Now().UTC().AddDate(0, -2, 0),
			BillingAnchor:        cycle.NewDayOfCreationAnchor(),
			BillingInterval:      cycle.IntervalMonth,
			BillingIntervalCount: 1,
		},
	})
}

func serviceVerifyReq() *dto.VerifyRequest {
	return &dto.VerifyRequest{
		CustomerID:       "cust_1",
		ProjectID:        "proj_1",
		FeatureSlug:      "api-calls",
		Timestamp:        time.Now().UnixMilli(),
		PerformanceStart: time.Now().UnixMilli(),
	}
}

func serviceReportReq(key string, usage float64) *dto.ReportRequest {
	return &dto.ReportRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    "api-calls",
		IdempotenceKey: key,
		Timestamp:      time.Now().UnixMilli(),
		Usage:          usage,
	}
}

func TestVerifyValidation(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)

	_, err := f.service.Verify(context.Background(), &dto.VerifyRequest{CustomerID: "cust_1"})
	require.Error(t, err)
}

func TestDenialCacheAbsorbsRetryFlood(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)
	ctx := context.Background()

	// No entitlement exists, so the first call reaches the shard and the
	// shard reaches the primary DB exactly once.
	resp, err := f.service.Verify(ctx, serviceVerifyReq())
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonEntitlementNotFound, resp.DeniedReason)
	assert.False(t, resp.CacheHit)
	require.Equal(t, 1, f.provider.GetCalls())

	for i := 0; i < 100; i++ {
		resp, err := f.service.Verify(ctx, serviceVerifyReq())
		require.NoError(t, err)
		assert.False(t, resp.Allowed)
		assert.True(t, resp.CacheHit)
	}
	assert.Equal(t, 1, f.provider.GetCalls(), "the retry flood must be absorbed at the router")
}

func TestAllowedVerifyIsNeverCached(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)
	f.addEntitlement(100, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := f.service.Verify(ctx, serviceVerifyReq())
		require.NoError(t, err)
		assert.True(t, resp.Allowed)
		assert.False(t, resp.CacheHit, "allowed responses must always come from the shard")
	}
}

func TestReportIdempotency(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)
	f.addEntitlement(100, 10)
	ctx := context.Background()

	ts := time.Now().UnixMilli()
	first := serviceReportReq("op-1", 5)
	first.Timestamp = ts
	resp, err := f.service.Report(ctx, first)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "15", resp.Usage.String())
	assert.False(t, resp.CacheHit)

	replay := serviceReportReq("op-1", 5)
	replay.Timestamp = ts
	resp, err = f.service.Report(ctx, replay)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "15", resp.Usage.String(), "a replay must not apply usage twice")
	assert.True(t, resp.CacheHit)

	vresp, err := f.service.Verify(ctx, serviceVerifyReq())
	require.NoError(t, err)
	assert.Equal(t, "15", vresp.Usage.String())
}

func TestDistinctKeysAreNotDeduplicated(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)
	f.addEntitlement(100, 0)
	ctx := context.Background()

	_, err := f.service.Report(ctx, serviceReportReq("op-1", 5))
	require.NoError(t, err)
	resp, err := f.service.Report(ctx, serviceReportReq("op-2", 5))
	require.NoError(t, err)
	assert.Equal(t, "10", resp.Usage.String())
}

func TestResetInvalidatesDenialCache(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)
	ctx := context.Background()

	// Prime a denial for a feature that does not exist yet.
	resp, err := f.service.Verify(ctx, serviceVerifyReq())
	require.NoError(t, err)
	require.False(t, resp.Allowed)

	resp, err = f.service.Verify(ctx, serviceVerifyReq())
	require.NoError(t, err)
	require.True(t, resp.CacheHit)

	// The entitlement appears; a reset must clear both the shard and the
	// memoized denial so the next call sees it.
	f.addEntitlement(100, 0)
	_, err = f.service.Reset(ctx, &dto.ResetRequest{CustomerID: "cust_1", ProjectID: "proj_1"})
	require.NoError(t, err)

	resp, err = f.service.Verify(ctx, serviceVerifyReq())
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.False(t, resp.CacheHit)
}

func TestUsageThroughService(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)
	f.addEntitlement(100, 10)
	ctx := context.Background()

	_, err := f.service.Prewarm(ctx, &dto.PrewarmRequest{CustomerID: "cust_1", ProjectID: "proj_1"})
	require.NoError(t, err)

	snap, err := f.service.Usage(ctx, "cust_1", "proj_1")
	require.NoError(t, err)
	require.Len(t, snap.Entitlements, 1)
	assert.Equal(t, "api-calls", snap.Entitlements[0].FeatureSlug)
}

func TestIsEUCountry(t *testing.T) {
	assert.True(t, isEUCountry("DE"))
	assert.True(t, isEUCountry("FR"))
	assert.True(t, isEUCountry("IE"))
	assert.False(t, isEUCountry("US"))
	assert.False(t, isEUCountry("GB"))
	assert.False(t, isEUCountry("CH"))
	assert.False(t, isEUCountry(""))
}

func TestRegionPinningIsSticky(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentProduction)

	euCtx := types.SetCustomerCountry(context.Background(), "DE")
	assert.Equal(t, RegionEU, f.service.Region(euCtx, "cust_eu"))

	// Later calls without a country header stay in jurisdiction.
	assert.Equal(t, RegionEU, f.service.Region(context.Background(), "cust_eu"))

	// A customer first seen without a country is pinned to default, even
	// if a later call carries an EU country.
	assert.Equal(t, RegionDefault, f.service.Region(context.Background(), "cust_us"))
	assert.Equal(t, RegionDefault, f.service.Region(euCtx, "cust_us"))
}

func TestRegionIgnoredOutsideProduction(t *testing.T) {
	f := newServiceFixture(t, types.EnvironmentDevelopment)

	euCtx := types.SetCustomerCountry(context.Background(), "DE")
	assert.Equal(t, RegionDefault, f.service.Region(euCtx, "cust_eu"))
}
