package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/cache"
	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/cycle"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/repository"
	"github.com/flexprice/usagegate/internal/testutil"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shardFixture struct {
	shard    *Shard
	cfg      *config.Configuration
	provider *testutil.InMemoryEntitlementProvider
	cached   *repository.CachedEntitlementProvider
	sink     *testutil.InMemorySink
	bus      *testutil.InMemoryPubSub
}

func newShardFixture(t *testing.T) *shardFixture {
	t.Helper()
	cfg := testutil.GetConfig(t.TempDir())
	log := testutil.GetLogger()
	provider := testutil.NewInMemoryEntitlementProvider()
	// The in-memory cache is a process-wide singleton; start from a clean
	// slate so entries from other tests cannot leak into this fixture.
	c := cache.NewInMemoryCache()
	c.Flush(context.Background())
	cached := repository.NewCachedEntitlementProvider(provider, c, log)
	memSink := testutil.NewInMemorySink()
	bus := testutil.NewInMemoryPubSub()

	f := &shardFixture{
		cfg:      cfg,
		provider: provider,
		cached:   cached,
		sink:     memSink,
		bus:      bus,
	}
	f.shard = newShard("default", "cust_1", Deps{
		Config:   cfg,
		Logger:   log,
		Provider: cached,
		Sink:     memSink,
		Bus:      bus,
	})
	t.Cleanup(func() { _ = f.shard.Hibernate(context.Background()) })
	return f
}

// respawn simulates hibernation: the actor is dropped and a fresh one is
// built over the same durable store.
func (f *shardFixture) respawn(t *testing.T) {
	t.Helper()
	require.NoError(t, f.shard.Hibernate(context.Background()))
	f.shard = newShard("default", "cust_1", Deps{
		Config:   f.cfg,
		Logger:   testutil.GetLogger(),
		Provider: f.cached,
		Sink:     f.sink,
		Bus:      f.bus,
	})
}

func monthlyEntitlement(limit int64, usage int64) *entitlement.Entitlement {
	start := time.Now().UTC().AddDate(0, -2, 0)
	l := decimal.NewFromInt(limit)
	return &entitlement.Entitlement{
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
			StartAt:              start,
			BillingAnchor:        cycle.NewDayOfCreationAnchor(),
			BillingInterval:      cycle.IntervalMonth,
			BillingIntervalCount: 1,
		},
	}
}

func verifyReq(slug string) *dto.VerifyRequest {
	return &dto.VerifyRequest{
		CustomerID:       "cust_1",
		ProjectID:        "proj_1",
		FeatureSlug:      slug,
		RequestID:        types.GenerateRequestID(),
		Timestamp:        time.Now().UnixMilli(),
		PerformanceStart: time.Now().UnixMilli(),
	}
}

func reportReq(slug, key string, usage float64) *dto.ReportRequest {
	return &dto.ReportRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    slug,
		IdempotenceKey: key,
		RequestID:      types.GenerateRequestID(),
		Timestamp:      time.Now().UnixMilli(),
		Usage:          usage,
	}
}

func TestReportThenVerifyAllowed(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 10))
	ctx := context.Background()

	resp, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 5))
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "15", resp.Usage.String())
	assert.Equal(t, "100", resp.Limit.String())

	vresp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, vresp.Allowed)
	assert.Equal(t, "15", vresp.Usage.String())
	assert.Equal(t, "100", vresp.Limit.String())
	assert.NotNil(t, vresp.Latency)
}

func TestReportHardLimitDenied(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 99))
	ctx := context.Background()

	resp, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 5))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonLimitExceeded, resp.DeniedReason)
	assert.Equal(t, "99", resp.Usage.String())
	assert.Equal(t, "100", resp.Limit.String())

	// Counters unchanged by the denied report.
	vresp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, vresp.Allowed)
	assert.Equal(t, "99", vresp.Usage.String())

	// A denied report buffers no usage row.
	require.NoError(t, f.shard.Flush(ctx))
	assert.Empty(t, f.sink.UsageRows())
}

func TestFlatFeatureNeverConsumesQuota(t *testing.T) {
	f := newShardFixture(t)
	e := monthlyEntitlement(100, 0)
	e.FeatureSlug = "sso"
	e.FeatureType = types.FeatureTypeFlat
	e.Limit = nil
	e.LimitType = types.LimitTypeNone
	f.provider.Add(e)
	ctx := context.Background()

	resp, err := f.shard.Report(ctx, reportReq("sso", "key-1", 7))
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "0", resp.Usage.String())

	vresp, err := f.shard.Verify(ctx, verifyReq("sso"))
	require.NoError(t, err)
	assert.True(t, vresp.Allowed)

	require.NoError(t, f.shard.Flush(ctx))
	rows := f.sink.UsageRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "0", rows[0].Usage)
}

func TestDisabledFlatFeatureDenied(t *testing.T) {
	f := newShardFixture(t)
	e := monthlyEntitlement(0, 0)
	e.FeatureSlug = "sso"
	e.FeatureType = types.FeatureTypeFlat
	e.Enabled = false
	e.Limit = nil
	f.provider.Add(e)

	resp, err := f.shard.Verify(context.Background(), verifyReq("sso"))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonEntitlementNotActive, resp.DeniedReason)
}

func TestVerifyDeniedAtHardLimit(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 100))

	resp, err := f.shard.Verify(context.Background(), verifyReq("api-calls"))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonLimitExceeded, resp.DeniedReason)
	assert.Equal(t, types.DeniedReasonLimitExceeded.Message(), resp.Message)
}

func TestSoftLimitNeverDenies(t *testing.T) {
	f := newShardFixture(t)
	e := monthlyEntitlement(100, 250)
	e.LimitType = types.LimitTypeSoft
	f.provider.Add(e)
	ctx := context.Background()

	vresp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, vresp.Allowed)

	rresp, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 10))
	require.NoError(t, err)
	assert.True(t, rresp.Allowed)
	assert.Equal(t, "260", rresp.Usage.String())
}

func TestPlaceholderSuppressesRefreshStampede(t *testing.T) {
	f := newShardFixture(t)
	ctx := context.Background()

	resp, err := f.shard.Verify(ctx, verifyReq("unknown-feature"))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonEntitlementNotFound, resp.DeniedReason)
	require.Equal(t, 1, f.provider.GetCalls())

	for i := 0; i < 10; i++ {
		resp, err := f.shard.Verify(ctx, verifyReq("unknown-feature"))
		require.NoError(t, err)
		assert.Equal(t, types.DeniedReasonEntitlementNotFound, resp.DeniedReason)
	}
	assert.Equal(t, 1, f.provider.GetCalls(), "lookups inside the placeholder TTL must not hit the DB")
}

func TestPlaceholderExpiresAndRecovers(t *testing.T) {
	f := newShardFixture(t)
	ctx := context.Background()

	_, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.GetCalls())

	// Entitlement appears while the placeholder is live.
	f.provider.Add(monthlyEntitlement(100, 10))
	time.Sleep(f.cfg.Limiter.PlaceholderTTL + 50*time.Millisecond)

	resp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "10", resp.Usage.String())
	assert.Equal(t, 2, f.provider.GetCalls())
}

func TestAutoResetOnCycleRollover(t *testing.T) {
	f := newShardFixture(t)
	e := monthlyEntitlement(100, 50)
	f.provider.Add(e)
	ctx := context.Background()

	// Hydrate, then rewind the persisted reset mark into the previous
	// cycle as if the shard had slept across the boundary.
	_, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)

	require.NoError(t, f.shard.do(ctx, func(ctx context.Context) {
		live := f.shard.featuresUsage["api-calls"]
		live.ResetedAt = live.ResetedAt - 1000
		live.CurrentCycleUsage = decimal.NewFromInt(50)
		require.NoError(t, f.shard.persistEntitlement(ctx, live))
	}))

	resp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "0", resp.Usage.String(), "rolled-over cycle must start from zero")
}

func TestHibernationTransparency(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 10))
	ctx := context.Background()

	_, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 5))
	require.NoError(t, err)

	// Make the provider unreachable so the rehydrated state can only
	// come from the durable store.
	f.provider.Remove("proj_1", "cust_1", "api-calls")
	f.respawn(t)

	resp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "15", resp.Usage.String())
	require.Equal(t, 1, f.provider.GetCalls())
}

func TestFlushDedupesReplayedReports(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 0))
	ctx := context.Background()

	ts := time.Now().UnixMilli()
	first := reportReq("api-calls", "replay-key", 5)
	first.Timestamp = ts
	second := reportReq("api-calls", "replay-key", 5)
	second.Timestamp = ts

	_, err := f.shard.Report(ctx, first)
	require.NoError(t, err)
	_, err = f.shard.Report(ctx, second)
	require.NoError(t, err)

	require.NoError(t, f.shard.Flush(ctx))

	rows := f.sink.UsageRows()
	require.Len(t, rows, 1, "replays of one idempotence key collapse to one sink row")
	assert.Equal(t, "replay-key", rows[0].IdempotenceKey)

	// The local log kept both rows until the flush acknowledged them.
	count, err := f.shard.store.CountUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFlushFailureKeepsRecordsBuffered(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 0))
	ctx := context.Background()

	_, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 1))
	require.NoError(t, err)

	f.sink.FailNext = 1
	require.Error(t, f.shard.Flush(ctx))

	count, err := f.shard.store.CountUsage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "a failed flush must leave the range in place")

	require.NoError(t, f.shard.Flush(ctx))
	assert.Len(t, f.sink.UsageRows(), 1)
}

func TestShortAccountedBatchIsRetained(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 0))
	ctx := context.Background()

	_, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 1))
	require.NoError(t, err)
	_, err = f.shard.Report(ctx, reportReq("api-calls", "key-2", 1))
	require.NoError(t, err)

	f.sink.ShortAccountNext = true
	require.Error(t, f.shard.Flush(ctx))

	count, err := f.shard.store.CountUsage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestTargetedFlushLeavesOtherFeaturesBuffered(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 0))
	seats := monthlyEntitlement(50, 0)
	seats.ID = "ent_2"
	seats.FeatureSlug = "seats"
	f.provider.Add(seats)
	ctx := context.Background()

	// Interleave the two features so their rows share one id range.
	for i, r := range []*dto.ReportRequest{
		reportReq("api-calls", "a-1", 1),
		reportReq("seats", "s-1", 2),
		reportReq("api-calls", "a-2", 3),
		reportReq("seats", "s-2", 4),
	} {
		_, err := f.shard.Report(ctx, r)
		require.NoError(t, err, "report %d", i)
	}

	// Drain only api-calls, the way a refresh does before revalidating.
	var opErr error
	require.NoError(t, f.shard.do(ctx, func(ctx context.Context) {
		opErr = f.shard.flush(ctx, "api-calls")
	}))
	require.NoError(t, opErr)

	rows := f.sink.UsageRows()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "api-calls", row.FeatureSlug)
	}

	// The interleaved seats rows stay buffered and ride the next full flush.
	count, err := f.shard.store.CountUsage(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "a targeted drain must not delete other features' rows")

	require.NoError(t, f.shard.Flush(ctx))
	assert.Len(t, f.sink.UsageRows(), 4)
}

func TestCounterConservation(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(1000, 0))
	ctx := context.Background()

	amounts := []float64{1, 2.5, 3, 0.5, 10}
	for i, amount := range amounts {
		_, err := f.shard.Report(ctx, reportReq("api-calls", types.GenerateUUID(), amount))
		require.NoError(t, err, "report %d", i)
	}

	resp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)

	require.NoError(t, f.shard.Flush(ctx))
	sum := decimal.Zero
	for _, row := range f.sink.UsageRows() {
		d, err := decimal.NewFromString(row.Usage)
		require.NoError(t, err)
		sum = sum.Add(d)
	}
	assert.True(t, sum.Equal(*resp.Usage), "flushed rows %s must equal observed usage %s", sum, resp.Usage)
}

func TestResetRefusesWithBufferedRecords(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 0))
	ctx := context.Background()

	_, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 1))
	require.NoError(t, err)

	f.sink.FailNext = 1
	_, err = f.shard.Reset(ctx)
	require.Error(t, err)
	assert.True(t, ierr.IsInvalidOperation(err))

	// Sink recovered: the retry flushes, wipes and reports the slugs.
	resp, err := f.shard.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-calls"}, resp.FeatureSlugs)

	// The wiped shard rehydrates from the provider on the next call.
	vresp, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)
	assert.True(t, vresp.Allowed)
	assert.Equal(t, "0", vresp.Usage.String())
}

func TestAlarmCoalescesIntoOneFlush(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 0))
	ctx := context.Background()

	flushIn := int64(1)
	first := reportReq("api-calls", "key-1", 1)
	first.FlushTime = &flushIn
	second := reportReq("api-calls", "key-2", 1)
	second.FlushTime = &flushIn

	_, err := f.shard.Report(ctx, first)
	require.NoError(t, err)
	_, err = f.shard.Report(ctx, second)
	require.NoError(t, err)

	time.Sleep(f.cfg.Limiter.FlushClampMin + 500*time.Millisecond)

	assert.Len(t, f.sink.UsageRows(), 2)
	events := f.bus.Messages(f.cfg.EventBus.UsageFlushedTopic)
	assert.Len(t, events, 1, "both reports must ride one alarm and one flush")
}

func TestUsageSnapshot(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 10))
	ctx := context.Background()

	_, err := f.shard.Verify(ctx, verifyReq("api-calls"))
	require.NoError(t, err)

	snap, err := f.shard.Usage(ctx, "proj_1")
	require.NoError(t, err)
	require.Len(t, snap.Entitlements, 1)
	item := snap.Entitlements[0]
	assert.Equal(t, "api-calls", item.FeatureSlug)
	assert.Equal(t, "10", item.CurrentCycleUsage.String())
	assert.Equal(t, "100", item.Limit.String())
	assert.Greater(t, item.CycleEnd, item.CycleStart)
}

func TestPrewarmHydratesAllFeatures(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 10))
	seats := monthlyEntitlement(5, 1)
	seats.ID = "ent_2"
	seats.FeatureSlug = "seats"
	f.provider.Add(seats)
	ctx := context.Background()

	resp, err := f.shard.Prewarm(ctx, "proj_1")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Warmed)
	assert.ElementsMatch(t, []string{"api-calls", "seats"}, resp.FeatureSlugs)

	// A warm shard skips the DB entirely.
	resp, err = f.shard.Prewarm(ctx, "proj_1")
	require.NoError(t, err)
	assert.Zero(t, resp.Warmed)
	assert.Equal(t, 1, f.provider.ListCalls())

	// And serves Verify without a point lookup.
	vresp, err := f.shard.Verify(ctx, verifyReq("seats"))
	require.NoError(t, err)
	assert.True(t, vresp.Allowed)
	assert.Zero(t, f.provider.GetCalls())
}

func TestVerifyFromCacheAnswersWithoutShardState(t *testing.T) {
	f := newShardFixture(t)
	f.provider.Add(monthlyEntitlement(100, 10))
	ctx := context.Background()

	// First report hydrates the shard and writes the counters back to
	// the read-through cache immediately.
	_, err := f.shard.Report(ctx, reportReq("api-calls", "key-1", 5))
	require.NoError(t, err)

	req := verifyReq("api-calls")
	req.FromCache = true
	resp, err := f.shard.VerifyFromCache(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "15", resp.Usage.String())
}

func TestStoppedShardFailsFast(t *testing.T) {
	f := newShardFixture(t)
	require.NoError(t, f.shard.Hibernate(context.Background()))

	_, err := f.shard.Verify(context.Background(), verifyReq("api-calls"))
	require.Error(t, err)
	assert.True(t, IsShardStopped(err))
}
