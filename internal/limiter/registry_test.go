package limiter

import (
	"context"
	"testing"

	"github.com/flexprice/usagegate/internal/cache"
	"github.com/flexprice/usagegate/internal/repository"
	"github.com/flexprice/usagegate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *testutil.InMemoryEntitlementProvider, *testutil.InMemorySink) {
	t.Helper()
	log := testutil.GetLogger()
	provider := testutil.NewInMemoryEntitlementProvider()
	memSink := testutil.NewInMemorySink()
	// The in-memory cache is a process-wide singleton; start from a clean
	// slate so entries from other tests cannot leak into this fixture.
	c := cache.NewInMemoryCache()
	c.Flush(context.Background())
	r := NewRegistry(Deps{
		Config:   testutil.GetConfig(t.TempDir()),
		Logger:   log,
		Provider: repository.NewCachedEntitlementProvider(provider, c, log),
		Sink:     memSink,
		Bus:      testutil.NewInMemoryPubSub(),
	})
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, provider, memSink
}

func TestRegistryReturnsSameShard(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	a := r.Shard("default", "cust_1")
	b := r.Shard("default", "cust_1")
	assert.Same(t, a, b)

	assert.NotSame(t, a, r.Shard("default", "cust_2"))
	assert.NotSame(t, a, r.Shard("eu", "cust_1"), "regions are separate namespaces")
}

func TestRegistryRemoveIsPointerSafe(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	old := r.Shard("default", "cust_1")
	require.True(t, r.remove("default", "cust_1", old))

	fresh := r.Shard("default", "cust_1")
	assert.NotSame(t, old, fresh)

	// Removing with a stale pointer must not unregister the replacement.
	assert.False(t, r.remove("default", "cust_1", old))
	assert.Same(t, fresh, r.Shard("default", "cust_1"))
}

func TestRegistryShutdownDrainsShards(t *testing.T) {
	r, provider, memSink := newTestRegistry(t)
	provider.Add(monthlyEntitlement(100, 0))
	ctx := context.Background()

	shard := r.Shard("default", "cust_1")
	_, err := shard.Report(ctx, reportReq("api-calls", "key-1", 3))
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(ctx))
	assert.Len(t, memSink.UsageRows(), 1, "shutdown must flush buffered usage")

	_, err = shard.Verify(ctx, verifyReq("api-calls"))
	assert.True(t, IsShardStopped(err))
}
