package shardstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), "test", "cust_1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetKV(ctx, "config")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.PutKV(ctx, "config", `{"colo":"fra"}`))
	require.NoError(t, store.PutKV(ctx, "entitlement:p1:c1:api-calls", `{"id":"ent_1"}`))
	require.NoError(t, store.PutKV(ctx, "entitlement:p1:c1:seats", `{"id":"ent_2"}`))

	value, found, err := store.GetKV(ctx, "config")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"colo":"fra"}`, value)

	// Overwrite is last-write-wins.
	require.NoError(t, store.PutKV(ctx, "config", `{"colo":"ams"}`))
	value, _, err = store.GetKV(ctx, "config")
	require.NoError(t, err)
	assert.Equal(t, `{"colo":"ams"}`, value)

	entries, err := store.ListKV(ctx, "entitlement:")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, store.DeleteKV(ctx, "entitlement:p1:c1:seats"))
	entries, err = store.ListKV(ctx, "entitlement:")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, store.WipeKV(ctx))
	entries, err = store.ListKV(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUsageLogOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := store.InsertUsage(ctx, &UsageRecord{
			EntitlementID:  "ent_1",
			CustomerID:     "c1",
			ProjectID:      "p1",
			FeatureSlug:    "api-calls",
			Usage:          "1",
			Timestamp:      int64(1000 + i),
			IdempotenceKey: "key",
			RequestID:      "req",
			CreatedAt:      int64(1000 + i),
		})
		require.NoError(t, err)
		assert.Greater(t, id, lastID, "local ids must be strictly increasing")
		lastID = id
	}

	batch, err := store.SelectUsageBatch(ctx, 0, 3, "")
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, int64(1), batch[0].ID)
	assert.Equal(t, int64(3), batch[2].ID)

	// Reader resumes with id > lastProcessed.
	batch, err = store.SelectUsageBatch(ctx, batch[2].ID, 10, "")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(4), batch[0].ID)

	require.NoError(t, store.DeleteUsageRange(ctx, 1, 3, ""))
	count, err := store.CountUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestUsageBatchFeatureFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"api-calls", "seats", "api-calls"} {
		_, err := store.InsertUsage(ctx, &UsageRecord{
			EntitlementID: "ent_1", CustomerID: "c1", ProjectID: "p1",
			FeatureSlug: slug, Usage: "1", Timestamp: 1, IdempotenceKey: "k",
			RequestID: "r", CreatedAt: 1,
		})
		require.NoError(t, err)
	}

	batch, err := store.SelectUsageBatch(ctx, 0, 10, "api-calls")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, r := range batch {
		assert.Equal(t, "api-calls", r.FeatureSlug)
	}

	// A slug-scoped delete over the full id range leaves the interleaved
	// seats row in place.
	require.NoError(t, store.DeleteUsageRange(ctx, batch[0].ID, batch[1].ID, "api-calls"))
	remaining, err := store.SelectUsageBatch(ctx, 0, 10, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "seats", remaining[0].FeatureSlug)
}

func TestVerificationLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertVerification(ctx, &VerificationRecord{
		EntitlementID: "ent_1",
		CustomerID:    "c1",
		ProjectID:     "p1",
		FeatureSlug:   "api-calls",
		RequestID:     "req_1",
		Timestamp:     1000,
		Success:       0,
		Latency:       "1.25",
		DeniedReason:  "LIMIT_EXCEEDED",
		CreatedAt:     1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	batch, err := store.SelectVerificationBatch(ctx, 0, 10, "")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "LIMIT_EXCEEDED", batch[0].DeniedReason)
	assert.Equal(t, "1.25", batch[0].Latency)
	assert.Equal(t, 0, batch[0].Success)

	require.NoError(t, store.DeleteVerificationRange(ctx, 1, 1, ""))
	count, err := store.CountVerifications(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir, "test", "cust_1")
	require.NoError(t, err)
	require.NoError(t, store.PutKV(ctx, "config", `{"colo":"fra"}`))
	_, err = store.InsertUsage(ctx, &UsageRecord{
		EntitlementID: "ent_1", CustomerID: "c1", ProjectID: "p1",
		FeatureSlug: "api-calls", Usage: "2", Timestamp: 1,
		IdempotenceKey: "k", RequestID: "r", CreatedAt: 1,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(dir, "test", "cust_1")
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.GetKV(ctx, "config")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"colo":"fra"}`, value)

	count, err := reopened.CountUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
