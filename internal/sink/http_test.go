package sink

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/shardstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPSink(t *testing.T, handler http.HandlerFunc) *HTTPSink {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.GetDefaultConfig()
	cfg.Sink.HTTP.BaseURL = server.URL
	cfg.Sink.HTTP.Token = "test-token"

	log, err := logger.NewLogger(cfg)
	require.NoError(t, err)
	return NewHTTPSink(cfg, log)
}

func TestHTTPSinkIngestUsage(t *testing.T) {
	var gotLines []string
	var gotAuth string

	s := newTestHTTPSink(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v0/events", r.URL.Path)
		assert.Equal(t, usageTable, r.URL.Query().Get("name"))

		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			gotLines = append(gotLines, scanner.Text())
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"successful_rows":2,"quarantined_rows":1}`))
	})

	batch := []*shardstore.UsageRecord{
		{ID: 1, CustomerID: "c1", FeatureSlug: "api-calls", Usage: "5", IdempotenceKey: "k1"},
		{ID: 2, CustomerID: "c1", FeatureSlug: "api-calls", Usage: "3", IdempotenceKey: "k2"},
		{ID: 3, CustomerID: "c1", FeatureSlug: "api-calls", Usage: "bad", IdempotenceKey: "k3"},
	}

	result, err := s.IngestUsage(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessfulRows)
	assert.Equal(t, 1, result.QuarantinedRows)
	assert.Equal(t, 3, result.Accounted())
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Len(t, gotLines, 3, "one NDJSON line per record")
}

func TestHTTPSinkIngestFailure(t *testing.T) {
	s := newTestHTTPSink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := s.IngestVerifications(context.Background(), []*shardstore.VerificationRecord{
		{ID: 1, CustomerID: "c1", FeatureSlug: "api-calls", Success: 1, Latency: "0.5"},
	})
	require.Error(t, err)
}

func TestHTTPSinkEmptyBatch(t *testing.T) {
	s := newTestHTTPSink(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("empty batches must not hit the sink")
	})

	result, err := s.IngestUsage(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Accounted())
}
