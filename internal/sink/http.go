package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flexprice/usagegate/internal/config"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/shardstore"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	usageTable        = "usage_records"
	verificationTable = "verifications"
)

// HTTPSink posts NDJSON batches to an events-ingest API (one table per
// record kind) and reads back the per-row success accounting.
type HTTPSink struct {
	client  *retryablehttp.Client
	baseURL string
	token   string
	logger  *logger.Logger
}

func NewHTTPSink(cfg *config.Configuration, log *logger.Logger) *HTTPSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if cfg.Sink.HTTP.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Sink.HTTP.Timeout
	}

	return &HTTPSink{
		client:  client,
		baseURL: cfg.Sink.HTTP.BaseURL,
		token:   cfg.Sink.HTTP.Token,
		logger:  log,
	}
}

func (s *HTTPSink) IngestUsage(ctx context.Context, batch []*shardstore.UsageRecord) (*IngestResult, error) {
	return ingestNDJSON(ctx, s, usageTable, batch)
}

func (s *HTTPSink) IngestVerifications(ctx context.Context, batch []*shardstore.VerificationRecord) (*IngestResult, error) {
	return ingestNDJSON(ctx, s, verificationTable, batch)
}

func ingestNDJSON[T any](ctx context.Context, s *HTTPSink, table string, batch []T) (*IngestResult, error) {
	if len(batch) == 0 {
		return &IngestResult{}, nil
	}

	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	for _, row := range batch {
		if err := encoder.Encode(row); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Failed to encode ingest row").
				Mark(ierr.ErrSink)
		}
	}

	url := fmt.Sprintf("%s/v0/events?name=%s", s.baseURL, table)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body.Bytes())
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSink)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Analytics sink is unreachable").
			Mark(ierr.ErrSink)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSink)
	}

	if resp.StatusCode >= 400 {
		return nil, ierr.NewErrorf("sink ingest failed with status %d: %s", resp.StatusCode, respBody).
			WithHint("Analytics sink rejected the batch").
			WithReportableDetails(map[string]any{
				"table":  table,
				"status": resp.StatusCode,
			}).
			Mark(ierr.ErrSink)
	}

	var result IngestResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Analytics sink returned a malformed response").
			Mark(ierr.ErrSink)
	}
	return &result, nil
}
