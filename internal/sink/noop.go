package sink

import (
	"context"

	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/shardstore"
)

// NoopSink accepts every batch without shipping it anywhere. Used in
// development when no analytics store is configured.
type NoopSink struct {
	logger *logger.Logger
}

func NewNoopSink(log *logger.Logger) *NoopSink {
	return &NoopSink{logger: log}
}

func (s *NoopSink) IngestUsage(ctx context.Context, batch []*shardstore.UsageRecord) (*IngestResult, error) {
	s.logger.Debugw("noop sink dropping usage batch", "rows", len(batch))
	return &IngestResult{SuccessfulRows: len(batch)}, nil
}

func (s *NoopSink) IngestVerifications(ctx context.Context, batch []*shardstore.VerificationRecord) (*IngestResult, error) {
	s.logger.Debugw("noop sink dropping verification batch", "rows", len(batch))
	return &IngestResult{SuccessfulRows: len(batch)}, nil
}
