package testutil

import (
	"context"
	"sync"

	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/shardstore"
	"github.com/flexprice/usagegate/internal/sink"
)

// InMemorySink implements sink.Client, recording every ingested row.
// Failures and partial success are injectable per call.
type InMemorySink struct {
	mu sync.Mutex

	usage         []*shardstore.UsageRecord
	verifications []*shardstore.VerificationRecord

	// FailNext fails that many ingest calls before recovering.
	FailNext int
	// QuarantineNext quarantines one row of the next batch instead of
	// accepting it; the row is still accounted for.
	QuarantineNext bool
	// ShortAccountNext under-accounts the next batch by one row, which
	// must make the caller keep the range buffered.
	ShortAccountNext bool
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) IngestUsage(ctx context.Context, batch []*shardstore.UsageRecord) (*sink.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		return nil, ierr.NewError("sink unavailable").Mark(ierr.ErrSink)
	}
	if s.ShortAccountNext {
		s.ShortAccountNext = false
		kept := batch[:len(batch)-1]
		s.usage = append(s.usage, kept...)
		return &sink.IngestResult{SuccessfulRows: len(kept)}, nil
	}
	result := &sink.IngestResult{SuccessfulRows: len(batch)}
	if s.QuarantineNext && len(batch) > 0 {
		s.QuarantineNext = false
		result.SuccessfulRows--
		result.QuarantinedRows++
		batch = batch[:len(batch)-1]
	}
	s.usage = append(s.usage, batch...)
	return result, nil
}

func (s *InMemorySink) IngestVerifications(ctx context.Context, batch []*shardstore.VerificationRecord) (*sink.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		return nil, ierr.NewError("sink unavailable").Mark(ierr.ErrSink)
	}
	s.verifications = append(s.verifications, batch...)
	return &sink.IngestResult{SuccessfulRows: len(batch)}, nil
}

func (s *InMemorySink) UsageRows() []*shardstore.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*shardstore.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *InMemorySink) VerificationRows() []*shardstore.VerificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*shardstore.VerificationRecord, len(s.verifications))
	copy(out, s.verifications)
	return out
}
