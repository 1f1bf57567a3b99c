package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/metrics"
	"github.com/flexprice/usagegate/internal/shardstore"
	"github.com/flexprice/usagegate/internal/sink"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/samber/lo"
)

// onAlarm is the flush cycle: drain buffered records to the analytics
// sink, then reconcile counters to the primary DB when the sync interval
// has elapsed. A failed drain re-arms the alarm and leaves records in
// place for the next attempt.
func (s *Shard) onAlarm(ctx context.Context) {
	if err := s.ensureInitialized(ctx); err != nil {
		s.logger.Errorw("alarm fired on uninitializable shard", "error", err)
		return
	}
	if err := s.flush(ctx, ""); err != nil {
		s.logger.Warnw("flush failed, will retry at next alarm", "error", err)
		s.ensureAlarmIsSet(nil)
		return
	}
	s.maybeSyncUsage(ctx)
}

// flush drains buffered verifications, then usage records, in id order.
// An empty featureSlug drains everything; a non-empty one restricts the
// drain to that feature (used before a targeted refresh).
func (s *Shard) flush(ctx context.Context, featureSlug string) error {
	if s.store == nil {
		return nil
	}
	batchSize := s.cfg.Limiter.BatchSize
	if batchSize <= 0 || batchSize > sink.MaxBatchSize {
		batchSize = sink.MaxBatchSize
	}
	if err := s.drainVerifications(ctx, featureSlug, batchSize); err != nil {
		return err
	}
	return s.drainUsage(ctx, featureSlug, batchSize)
}

func (s *Shard) drainVerifications(ctx context.Context, featureSlug string, batchSize int) error {
	for {
		batch, err := s.store.SelectVerificationBatch(ctx, 0, batchSize, featureSlug)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		res, err := s.sink.IngestVerifications(ctx, batch)
		if err != nil {
			metrics.SinkFailures.WithLabelValues("verifications").Inc()
			metrics.FlushBatches.WithLabelValues("verifications", "failed").Inc()
			return err
		}
		if res.Accounted() < len(batch) {
			metrics.FlushBatches.WithLabelValues("verifications", "failed").Inc()
			return ierr.NewErrorf("sink accounted %d of %d verification rows", res.Accounted(), len(batch)).
				Mark(ierr.ErrSink)
		}

		if err := s.store.DeleteVerificationRange(ctx, batch[0].ID, batch[len(batch)-1].ID, featureSlug); err != nil {
			return err
		}
		metrics.FlushBatches.WithLabelValues("verifications", "ok").Inc()
		metrics.FlushRows.WithLabelValues("verifications").Add(float64(len(batch)))

		if len(batch) < batchSize {
			return nil
		}
	}
}

func (s *Shard) drainUsage(ctx context.Context, featureSlug string, batchSize int) error {
	flushed := 0
	for {
		batch, err := s.store.SelectUsageBatch(ctx, 0, batchSize, featureSlug)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		deduped := s.dedupeUsage(batch)
		res, err := s.sink.IngestUsage(ctx, deduped)
		if err != nil {
			metrics.SinkFailures.WithLabelValues("usage_records").Inc()
			metrics.FlushBatches.WithLabelValues("usage_records", "failed").Inc()
			return err
		}
		if res.Accounted() < len(deduped) {
			metrics.FlushBatches.WithLabelValues("usage_records", "failed").Inc()
			return ierr.NewErrorf("sink accounted %d of %d usage rows", res.Accounted(), len(deduped)).
				Mark(ierr.ErrSink)
		}

		// The whole selected range is acknowledged, including the rows
		// squashed by dedup. A targeted drain only touches its own feature's
		// rows; other features' records in the same id range stay buffered.
		if err := s.store.DeleteUsageRange(ctx, batch[0].ID, batch[len(batch)-1].ID, featureSlug); err != nil {
			return err
		}
		metrics.FlushBatches.WithLabelValues("usage_records", "ok").Inc()
		metrics.FlushRows.WithLabelValues("usage_records").Add(float64(len(deduped)))
		flushed += len(deduped)

		if len(batch) < batchSize {
			break
		}
	}
	if flushed > 0 {
		s.publishUsageFlushed(ctx, flushed)
	}
	return nil
}

// dedupeUsage drops in-batch replays, keeping the first occurrence of
// each key. The sink deduplicates on the raw idempotence key in
// production; elsewhere the key is composed with the timestamp so test
// replays stay distinguishable.
func (s *Shard) dedupeUsage(batch []*shardstore.UsageRecord) []*shardstore.UsageRecord {
	production := s.cfg.Deployment.Environment.IsProduction()
	seen := make(map[string]struct{}, len(batch))
	out := make([]*shardstore.UsageRecord, 0, len(batch))
	for _, r := range batch {
		key := r.IdempotenceKey
		if !production {
			key += ":" + strconv.FormatInt(r.Timestamp, 10)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (s *Shard) publishUsageFlushed(ctx context.Context, rows int) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(dto.UsageFlushedEvent{
		CustomerID: s.customerID,
		Region:     s.region,
		Rows:       rows,
		FlushedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, s.cfg.EventBus.UsageFlushedTopic, message.NewMessage(types.GenerateUUID(), payload)); err != nil {
		s.logger.Warnw("usage flush fan-out failed", "error", err)
	}
}

// maybeSyncUsage pushes live counters back to the primary DB once per
// sync interval so billing reads do not depend on shard liveness.
func (s *Shard) maybeSyncUsage(ctx context.Context) {
	ttl := s.cfg.Limiter.TTLSyncUsage
	now := time.Now().UTC()
	if ttl <= 0 || now.UnixMilli()-s.shardCfg.LastSyncUsageAt < ttl.Milliseconds() {
		return
	}

	live := lo.FilterMap(lo.Values(s.featuresUsage), func(e *entitlement.Entitlement, _ int) (*entitlement.Entitlement, bool) {
		return e.Clone(), !e.IsPlaceholder()
	})
	if len(live) > 0 {
		if err := s.provider.SyncUsage(ctx, live); err != nil {
			s.logger.Warnw("usage reconciliation failed", "error", err)
			return
		}
	}

	s.shardCfg.LastSyncUsageAt = now.UnixMilli()
	if err := s.persistConfig(ctx); err != nil {
		s.logger.Errorw("failed to persist sync watermark", "error", err)
	}
}
