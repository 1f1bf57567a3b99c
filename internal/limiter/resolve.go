package limiter

import (
	"context"
	"time"

	"github.com/flexprice/usagegate/internal/cycle"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
)

// getEntitlement resolves the entitlement for one feature with
// stale-while-revalidate semantics: the caller blocks on the primary DB
// only when the shard has no data at all. Stale data is served as-is and
// refreshed in the background; a placeholder suppresses refreshes until
// its TTL expires.
func (s *Shard) getEntitlement(ctx context.Context, projectID, featureSlug string, now time.Time) (*entitlement.Entitlement, types.DeniedReason) {
	e := s.featuresUsage[featureSlug]
	switch {
	case e == nil:
		return s.revalidate(ctx, projectID, featureSlug, now)
	case e.IsPlaceholder():
		if s.placeholderExpired(e, now) {
			return s.revalidate(ctx, projectID, featureSlug, now)
		}
		return e, ""
	default:
		if w, err := cycle.Calculate(e.CycleParams(), now); err != nil || w == nil {
			// Outside the known subscription lifetime: the phase has
			// likely changed. Serve what we have, refresh behind.
			s.scheduleRefresh(projectID, featureSlug)
		}
		return e, ""
	}
}

func (s *Shard) placeholderExpired(e *entitlement.Entitlement, now time.Time) bool {
	return now.UnixMilli()-e.UpdatedAtM >= s.cfg.Limiter.PlaceholderTTL.Milliseconds()
}

// scheduleRefresh queues a background revalidation, at most one in flight
// per feature.
func (s *Shard) scheduleRefresh(projectID, featureSlug string) {
	if s.refreshing[featureSlug] {
		return
	}
	s.refreshing[featureSlug] = true
	go s.post(func(ctx context.Context) {
		delete(s.refreshing, featureSlug)
		s.revalidate(ctx, projectID, featureSlug, time.Now().UTC())
	})
}

// revalidate flushes this feature's buffered records so the system of
// record can absorb them, then reads the authoritative entitlement and
// overwrites local state. A failed read writes a placeholder so callers
// inside the TTL do not stampede the primary DB.
func (s *Shard) revalidate(ctx context.Context, projectID, featureSlug string, now time.Time) (*entitlement.Entitlement, types.DeniedReason) {
	if err := s.flush(ctx, featureSlug); err != nil {
		s.logger.Warnw("pre-refresh flush failed, continuing",
			"feature_slug", featureSlug,
			"error", err)
	}

	fresh, err := s.provider.GetActiveEntitlement(ctx, projectID, s.customerID, featureSlug)
	if err != nil {
		placeholder := entitlement.NewPlaceholder(projectID, s.customerID, featureSlug, now.UnixMilli())
		s.featuresUsage[featureSlug] = placeholder
		if perr := s.persistEntitlement(ctx, placeholder); perr != nil {
			s.logger.Errorw("failed to persist placeholder",
				"feature_slug", featureSlug,
				"error", perr)
		}
		if ierr.IsNotFound(err) {
			return placeholder, ""
		}
		s.logger.Errorw("entitlement refresh failed",
			"feature_slug", featureSlug,
			"error", err)
		return nil, types.DeniedReasonFetchError
	}

	fresh = fresh.Clone()
	fresh.UpdatedAtM = now.UnixMilli()
	if w, err := cycle.Calculate(fresh.CycleParams(), now); err == nil && w != nil && fresh.ResetedAt == 0 {
		fresh.ResetedAt = w.Start.UnixMilli()
	}
	s.featuresUsage[featureSlug] = fresh
	if err := s.persistEntitlement(ctx, fresh); err != nil {
		s.logger.Errorw("failed to persist refreshed entitlement",
			"feature_slug", featureSlug,
			"error", err)
	}
	return fresh, ""
}

// autoReset zeroes the cycle counter when the billing window has rolled
// over since the last reset. Returns the current window, which may be nil
// when now falls outside the subscription lifetime.
func (s *Shard) autoReset(ctx context.Context, e *entitlement.Entitlement, now time.Time) *cycle.Window {
	if e == nil || e.IsPlaceholder() {
		return nil
	}
	w, err := cycle.Calculate(e.CycleParams(), now)
	if err != nil || w == nil {
		return nil
	}
	if e.ResetedAt < w.Start.UnixMilli() {
		e.CurrentCycleUsage = decimal.Zero
		e.ResetedAt = w.Start.UnixMilli()
		e.UpdatedAtM = now.UnixMilli()
		if err := s.persistEntitlement(ctx, e); err != nil {
			s.logger.Errorw("failed to persist cycle reset",
				"feature_slug", e.FeatureSlug,
				"error", err)
		}
	}
	return w
}
