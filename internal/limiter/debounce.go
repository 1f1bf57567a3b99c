package limiter

import (
	"context"
	"time"
)

type debounceEntry struct {
	timer       *time.Timer
	lastFlushAt time.Time
}

// scheduleCacheWriteBack pushes the entitlement's fresh counters to the
// read-through cache, debounced per feature so a burst of Reports costs a
// single cache write. The first write-back after a quiet period goes out
// immediately; later ones wait for the debounce delay but never longer
// than the max flush interval since the last write.
func (s *Shard) scheduleCacheWriteBack(ctx context.Context, featureSlug string) {
	entry := s.debounce[featureSlug]
	if entry == nil {
		entry = &debounceEntry{}
		s.debounce[featureSlug] = entry
	}

	now := time.Now()
	maxInterval := s.cfg.Limiter.MaxFlushInterval
	if entry.lastFlushAt.IsZero() || now.Sub(entry.lastFlushAt) >= maxInterval {
		s.writeBackCache(ctx, featureSlug, now)
		return
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	delay := s.cfg.Limiter.DebounceDelay
	if remainder := maxInterval - now.Sub(entry.lastFlushAt); remainder < delay {
		delay = remainder
	}
	entry.timer = time.AfterFunc(delay, func() {
		s.post(func(ctx context.Context) {
			s.writeBackCache(ctx, featureSlug, time.Now())
		})
	})
}

func (s *Shard) writeBackCache(ctx context.Context, featureSlug string, now time.Time) {
	if entry := s.debounce[featureSlug]; entry != nil {
		entry.timer = nil
		entry.lastFlushAt = now
	}
	if e := s.featuresUsage[featureSlug]; e != nil {
		s.provider.WriteBack(ctx, e)
	}
}

// clearTimers cancels every pending timer, completing pending cache
// write-backs first so the cache is not left stale. Runs on reset and on
// hibernation.
func (s *Shard) clearTimers(ctx context.Context) {
	for featureSlug, entry := range s.debounce {
		if entry.timer != nil {
			entry.timer.Stop()
			s.writeBackCache(ctx, featureSlug, time.Now())
		}
	}
	s.debounce = make(map[string]*debounceEntry)
	s.clearAlarm()
}
