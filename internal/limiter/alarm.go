package limiter

import (
	"context"
	"time"
)

// ensureAlarmIsSet arms the flush alarm. One alarm per shard: an alarm
// already pending in the future is left alone, which coalesces bursts of
// Verify and Report into a single flush cycle. The delay is the lesser of
// the caller-requested flush time and the analytics cadence, clamped to
// the configured bounds.
func (s *Shard) ensureAlarmIsSet(flushTimeSec *int64) {
	delay := s.cfg.Limiter.TTLAnalytics
	if flushTimeSec != nil && *flushTimeSec > 0 {
		if requested := time.Duration(*flushTimeSec) * time.Second; requested < delay {
			delay = requested
		}
	}
	if min := s.cfg.Limiter.FlushClampMin; min > 0 && delay < min {
		delay = min
	}
	if max := s.cfg.Limiter.FlushClampMax; max > 0 && delay > max {
		delay = max
	}

	now := time.Now()
	if !s.alarmAt.IsZero() && s.alarmAt.After(now) {
		return
	}
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
	}
	s.alarmAt = now.Add(delay)
	s.alarmTimer = time.AfterFunc(delay, s.fireAlarm)
}

func (s *Shard) fireAlarm() {
	s.post(func(ctx context.Context) {
		s.alarmAt = time.Time{}
		s.alarmTimer = nil
		s.onAlarm(ctx)
	})
}

func (s *Shard) clearAlarm() {
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
		s.alarmTimer = nil
	}
	s.alarmAt = time.Time{}
}
