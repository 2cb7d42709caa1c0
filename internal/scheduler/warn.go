package scheduler

import (
	"errors"
	"time"

	"steward/internal/model"
	logx "steward/pkg/logx"
)

const warnThrottle = 30 * time.Second

// warnThrottled logs store trouble during ticks at most once per key per
// warnThrottle. Lost claim races are normal and only logged at debug.
func (s *Service) warnThrottled(key, msg string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, model.ErrConflict) {
		s.log.Debug(msg, logx.String("job", key), logx.Err(err))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()

	s.log.Warn(msg, logx.String("job", key), logx.Err(err))
}
