package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
)

// entry is the per-key fixed-window counter. It is replaced, not
// incremented, once its window has elapsed.
type entry struct {
	count         int
	windowResetAt time.Time
}

// Result is the outcome of a rate-limit check. Limit, Remaining, and ResetAt
// are populated on both allow and deny so responses always carry the
// rate-limit headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a fixed-window request counter per API key. Windows do not
// slide: a burst straddling a window boundary can admit up to twice the
// nominal rate, which is an accepted approximation. A background sweep
// evicts elapsed entries to bound memory growth.
type Limiter struct {
	cfg    config.RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg config.RateLimitConfig, logger *logrus.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Check performs the check-and-increment for one key as a single serialized
// step, so a key's counter reflects every admitted request up to this call.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.windowResetAt) {
		e = &entry{count: 0, windowResetAt: now.Add(l.cfg.Window)}
		l.entries[key] = e
	}

	result := Result{
		Limit:   l.cfg.MaxRequests,
		ResetAt: e.windowResetAt,
	}

	if e.count >= l.cfg.MaxRequests {
		result.Allowed = false
		result.Remaining = 0
		result.RetryAfter = e.windowResetAt.Sub(now)
		return result
	}

	e.count++
	result.Allowed = true
	result.Remaining = l.cfg.MaxRequests - e.count
	return result
}

// Start launches the background sweep.
func (l *Limiter) Start() {
	go l.run()
	l.logger.WithFields(logrus.Fields{
		"max_requests":   l.cfg.MaxRequests,
		"window":         l.cfg.Window,
		"sweep_interval": l.cfg.SweepInterval,
	}).Info("Rate limiter started")
}

// Stop halts the sweep and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	<-l.stopped
	l.logger.Info("Rate limiter stopped")
}

func (l *Limiter) run() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep evicts entries whose window has already elapsed.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evicted := 0
	for key, e := range l.entries {
		if !now.Before(e.windowResetAt) {
			delete(l.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.WithField("evicted", evicted).Debug("Swept expired rate-limit entries")
	}
}
