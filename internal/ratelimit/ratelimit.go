// Package ratelimit provides per-action admission control: a trailing
// 60-second sliding window, a minimum inter-run delay per action type, a
// global cooldown serializing any two actions, and a post-action randomized
// delay that makes automated traffic look unhurried.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopkeeper/internal/config"
)

const windowSize = 60 * time.Second

// maxJitter tops up the minimum-delay wait so repeated actions never land on
// an exact cadence.
const maxJitter = 500 * time.Millisecond

// Limiter is shared across every interleaved action; all window and
// last-run state is guarded by one mutex so two concurrent attempts of the
// same type cannot both pass admission before either records its attempt.
type Limiter struct {
	mu      sync.Mutex
	cfg     config.LimitsConfig
	windows map[string][]time.Time
	lastRun map[string]time.Time
	lastAny time.Time
	rng     *rand.Rand
	logger  *zap.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg config.LimitsConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string][]time.Time),
		lastRun: make(map[string]time.Time),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the action is admitted, then records the attempt. A
// deferred admission is a sleep, not an error; the only error is context
// cancellation.
func (l *Limiter) Wait(ctx context.Context, action string) error {
	for {
		l.mu.Lock()
		now := l.now()
		wait := l.requiredWait(action, now)
		if wait <= 0 {
			l.admit(action, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		l.logger.Debug("rate limit wait",
			zap.String("action", action),
			zap.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// requiredWait computes how long the action must still wait, 0 if admitted.
// Caller holds the mutex.
func (l *Limiter) requiredWait(action string, now time.Time) time.Duration {
	var wait time.Duration

	// Global cooldown between any two actions.
	cooldown := time.Duration(l.cfg.GlobalCooldownMS) * time.Millisecond
	if !l.lastAny.IsZero() {
		if elapsed := now.Sub(l.lastAny); elapsed < cooldown {
			wait = cooldown - elapsed
		}
	}

	limit, ok := l.cfg.Actions[action]
	if !ok {
		return wait
	}

	// Natural minimum delay since the last run of this type, plus jitter so
	// the cadence never looks mechanical.
	minDelay := time.Duration(limit.MinDelaySec * float64(time.Second))
	if last, ran := l.lastRun[action]; ran && minDelay > 0 {
		if elapsed := now.Sub(last); elapsed < minDelay {
			d := minDelay - elapsed + time.Duration(l.rng.Int63n(int64(maxJitter)))
			if d > wait {
				wait = d
			}
		}
	}

	// Sliding window: if the trailing minute is full, wait until the oldest
	// attempt exits.
	if limit.PerMinute > 0 {
		window := pruneWindow(l.windows[action], now)
		l.windows[action] = window
		if len(window) >= limit.PerMinute {
			d := window[0].Add(windowSize).Sub(now)
			if d > wait {
				wait = d
			}
		}
	}

	return wait
}

// admit records the attempt. Caller holds the mutex.
func (l *Limiter) admit(action string, now time.Time) {
	l.windows[action] = append(pruneWindow(l.windows[action], now), now)
	l.lastRun[action] = now
	l.lastAny = now
}

func pruneWindow(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-windowSize)
	idx := 0
	for _, hit := range hits {
		if hit.After(cutoff) {
			break
		}
		idx++
	}
	return hits[idx:]
}

// ApplyNaturalDelay sleeps a randomized post-action interval, scaled by a
// human-variance multiplier in [0.8, 1.2]. Deliberate throttle, not an error.
func (l *Limiter) ApplyNaturalDelay(ctx context.Context, action string) error {
	limit, ok := l.cfg.Actions[action]
	if !ok || limit.DelayRangeMax <= 0 {
		return nil
	}

	l.mu.Lock()
	span := limit.DelayRangeMax - limit.DelayRangeMin
	base := limit.DelayRangeMin
	if span > 0 {
		base += l.rng.Float64() * span
	}
	variance := 0.8 + l.rng.Float64()*0.4
	l.mu.Unlock()

	d := time.Duration(base * variance * float64(time.Second))
	l.logger.Debug("natural delay", zap.String("action", action), zap.Duration("delay", d))
	return l.sleep(ctx, d)
}

// WindowCount reports attempts of the action in the trailing minute.
func (l *Limiter) WindowCount(action string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	window := pruneWindow(l.windows[action], l.now())
	l.windows[action] = window
	return len(window)
}
