// Package compliance enforces the acceptable-use ceilings that keep the
// automation inside the upstream platform's terms. Distinct from technical
// rate limiting: a violation here is terminal for the attempt, not a sleep.
package compliance

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"shopkeeper/internal/config"
)

// Action types the guard will ever allow. Anything else is rejected.
var allowedActions = map[string]bool{
	"friend-add":    true,
	"friend-list":   true,
	"gift-send":     true,
	"catalog-get":   true,
	"item-info":     true,
	"token-refresh": true,
}

const minHandleLength = 3

// Details carries the request shape for structural validation.
type Details struct {
	RecipientHandle string
	ItemID          string
}

type dayKey struct {
	accountID string
	date      string // UTC calendar date, YYYY-MM-DD
	action    string
}

// Guard tracks per-account daily counters and an hourly total-call ceiling.
// Counters are keyed by UTC date, so the daily reset is implicit.
type Guard struct {
	mu          sync.Mutex
	cfg         config.ComplianceConfig
	daily       map[dayKey]int
	hourlyCalls map[string][]time.Time
	logger      *zap.Logger

	now func() time.Time
}

func New(cfg config.ComplianceConfig, logger *zap.Logger) *Guard {
	return &Guard{
		cfg:         cfg,
		daily:       make(map[dayKey]int),
		hourlyCalls: make(map[string][]time.Time),
		logger:      logger,
		now:         time.Now,
	}
}

// Validate decides whether the action may proceed. It never mutates
// counters; call Record only after the upstream call actually succeeds.
func (g *Guard) Validate(action, accountID string, details Details) (bool, string) {
	if !allowedActions[action] {
		return false, fmt.Sprintf("action %q is not permitted", action)
	}

	switch action {
	case "gift-send":
		if strings.TrimSpace(details.ItemID) == "" {
			return false, "gift requires an item id"
		}
		if strings.TrimSpace(details.RecipientHandle) == "" {
			return false, "gift requires a recipient"
		}
	case "friend-add":
		if utf8.RuneCountInString(strings.TrimSpace(details.RecipientHandle)) < minHandleLength {
			return false, fmt.Sprintf("handle must be at least %d characters", minHandleLength)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now().UTC()

	if ceiling := g.dailyCeiling(action); ceiling > 0 {
		key := dayKey{accountID: accountID, date: now.Format("2006-01-02"), action: action}
		if g.daily[key] >= ceiling {
			return false, fmt.Sprintf("daily %s quota exhausted (%d/day), resets at midnight UTC", action, ceiling)
		}
	}

	if g.cfg.HourlyCallLimit > 0 {
		calls := pruneHour(g.hourlyCalls[accountID], now)
		g.hourlyCalls[accountID] = calls
		if len(calls) >= g.cfg.HourlyCallLimit {
			return false, fmt.Sprintf("hourly call ceiling reached (%d/hour)", g.cfg.HourlyCallLimit)
		}
	}

	return true, ""
}

// Record increments the daily counter and the hourly call list. Only call
// after a confirmed upstream success.
func (g *Guard) Record(action, accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now().UTC()

	if g.dailyCeiling(action) > 0 {
		key := dayKey{accountID: accountID, date: now.Format("2006-01-02"), action: action}
		g.daily[key]++
	}
	g.hourlyCalls[accountID] = append(pruneHour(g.hourlyCalls[accountID], now), now)
}

// Remaining reports how many runs of the action are left today for the
// account; -1 means unlimited.
func (g *Guard) Remaining(action, accountID string) int {
	ceiling := g.dailyCeiling(action)
	if ceiling <= 0 {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := dayKey{accountID: accountID, date: g.now().UTC().Format("2006-01-02"), action: action}
	left := ceiling - g.daily[key]
	if left < 0 {
		left = 0
	}
	return left
}

func (g *Guard) dailyCeiling(action string) int {
	switch action {
	case "gift-send":
		return g.cfg.DailyGiftLimit
	case "friend-add":
		return g.cfg.DailyFriendLimit
	}
	return 0
}

func pruneHour(calls []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	idx := 0
	for _, c := range calls {
		if c.After(cutoff) {
			break
		}
		idx++
	}
	return calls[idx:]
}
