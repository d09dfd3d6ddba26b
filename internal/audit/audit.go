// Package audit keeps a bounded in-memory trail of attempted actions for
// after-the-fact review. It never gates behavior; quotas live in the
// compliance package.
package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"shopkeeper/internal/util"
)

const maxRecords = 1000

// Record is one attempted action, successful or not.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	ActorID   string            `json:"actor_id"`
	Details   map[string]string `json:"details,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

// Log is append-only and capped to the most recent 1000 records.
type Log struct {
	mu      sync.Mutex
	records []Record
	logger  *zap.Logger

	now func() time.Time
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger, now: time.Now}
}

// Append records an attempt. Oldest records are evicted past the cap.
func (l *Log) Append(action, actorID string, details map[string]string, success bool, errMsg string) {
	rec := Record{
		Timestamp: l.now(),
		Action:    action,
		ActorID:   actorID,
		Details:   details,
		Success:   success,
		Error:     util.Truncate(errMsg, util.DefaultDetailMaxLen),
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	if len(l.records) > maxRecords {
		l.records = l.records[len(l.records)-maxRecords:]
	}
	l.mu.Unlock()

	if success {
		l.logger.Info("action completed", zap.String("action", action), zap.String("actor", actorID))
	} else {
		l.logger.Warn("action failed", zap.String("action", action), zap.String("actor", actorID), zap.String("error", rec.Error))
	}
}

// Recent returns records from the trailing window, newest last. An empty
// action matches everything.
func (l *Log) Recent(action string, window time.Duration) []Record {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.records {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		if action != "" && rec.Action != action {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Len reports how many records are currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
