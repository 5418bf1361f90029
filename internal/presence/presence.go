// Package presence tracks which users currently have open connections.
// Presence is process-local and best-effort: it is rebuilt empty on restart
// and never persisted.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status of a tracked user.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type record struct {
	conns        map[uuid.UUID]struct{}
	status       string
	lastActivity time.Time
}

// Tracker maps users to their set of live connection ids. A user is online
// while at least one connection is open; multiple simultaneous connections
// (multi-device) are expected.
type Tracker struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTracker creates an empty presence tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		records: make(map[uuid.UUID]*record),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// MarkOnline records a live connection for the user, creating the record on
// first sight. Idempotent per connection id.
func (t *Tracker) MarkOnline(userID, connID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		rec = &record{conns: make(map[uuid.UUID]struct{})}
		t.records[userID] = rec
	}

	rec.conns[connID] = struct{}{}
	rec.status = StatusOnline
	rec.lastActivity = time.Now()
}

// MarkOffline removes a connection from the user's set. The user goes
// offline only when the set becomes empty. Safe to call repeatedly and for
// unknown connections.
func (t *Tracker) MarkOffline(userID, connID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return
	}

	delete(rec.conns, connID)
	rec.lastActivity = time.Now()
	if len(rec.conns) == 0 {
		rec.status = StatusOffline
	}
}

// IsOnline reports whether the user has at least one open connection. The
// status flag and the set are both checked; they can only disagree through
// a bug, and offline is the safe answer.
func (t *Tracker) IsOnline(userID uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[userID]
	if !ok {
		return false
	}

	return rec.status == StatusOnline && len(rec.conns) > 0
}

// ConnectionCount returns the number of open connections for the user.
func (t *Tracker) ConnectionCount(userID uuid.UUID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[userID]
	if !ok {
		return 0
	}

	return len(rec.conns)
}

// Cleanup evicts records that have been offline for longer than maxAge,
// bounding memory growth. Online users are never evicted.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for userID, rec := range t.records {
		if rec.status == StatusOffline && len(rec.conns) == 0 && rec.lastActivity.Before(cutoff) {
			delete(t.records, userID)
			evicted++
		}
	}

	if evicted > 0 {
		t.logger.Debug("evicted stale presence records", zap.Int("count", evicted))
	}

	return evicted
}

// StartSweeper runs Cleanup on the given interval until Stop is called.
func (t *Tracker) StartSweeper(interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.Cleanup(maxAge)
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
