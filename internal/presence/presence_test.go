package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestMarkOnlineAndOffline(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	userID := uuid.New()
	connID := uuid.New()

	if tr.IsOnline(userID) {
		t.Fatal("user should start offline")
	}

	tr.MarkOnline(userID, connID)
	if !tr.IsOnline(userID) {
		t.Fatal("user should be online after MarkOnline")
	}

	tr.MarkOffline(userID, connID)
	if tr.IsOnline(userID) {
		t.Fatal("user should be offline after last connection closes")
	}
}

func TestMultiDevice_OfflineOnlyWhenLastConnCloses(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	userID := uuid.New()
	phone := uuid.New()
	laptop := uuid.New()

	tr.MarkOnline(userID, phone)
	tr.MarkOnline(userID, laptop)
	if got := tr.ConnectionCount(userID); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	tr.MarkOffline(userID, phone)
	if !tr.IsOnline(userID) {
		t.Fatal("user should stay online while another connection is open")
	}

	tr.MarkOffline(userID, laptop)
	if tr.IsOnline(userID) {
		t.Fatal("user should be offline once all connections close")
	}
}

func TestMarkOnline_IdempotentPerConnection(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	userID := uuid.New()
	connID := uuid.New()

	tr.MarkOnline(userID, connID)
	tr.MarkOnline(userID, connID)
	if got := tr.ConnectionCount(userID); got != 1 {
		t.Fatalf("expected 1 connection after duplicate MarkOnline, got %d", got)
	}
}

func TestMarkOffline_UnknownUserIsSafe(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	tr.MarkOffline(uuid.New(), uuid.New())
}

func TestCleanup_EvictsOnlyStaleOfflineRecords(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	online := uuid.New()
	offline := uuid.New()

	tr.MarkOnline(online, uuid.New())

	connID := uuid.New()
	tr.MarkOnline(offline, connID)
	tr.MarkOffline(offline, connID)

	// Backdate the offline record past the age limit.
	tr.mu.Lock()
	tr.records[offline].lastActivity = time.Now().Add(-2 * time.Hour)
	tr.mu.Unlock()

	if evicted := tr.Cleanup(time.Hour); evicted != 1 {
		t.Fatalf("expected 1 record evicted, got %d", evicted)
	}
	if !tr.IsOnline(online) {
		t.Fatal("online user must never be evicted")
	}
}
