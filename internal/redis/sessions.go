package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionStore tracks revoked session ids. A session lands here when a user
// logs out everywhere or an admin terminates it; live connections for a
// revoked session must be refused at the handshake.
type SessionStore struct {
	client *Client
	logger *zap.Logger
}

// NewSessionStore creates a session revocation store.
func NewSessionStore(client *Client, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		logger: logger,
	}
}

func revocationKey(sessionID string) string {
	return fmt.Sprintf("revoked_session:%s", sessionID)
}

// Revoke marks a session as revoked. The entry expires with the token TTL;
// after that the token itself is no longer valid so the entry is redundant.
func (s *SessionStore) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := s.client.rdb.Set(ctx, revocationKey(sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	s.logger.Info("session revoked",
		zap.String("session_id", sessionID),
		zap.Duration("ttl", ttl),
	)

	return nil
}

// IsRevoked reports whether the session has been revoked.
func (s *SessionStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.rdb.Exists(ctx, revocationKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check session revocation: %w", err)
	}

	return n > 0, nil
}
