package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handshake rejection reasons. Each maps to a stable close/error code on the
// wire; a connection rejected here never enters presence tracking.
var (
	ErrMissingToken   = errors.New("missing_token")
	ErrInvalidToken   = errors.New("invalid_token")
	ErrSessionRevoked = errors.New("session_revoked")
	ErrAuthFailed     = errors.New("auth_failed")
)

// Identity is the result of a successful handshake.
type Identity struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
}

// RevocationChecker reports whether a login session has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Authenticator validates bearer credentials for new connections.
type Authenticator struct {
	jwt      *JWTManager
	sessions RevocationChecker // nil disables the revocation check
	logger   *zap.Logger
}

// NewAuthenticator creates an authenticator. sessions may be nil when no
// revocation store is configured; revoked-session enforcement is then off.
func NewAuthenticator(jwt *JWTManager, sessions RevocationChecker, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		jwt:      jwt,
		sessions: sessions,
		logger:   logger,
	}
}

// Authenticate validates a bearer token and resolves the caller's identity.
// It returns one of the package's sentinel errors on failure.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims, err := a.jwt.Verify(token)
	if err != nil {
		a.logger.Debug("token verification failed", zap.Error(err))
		return Identity{}, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	if a.sessions != nil {
		revoked, err := a.sessions.IsRevoked(ctx, claims.SessionID)
		if err != nil {
			a.logger.Warn("session revocation check failed", zap.Error(err))
			return Identity{}, ErrAuthFailed
		}
		if revoked {
			return Identity{}, ErrSessionRevoked
		}
	}

	return Identity{UserID: userID, SessionID: sessionID}, nil
}
