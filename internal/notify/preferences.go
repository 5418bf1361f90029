package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/db"
)

// PreferenceRepository is the slice of the data layer the resolver needs.
type PreferenceRepository interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error)
	UpsertPreference(ctx context.Context, p *db.NotificationPreference) error
}

// PreferenceUpdate carries a partial update; nil fields are left unchanged.
type PreferenceUpdate struct {
	EmailEnabled *bool `json:"email_enabled,omitempty"`
	PushEnabled  *bool `json:"push_enabled,omitempty"`
	InAppEnabled *bool `json:"in_app_enabled,omitempty"`
}

// PreferenceResolver reads and writes per-user channel toggles, treating a
// missing row as all channels enabled.
type PreferenceResolver struct {
	repo   PreferenceRepository
	logger *zap.Logger
}

// NewPreferenceResolver creates a preference resolver.
func NewPreferenceResolver(repo PreferenceRepository, logger *zap.Logger) *PreferenceResolver {
	return &PreferenceResolver{
		repo:   repo,
		logger: logger,
	}
}

// defaults returns the all-enabled preference for a user who has never set
// anything.
func defaults(userID uuid.UUID) *db.NotificationPreference {
	return &db.NotificationPreference{
		UserID:       userID,
		EmailEnabled: true,
		PushEnabled:  true,
		InAppEnabled: true,
		UpdatedAt:    time.Now(),
	}
}

// Get returns the user's preferences, or all-enabled defaults when none
// have been stored.
func (r *PreferenceResolver) Get(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error) {
	p, err := r.repo.GetPreference(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	if p == nil {
		return defaults(userID), nil
	}

	return p, nil
}

// Update merges the provided fields over the user's current (or default)
// preferences and persists the result. Unspecified fields are unchanged.
func (r *PreferenceResolver) Update(ctx context.Context, userID uuid.UUID, update PreferenceUpdate) (*db.NotificationPreference, error) {
	current, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.EmailEnabled != nil {
		current.EmailEnabled = *update.EmailEnabled
	}
	if update.PushEnabled != nil {
		current.PushEnabled = *update.PushEnabled
	}
	if update.InAppEnabled != nil {
		current.InAppEnabled = *update.InAppEnabled
	}

	if err := r.repo.UpsertPreference(ctx, current); err != nil {
		return nil, fmt.Errorf("update preference: %w", err)
	}

	r.logger.Info("notification preferences updated",
		zap.String("user_id", userID.String()),
		zap.Bool("email", current.EmailEnabled),
		zap.Bool("push", current.PushEnabled),
		zap.Bool("in_app", current.InAppEnabled),
	)

	return current, nil
}

// enabled reports whether the named channel is on for this preference set.
func enabled(p *db.NotificationPreference, channel string) bool {
	switch channel {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelPush:
		return p.PushEnabled
	case ChannelInApp:
		return p.InAppEnabled
	default:
		return false
	}
}
