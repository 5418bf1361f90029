package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for threads, messages,
// notifications, preferences and device tokens.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ParticipantKey returns the canonical lookup key for an unordered
// participant set: ids sorted lexicographically and joined. Two calls with
// the same set in any order produce the same key.
func ParticipantKey(participants []uuid.UUID) string {
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// sortParticipants returns a sorted copy of the participant set.
func sortParticipants(participants []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, len(participants))
	copy(out, participants)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// GetOrCreateThread resolves the thread for the given participant set,
// creating it if none exists. At most one thread exists per exact set; the
// unique participant_key column enforces this under concurrent senders.
func (r *Repository) GetOrCreateThread(ctx context.Context, participants []uuid.UUID) (*Thread, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("thread requires at least 2 participants, got %d", len(participants))
	}

	sorted := sortParticipants(participants)
	key := ParticipantKey(sorted)

	query := `
		INSERT INTO threads (id, participants, participant_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_key)
		DO UPDATE SET participant_key = EXCLUDED.participant_key
		RETURNING id, participants, last_msg_at, created_at
	`

	var t Thread
	err := r.db.Pool().QueryRow(ctx, query, uuid.New(), sorted, key).Scan(
		&t.ID,
		&t.Participants,
		&t.LastMsgAt,
		&t.CreatedAt,
	)
	if err != nil {
		r.logger.Error("failed to resolve thread",
			zap.Error(err),
			zap.String("participant_key", key),
		)
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	return &t, nil
}

// GetThread retrieves a thread by ID.
func (r *Repository) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	query := `
		SELECT id, participants, last_msg_at, created_at
		FROM threads
		WHERE id = $1
	`

	var t Thread
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Participants,
		&t.LastMsgAt,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}

	return &t, nil
}

// ListThreadsByUser retrieves a user's threads, most recently active first.
func (r *Repository) ListThreadsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Thread, error) {
	query := `
		SELECT id, participants, last_msg_at, created_at
		FROM threads
		WHERE $1 = ANY(participants)
		ORDER BY last_msg_at DESC NULLS LAST, created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Participants, &t.LastMsgAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, &t)
	}

	return threads, rows.Err()
}

// CreateMessage inserts a message and bumps the thread's last_msg_at.
func (r *Repository) CreateMessage(ctx context.Context, msg *Message) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO messages (
			id, thread_id, sender_id, recipient_id,
			content, metadata, delivered, read
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at
	`

	err = tx.QueryRow(
		ctx,
		query,
		msg.ID,
		msg.ThreadID,
		msg.SenderID,
		msg.RecipientID,
		msg.Content,
		msg.Metadata,
		msg.Delivered,
		msg.Read,
	).Scan(&msg.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("thread_id", msg.ThreadID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE threads SET last_msg_at = $1 WHERE id = $2`,
		msg.CreatedAt, msg.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `
		SELECT id, thread_id, sender_id, recipient_id,
			content, metadata, delivered, read, created_at
		FROM messages
		WHERE id = $1
	`

	var msg Message
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.Content,
		&msg.Metadata,
		&msg.Delivered,
		&msg.Read,
		&msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	return &msg, nil
}

// ListMessagesByThread retrieves messages in a thread, oldest first.
func (r *Repository) ListMessagesByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]*Message, error) {
	query := `
		SELECT id, thread_id, sender_id, recipient_id,
			content, metadata, delivered, read, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, threadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.SenderID,
			&msg.RecipientID,
			&msg.Content,
			&msg.Metadata,
			&msg.Delivered,
			&msg.Read,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// MarkMessagesRead flips read on unread messages addressed to userID in the
// thread. When upTo is non-nil only messages created at or before it are
// affected. Returns the number of messages updated.
func (r *Repository) MarkMessagesRead(ctx context.Context, threadID, userID uuid.UUID, upTo *time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET read = TRUE
		WHERE thread_id = $1
		  AND recipient_id = $2
		  AND read = FALSE
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
	`

	result, err := r.db.Pool().Exec(ctx, query, threadID, userID, upTo)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	return result.RowsAffected(), nil
}

// CreateInAppNotification inserts a durable in-app notification row.
func (r *Repository) CreateInAppNotification(ctx context.Context, n *InAppNotification) error {
	query := `
		INSERT INTO in_app_notifications (
			id, user_id, type, title, body, metadata, read, delivered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.UserID,
		n.Type,
		n.Title,
		n.Body,
		n.Metadata,
		n.Read,
		n.DeliveredAt,
	).Scan(&n.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create in-app notification",
			zap.Error(err),
			zap.String("user_id", n.UserID.String()),
			zap.String("type", n.Type),
		)
		return fmt.Errorf("insert in-app notification: %w", err)
	}

	return nil
}

// ListInAppByUser retrieves a user's in-app notifications, newest first.
func (r *Repository) ListInAppByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*InAppNotification, error) {
	query := `
		SELECT id, user_id, type, title, body, metadata, read, delivered_at, created_at
		FROM in_app_notifications
		WHERE user_id = $1
		  AND (NOT $2 OR read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query in-app notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*InAppNotification
	for rows.Next() {
		var n InAppNotification
		err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.Type,
			&n.Title,
			&n.Body,
			&n.Metadata,
			&n.Read,
			&n.DeliveredAt,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan in-app notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	return notifications, rows.Err()
}

// MarkNotificationsRead flips read on the given notification ids owned by
// the user. Returns the number of rows updated.
func (r *Repository) MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	query := `
		UPDATE in_app_notifications
		SET read = TRUE
		WHERE user_id = $1 AND id = ANY($2) AND read = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}

	return result.RowsAffected(), nil
}

// GetPreference retrieves a user's notification preference row, or nil when
// the user has never set one.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID) (*NotificationPreference, error) {
	query := `
		SELECT user_id, email_enabled, push_enabled, in_app_enabled, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p NotificationPreference
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.EmailEnabled,
		&p.PushEnabled,
		&p.InAppEnabled,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	return &p, nil
}

// UpsertPreference writes a user's notification preference row.
func (r *Repository) UpsertPreference(ctx context.Context, p *NotificationPreference) error {
	query := `
		INSERT INTO notification_preferences (user_id, email_enabled, push_enabled, in_app_enabled, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			push_enabled = EXCLUDED.push_enabled,
			in_app_enabled = EXCLUDED.in_app_enabled,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.UserID, p.EmailEnabled, p.PushEnabled, p.InAppEnabled,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}

	return nil
}

// RegisterDeviceToken registers a push token for a user's device. Repeated
// registration of the same token is idempotent.
func (r *Repository) RegisterDeviceToken(ctx context.Context, t *DeviceToken) error {
	query := `
		INSERT INTO device_tokens (id, user_id, token, endpoint_arn)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, token)
		DO UPDATE SET endpoint_arn = EXCLUDED.endpoint_arn
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, uuid.New(), t.UserID, t.Token, t.EndpointARN).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}

	return nil
}

// DeleteDeviceToken removes a push token registration.
func (r *Repository) DeleteDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`,
		userID, token,
	)
	if err != nil {
		return fmt.Errorf("delete device token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDeviceTokensByUser retrieves all push tokens registered for a user.
func (r *Repository) ListDeviceTokensByUser(ctx context.Context, userID uuid.UUID) ([]*DeviceToken, error) {
	query := `
		SELECT id, user_id, token, endpoint_arn, created_at
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.EndpointARN, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, &t)
	}

	return tokens, rows.Err()
}

// HasAcceptedMatch reports whether the two users share a mutually accepted
// connection. Match rows are written by the interest service; this layer
// only reads them to authorize first contact.
func (r *Repository) HasAcceptedMatch(ctx context.Context, a, b uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM matches
			WHERE status = 'accepted'
			  AND ((user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1))
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, a, b).Scan(&exists); err != nil {
		return false, fmt.Errorf("query match: %w", err)
	}

	return exists, nil
}

// GetUserEmail looks up a user's email address for the email channel.
func (r *Repository) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT email FROM users WHERE id = $1`, userID,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}

	return email, nil
}
