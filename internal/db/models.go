package db

import (
	"time"

	"github.com/google/uuid"
)

// Thread is a conversation scoped to a fixed set of participants.
// Participants are stored sorted so that the same unordered pair always
// resolves to the same row.
type Thread struct {
	ID           uuid.UUID   `json:"id"`
	Participants []uuid.UUID `json:"participants"`
	LastMsgAt    *time.Time  `json:"last_msg_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Message is a single chat message inside a thread. Delivered reflects
// whether the recipient had a live connection at send time and is never
// corrected afterwards.
type Message struct {
	ID          uuid.UUID         `json:"id"`
	ThreadID    uuid.UUID         `json:"thread_id"`
	SenderID    uuid.UUID         `json:"sender_id"`
	RecipientID *uuid.UUID        `json:"recipient_id,omitempty"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Delivered   bool              `json:"delivered"`
	Read        bool              `json:"read"`
	CreatedAt   time.Time         `json:"created_at"`
}

// InAppNotification is the durable record written by the in-app delivery
// channel. It survives restarts, unlike the dispatcher's queue.
type InAppNotification struct {
	ID          uuid.UUID         `json:"id"`
	UserID      uuid.UUID         `json:"user_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Read        bool              `json:"read"`
	DeliveredAt time.Time         `json:"delivered_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NotificationPreference holds per-user channel toggles. A missing row
// means all channels enabled.
type NotificationPreference struct {
	UserID       uuid.UUID `json:"user_id"`
	EmailEnabled bool      `json:"email_enabled"`
	PushEnabled  bool      `json:"push_enabled"`
	InAppEnabled bool      `json:"in_app_enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeviceToken registers a push endpoint for one of a user's devices.
type DeviceToken struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Token       string    `json:"token"`
	EndpointARN string    `json:"endpoint_arn,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
