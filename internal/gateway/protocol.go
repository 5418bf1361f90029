package gateway

import (
	"github.com/google/uuid"

	"github.com/vaivahik/realtime/internal/db"
)

// Frame types exchanged over a live connection.
const (
	FramePing            = "ping"
	FramePong            = "pong"
	FramePrivateMessage  = "private_message"
	FrameMessage         = "message"
	FrameDeliveryReceipt = "delivery_receipt"
	FrameReadReceipt     = "read_receipt"
	FrameRateLimited     = "rate_limited"
	FrameError           = "error"
)

// Stable error codes surfaced on the `error` frame and the HTTP surface.
const (
	CodeEmptyContent     = "EMPTY_CONTENT"
	CodeMissingRecipient = "MISSING_RECIPIENT"
	CodeThreadNotFound   = "THREAD_NOT_FOUND"
	CodeNotAllowed       = "NOT_ALLOWED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL"
)

// InboundFrame is a client frame; fields beyond Type are only set for
// private_message.
type InboundFrame struct {
	Type     string            `json:"type"`
	ThreadID *uuid.UUID        `json:"thread_id,omitempty"`
	ToUserID *uuid.UUID        `json:"to_user_id,omitempty"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}

// MessageFrame carries a chat message to a recipient's connections, and
// echoes the persisted message back to the sender.
type MessageFrame struct {
	Type    string      `json:"type"`
	Message *db.Message `json:"message"`
}

// DeliveryReceiptFrame tells the sender the recipient was online at send
// time.
type DeliveryReceiptFrame struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id"`
	ThreadID  uuid.UUID `json:"thread_id"`
}

// ReadReceiptFrame tells a participant that another participant has read
// messages in the thread.
type ReadReceiptFrame struct {
	Type      string     `json:"type"`
	ThreadID  uuid.UUID  `json:"thread_id"`
	ReaderID  uuid.UUID  `json:"reader_id"`
	UpToMsgID *uuid.UUID `json:"up_to_message_id,omitempty"`
}

// RateLimitedFrame is the flow-control signal returned to a sender whose
// bucket is empty. Not an error; the connection stays open.
type RateLimitedFrame struct {
	Type string `json:"type"`
}

// ErrorFrame is a structured validation or authorization error. The
// connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
