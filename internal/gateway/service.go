package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/bus"
	"github.com/vaivahik/realtime/internal/db"
	"github.com/vaivahik/realtime/internal/metrics"
	"github.com/vaivahik/realtime/internal/sanitize"
)

// Repository is the slice of the data layer the gateway needs.
type Repository interface {
	GetOrCreateThread(ctx context.Context, participants []uuid.UUID) (*db.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*db.Thread, error)
	CreateMessage(ctx context.Context, msg *db.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	MarkMessagesRead(ctx context.Context, threadID, userID uuid.UUID, upTo *time.Time) (int64, error)
	HasAcceptedMatch(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// Presence tracks which users have live connections.
type Presence interface {
	MarkOnline(userID, connID uuid.UUID)
	MarkOffline(userID, connID uuid.UUID)
	IsOnline(userID uuid.UUID) bool
}

// Limiter gates message sends per connection.
type Limiter interface {
	Consume(connID uuid.UUID) bool
	Release(connID uuid.UUID)
}

// Publisher emits domain events for the notification dispatcher.
type Publisher interface {
	Publish(event bus.Event) bool
}

// Error is a protocol-visible rejection with a stable code. The connection
// stays open; only failed authentication terminates a connection.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// SendRequest is a message send, from the websocket or the HTTP surface.
// Exactly one of ThreadID and ToUserID must be set.
type SendRequest struct {
	ThreadID *uuid.UUID
	ToUserID *uuid.UUID
	Content  string
	Metadata map[string]string
}

// Service runs the message pipeline shared by the websocket and HTTP
// surfaces.
type Service struct {
	repo     Repository
	presence Presence
	limiter  Limiter
	hub      *Hub
	events   Publisher
	logger   *zap.Logger
}

// NewService creates the gateway service.
func NewService(repo Repository, presence Presence, limiter Limiter, hub *Hub, events Publisher, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		presence: presence,
		limiter:  limiter,
		hub:      hub,
		events:   events,
		logger:   logger,
	}
}

// Connect admits an authenticated connection: it joins the user's broadcast
// group and presence. Idempotent per connection id.
func (s *Service) Connect(userID, connID uuid.UUID, sink Sink) {
	s.hub.Register(userID, connID, sink)
	s.presence.MarkOnline(userID, connID)

	s.logger.Info("connection admitted",
		zap.String("user_id", userID.String()),
		zap.String("conn_id", connID.String()),
	)
}

// Disconnect releases everything tied to a connection. Safe to call
// multiple times.
func (s *Service) Disconnect(userID, connID uuid.UUID) {
	s.limiter.Release(connID)
	s.presence.MarkOffline(userID, connID)
	s.hub.Unregister(userID, connID)

	s.logger.Info("connection released",
		zap.String("user_id", userID.String()),
		zap.String("conn_id", connID.String()),
	)
}

// SendMessage validates, persists and fans out one message. connID
// identifies the sending connection for rate limiting; pass uuid.Nil from
// surfaces without a live connection (the HTTP send path has its own
// request-level limits).
func (s *Service) SendMessage(ctx context.Context, senderID, connID uuid.UUID, req SendRequest) (*db.Message, *Error) {
	// Rate limit first: a rejected send must have no side effects.
	if connID != uuid.Nil && !s.limiter.Consume(connID) {
		metrics.RateLimited()
		return nil, &Error{Code: CodeRateLimited, Message: "too many messages, slow down"}
	}

	if strings.TrimSpace(req.Content) == "" {
		return nil, &Error{Code: CodeEmptyContent, Message: "message content is empty"}
	}

	if (req.ThreadID == nil) == (req.ToUserID == nil) {
		return nil, &Error{Code: CodeMissingRecipient, Message: "exactly one of thread_id and to_user_id is required"}
	}

	var (
		thread *db.Thread
		err    error
	)

	if req.ThreadID != nil {
		thread, err = s.repo.GetThread(ctx, *req.ThreadID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, &Error{Code: CodeThreadNotFound, Message: "thread not found"}
		}
		if err != nil {
			return nil, s.internal("load thread", err)
		}
		if !isParticipant(thread, senderID) {
			return nil, &Error{Code: CodeThreadNotFound, Message: "thread not found"}
		}
	} else {
		to := *req.ToUserID
		if to == senderID {
			return nil, &Error{Code: CodeNotAllowed, Message: "cannot message yourself"}
		}

		// First contact requires a mutually accepted connection.
		allowed, err := s.repo.HasAcceptedMatch(ctx, senderID, to)
		if err != nil {
			return nil, s.internal("check match", err)
		}
		if !allowed {
			return nil, &Error{Code: CodeNotAllowed, Message: "no accepted connection with this member"}
		}

		thread, err = s.repo.GetOrCreateThread(ctx, []uuid.UUID{senderID, to})
		if err != nil {
			return nil, s.internal("resolve thread", err)
		}
	}

	content := sanitize.Clean(req.Content)
	if content == "" {
		return nil, &Error{Code: CodeEmptyContent, Message: "message content is empty"}
	}

	metadata := req.Metadata
	if sanitize.Flagged(content) {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		// Advisory only: flagged messages are still delivered.
		metadata["moderation"] = "flagged"
	}

	recipient := otherParticipant(thread, senderID)

	// Presence is read before the write; a recipient disconnecting in
	// between leaves delivered=true for a message they never saw live.
	// The flag is advisory, so that window is accepted.
	delivered := recipient != nil && s.presence.IsOnline(*recipient)

	msg := &db.Message{
		ID:          uuid.New(),
		ThreadID:    thread.ID,
		SenderID:    senderID,
		RecipientID: recipient,
		Content:     content,
		Metadata:    metadata,
		Delivered:   delivered,
	}

	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, s.internal("persist message", err)
	}

	// Fan out to every other participant's live connections.
	for _, p := range thread.Participants {
		if p == senderID {
			continue
		}
		s.hub.SendToUser(p, MessageFrame{Type: FrameMessage, Message: msg})
	}

	if delivered {
		s.hub.SendToUser(senderID, DeliveryReceiptFrame{
			Type:      FrameDeliveryReceipt,
			MessageID: msg.ID,
			ThreadID:  msg.ThreadID,
		})
		metrics.MessageSent("delivered")
	} else {
		metrics.MessageSent("stored")
	}

	// The dispatcher decides channel fan-out; publish regardless of
	// online state.
	for _, p := range thread.Participants {
		if p == senderID {
			continue
		}
		s.events.Publish(bus.Event{
			UserID:   p,
			Type:     bus.TypeNewMessage,
			Priority: bus.PriorityHigh,
			Metadata: map[string]string{
				"thread_id":  msg.ThreadID.String(),
				"message_id": msg.ID.String(),
				"sender_id":  senderID.String(),
			},
		})
	}

	return msg, nil
}

// MarkAsRead flips read on unread messages addressed to userID in the
// thread, up to (and including) the referenced message, or all of them when
// uptoMessageID is nil. Other participants each receive a read receipt frame
// on their live connections and a read event through the bus.
func (s *Service) MarkAsRead(ctx context.Context, threadID, userID uuid.UUID, uptoMessageID *uuid.UUID) (int64, *Error) {
	thread, err := s.repo.GetThread(ctx, threadID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, &Error{Code: CodeThreadNotFound, Message: "thread not found"}
	}
	if err != nil {
		return 0, s.internal("load thread", err)
	}
	if !isParticipant(thread, userID) {
		return 0, &Error{Code: CodeThreadNotFound, Message: "thread not found"}
	}

	var upTo *time.Time
	if uptoMessageID != nil {
		ref, err := s.repo.GetMessage(ctx, *uptoMessageID)
		if errors.Is(err, db.ErrNotFound) {
			return 0, &Error{Code: CodeThreadNotFound, Message: "referenced message not found"}
		}
		if err != nil {
			return 0, s.internal("load message", err)
		}
		if ref.ThreadID != threadID {
			return 0, &Error{Code: CodeThreadNotFound, Message: "referenced message not in thread"}
		}
		upTo = &ref.CreatedAt
	}

	updated, err := s.repo.MarkMessagesRead(ctx, threadID, userID, upTo)
	if err != nil {
		return 0, s.internal("mark messages read", err)
	}

	receipt := ReadReceiptFrame{
		Type:      FrameReadReceipt,
		ThreadID:  threadID,
		ReaderID:  userID,
		UpToMsgID: uptoMessageID,
	}
	for _, p := range thread.Participants {
		if p == userID {
			continue
		}
		s.hub.SendToUser(p, receipt)
		// Offline counterparts learn of the read through the dispatcher.
		s.events.Publish(bus.Event{
			UserID:   p,
			Type:     bus.TypeMessageRead,
			Priority: bus.PriorityLow,
			Metadata: map[string]string{
				"thread_id": threadID.String(),
				"reader_id": userID.String(),
			},
		})
	}

	return updated, nil
}

func (s *Service) internal(op string, err error) *Error {
	s.logger.Error("message pipeline failure", zap.String("op", op), zap.Error(err))
	return &Error{Code: CodeInternal, Message: "internal error"}
}

func isParticipant(t *db.Thread, userID uuid.UUID) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// otherParticipant returns the single counterpart in a two-party thread,
// or nil for group threads.
func otherParticipant(t *db.Thread, userID uuid.UUID) *uuid.UUID {
	if len(t.Participants) != 2 {
		return nil
	}
	for _, p := range t.Participants {
		if p != userID {
			other := p
			return &other
		}
	}
	return nil
}
