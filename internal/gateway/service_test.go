package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/bus"
	"github.com/vaivahik/realtime/internal/db"
)

type fakeRepo struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]*db.Thread
	byKey    map[string]*db.Thread
	messages map[uuid.UUID]*db.Message
	matches  map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		threads:  make(map[uuid.UUID]*db.Thread),
		byKey:    make(map[string]*db.Thread),
		messages: make(map[uuid.UUID]*db.Message),
		matches:  make(map[string]bool),
	}
}

func (r *fakeRepo) allowMatch(a, b uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[db.ParticipantKey([]uuid.UUID{a, b})] = true
}

func (r *fakeRepo) threadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

func (r *fakeRepo) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *fakeRepo) GetOrCreateThread(_ context.Context, participants []uuid.UUID) (*db.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := db.ParticipantKey(participants)
	if t, ok := r.byKey[key]; ok {
		return t, nil
	}

	t := &db.Thread{
		ID:           uuid.New(),
		Participants: append([]uuid.UUID(nil), participants...),
		CreatedAt:    time.Now(),
	}
	r.threads[t.ID] = t
	r.byKey[key] = t
	return t, nil
}

func (r *fakeRepo) GetThread(_ context.Context, id uuid.UUID) (*db.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return t, nil
}

func (r *fakeRepo) CreateMessage(_ context.Context, msg *db.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.CreatedAt = time.Now()
	r.messages[msg.ID] = msg
	return nil
}

func (r *fakeRepo) GetMessage(_ context.Context, id uuid.UUID) (*db.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return m, nil
}

func (r *fakeRepo) MarkMessagesRead(_ context.Context, threadID, userID uuid.UUID, upTo *time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated int64
	for _, m := range r.messages {
		if m.ThreadID != threadID || m.Read {
			continue
		}
		if m.RecipientID == nil || *m.RecipientID != userID {
			continue
		}
		if upTo != nil && m.CreatedAt.After(*upTo) {
			continue
		}
		m.Read = true
		updated++
	}
	return updated, nil
}

func (r *fakeRepo) HasAcceptedMatch(_ context.Context, a, b uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matches[db.ParticipantKey([]uuid.UUID{a, b})], nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[uuid.UUID]bool)}
}

func (p *fakePresence) MarkOnline(userID, _ uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = true
}

func (p *fakePresence) MarkOffline(userID, _ uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
}

func (p *fakePresence) IsOnline(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

type fakeLimiter struct {
	mu       sync.Mutex
	deny     bool
	consumed int
	released int
}

func (l *fakeLimiter) Consume(uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed++
	return !l.deny
}

func (l *fakeLimiter) Release(uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
}

type fakeBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *fakeBus) Publish(event bus.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return true
}

func (b *fakeBus) published() []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Event(nil), b.events...)
}

type fixture struct {
	svc      *Service
	repo     *fakeRepo
	presence *fakePresence
	limiter  *fakeLimiter
	hub      *Hub
	events   *fakeBus
}

func newFixture() *fixture {
	f := &fixture{
		repo:     newFakeRepo(),
		presence: newFakePresence(),
		limiter:  &fakeLimiter{},
		hub:      NewHub(zap.NewNop()),
		events:   &fakeBus{},
	}
	f.svc = NewService(f.repo, f.presence, f.limiter, f.hub, f.events, zap.NewNop())
	return f
}

func TestSendMessage_FirstContactCreatesThread(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	msg, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{
		ToUserID: &bob,
		Content:  "hello",
	})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}

	if f.repo.threadCount() != 1 {
		t.Fatalf("expected 1 thread, got %d", f.repo.threadCount())
	}
	if msg.RecipientID == nil || *msg.RecipientID != bob {
		t.Fatalf("recipient should be resolved to the counterpart: %+v", msg)
	}

	events := f.events.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event published, got %d", len(events))
	}
	if events[0].Type != bus.TypeNewMessage || events[0].UserID != bob || events[0].Priority != bus.PriorityHigh {
		t.Fatalf("wrong event: %+v", events[0])
	}
}

func TestSendMessage_ThreadResolutionIsOrderIndependent(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	first, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hi"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}
	second, serr := f.svc.SendMessage(context.Background(), bob, uuid.New(), SendRequest{ToUserID: &alice, Content: "hi back"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}

	if first.ThreadID != second.ThreadID {
		t.Fatal("both directions must resolve to the same thread")
	}
	if f.repo.threadCount() != 1 {
		t.Fatalf("expected a single thread, got %d", f.repo.threadCount())
	}
}

func TestSendMessage_RequiresAcceptedMatch(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()

	_, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hello"})
	if serr == nil || serr.Code != CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED, got %v", serr)
	}

	if f.repo.threadCount() != 0 || f.repo.messageCount() != 0 {
		t.Fatal("rejected send must create nothing")
	}
	if len(f.events.published()) != 0 {
		t.Fatal("rejected send must publish nothing")
	}
}

func TestSendMessage_SelfMessageRejected(t *testing.T) {
	f := newFixture()
	alice := uuid.New()

	_, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &alice, Content: "note to self"})
	if serr == nil || serr.Code != CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED, got %v", serr)
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	f := newFixture()
	bob := uuid.New()

	_, serr := f.svc.SendMessage(context.Background(), uuid.New(), uuid.New(), SendRequest{ToUserID: &bob, Content: "   \t "})
	if serr == nil || serr.Code != CodeEmptyContent {
		t.Fatalf("expected EMPTY_CONTENT, got %v", serr)
	}
}

func TestSendMessage_ContentEmptyAfterSanitizing(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	_, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "<br><hr>"})
	if serr == nil || serr.Code != CodeEmptyContent {
		t.Fatalf("expected EMPTY_CONTENT, got %v", serr)
	}
	if f.repo.messageCount() != 0 {
		t.Fatal("nothing should be persisted")
	}
}

func TestSendMessage_ExactlyOneRecipientRequired(t *testing.T) {
	f := newFixture()
	threadID := uuid.New()
	bob := uuid.New()

	_, serr := f.svc.SendMessage(context.Background(), uuid.New(), uuid.New(), SendRequest{Content: "hi"})
	if serr == nil || serr.Code != CodeMissingRecipient {
		t.Fatalf("neither set: expected MISSING_RECIPIENT, got %v", serr)
	}

	_, serr = f.svc.SendMessage(context.Background(), uuid.New(), uuid.New(), SendRequest{ThreadID: &threadID, ToUserID: &bob, Content: "hi"})
	if serr == nil || serr.Code != CodeMissingRecipient {
		t.Fatalf("both set: expected MISSING_RECIPIENT, got %v", serr)
	}
}

func TestSendMessage_UnknownThread(t *testing.T) {
	f := newFixture()
	threadID := uuid.New()

	_, serr := f.svc.SendMessage(context.Background(), uuid.New(), uuid.New(), SendRequest{ThreadID: &threadID, Content: "hi"})
	if serr == nil || serr.Code != CodeThreadNotFound {
		t.Fatalf("expected THREAD_NOT_FOUND, got %v", serr)
	}
}

func TestSendMessage_NonParticipantSeesThreadAsMissing(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	thread, _ := f.repo.GetOrCreateThread(context.Background(), []uuid.UUID{alice, bob})

	outsider := uuid.New()
	_, serr := f.svc.SendMessage(context.Background(), outsider, uuid.New(), SendRequest{ThreadID: &thread.ID, Content: "hi"})
	if serr == nil || serr.Code != CodeThreadNotFound {
		t.Fatalf("expected THREAD_NOT_FOUND, got %v", serr)
	}
}

func TestSendMessage_RateLimitedHasNoSideEffects(t *testing.T) {
	f := newFixture()
	f.limiter.deny = true
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	_, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hello"})
	if serr == nil || serr.Code != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", serr)
	}
	if f.repo.messageCount() != 0 || f.repo.threadCount() != 0 {
		t.Fatal("rate-limited send must persist nothing")
	}
	if len(f.events.published()) != 0 {
		t.Fatal("rate-limited send must publish nothing")
	}
}

func TestSendMessage_NilConnSkipsRateLimit(t *testing.T) {
	f := newFixture()
	f.limiter.deny = true
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	// The HTTP surface has no live connection and carries its own limits.
	_, serr := f.svc.SendMessage(context.Background(), alice, uuid.Nil, SendRequest{ToUserID: &bob, Content: "hello"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}
	if f.limiter.consumed != 0 {
		t.Fatal("connection bucket must not be consulted without a connection")
	}
}

func TestSendMessage_DeliveredWhenRecipientOnline(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	bobSink := &fakeSink{}
	aliceSink := &fakeSink{}
	f.hub.Register(bob, uuid.New(), bobSink)
	f.hub.Register(alice, uuid.New(), aliceSink)
	f.presence.MarkOnline(bob, uuid.New())

	msg, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hello"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}

	if !msg.Delivered {
		t.Fatal("message to an online recipient should be marked delivered")
	}
	if bobSink.count() != 1 {
		t.Fatalf("recipient should receive the message frame, got %d", bobSink.count())
	}
	if aliceSink.count() != 1 {
		t.Fatalf("sender should receive a delivery receipt, got %d", aliceSink.count())
	}
}

func TestSendMessage_StoredWhenRecipientOffline(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	aliceSink := &fakeSink{}
	f.hub.Register(alice, uuid.New(), aliceSink)

	msg, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hello"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}

	if msg.Delivered {
		t.Fatal("message to an offline recipient must not be marked delivered")
	}
	if aliceSink.count() != 0 {
		t.Fatal("no delivery receipt for an offline recipient")
	}
	if len(f.events.published()) != 1 {
		t.Fatal("notification event should be published regardless of presence")
	}
}

func TestSendMessage_SanitizesAndFlagsContent(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	msg, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "you <b>bastard</b>"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}

	if msg.Content != "you bastard" {
		t.Fatalf("markup should be stripped, got %q", msg.Content)
	}
	if msg.Metadata["moderation"] != "flagged" {
		t.Fatal("flagged content should carry the moderation tag")
	}
	// Flagging is advisory: the message was still persisted and counted.
	if f.repo.messageCount() != 1 {
		t.Fatal("flagged message should still be stored")
	}
}

func TestMarkAsRead_AllUnread(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	for i := 0; i < 3; i++ {
		if _, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hello"}); serr != nil {
			t.Fatalf("send %d: %v", i, serr)
		}
	}

	thread, _ := f.repo.GetOrCreateThread(context.Background(), []uuid.UUID{alice, bob})
	aliceSink := &fakeSink{}
	f.hub.Register(alice, uuid.New(), aliceSink)

	updated, serr := f.svc.MarkAsRead(context.Background(), thread.ID, bob, nil)
	if serr != nil {
		t.Fatalf("mark read: %v", serr)
	}
	if updated != 3 {
		t.Fatalf("expected 3 messages marked read, got %d", updated)
	}
	if aliceSink.count() != 1 {
		t.Fatalf("sender should receive one read receipt, got %d", aliceSink.count())
	}
}

func TestMarkAsRead_PublishesReadEvent(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	if _, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hello"}); serr != nil {
		t.Fatalf("send: %v", serr)
	}
	thread, _ := f.repo.GetOrCreateThread(context.Background(), []uuid.UUID{alice, bob})

	if _, serr := f.svc.MarkAsRead(context.Background(), thread.ID, bob, nil); serr != nil {
		t.Fatalf("mark read: %v", serr)
	}

	var reads []bus.Event
	for _, ev := range f.events.published() {
		if ev.Type == bus.TypeMessageRead {
			reads = append(reads, ev)
		}
	}
	if len(reads) != 1 {
		t.Fatalf("expected one read event, got %d", len(reads))
	}
	ev := reads[0]
	if ev.UserID != alice {
		t.Fatalf("read event addressed to %s, want sender %s", ev.UserID, alice)
	}
	if ev.Priority != bus.PriorityLow {
		t.Fatalf("read event priority = %q, want low", ev.Priority)
	}
	if ev.Metadata["reader_id"] != bob.String() || ev.Metadata["thread_id"] != thread.ID.String() {
		t.Fatalf("read event metadata = %v", ev.Metadata)
	}
}

func TestMarkAsRead_UpToReference(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)

	first, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "one"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}
	// The second message is newer than the reference point.
	f.repo.mu.Lock()
	f.repo.messages[first.ID].CreatedAt = time.Now().Add(-time.Minute)
	f.repo.mu.Unlock()
	if _, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "two"}); serr != nil {
		t.Fatalf("send: %v", serr)
	}

	updated, serr := f.svc.MarkAsRead(context.Background(), first.ThreadID, bob, &first.ID)
	if serr != nil {
		t.Fatalf("mark read: %v", serr)
	}
	if updated != 1 {
		t.Fatalf("only messages up to the reference should flip, got %d", updated)
	}
}

func TestMarkAsRead_ReferenceMustBeInThread(t *testing.T) {
	f := newFixture()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f.repo.allowMatch(alice, bob)
	f.repo.allowMatch(alice, carol)

	inThread, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &bob, Content: "hi bob"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}
	elsewhere, serr := f.svc.SendMessage(context.Background(), alice, uuid.New(), SendRequest{ToUserID: &carol, Content: "hi carol"})
	if serr != nil {
		t.Fatalf("send: %v", serr)
	}

	_, serr = f.svc.MarkAsRead(context.Background(), inThread.ThreadID, bob, &elsewhere.ID)
	if serr == nil || serr.Code != CodeThreadNotFound {
		t.Fatalf("expected THREAD_NOT_FOUND for a cross-thread reference, got %v", serr)
	}
}

func TestMarkAsRead_NonParticipant(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	thread, _ := f.repo.GetOrCreateThread(context.Background(), []uuid.UUID{alice, bob})

	_, serr := f.svc.MarkAsRead(context.Background(), thread.ID, uuid.New(), nil)
	if serr == nil || serr.Code != CodeThreadNotFound {
		t.Fatalf("expected THREAD_NOT_FOUND, got %v", serr)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	f := newFixture()
	userID, connID := uuid.New(), uuid.New()

	f.svc.Connect(userID, connID, &fakeSink{})
	if !f.presence.IsOnline(userID) {
		t.Fatal("connect should mark the user online")
	}
	if f.hub.ConnectionCount(userID) != 1 {
		t.Fatal("connect should register the connection")
	}

	f.svc.Disconnect(userID, connID)
	if f.presence.IsOnline(userID) {
		t.Fatal("disconnect should mark the user offline")
	}
	if f.hub.ConnectionCount(userID) != 0 {
		t.Fatal("disconnect should unregister the connection")
	}
	if f.limiter.released != 1 {
		t.Fatal("disconnect should release the rate bucket")
	}
}
