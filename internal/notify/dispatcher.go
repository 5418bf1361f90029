package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/bus"
	"github.com/vaivahik/realtime/internal/metrics"
)

// queued wraps an event while it waits in the dispatch queue.
type queued struct {
	event         bus.Event
	priority      bus.Priority
	seq           uint64
	attempts      int
	nextAttemptAt time.Time
}

// Dispatcher consumes domain events, prioritizes them and delivers across
// the channels enabled for the recipient, retrying per a priority-specific
// policy. The queue is in-memory only: notifications are best-effort and
// anything still queued at shutdown is lost.
type Dispatcher struct {
	prefs     *PreferenceResolver
	templates *TemplateResolver
	channels  map[string]Channel
	tick      time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	queue []*queued // sorted by (priority rank, seq)
	seq   uint64

	// drainMu serializes delivery so the tick loop and an immediate
	// out-of-band drain never interleave attempts.
	drainMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config holds dispatcher settings.
type Config struct {
	Tick time.Duration
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(prefs *PreferenceResolver, templates *TemplateResolver, channels []Channel, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = 1 * time.Second
	}

	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}

	return &Dispatcher{
		prefs:     prefs,
		templates: templates,
		channels:  byName,
		tick:      cfg.Tick,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// SubscribeTo registers the dispatcher on the event bus.
func (d *Dispatcher) SubscribeTo(b *bus.Bus) error {
	return b.Subscribe(d.Enqueue)
}

// Enqueue accepts an event for delivery. Immediate-priority events trigger
// an out-of-band synchronous drain instead of waiting for the next tick.
func (d *Dispatcher) Enqueue(event bus.Event) {
	priority := resolvePriority(event)

	d.mu.Lock()
	d.seq++
	item := &queued{
		event:         event,
		priority:      priority,
		seq:           d.seq,
		nextAttemptAt: d.now(),
	}
	d.insertLocked(item)
	depth := len(d.queue)
	d.mu.Unlock()

	metrics.QueueDepth(depth)

	if priority == bus.PriorityImmediate {
		d.Drain(context.Background())
	}
}

// insertLocked places the item at its (priority rank, seq) position,
// keeping the queue priority-ordered and FIFO within a tier. Callers hold
// d.mu.
func (d *Dispatcher) insertLocked(item *queued) {
	pos := sort.Search(len(d.queue), func(i int) bool {
		q := d.queue[i]
		if priorityRank(q.priority) != priorityRank(item.priority) {
			return priorityRank(q.priority) > priorityRank(item.priority)
		}
		return q.seq > item.seq
	})

	d.queue = append(d.queue, nil)
	copy(d.queue[pos+1:], d.queue[pos:])
	d.queue[pos] = item
}

// Start runs the periodic tick loop until the context is cancelled or Stop
// is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.logger.Info("notification dispatcher started", zap.Duration("tick", d.tick))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopping")
			return
		case <-d.stopCh:
			d.logger.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Stop halts the tick loop. Queued-but-undelivered items are lost.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// QueueLen returns the number of queued notifications.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Drain attempts delivery for every queued notification whose next attempt
// is due, in priority-then-FIFO order. Failures under the retry ceiling are
// rescheduled; exhausted ones are dropped and logged.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	now := d.now()

	// Pull due items out of the queue before delivering so a concurrent
	// enqueue never sees them twice.
	d.mu.Lock()
	var due []*queued
	remaining := d.queue[:0]
	for _, item := range d.queue {
		if !item.nextAttemptAt.After(now) {
			due = append(due, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	d.queue = remaining
	d.mu.Unlock()

	for _, item := range due {
		d.attempt(ctx, item)
	}

	d.mu.Lock()
	depth := len(d.queue)
	d.mu.Unlock()
	metrics.QueueDepth(depth)
}

// attempt runs one delivery attempt for a queued notification and decides
// its fate: done, rescheduled, or dropped.
func (d *Dispatcher) attempt(ctx context.Context, item *queued) {
	err := d.deliver(ctx, item)
	item.attempts++

	if err == nil {
		metrics.NotificationDispatched(string(item.priority), "delivered")
		return
	}

	policy := retryPolicies[item.priority]
	if item.attempts >= policy.MaxAttempts {
		metrics.NotificationDispatched(string(item.priority), "dropped")
		d.logger.Warn("notification dropped after exhausting retries",
			zap.Error(err),
			zap.String("event_type", item.event.Type),
			zap.String("user_id", item.event.UserID.String()),
			zap.String("priority", string(item.priority)),
			zap.Int("attempts", item.attempts),
		)
		return
	}

	item.nextAttemptAt = d.now().Add(policy.Delay)
	d.mu.Lock()
	d.insertLocked(item)
	d.mu.Unlock()

	metrics.NotificationDispatched(string(item.priority), "retried")
	d.logger.Info("notification delivery rescheduled",
		zap.Error(err),
		zap.String("event_type", item.event.Type),
		zap.String("user_id", item.event.UserID.String()),
		zap.Int("attempt", item.attempts),
		zap.Duration("delay", policy.Delay),
	)
}

// deliver runs one attempt: resolve preferences, render, and invoke every
// channel in the intersection of the priority's policy and the user's
// toggles. Channels are independent; one failing never blocks the others.
// The attempt fails only when resolution fails or every invoked channel
// failed.
func (d *Dispatcher) deliver(ctx context.Context, item *queued) error {
	prefs, err := d.prefs.Get(ctx, item.event.UserID)
	if err != nil {
		return err
	}

	rendered := d.templates.Render(item.event.Type, item.event.Metadata)

	var (
		invoked   int
		succeeded int
		firstErr  error
	)

	for _, name := range channelPolicy[item.priority] {
		if !enabled(prefs, name) {
			continue
		}
		ch, ok := d.channels[name]
		if !ok {
			continue
		}

		invoked++
		if err := ch.Send(ctx, item.event, rendered); err != nil {
			metrics.ChannelSend(name, "error")
			if firstErr == nil {
				firstErr = err
			}
			d.logger.Warn("channel send failed",
				zap.Error(err),
				zap.String("channel", name),
				zap.String("event_type", item.event.Type),
				zap.String("user_id", item.event.UserID.String()),
			)
			continue
		}
		metrics.ChannelSend(name, "ok")
		succeeded++
	}

	if invoked > 0 && succeeded == 0 {
		return firstErr
	}

	return nil
}
