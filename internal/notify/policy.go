// Package notify implements the priority-ordered, retrying, multi-channel
// notification dispatcher and its resolvers.
package notify

import (
	"time"

	"github.com/vaivahik/realtime/internal/bus"
)

// Channel names.
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// defaultPriorities maps event types to the priority used when the
// publisher did not set one. Types missing here default to low.
var defaultPriorities = map[string]bus.Priority{
	bus.TypeOTP:                  bus.PriorityImmediate,
	bus.TypePaymentFailed:        bus.PriorityImmediate,
	bus.TypeNewMessage:           bus.PriorityHigh,
	bus.TypeInterestReceived:     bus.PriorityHigh,
	bus.TypeInterestAccepted:     bus.PriorityHigh,
	bus.TypeSubscriptionExpiring: bus.PriorityHigh,
	bus.TypeProfileView:          bus.PriorityLow,
	bus.TypeMessageRead:          bus.PriorityLow,
	bus.TypeSubscriptionRenewed:  bus.PriorityLow,
}

// resolvePriority returns the event's priority, defaulting by type.
func resolvePriority(event bus.Event) bus.Priority {
	switch event.Priority {
	case bus.PriorityImmediate, bus.PriorityHigh, bus.PriorityLow:
		return event.Priority
	}

	if p, ok := defaultPriorities[event.Type]; ok {
		return p
	}
	return bus.PriorityLow
}

// priorityRank orders priorities for the queue; lower ranks drain first.
func priorityRank(p bus.Priority) int {
	switch p {
	case bus.PriorityImmediate:
		return 0
	case bus.PriorityHigh:
		return 1
	default:
		return 2
	}
}

// channelPolicy maps a priority tier to the channels it fans out on. The
// user's preference toggles further narrow this set.
var channelPolicy = map[bus.Priority][]string{
	bus.PriorityImmediate: {ChannelEmail, ChannelInApp},
	bus.PriorityHigh:      {ChannelPush, ChannelInApp},
	bus.PriorityLow:       {ChannelInApp},
}

// retryPolicy bounds delivery attempts per priority tier.
type retryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// retryPolicies: immediate notifications retry fast and hard; low ones get
// a single attempt.
var retryPolicies = map[bus.Priority]retryPolicy{
	bus.PriorityImmediate: {MaxAttempts: 3, Delay: 1 * time.Second},
	bus.PriorityHigh:      {MaxAttempts: 2, Delay: 5 * time.Second},
	bus.PriorityLow:       {MaxAttempts: 1, Delay: 10 * time.Second},
}
