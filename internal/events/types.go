package events

import "time"

// Event enumerates topics published by the execution core.
type Event string

const (
	// All subscribes to every topic.
	All Event = "*"

	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderFailed          Event = "order.failed"
	EventStateTransition      Event = "state.transition"
	EventAccountDisabled      Event = "account.disabled"
	EventAccountAlert         Event = "account.alert"
	EventReconcileReport      Event = "reconcile.report"
	EventBreakerTripped       Event = "breaker.tripped"
)

// Envelope is what subscribers receive.
type Envelope struct {
	Topic    Event     `json:"topic"`
	Account  string    `json:"account"`
	Exchange string    `json:"exchange"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload"`
}
