// Package streaming carries live run events from the scheduler to
// in-process watchers. The hub is fire-and-forget; the store's event
// log is the durable record.
package streaming

import "context"

// StreamEvent is one run lifecycle event as it happens.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter narrows a subscription. Zero values match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events. Subscribe returns the
// event channel and an unsubscribe function that closes it.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
