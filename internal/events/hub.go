package events

import "context"

// Event is a lifecycle notification emitted by the scheduler and engine.
// Types are the schema.Event* constants.
type Event struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
// Zero-value matches everything.
type Filter struct {
	TaskID      string   `json:"task_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Hub is the in-process publish/subscribe channel for lifecycle events.
// Delivery is at-least-once to live in-process subscribers; nothing survives
// a process restart.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
