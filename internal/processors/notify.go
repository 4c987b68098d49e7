package processors

import (
	"context"

	"github.com/floworc/floworc/pkg/schema"
)

// NotificationSink is the outbound delivery collaborator (email, chat, SMS).
type NotificationSink interface {
	Send(ctx context.Context, channel string, recipients []string, message string) error
}

// NotificationProcessor delivers a message through the configured sink.
type NotificationProcessor struct {
	sink NotificationSink
}

// NewNotificationProcessor creates a NotificationProcessor.
func NewNotificationProcessor(sink NotificationSink) *NotificationProcessor {
	return &NotificationProcessor{sink: sink}
}

func (p *NotificationProcessor) Type() schema.StepType {
	return schema.StepTypeNotification
}

func (p *NotificationProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	channel, _ := step.Config["channel"].(string)
	if channel == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "notification step has no channel").WithStep(step.ID)
	}
	message := stringParam(step.Config, "message", "")
	recipients := stringListParam(step.Config, "recipients")

	if err := p.sink.Send(ctx, channel, recipients, message); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "send notification: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}

	return map[string]any{
		"sent":       true,
		"channel":    channel,
		"recipients": recipients,
	}, nil
}

// stringListParam reads a list of strings from config, accepting both
// []string and JSON-decoded []any.
func stringListParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var _ StepProcessor = (*NotificationProcessor)(nil)
