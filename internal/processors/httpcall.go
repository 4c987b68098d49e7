package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// ExternalCallProcessor performs the outbound HTTP request for external_call
// steps. The per-attempt deadline comes from the step timeout via the engine
// context; the client timeout is a backstop.
type ExternalCallProcessor struct {
	client          *http.Client
	maxResponseBody int64
}

// NewExternalCallProcessor creates an ExternalCallProcessor. A nil client
// gets a default with a 30s backstop timeout.
func NewExternalCallProcessor(client *http.Client) *ExternalCallProcessor {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &ExternalCallProcessor{
		client:          client,
		maxResponseBody: defaultMaxResponseBody,
	}
}

func (p *ExternalCallProcessor) Type() schema.StepType {
	return schema.StepTypeExternalCall
}

func (p *ExternalCallProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	rawURL, _ := step.Config["url"].(string)
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "external call step has no url").WithStep(step.ID)
	}

	method := strings.ToUpper(stringParam(step.Config, "method", http.MethodGet))

	var body io.Reader
	if b, ok := step.Config["body"]; ok && b != nil {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal request body: %s", err.Error()).WithStep(step.ID)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithStep(step.ID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := step.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http request failed: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read response: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}

	result := map[string]any{
		"status": resp.StatusCode,
	}

	// Decode JSON bodies; keep anything else as a string.
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		result["body"] = parsed
	} else if len(raw) > 0 {
		result["body"] = string(raw)
	}

	if resp.StatusCode >= 500 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "upstream returned %d", resp.StatusCode).
			WithStep(step.ID).
			WithDetails(result)
	}
	if resp.StatusCode >= 400 {
		// Client errors will not improve on retry.
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "upstream rejected request with %d", resp.StatusCode).
			WithStep(step.ID).
			WithDetails(result)
	}

	return result, nil
}

// stringParam reads a string config value with a default.
func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

var _ StepProcessor = (*ExternalCallProcessor)(nil)
