package processors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/pkg/schema"
)

func callStep(config map[string]any) *schema.WorkflowStep {
	return &schema.WorkflowStep{
		ID:     "call",
		Type:   schema.StepTypeExternalCall,
		Config: config,
	}
}

func TestExternalCall_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"hello": "world"})
	}))
	defer srv.Close()

	p := NewExternalCallProcessor(nil)
	result, err := p.Execute(context.Background(), callStep(map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "abc"},
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result["status"])
	body, ok := result["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", body["hello"])
}

func TestExternalCall_PostsJSONBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewExternalCallProcessor(nil)
	result, err := p.Execute(context.Background(), callStep(map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"order": float64(42)},
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, result["status"])
	assert.Equal(t, float64(42), received["order"])
}

func TestExternalCall_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewExternalCallProcessor(nil)
	_, err := p.Execute(context.Background(), callStep(map[string]any{"url": srv.URL}), nil)
	require.Error(t, err)

	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, ferr.Code)
	assert.True(t, ferr.IsRetryable())
}

func TestExternalCall_ClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewExternalCallProcessor(nil)
	_, err := p.Execute(context.Background(), callStep(map[string]any{"url": srv.URL}), nil)
	require.Error(t, err)

	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
	assert.False(t, ferr.IsRetryable())
}

func TestExternalCall_MissingURL(t *testing.T) {
	p := NewExternalCallProcessor(nil)
	_, err := p.Execute(context.Background(), callStep(map[string]any{}), nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
