package decide

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCompleteSendsStructuredRequest(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"action\":\"stop\",\"command\":\"\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	t.Setenv("MOM_TEST_KEY", "sk-test")
	c := NewClient(ClientConfig{BaseURL: srv.URL + "/v1/", Model: "openai:gpt-4o", APIKeyEnv: "MOM_TEST_KEY"})

	out, err := c.Complete(context.Background(), "sys", "user", assessmentSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"stop","command":""}`, out)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.Equal(t, "assessment_decision", got.ResponseFormat.JSONSchema.Name)
	assert.True(t, got.ResponseFormat.JSONSchema.Strict)
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "s", "u", Schema{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "s", "u", Schema{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Complete(context.Background(), "s", "u", Schema{})
	require.Error(t, err)
}

func TestClientRateLimitHonoursContext(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", RequestsPerMinute: 1})
	// Spend the single burst token.
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, "s", "u", Schema{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
