package decide

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Completer sends one system+user exchange and returns the raw JSON content
// of the reply, constrained to schema.
type Completer interface {
	Complete(ctx context.Context, system, user string, schema Schema) (string, error)
}

// ClientConfig configures an OpenAI-compatible chat completions client.
type ClientConfig struct {
	BaseURL           string
	Model             string
	APIKey            string
	APIKeyEnv         string
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	timeout time.Duration
	limiter *rate.Limiter
	http    *http.Client
}

// NewClient builds a Client. The API key comes from cfg.APIKey, or the
// environment variable named by cfg.APIKeyEnv.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		burst = max(1, cfg.RequestsPerMinute/10)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   strings.TrimPrefix(cfg.Model, "openai:"),
		apiKey:  key,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		http:    &http.Client{},
	}
}

// Model returns the model name sent with each request.
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, system, user string, schema Schema) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if len(schema.Schema) > 0 {
		req.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: schema.Name, Strict: true, Schema: schema.Schema},
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("decision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("decision api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode decision response: %w", err)
	}
	decideLog.Debug("completion_done",
		slog.String("model", c.model),
		slog.Duration("elapsed", time.Since(start)),
	)

	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	msg := out.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("decision refused: %s", msg.Refusal)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyResponse
	}
	return msg.Content, nil
}
