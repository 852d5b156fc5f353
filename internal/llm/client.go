// Package llm wraps the reasoning service behind one deterministic
// entrypoint: canonical request shape, content-addressed memoization, a
// bounded retry envelope, and a tolerant tool-call extractor.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Message is one role/content pair in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical request shape. Its JSON encoding is the memo key
// input, so field order is fixed by the struct.
type Request struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Tools           []ToolDef `json:"tools,omitempty"`
	ToolChoice      string    `json:"tool_choice,omitempty"`
	ReasoningEffort string    `json:"-"`
	ServiceTier     string    `json:"-"`
}

// Response carries the provider reply both raw (for byte-identical memo
// replay) and decoded.
type Response struct {
	Raw  []byte
	Body map[string]any
}

// CallError is a terminal LLM failure after the retry envelope is exhausted.
type CallError struct {
	Status   int
	Message  string
	Attempts int
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm call failed after %d attempts (status=%d): %s", e.Attempts, e.Status, e.Message)
}

// Client talks to an OpenAI Responses-compatible endpoint.
type Client struct {
	BaseURL string
	APIKey  string

	// Retries is the total attempt count. Defaults to 3.
	Retries int

	// MemoDir enables response memoization when non-empty.
	MemoDir string

	// HTTPClient has no client-level timeout; request contexts carry the
	// deadlines.
	HTTPClient *http.Client

	Log *zap.Logger
}

// NewClient builds a client from explicit settings plus the environment
// (OPENAI_API_KEY, OPENAI_BASE_URL, LLM_MEMO_DIR).
func NewClient(retries int, log *zap.Logger) (*Client, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	base := strings.TrimRight(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	if retries <= 0 {
		retries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:    base,
		APIKey:     key,
		Retries:    retries,
		MemoDir:    strings.TrimSpace(os.Getenv("LLM_MEMO_DIR")),
		HTTPClient: &http.Client{Timeout: 0},
		Log:        log,
	}, nil
}

// isReasoningModel reports whether the model rejects a temperature parameter.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o") || strings.HasPrefix(model, "gpt-5")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// Generate submits one request. A memo hit returns the stored payload
// verbatim; otherwise the call is retried with geometric backoff
// (0.5 * 2^attempt seconds) on transport errors and retryable statuses.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	key := memoKey(req)
	if raw, ok := c.memoLookup(key); ok {
		c.Log.Debug("llm memo hit", zap.String("key", key))
		return decodeResponse(raw)
	}

	body, err := c.buildBody(req)
	if err != nil {
		return Response{}, err
	}

	retries := c.Retries
	if retries <= 0 {
		retries = 3
	}
	var lastStatus int
	var lastMsg string
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(0.5 * math.Pow(2, float64(attempt)) * float64(time.Second))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, context.Cause(ctx)
			}
		}
		raw, status, err := c.post(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, context.Cause(ctx)
			}
			lastStatus, lastMsg = 0, err.Error()
			c.Log.Warn("llm transport error", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if status == http.StatusOK {
			resp, err := decodeResponse(raw)
			if err != nil {
				return Response{}, err
			}
			c.memoStore(key, raw)
			return resp, nil
		}
		lastStatus, lastMsg = status, errorMessage(raw)
		if !isRetryableStatus(status) {
			return Response{}, &CallError{Status: status, Message: lastMsg, Attempts: attempt + 1}
		}
		c.Log.Warn("llm retryable status",
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
		)
	}
	return Response{}, &CallError{Status: lastStatus, Message: lastMsg, Attempts: retries}
}

// buildBody translates the canonical request to the Responses API shape.
// System messages become instructions; the rest become input items.
func (c *Client) buildBody(req Request) (map[string]any, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("llm request missing model")
	}
	var instructions []string
	input := []map[string]any{}
	for _, m := range req.Messages {
		if m.Role == "system" {
			instructions = append(instructions, m.Content)
			continue
		}
		input = append(input, map[string]any{"role": m.Role, "content": m.Content})
	}

	body := map[string]any{
		"model":               req.Model,
		"input":               input,
		"parallel_tool_calls": false,
		"store":               false,
	}
	if len(instructions) > 0 {
		body["instructions"] = strings.Join(instructions, "\n\n")
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		body["tools"] = tools
	}
	if req.ToolChoice != "" {
		body["tool_choice"] = map[string]any{"type": "function", "name": req.ToolChoice}
	}
	if !isReasoningModel(req.Model) {
		body["temperature"] = 0
	}
	if req.ReasoningEffort != "" {
		body["reasoning"] = map[string]any{"effort": req.ReasoningEffort}
	}
	if req.ServiceTier != "" {
		body["service_tier"] = req.ServiceTier
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, body map[string]any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/responses", bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 0}
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func decodeResponse(raw []byte) (Response, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Response{}, fmt.Errorf("decode llm response: %w", err)
	}
	return Response{Raw: raw, Body: body}, nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
