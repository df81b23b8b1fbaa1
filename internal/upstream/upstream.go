// Package upstream invokes the downstream LLM completion endpoint the
// Execution Worker dispatches tasks to. It is deliberately thin — retry,
// circuit-breaking and timeout bounding live in internal/executor, wrapped
// around Invoke the same way the teacher's worker wraps its handler calls.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	derrors "github.com/synthgen/dispatcher/internal/errors"
)

// Completion is the normalized result of one LLM invocation.
type Completion struct {
	Body             map[string]any
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Invoker is the seam internal/executor depends on, satisfied by *Client
// and, in tests, by *stub.Client (see internal/upstream/stub).
type Invoker interface {
	Invoke(ctx context.Context, method, url string, body map[string]any) (Completion, error)
}

// Client posts task bodies to BaseURL+url over plain HTTP, the same
// pattern the original Python service used for its requests.post(..., timeout=...)
// call into the upstream OpenAI-compatible endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

type usageEnvelope struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends body as the JSON payload of an HTTP request to
// c.baseURL+url, honoring ctx's deadline. A 429 or >=500 response is
// returned as a retryable derrors.TransientError; any other non-2xx
// response, or a body that is not valid JSON, is wrapped in
// derrors.UpstreamError, which callers treat as terminal.
func (c *Client) Invoke(ctx context.Context, method, url string, body map[string]any) (Completion, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, derrors.NewValidation("marshal upstream request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+url, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, derrors.NewValidation("build upstream request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, derrors.NewTimeout("upstream.Invoke")
		}
		return Completion{}, derrors.NewTransient("upstream.Invoke", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, derrors.NewTransient("upstream.Invoke read body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Completion{}, derrors.NewTransient("upstream.Invoke", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
		}
		return Completion{}, derrors.NewUpstream(resp.StatusCode, string(raw))
	}

	var completion map[string]any
	if err := json.Unmarshal(raw, &completion); err != nil {
		return Completion{}, derrors.NewUpstream(resp.StatusCode, "response is not valid JSON")
	}
	var usage usageEnvelope
	_ = json.Unmarshal(raw, &usage)

	return Completion{
		Body:             completion,
		PromptTokens:     usage.Usage.PromptTokens,
		CompletionTokens: usage.Usage.CompletionTokens,
		TotalTokens:      usage.Usage.TotalTokens,
	}, nil
}

var _ Invoker = (*Client)(nil)
