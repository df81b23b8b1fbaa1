// Package stub provides an in-process upstream.Invoker for dev/test use,
// echoing the request body back as a deterministic "completion" instead
// of calling a real LLM endpoint. It also lets tests script a number of
// failures for a given request body, exercising internal/executor's
// retry and circuit-breaker paths without a live dependency.
package stub

import (
	"context"
	"sync"

	"github.com/synthgen/dispatcher/internal/event"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/upstream"
)

// Client is a deterministic, in-memory upstream.Invoker.
type Client struct {
	mu        sync.Mutex
	failTimes map[string]int // body hash -> remaining failures before success
}

func New() *Client {
	return &Client{failTimes: map[string]int{}}
}

// FailNTimes arranges for the next n Invoke calls carrying a body whose
// BodyHash matches body to return a transient error before succeeding.
func (c *Client) FailNTimes(body map[string]any, n int) error {
	hash, err := event.BodyHash(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTimes[hash] = n
	return nil
}

func (c *Client) Invoke(ctx context.Context, method, url string, body map[string]any) (upstream.Completion, error) {
	hash, err := event.BodyHash(body)
	if err != nil {
		return upstream.Completion{}, derrors.NewValidation("stub invoke: %v", err)
	}

	c.mu.Lock()
	remaining, scripted := c.failTimes[hash]
	if scripted && remaining > 0 {
		c.failTimes[hash] = remaining - 1
	}
	c.mu.Unlock()

	if scripted && remaining > 0 {
		return upstream.Completion{}, derrors.NewTransient("stub.Invoke", errScripted)
	}

	promptTokens := int64(len(hash)) // deterministic, body-dependent token count
	return upstream.Completion{
		Body: map[string]any{
			"echo":   body,
			"method": method,
			"url":    url,
		},
		PromptTokens:     promptTokens,
		CompletionTokens: promptTokens / 2,
		TotalTokens:      promptTokens + promptTokens/2,
	}, nil
}

var errScripted = scriptedFailure{}

type scriptedFailure struct{}

func (scriptedFailure) Error() string { return "stub: scripted failure" }

var _ upstream.Invoker = (*Client)(nil)
