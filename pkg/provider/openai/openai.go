// Package openai streams chat completions from an OpenAI-compatible API and
// probes its rate-limit headers.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

type Client struct {
	id      provider.ProviderID
	token   string
	orgID   string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewClient(id provider.ProviderID, token, orgID, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		id:      id,
		token:   token,
		orgID:   orgID,
		baseURL: strings.TrimRight(baseURL, "/"),
		// no overall timeout: streams are bounded by the request context
		client: &http.Client{},
		now:    time.Now,
	}
}

func (c *Client) ID() provider.ProviderID {
	return c.id
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the queue payload for a streamed completion.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Probe performs a lightweight request (List Models) to capture rate limit
// headers. It consumes one request of quota.
func (c *Client) Probe(ctx context.Context) (ratelimit.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return ratelimit.Observation{}, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return ratelimit.Observation{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// A 429 still carries the headers we want.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return ratelimit.Observation{}, fmt.Errorf("openai probe: HTTP %d", resp.StatusCode)
	}

	obs, ok := ratelimit.ParseHeaders(resp.Header, c.now())
	if !ok {
		return ratelimit.Observation{}, fmt.Errorf("openai probe: no rate-limit headers")
	}
	return obs, nil
}

// Execute starts a streamed completion for a queued job.
func (c *Client) Execute(ctx context.Context, job queue.Job[ChatRequest]) (stream.Stream[provider.Chunk], error) {
	return c.Stream(ctx, job.Payload)
}

// Stream posts a chat completion with stream=true and returns the deltas as
// chunks. A 429 becomes *queue.RateLimitedError and 5xx responses are
// retryable.
func (c *Client) Stream(ctx context.Context, chat ChatRequest) (stream.Stream[provider.Chunk], error) {
	chat.Stream = true
	body, err := json.Marshal(chat)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait, _ := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
			if obs, ok := ratelimit.ParseHeaders(resp.Header, c.now()); ok && wait == 0 && !obs.ResetAt.IsZero() {
				wait = obs.ResetAt.Sub(c.now())
			}
			return nil, &queue.RateLimitedError{Provider: c.id, RetryAfter: wait, Err: apiErr}
		case resp.StatusCode >= 500:
			return nil, queue.Retryable(apiErr)
		}
		return nil, apiErr
	}

	s := &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}
	s.obs, s.hasObs = ratelimit.ParseHeaders(resp.Header, c.now())
	return s, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.orgID != "" {
		req.Header.Set("OpenAI-Organization", c.orgID)
	}
}

// sseStream reads server-sent events on demand. Close closes the body, which
// unblocks a pending read.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	next   int
	obs    ratelimit.Observation
	hasObs bool

	closeOnce sync.Once
	done      bool
}

func (s *sseStream) Recv() (provider.Chunk, error) {
	for !s.done {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The connection ended without [DONE].
				return provider.Chunk{}, io.ErrUnexpectedEOF
			}
			return provider.Chunk{}, err
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			break
		}

		var cc chatChunk
		if err := json.Unmarshal([]byte(data), &cc); err != nil {
			return provider.Chunk{}, fmt.Errorf("openai: bad stream event: %w", err)
		}
		if len(cc.Choices) == 0 || cc.Choices[0].Delta.Content == "" {
			continue
		}
		chunk := provider.Chunk{Index: s.next, Text: cc.Choices[0].Delta.Content}
		s.next++
		return chunk, nil
	}
	return provider.Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

func (s *sseStream) RateLimit() (ratelimit.Observation, bool) {
	return s.obs, s.hasObs
}
