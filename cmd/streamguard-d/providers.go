package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/provider/mock"
	"github.com/rmax-ai/streamguard/pkg/provider/openai"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

// registry routes queued jobs to the configured providers. Payloads are raw
// JSON; openai providers decode them as chat requests, mocks ignore them.
type registry struct {
	mocks  map[provider.ProviderID]*mock.Provider
	openai map[provider.ProviderID]*openai.Client
}

func newRegistry(cfgs []ProviderConfig) *registry {
	r := &registry{
		mocks:  make(map[provider.ProviderID]*mock.Provider),
		openai: make(map[provider.ProviderID]*openai.Client),
	}
	for _, pc := range cfgs {
		switch pc.Type {
		case "openai":
			r.openai[pc.ID] = openai.NewClient(pc.ID, pc.APIKey, pc.OrgID, pc.BaseURL)
		default:
			r.mocks[pc.ID] = mock.New(pc.ID, mock.Config{
				Chunks:     pc.Chunks,
				ChunkDelay: pc.ChunkDelay,
				Limit:      pc.Limit,
				Window:     pc.Window,
				StallRate:  pc.StallRate,
				RejectRate: pc.RejectRate,
				ErrorRate:  pc.ErrorRate,
			})
		}
	}
	return r
}

func (r *registry) probers() []ratelimit.Prober {
	out := make([]ratelimit.Prober, 0, len(r.mocks)+len(r.openai))
	for _, p := range r.mocks {
		out = append(out, p)
	}
	for _, c := range r.openai {
		out = append(out, c)
	}
	return out
}

func (r *registry) execute(ctx context.Context, job queue.Job[json.RawMessage]) (stream.Stream[provider.Chunk], error) {
	if p, ok := r.mocks[job.Provider]; ok {
		return p.Open(ctx, job.ID)
	}
	if c, ok := r.openai[job.Provider]; ok {
		var chat openai.ChatRequest
		if err := json.Unmarshal(job.Payload, &chat); err != nil {
			return nil, fmt.Errorf("decode chat request: %w", err)
		}
		return c.Stream(ctx, chat)
	}
	return nil, fmt.Errorf("unknown provider %q", job.Provider)
}

// recoverStream resumes mock streams by re-opening them; the supervisor drops
// chunks already delivered. A re-issued completion would generate different
// text, so openai streams are not resumable and the queue retries instead.
func (r *registry) recoverStream(ctx context.Context, streamID string, job queue.Job[json.RawMessage]) (stream.Stream[provider.Chunk], error) {
	if p, ok := r.mocks[job.Provider]; ok {
		return p.Open(ctx, job.ID)
	}
	return nil, nil
}
