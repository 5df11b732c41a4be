package api

import (
	"strings"
	"sync"

	"github.com/rmax-ai/streamguard/pkg/provider"
)

// outputs accumulates streamed text per request so that clients can poll
// for it. Chunks may arrive before the request ID is known, so buffers are
// created first and bound after Enqueue returns.
type outputs struct {
	mu   sync.Mutex
	byID map[string]*outputBuffer
}

type outputBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func newOutputs() *outputs {
	return &outputs{byID: make(map[string]*outputBuffer)}
}

func (o *outputs) open() *outputBuffer {
	return &outputBuffer{}
}

func (o *outputs) bind(id string, b *outputBuffer) {
	o.mu.Lock()
	o.byID[id] = b
	o.mu.Unlock()
}

func (o *outputs) text(id string) string {
	o.mu.Lock()
	b, ok := o.byID[id]
	o.mu.Unlock()
	if !ok {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

// retain drops buffers whose request is gone.
func (o *outputs) retain(keep func(id string) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.byID {
		if !keep(id) {
			delete(o.byID, id)
		}
	}
}

// A chunk with index 0 starts a new attempt and replaces earlier output.
func (b *outputBuffer) append(c provider.Chunk) {
	b.mu.Lock()
	if c.Index == 0 {
		b.sb.Reset()
	}
	b.sb.WriteString(c.Text)
	b.mu.Unlock()
}
