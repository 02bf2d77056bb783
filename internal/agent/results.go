package agent

import (
	"sync"

	"github.com/kaonis/woly-node/internal/protocol"
)

// resultBufferCap bounds command results held while disconnected.
const resultBufferCap = 250

// resultBuffer keeps command results in insertion order, keyed by
// commandId. Duplicate keys overwrite in place; overflow evicts the oldest.
type resultBuffer struct {
	mu    sync.Mutex
	order []string
	byID  map[string]protocol.CommandResultPayload
}

func newResultBuffer() *resultBuffer {
	return &resultBuffer{byID: make(map[string]protocol.CommandResultPayload)}
}

func (b *resultBuffer) Put(result protocol.CommandResultPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byID[result.CommandID]; !exists {
		if len(b.order) >= resultBufferCap {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.byID, oldest)
		}
		b.order = append(b.order, result.CommandID)
	}
	b.byID[result.CommandID] = result
}

// Drain removes and returns all buffered results in insertion order.
func (b *resultBuffer) Drain() []protocol.CommandResultPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.CommandResultPayload, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	b.order = nil
	b.byID = make(map[string]protocol.CommandResultPayload)
	return out
}

func (b *resultBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
