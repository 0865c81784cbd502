package media

import (
	"sync"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
)

// jitterBuffer is a bounded per-source queue of raw audio chunks. It absorbs
// interarrival variance between a client's send cadence and the mix tick;
// when full, the oldest chunk is dropped to keep latency bounded.
type jitterBuffer struct {
	chunks   [][]byte
	lastSeen time.Time
}

func (b *jitterBuffer) push(chunk []byte, now time.Time) {
	if len(b.chunks) >= config.AudioJitterDepth {
		copy(b.chunks, b.chunks[1:])
		b.chunks = b.chunks[:len(b.chunks)-1]
	}
	b.chunks = append(b.chunks, chunk)
	b.lastSeen = now
}

// pop removes and returns the oldest chunk, or nil when empty.
func (b *jitterBuffer) pop() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	return chunk
}

// jitterBank is the set of jitter buffers keyed by source address, guarded by
// its own mutex separate from the registry's.
type jitterBank struct {
	mu      sync.Mutex
	buffers map[string]*jitterBuffer // keyed by "ip:port"
}

func newJitterBank() *jitterBank {
	return &jitterBank{buffers: make(map[string]*jitterBuffer)}
}

func (jb *jitterBank) push(key string, chunk []byte, now time.Time) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	buf, ok := jb.buffers[key]
	if !ok {
		buf = &jitterBuffer{}
		jb.buffers[key] = buf
	}
	buf.push(chunk, now)
}

// popAll removes the oldest chunk from every non-empty buffer and returns
// them keyed by source address.
func (jb *jitterBank) popAll() map[string][]byte {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	popped := make(map[string][]byte)
	for key, buf := range jb.buffers {
		if chunk := buf.pop(); chunk != nil {
			popped[key] = chunk
		}
	}
	return popped
}

// sweepIdle drops buffers whose source has been silent past the cutoff and
// returns their keys so the caller can unregister the streams.
func (jb *jitterBank) sweepIdle(cutoff time.Time) []string {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	var removed []string
	for key, buf := range jb.buffers {
		if buf.lastSeen.Before(cutoff) {
			delete(jb.buffers, key)
			removed = append(removed, key)
		}
	}
	return removed
}
