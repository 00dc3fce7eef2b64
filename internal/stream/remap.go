package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// toolCallIDRemapper gives every provider-native tool-call id a stable,
// session-local synthetic id, and remembers the reverse mapping so a
// later request to a different provider (with a different id format,
// e.g. "toolu_…" vs "call_…") can round-trip the original.
type toolCallIDRemapper struct {
	mu       sync.Mutex
	seq      atomic.Int64
	toLocal  map[string]string
	toNative map[string]string
}

func newToolCallIDRemapper() *toolCallIDRemapper {
	return &toolCallIDRemapper{
		toLocal:  map[string]string{},
		toNative: map[string]string{},
	}
}

// normalizeIncoming maps a provider-native tool-call id to this session's
// stable local id, assigning one on first sight.
func (r *toolCallIDRemapper) normalizeIncoming(native string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if local, ok := r.toLocal[native]; ok {
		return local
	}
	local := fmt.Sprintf("tc_%d", r.seq.Add(1))
	r.toLocal[native] = local
	r.toNative[local] = native
	return local
}

// nativeFor returns the original provider-native id for a local id, or
// the local id unchanged if it was never seen (e.g. synthesized by a
// tool rather than echoed back from a provider response).
func (r *toolCallIDRemapper) nativeFor(local string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if native, ok := r.toNative[local]; ok {
		return native
	}
	return local
}
