package provider

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
)

// StreamAllocator is a ScratchAllocator over stream temporaries. Everything
// it hands out is freed by Release.
type StreamAllocator struct {
	stream Stream
	// limit caps a single request; zero means no cap.
	limit uint64

	mu   sync.Mutex
	held []TemporaryMemory
}

var _ ScratchAllocator = (*StreamAllocator)(nil)

func NewStreamAllocator(stream Stream) *StreamAllocator {
	return &StreamAllocator{stream: stream}
}

// WithLimit caps the size of any single request at limit bytes.
func (a *StreamAllocator) WithLimit(limit uint64) *StreamAllocator {
	a.limit = limit
	return a
}

func (a *StreamAllocator) AllocateBytes(size uint64) (dnn.DeviceMemory, error) {
	if a.limit > 0 && size > a.limit {
		return dnn.DeviceMemory{}, errors.Errorf("request of %s exceeds the scratch limit of %s",
			humanize.IBytes(size), humanize.IBytes(a.limit))
	}
	mem, err := a.stream.AllocateTemporary(size)
	if err != nil {
		return dnn.DeviceMemory{}, err
	}
	a.mu.Lock()
	a.held = append(a.held, mem)
	a.mu.Unlock()
	return mem.Memory(), nil
}

// Held returns the number of live allocations.
func (a *StreamAllocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *StreamAllocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.held {
		m.Free()
	}
	a.held = nil
}
