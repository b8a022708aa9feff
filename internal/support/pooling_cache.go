package support

import (
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// PoolingWorkspace is the index buffer a max-pooling forward pass leaves
// behind for the matching backward pass.
type PoolingWorkspace struct {
	inputDims  []int64
	outputDims []int64
	op         dnn.PoolingDescriptor
	dtype      dnn.DataType
	timestamp  uint64
	workspace  provider.TemporaryMemory
	size       uint64
	// stream is where the recording forward pass was enqueued.
	stream provider.Stream
}

// Memory returns the workspace buffer.
func (w *PoolingWorkspace) Memory() dnn.DeviceMemory { return w.workspace.Memory() }

func (w *PoolingWorkspace) Size() uint64 { return w.size }

func (w *PoolingWorkspace) matches(input, output dnn.BatchDescriptor, op dnn.PoolingDescriptor, dtype dnn.DataType) bool {
	return w.dtype == dtype &&
		slices.Equal(w.inputDims, input.FullDims(dnn.BatchDepthYX)) &&
		slices.Equal(w.outputDims, output.FullDims(dnn.BatchDepthYX)) &&
		w.op.Equal(op)
}

// PoolingWorkspaceCache keeps forward pooling workspaces keyed by the
// address of the pooled input, so the backward pass can skip recomputing
// the forward pass.
type PoolingWorkspaceCache struct {
	log *zap.Logger

	budget     uint64
	trimSize   int
	minEntries int

	mu         sync.Mutex
	entries    *orderedmap.OrderedMap[uintptr, *PoolingWorkspace]
	timestamp  uint64
	memoryUsed uint64
}

func NewPoolingWorkspaceCache(cfg config.PoolingCache, log *zap.Logger) *PoolingWorkspaceCache {
	return &PoolingWorkspaceCache{
		log:        log.Named("pooling"),
		budget:     cfg.MemoryBudget,
		trimSize:   cfg.TrimSize,
		minEntries: cfg.MinEntries,
		entries:    orderedmap.New[uintptr, *PoolingWorkspace](),
	}
}

// Find returns the workspace recorded for p only when it was produced by
// the same pooling problem.
func (c *PoolingWorkspaceCache) Find(p uintptr, input, output dnn.BatchDescriptor, op dnn.PoolingDescriptor, dtype dnn.DataType) *PoolingWorkspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.entries.Get(p)
	if !ok || !w.matches(input, output, op, dtype) {
		metrics.PoolingWorkspaceLookups.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.PoolingWorkspaceLookups.WithLabelValues("hit").Inc()
	return w
}

// Insert records workspace for p, replacing and freeing any previous entry.
// The cache owns workspace from here on.
func (c *PoolingWorkspaceCache) Insert(p uintptr, input, output dnn.BatchDescriptor, op dnn.PoolingDescriptor,
	dtype dnn.DataType, workspace provider.TemporaryMemory, size uint64, stream provider.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries.Get(p); ok {
		// the previous workspace may still be read by queued work
		if err := stream.Synchronize(); err != nil {
			c.log.Fatal("stream synchronization failed", zap.Error(err))
		}
		old.workspace.Free()
		c.memoryUsed -= old.size
		c.entries.Delete(p)
	}
	ts := c.timestamp
	c.timestamp++
	c.entries.Set(p, &PoolingWorkspace{
		inputDims:  input.FullDims(dnn.BatchDepthYX),
		outputDims: output.FullDims(dnn.BatchDepthYX),
		op:         op.Clone(),
		dtype:      dtype,
		timestamp:  ts,
		workspace:  workspace,
		size:       size,
		stream:     stream,
	})
	c.memoryUsed += size
	c.log.Debug("pooling workspace cached",
		zap.String("size", humanize.IBytes(size)),
		zap.String("used", humanize.IBytes(c.memoryUsed)),
		zap.Int("entries", c.entries.Len()))
	c.trim(stream)
	c.report()
}

// trim evicts entries older than a shrinking recency window until the
// cache is under budget or down to its floor.
func (c *PoolingWorkspaceCache) trim(stream provider.Stream) {
	if c.memoryUsed < c.budget && c.entries.Len() < c.trimSize {
		return
	}
	synced := false
	for {
		n := uint64(c.entries.Len())
		window := n - n>>2
		var stale []uintptr
		for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.timestamp+window < c.timestamp {
				stale = append(stale, pair.Key)
			}
		}
		if len(stale) == 0 {
			break
		}
		if !synced {
			if err := stream.Synchronize(); err != nil {
				c.log.Fatal("stream synchronization failed", zap.Error(err))
			}
			synced = true
		}
		for _, p := range stale {
			w, _ := c.entries.Delete(p)
			w.workspace.Free()
			c.memoryUsed -= w.size
		}
		metrics.PoolingWorkspaceEvictions.Add(float64(len(stale)))
		c.log.Debug("pooling workspaces evicted",
			zap.Int("evicted", len(stale)),
			zap.String("used", humanize.IBytes(c.memoryUsed)))
		if c.memoryUsed < c.budget || c.entries.Len() < c.minEntries {
			break
		}
	}
}

func (c *PoolingWorkspaceCache) report() {
	metrics.PoolingWorkspaceBytes.Set(float64(c.memoryUsed))
	metrics.PoolingWorkspaceEntries.Set(float64(c.entries.Len()))
}

// MemoryUsed returns the bytes held by cached workspaces.
func (c *PoolingWorkspaceCache) MemoryUsed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryUsed
}

func (c *PoolingWorkspaceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Clear frees every cached workspace after draining stream.
func (c *PoolingWorkspaceCache) Clear(stream provider.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Len() == 0 {
		return
	}
	if err := stream.Synchronize(); err != nil {
		c.log.Fatal("stream synchronization failed", zap.Error(err))
	}
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.workspace.Free()
	}
	c.entries = orderedmap.New[uintptr, *PoolingWorkspace]()
	c.memoryUsed = 0
	c.report()
}

// release frees every cached workspace after draining each stream that
// recorded one. It is used when the owning Support closes.
func (c *PoolingWorkspaceCache) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var drained []provider.Stream
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		if st := pair.Value.stream; st != nil && !slices.Contains(drained, st) {
			if err := st.Synchronize(); err != nil {
				c.log.Fatal("stream synchronization failed", zap.Error(err))
			}
			drained = append(drained, st)
		}
		pair.Value.workspace.Free()
	}
	c.entries = orderedmap.New[uintptr, *PoolingWorkspace]()
	c.memoryUsed = 0
	c.report()
}
