package support

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// Access serializes use of the one provider handle shared by every caller.
type Access struct {
	mu     sync.Mutex
	p      provider.HandleAPI
	handle provider.Handle
	id     uuid.UUID
	log    *zap.Logger
}

// NewAccess takes ownership of h.
func NewAccess(p provider.HandleAPI, h provider.Handle, log *zap.Logger) *Access {
	return &Access{p: p, handle: h, id: uuid.New(), log: log.Named("handle")}
}

// ID identifies the handle. It is folded into fusion plan hashes so cached
// plans are never shared between handles.
func (a *Access) ID() uuid.UUID { return a.id }

// GuardedHandle is a borrowed handle bound to a context and stream. It must
// be released exactly once and never used afterwards.
type GuardedHandle struct {
	a       *Access
	release func()
}

// Acquire blocks until the handle is free, activates exec's context and binds
// stream. A nil stream binds the null stream, which synchronizes with all
// other work on the device; callers enqueueing work should always pass one.
func (a *Access) Acquire(exec provider.Executor, stream provider.Stream) *GuardedHandle {
	start := time.Now()
	a.mu.Lock()
	metrics.HandleWaitSeconds.Observe(time.Since(start).Seconds())

	release := exec.Activate()
	var sh provider.StreamHandle
	if stream != nil {
		sh = stream.Handle()
	}
	if st := a.p.SetStream(a.handle, sh); !st.OK() {
		release()
		a.mu.Unlock()
		must(a.log, st, "SetStream", zap.String("handle", a.id.String()))
	}
	return &GuardedHandle{a: a, release: release}
}

func (g *GuardedHandle) Handle() provider.Handle { return g.a.handle }

func (g *GuardedHandle) ID() uuid.UUID { return g.a.id }

// Release restores the previous context and unlocks the handle.
func (g *GuardedHandle) Release() {
	g.release()
	g.a.mu.Unlock()
}

// destroy releases the provider handle. The caller guarantees no guard is
// live.
func (a *Access) destroy() provider.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.p.Destroy(a.handle)
}
