package support

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// FusionPlanCache maps structural hashes to provider fusion plans. Plans
// are never evicted; a hash whose plan failed to compile is remembered as
// unsupported and never compiled again. Clear drops both.
type FusionPlanCache struct {
	api provider.FusionAPI
	log *zap.Logger

	mu          sync.Mutex
	plans       map[uint64]provider.FusionPlan
	unsupported map[uint64]struct{}

	// compiles keeps concurrent resolutions of one hash down to a single
	// build and compile.
	compiles singleflight.Group
}

func NewFusionPlanCache(api provider.FusionAPI, log *zap.Logger) *FusionPlanCache {
	return &FusionPlanCache{
		api:         api,
		log:         log.Named("fusion"),
		plans:       make(map[uint64]provider.FusionPlan),
		unsupported: make(map[uint64]struct{}),
	}
}

// FindOrCreate returns the plan cached under hash, or creates an empty plan
// for dir seeded with input and caches it. wasCached reports which happened.
func (c *FusionPlanCache) FindOrCreate(hash uint64, dir provider.FusionDirection, input provider.TensorDesc) (plan provider.FusionPlan, wasCached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[hash]; ok {
		return p, true
	}
	p, st := c.api.CreateFusionPlan(dir, input)
	must(c.log, st, "CreateFusionPlan")
	c.plans[hash] = p
	return p, false
}

func (c *FusionPlanCache) IsMarkedUnsupported(hash uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.unsupported[hash]
	return ok
}

func (c *FusionPlanCache) MarkUnsupported(hash uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsupported[hash] = struct{}{}
}

// Clear destroys every cached plan and forgets every unsupported hash.
func (c *FusionPlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, p := range c.plans {
		must(c.log, c.api.DestroyFusionPlan(p), "DestroyFusionPlan", zap.Uint64("hash", hash))
	}
	c.plans = make(map[uint64]provider.FusionPlan)
	c.unsupported = make(map[uint64]struct{})
}

// Len returns the number of cached plans, usable or not.
func (c *FusionPlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

type resolution struct {
	plan   provider.FusionPlan
	usable bool
}

// Resolve finds or creates the plan for hash. A freshly created plan is
// handed to build, which appends its operators and compiles it; a false
// return marks the hash unsupported. Concurrent callers with the same hash
// share a single build. wasCached is false only for the caller whose build
// ran.
func (c *FusionPlanCache) Resolve(fusion string, hash uint64, dir provider.FusionDirection, input provider.TensorDesc, build func(provider.FusionPlan) bool) (plan provider.FusionPlan, wasCached, usable bool) {
	fresh := false
	v, _, _ := c.compiles.Do(strconv.FormatUint(hash, 16), func() (any, error) {
		p, cached := c.FindOrCreate(hash, dir, input)
		if cached {
			return resolution{plan: p, usable: !c.IsMarkedUnsupported(hash)}, nil
		}
		fresh = true
		ok := build(p)
		if !ok {
			c.MarkUnsupported(hash)
			metrics.FusionPlanCompiles.WithLabelValues(fusion, "unsupported").Inc()
			c.log.Debug("fusion plan failed to compile", zap.String("fusion", fusion), zap.Uint64("hash", hash))
		} else {
			metrics.FusionPlanCompiles.WithLabelValues(fusion, "compiled").Inc()
			c.log.Debug("fusion plan compiled", zap.String("fusion", fusion), zap.Uint64("hash", hash))
		}
		return resolution{plan: p, usable: ok}, nil
	})
	r := v.(resolution)
	result := "hit"
	if fresh {
		result = "miss"
	}
	metrics.FusionPlanLookups.WithLabelValues(fusion, result).Inc()
	return r.plan, !fresh, r.usable
}
