// Package support adapts the framework's DNN operations onto a native
// provider. All provider calls go through one shared handle; fused plans
// and pooling workspaces are cached across calls.
package support

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

type Support struct {
	p      provider.Provider
	exec   provider.Executor
	cfg    config.DNN
	log    *zap.Logger
	access *Access

	fusion  *FusionPlanCache
	pooling *PoolingWorkspaceCache
	// poolingCacheActive is set by the first backward pooling call when the
	// cache is allowed. Forward passes only populate the cache after that.
	poolingCacheActive atomic.Bool
}

// New creates the shared provider handle on the null stream under exec's
// context.
func New(p provider.Provider, exec provider.Executor, cfg config.DNN, log *zap.Logger) (*Support, error) {
	if log == nil {
		log = zap.NewNop()
	}
	release := exec.Activate()
	h, st := p.CreateWithStream(0)
	release()
	if failed(st, "CreateWithStream") {
		return nil, statusError(KindInternal, st, "call to miopenCreateWithStream returned status, could not create a handle")
	}
	log = log.Named("dnn")
	s := &Support{
		p:       p,
		exec:    exec,
		cfg:     cfg,
		log:     log,
		access:  NewAccess(p, h, log),
		fusion:  NewFusionPlanCache(p, log),
		pooling: NewPoolingWorkspaceCache(cfg.PoolingCache, log),
	}
	log.Debug("dnn support initialized",
		zap.Bool("immediateMode", cfg.UseImmediateMode),
		zap.Bool("bestAlgoOnly", cfg.ReturnBestAlgoOnly),
		zap.Bool("poolingCache", cfg.PoolingCache.Enabled))
	return s, nil
}

// Close frees the cached pooling workspaces, destroys every cached fusion
// plan and then the handle. No call may be in flight.
func (s *Support) Close() error {
	s.pooling.release()
	s.fusion.Clear()
	release := s.exec.Activate()
	defer release()
	return s.access.destroy().Err()
}

// GetVersion reports the provider API level this layer targets.
func (s *Support) GetVersion() (dnn.VersionInfo, error) {
	return dnn.VersionInfo{Major: 1, Minor: 3, Patch: 0}, nil
}

func (s *Support) FusionPlans() *FusionPlanCache { return s.fusion }

func (s *Support) PoolingCache() *PoolingWorkspaceCache { return s.pooling }

func (s *Support) Config() config.DNN { return s.cfg }

func (s *Support) acquire(stream provider.Stream) *GuardedHandle {
	return s.access.Acquire(s.exec, stream)
}

// dataType rejects element types the provider cannot run.
func (s *Support) dataType(dt dnn.DataType) (provider.DataType, error) {
	if dt == dnn.Double {
		return 0, newError(KindInvalidArgument, "ROCm does not support double precision")
	}
	return toProviderDataType(s.log, dt), nil
}
