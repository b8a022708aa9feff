package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

func (s *Support) poolingDataType(dt dnn.DataType) (provider.DataType, error) {
	if dt == dnn.Double {
		return 0, newError(KindInvalidArgument, "MIOpen does not support pooling for double type yet")
	}
	return toProviderDataType(s.log, dt), nil
}

// DoPoolForward pools input into output. Once a backward pass has enabled
// the pooling cache, float forward passes also record their pooling indices
// so the backward pass can reuse them.
func (s *Support) DoPoolForward(dt dnn.DataType, stream provider.Stream, pd dnn.PoolingDescriptor,
	inputDesc dnn.BatchDescriptor, input dnn.DeviceMemory, outputDesc dnn.BatchDescriptor, output dnn.DeviceMemory) error {
	pdt, err := s.poolingDataType(dt)
	if err != nil {
		return err
	}
	src := newBatchTensor(s.p, s.log, inputDesc, pdt)
	defer src.Close()
	dest := newBatchTensor(s.p, s.log, outputDesc, pdt)
	defer dest.Close()
	pool := newPoolingDescriptor(s.p, s.log, pd)
	defer pool.Close()

	// the guard covers the cache too, so a cached workspace cannot be
	// replaced or trimmed before the enqueue that reads it
	gh := s.acquire(stream)
	defer gh.Release()

	var (
		doBackward bool
		workspace  dnn.DeviceMemory
	)
	if s.poolingCacheActive.Load() && dt == dnn.Float {
		doBackward = true
		size, st := s.p.PoolingGetWorkSpaceSizeV2(pool.handle, dest.handle)
		if failed(st, "PoolingGetWorkSpaceSizeV2") {
			return statusError(KindInternal, st, "Failed to obtain workspace size for backward pooling on stream")
		}
		if size != 0 {
			if w := s.pooling.Find(input.Addr, inputDesc, outputDesc, pd, dt); w != nil {
				workspace = w.Memory()
			} else {
				mem, err := stream.AllocateTemporary(size)
				if err != nil {
					return newError(KindInternal, "Failed to allocate forward pooling workspace of size %d: %v", size, err)
				}
				workspace = mem.Memory()
				s.pooling.Insert(input.Addr, inputDesc, outputDesc, pd, dt, mem, size, stream)
			}
		}
	}

	st := s.p.PoolingForward(gh.Handle(), pool.handle, 1, 0, provider.PoolingArgs{
		XDesc:     src.handle,
		X:         input,
		YDesc:     dest.handle,
		Y:         output,
		Workspace: workspace,
	}, doBackward)
	if failed(st, "PoolingForward") {
		return statusError(KindInternal, st, "Failed to enqueue forward pooling on stream")
	}
	return nil
}

// DoPoolBackward computes inputGrad from outputGrad. The pooling indices
// come from the cache when a matching forward pass recorded them and are
// otherwise rebuilt by re-running the forward pass into a scratch output.
func (s *Support) DoPoolBackward(dt dnn.DataType, stream provider.Stream, pd dnn.PoolingDescriptor,
	inputDesc dnn.BatchDescriptor, input dnn.DeviceMemory, outputDesc dnn.BatchDescriptor, output dnn.DeviceMemory,
	outputGrad, inputGrad dnn.DeviceMemory, allocator provider.ScratchAllocator) error {
	pdt, err := s.poolingDataType(dt)
	if err != nil {
		return err
	}
	allowed := s.cfg.PoolingCache.Enabled
	if allowed && s.poolingCacheActive.CompareAndSwap(false, true) {
		s.log.Debug("pooling workspace cache enabled")
	}
	src := newBatchTensor(s.p, s.log, inputDesc, pdt)
	defer src.Close()
	dest := newBatchTensor(s.p, s.log, outputDesc, pdt)
	defer dest.Close()
	pool := newPoolingDescriptor(s.p, s.log, pd)
	defer pool.Close()

	size, st := s.p.PoolingGetWorkSpaceSizeV2(pool.handle, dest.handle)
	if failed(st, "PoolingGetWorkSpaceSizeV2") {
		return statusError(KindInternal, st, "Failed to obtain workspace size for backward pooling on stream")
	}

	gh := s.acquire(stream)
	defer gh.Release()

	var (
		workspace dnn.DeviceMemory
		replay    bool
		dest2     dnn.DeviceMemory
	)
	if size > 0 {
		var cached *PoolingWorkspace
		if allowed {
			cached = s.pooling.Find(input.Addr, inputDesc, outputDesc, pd, dt)
		}
		if cached != nil {
			workspace = cached.Memory()
			s.log.Debug("pooling cache hit")
		} else {
			s.log.Debug("pooling cache miss")
			if allocator == nil {
				return newError(KindInternal, "An allocator must be specified when scratch memory is needed")
			}
			mem, err := allocator.AllocateBytes(size)
			if err != nil || mem.IsNil() {
				return newError(KindInternal, "Failed to allocate backward pooling workspace")
			}
			workspace = mem
			dest2Size := uint64(outputDesc.ElementCount()) * uint64(pdt.Size())
			if dest2Size > 0 {
				if dest2, err = allocator.AllocateBytes(dest2Size); err != nil || dest2.IsNil() {
					return newError(KindInternal, "Failed to allocate backward pooling workspace")
				}
			} else {
				s.log.Error("Failed to calculate tensor size to chain forward and backward pooling")
			}
			replay = true
		}
	}

	if replay {
		st := s.p.PoolingForward(gh.Handle(), pool.handle, 1, 0, provider.PoolingArgs{
			XDesc:     src.handle,
			X:         input,
			YDesc:     dest.handle,
			Y:         dest2,
			Workspace: workspace,
		}, true)
		if failed(st, "PoolingForward") {
			return statusError(KindInternal, st, "Failed to enqueue forward pooling (before backward) on stream")
		}
	}
	st = s.p.PoolingBackward(gh.Handle(), pool.handle, 1, 0, provider.PoolingArgs{
		XDesc:     src.handle,
		X:         input,
		YDesc:     dest.handle,
		Y:         output,
		DYDesc:    dest.handle,
		DY:        outputGrad,
		DXDesc:    src.handle,
		DX:        inputGrad,
		Workspace: workspace,
	})
	if failed(st, "PoolingBackward") {
		s.log.Debug("backward pooling failed", zap.Stringer("status", st))
		return statusError(KindInternal, st, "Failed to enqueue backward pooling on stream")
	}
	return nil
}
