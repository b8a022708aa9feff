package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

func (s *Support) lrnSupported(nd dnn.NormalizeDescriptor) bool {
	if nd.WrapAround {
		s.log.Error("MIOpen LRN does not support wrap-around mode")
		return false
	}
	if nd.SegmentSize != 0 {
		s.log.Error("MIOpen LRN does not support segmentation")
		return false
	}
	return true
}

// DoNormalizeWithDimensions runs cross-channel local response normalization
// on float data.
func (s *Support) DoNormalizeWithDimensions(stream provider.Stream, nd dnn.NormalizeDescriptor, dims dnn.BatchDescriptor,
	input dnn.DeviceMemory, output dnn.DeviceMemory) bool {
	if !s.lrnSupported(nd) {
		return false
	}
	t := newBatchTensor(s.p, s.log, dims, provider.Float)
	defer t.Close()
	norm := newNormalizeDescriptor(s.p, s.log, nd)
	defer norm.Close()

	gh := s.acquire(stream)
	defer gh.Release()
	st := s.p.LRNForward(gh.Handle(), norm.handle, 1, 0, provider.LRNArgs{
		XDesc: t.handle,
		X:     input,
		YDesc: t.handle,
		Y:     output,
	}, false)
	if failed(st, "LRNForward") {
		s.log.Error("failed to run miopenLRNForward", zap.Stringer("status", st))
		return false
	}
	return true
}

// DoNormalizeBackwardWithDimensions computes the LRN input gradient. The
// provider needs the forward scale terms, so the forward pass is re-run
// into scratch memory first.
func (s *Support) DoNormalizeBackwardWithDimensions(stream provider.Stream, nd dnn.NormalizeDescriptor, dims dnn.BatchDescriptor,
	raw, normalized, normalizedGrad dnn.DeviceMemory, rawGrad dnn.DeviceMemory, allocator provider.ScratchAllocator) bool {
	if !s.lrnSupported(nd) {
		return false
	}
	t := newBatchTensor(s.p, s.log, dims, provider.Float)
	defer t.Close()
	norm := newNormalizeDescriptor(s.p, s.log, nd)
	defer norm.Close()

	size, st := s.p.LRNGetWorkSpaceSize(t.handle)
	if failed(st, "LRNGetWorkSpaceSize") {
		s.log.Error("failed to obtain workspace size for miopenLRNBackward", zap.Stringer("status", st))
		return false
	}
	alloc := func(n uint64, what string) (dnn.DeviceMemory, bool) {
		if allocator == nil {
			s.log.Error("no allocator for "+what, zap.Uint64("size", n))
			return dnn.DeviceMemory{}, false
		}
		mem, err := allocator.AllocateBytes(n)
		if err != nil || mem.IsNil() {
			s.log.Error("Failed to allocate "+what, zap.Uint64("size", n), zap.Error(err))
			return dnn.DeviceMemory{}, false
		}
		return mem, true
	}

	var workspace dnn.DeviceMemory
	if size > 0 {
		var ok bool
		if workspace, ok = alloc(size, "backward LRN workspace"); !ok {
			return false
		}
	}
	var dest2 dnn.DeviceMemory
	if n := uint64(dims.ElementCount()) * uint64(provider.Float.Size()); n > 0 {
		var ok bool
		if dest2, ok = alloc(n, "tensor to chain forward and backward LRN"); !ok {
			return false
		}
	} else {
		s.log.Error("Failed to calculate tensor size to chain forward and backward LRN")
	}

	gh := s.acquire(stream)
	defer gh.Release()
	st = s.p.LRNForward(gh.Handle(), norm.handle, 1, 0, provider.LRNArgs{
		XDesc:     t.handle,
		X:         raw,
		YDesc:     t.handle,
		Y:         dest2,
		Workspace: workspace,
	}, true)
	if failed(st, "LRNForward") {
		s.log.Error("failed to run miopenLRNForward", zap.Stringer("status", st))
		return false
	}
	st = s.p.LRNBackward(gh.Handle(), norm.handle, 1, 0, provider.LRNArgs{
		XDesc:     t.handle,
		X:         raw,
		YDesc:     t.handle,
		Y:         normalized,
		DYDesc:    t.handle,
		DY:        normalizedGrad,
		DXDesc:    t.handle,
		DX:        rawGrad,
		Workspace: workspace,
	})
	if failed(st, "LRNBackward") {
		s.log.Error("failed to run miopenLRNBackward", zap.Stringer("status", st))
		return false
	}
	return true
}
