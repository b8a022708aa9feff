package support

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// ConvRunner runs one convolution with a fixed algorithm. It is immutable
// and safe for concurrent use; descriptors are created for each Run.
type ConvRunner struct {
	s         *Support
	dir       convDirection
	dtype     provider.DataType
	ops       dnn.ConvolutionOperands
	algo      int64
	workspace uint64
	immediate bool
}

func (r *ConvRunner) String() string {
	return fmt.Sprintf("{algo_id: %d, tensor_ops: false, workspace: %s, kind: %s}",
		r.algo, humanize.IBytes(r.workspace), r.dir.kind)
}

func (r *ConvRunner) WorkspaceSize() uint64 { return r.workspace }

func (r *ConvRunner) Kind() dnn.ConvolutionKind { return r.dir.kind }

func (r *ConvRunner) ToAlgorithmDesc() dnn.AlgorithmDesc {
	return dnn.NewAlgorithmDesc(r.algo, false, r.workspace)
}

// Run enqueues the convolution on stream. When profile is not nil the call
// is timed and profile receives the algorithm, time and scratch size.
func (r *ConvRunner) Run(stream provider.Stream, profile *dnn.ProfileResult, scratch dnn.DeviceMemory, buffers dnn.ConvolutionBuffers) error {
	s := r.s
	descs := s.newConvDescriptors(r.dtype, r.ops)
	defer descs.Close()
	d := descs.descriptors()

	var timer provider.Timer
	if profile != nil {
		t, err := s.exec.NewTimer()
		if err != nil {
			return newError(KindInternal, "Failed to init timer: %v", err)
		}
		defer t.Destroy()
		timer = t
	}

	gh := s.acquire(stream)
	defer gh.Release()

	if timer != nil {
		if err := timer.Start(stream); err != nil {
			return newError(KindInternal, "Failed to start timer: %v", err)
		}
	}
	var st provider.Status
	if r.immediate {
		st = r.dir.immediate(gh.Handle(), d, buffers, scratch, uint64(r.algo))
	} else {
		st = r.dir.run(gh.Handle(), 1, 0, d, buffers, r.algo, scratch)
	}
	if timer != nil {
		if err := timer.Stop(stream); err != nil {
			return newError(KindInternal, "Failed to stop timer: %v", err)
		}
	}
	if failed(st, r.dir.name) {
		return statusError(KindInternal, st, "Failed to enqueue convolution on stream")
	}
	if profile != nil {
		profile.SetAlgorithm(r.ToAlgorithmDesc())
		profile.SetElapsedTimeMs(timer.ElapsedMilliseconds())
		profile.SetScratchSize(scratch.Size)
	}
	return nil
}

func cloneOperands(ops dnn.ConvolutionOperands) dnn.ConvolutionOperands {
	ops.Input.Spatial = slices.Clone(ops.Input.Spatial)
	ops.Output.Spatial = slices.Clone(ops.Output.Spatial)
	ops.Filter.Spatial = slices.Clone(ops.Filter.Spatial)
	c := ops.Convolution
	ops.Convolution = dnn.ConvolutionDescriptor{
		Padding:    slices.Clone(c.Padding),
		Strides:    slices.Clone(c.Strides),
		Dilations:  slices.Clone(c.Dilations),
		GroupCount: c.GroupCount,
	}
	return ops
}

// GetConvolveRunners returns a runner for every algorithm the provider
// offers for the convolution.
func (s *Support) GetConvolveRunners(kind dnn.ConvolutionKind, inType, outType dnn.DataType, stream provider.Stream,
	ops dnn.ConvolutionOperands, buffers dnn.ConvolutionBuffers, scratch provider.ScratchAllocator) ([]*ConvRunner, error) {
	if inType != outType {
		return nil, newError(KindUnimplemented, "GetConvolveRunners only supports same input and output types, got %s and %s", inType, outType)
	}
	results, err := s.GetConvolveAlgorithms(kind, inType, stream, ops, buffers, scratch)
	if err != nil {
		return nil, newError(KindUnknown, "GetConvolveRunners: GetMIOpenConvolveAlgorithms failed: %v", err)
	}
	runners := make([]*ConvRunner, 0, len(results))
	for _, res := range results {
		r, err := s.ConvolveRunnerFromDesc(res.Algorithm, kind, inType, outType, ops)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, nil
}

// ConvolveRunnerFromDesc rebuilds the runner for a previously selected
// algorithm. desc must carry the workspace size it was selected with.
func (s *Support) ConvolveRunnerFromDesc(desc dnn.AlgorithmDesc, kind dnn.ConvolutionKind, inType, outType dnn.DataType,
	ops dnn.ConvolutionOperands) (*ConvRunner, error) {
	if inType != outType {
		return nil, newError(KindUnimplemented, "ConvolveRunnerFromDesc only supports same input and output types, got %s and %s", inType, outType)
	}
	if desc.WorkspaceSize == nil {
		return nil, newError(KindInvalidArgument, "ConvolveRunnerFromDesc requires AlgorithmProto.workspace_size, but it was missing.")
	}
	dt, err := s.dataType(inType)
	if err != nil {
		return nil, err
	}
	return &ConvRunner{
		s:         s,
		dir:       directionFor(s.p, s.log, kind),
		dtype:     dt,
		ops:       cloneOperands(ops),
		algo:      desc.AlgoID,
		workspace: *desc.WorkspaceSize,
		immediate: s.cfg.UseImmediateMode,
	}, nil
}

// DoConvolve runs the convolution with the algorithm in desc.
func (s *Support) DoConvolve(kind dnn.ConvolutionKind, dt dnn.DataType, stream provider.Stream, ops dnn.ConvolutionOperands,
	buffers dnn.ConvolutionBuffers, desc dnn.AlgorithmDesc, scratch dnn.DeviceMemory, profile *dnn.ProfileResult) error {
	r, err := s.ConvolveRunnerFromDesc(desc, kind, dt, dt, ops)
	if err != nil {
		return err
	}
	return r.Run(stream, profile, scratch, buffers)
}

// DoPrepareForConvolution allocates the scratch memory the configured
// algorithm needs.
func (s *Support) DoPrepareForConvolution(cfg dnn.AlgorithmConfig, allocator provider.ScratchAllocator) (dnn.AlgorithmDesc, dnn.DeviceMemory, error) {
	if cfg.Algorithm == nil {
		return dnn.AlgorithmDesc{}, dnn.DeviceMemory{}, newError(KindInvalidArgument, "algorithm config has no algorithm")
	}
	desc := *cfg.Algorithm
	var size uint64
	switch {
	case cfg.ScratchSize != nil:
		size = *cfg.ScratchSize
	case desc.WorkspaceSize != nil:
		size = *desc.WorkspaceSize
	default:
		return desc, dnn.DeviceMemory{}, newError(KindInvalidArgument, "algorithm config has no scratch size")
	}
	if size == 0 {
		return desc, dnn.DeviceMemory{}, nil
	}
	if allocator == nil {
		return desc, dnn.DeviceMemory{}, newError(KindInternal, "An allocator must be specified when scratch memory is needed")
	}
	mem, err := allocator.AllocateBytes(size)
	if err != nil {
		return desc, dnn.DeviceMemory{}, newError(KindInternal, "Failed to allocate scratch memory of size: %d: %v", size, err)
	}
	return desc, mem, nil
}

// DeriveOutputBatchDescriptor computes the output shape of a forward
// convolution. It reports false if the provider rejects the problem.
func (s *Support) DeriveOutputBatchDescriptor(input dnn.BatchDescriptor, filter dnn.FilterDescriptor,
	conv dnn.ConvolutionDescriptor, dt dnn.DataType) (dnn.BatchDescriptor, bool) {
	pdt, err := s.dataType(dt)
	if err != nil {
		s.log.Error("could not derive output descriptor", zap.Error(err))
		return dnn.BatchDescriptor{}, false
	}
	in := newBatchTensor(s.p, s.log, input, pdt)
	defer in.Close()
	f := newFilterTensor(s.p, s.log, filter, pdt)
	defer f.Close()
	c := newConvDescriptor(s.p, s.log, conv)
	defer c.Close()

	dims, st := s.p.GetConvolutionNdForwardOutputDim(c.handle, in.handle, f.handle)
	if failed(st, "GetConvolutionNdForwardOutputDim") || len(dims) < 2 {
		s.log.Error("could not get output tensor for convolution", zap.Stringer("status", st))
		return dnn.BatchDescriptor{}, false
	}
	spatial := make([]int64, 0, len(dims)-2)
	for _, v := range dims[2:] {
		spatial = append(spatial, int64(v))
	}
	out := dnn.NewBatchDescriptor(int64(dims[0]), int64(dims[1]), spatial...)
	out.Layout = input.Layout
	return out, true
}
