package support

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// convDirection binds the provider entry points of one convolution kind.
type convDirection struct {
	kind dnn.ConvolutionKind
	name string

	solutionCount func(provider.Handle, provider.ConvDescriptors) (int, provider.Status)
	getSolution   func(provider.Handle, provider.ConvDescriptors, int) ([]provider.ConvSolution, provider.Status)
	compile       func(provider.Handle, provider.ConvDescriptors, uint64) provider.Status
	workspaceSize func(provider.Handle, provider.ConvDescriptors) (uint64, provider.Status)
	find          func(provider.Handle, provider.ConvDescriptors, dnn.ConvolutionBuffers, int, dnn.DeviceMemory, bool) ([]provider.ConvAlgoPerf, provider.Status)
	immediate     func(provider.Handle, provider.ConvDescriptors, dnn.ConvolutionBuffers, dnn.DeviceMemory, uint64) provider.Status
	run           func(provider.Handle, float32, float32, provider.ConvDescriptors, dnn.ConvolutionBuffers, int64, dnn.DeviceMemory) provider.Status
	// algorithm picks the field of a search result that belongs to kind.
	algorithm func(provider.ConvAlgoPerf) int64
}

func directionFor(api provider.ConvolutionAPI, log *zap.Logger, kind dnn.ConvolutionKind) convDirection {
	switch kind {
	case dnn.ConvolutionForward:
		return convDirection{
			kind:          kind,
			name:          "ConvolutionForward",
			solutionCount: api.ConvolutionForwardGetSolutionCount,
			getSolution:   api.ConvolutionForwardGetSolution,
			compile:       api.ConvolutionForwardCompileSolution,
			workspaceSize: api.ConvolutionForwardGetWorkSpaceSize,
			find:          api.FindConvolutionForwardAlgorithm,
			immediate:     api.ConvolutionForwardImmediate,
			run:           api.ConvolutionForward,
			algorithm:     func(p provider.ConvAlgoPerf) int64 { return p.FwdAlgo },
		}
	case dnn.ConvolutionBackwardData:
		return convDirection{
			kind:          kind,
			name:          "ConvolutionBackwardData",
			solutionCount: api.ConvolutionBackwardDataGetSolutionCount,
			getSolution:   api.ConvolutionBackwardDataGetSolution,
			compile:       api.ConvolutionBackwardDataCompileSolution,
			workspaceSize: api.ConvolutionBackwardDataGetWorkSpaceSize,
			find:          api.FindConvolutionBackwardDataAlgorithm,
			immediate:     api.ConvolutionBackwardDataImmediate,
			run:           api.ConvolutionBackwardData,
			algorithm:     func(p provider.ConvAlgoPerf) int64 { return p.BwdDataAlgo },
		}
	case dnn.ConvolutionBackwardFilter:
		return convDirection{
			kind:          kind,
			name:          "ConvolutionBackwardWeights",
			solutionCount: api.ConvolutionBackwardWeightsGetSolutionCount,
			getSolution:   api.ConvolutionBackwardWeightsGetSolution,
			compile:       api.ConvolutionBackwardWeightsCompileSolution,
			workspaceSize: api.ConvolutionBackwardWeightsGetWorkSpaceSize,
			find:          api.FindConvolutionBackwardWeightsAlgorithm,
			immediate:     api.ConvolutionBackwardWeightsImmediate,
			run:           api.ConvolutionBackwardWeights,
			algorithm:     func(p provider.ConvAlgoPerf) int64 { return p.BwdWeightsAlgo },
		}
	}
	log.Fatal("unexpected convolution kind", zap.Stringer("kind", kind))
	return convDirection{}
}

// convDescriptors owns the four descriptors a convolution call needs.
type convDescriptors struct {
	input, filter, output *tensorDescriptor
	conv                  *convDescriptor
}

func (s *Support) newConvDescriptors(dt provider.DataType, ops dnn.ConvolutionOperands) *convDescriptors {
	return &convDescriptors{
		input:  newBatchTensor(s.p, s.log, ops.Input, dt),
		filter: newFilterTensor(s.p, s.log, ops.Filter, dt),
		output: newBatchTensor(s.p, s.log, ops.Output, dt),
		conv:   newConvDescriptor(s.p, s.log, ops.Convolution),
	}
}

func (c *convDescriptors) descriptors() provider.ConvDescriptors {
	return provider.ConvDescriptors{
		Input:  c.input.handle,
		Filter: c.filter.handle,
		Conv:   c.conv.handle,
		Output: c.output.handle,
	}
}

func (c *convDescriptors) Close() {
	c.conv.Close()
	c.output.Close()
	c.filter.Close()
	c.input.Close()
}

// GetConvolveAlgorithms lists the algorithms able to run the convolution,
// either by asking the provider for compiled solutions (immediate mode) or
// by running its search (find mode).
func (s *Support) GetConvolveAlgorithms(kind dnn.ConvolutionKind, dt dnn.DataType, stream provider.Stream,
	ops dnn.ConvolutionOperands, buffers dnn.ConvolutionBuffers, scratch provider.ScratchAllocator) ([]dnn.ProfileResult, error) {
	pdt, err := s.dataType(dt)
	if err != nil {
		return nil, err
	}
	var (
		results []dnn.ProfileResult
		mode    = "find"
	)
	if s.cfg.UseImmediateMode {
		mode = "immediate"
		results = s.immediateModeAlgorithms(kind, pdt, stream, ops)
	} else {
		results, err = s.findModeAlgorithms(kind, pdt, stream, ops, buffers, scratch)
		if err != nil {
			return nil, err
		}
	}
	metrics.ConvAlgorithmsReturned.WithLabelValues(mode, kind.String()).Observe(float64(len(results)))
	return results, nil
}

func (s *Support) immediateModeAlgorithms(kind dnn.ConvolutionKind, dt provider.DataType, stream provider.Stream,
	ops dnn.ConvolutionOperands) []dnn.ProfileResult {
	dir := directionFor(s.p, s.log, kind)
	descs := s.newConvDescriptors(dt, ops)
	defer descs.Close()
	d := descs.descriptors()

	gh := s.acquire(stream)
	defer gh.Release()

	count, st := dir.solutionCount(gh.Handle(), d)
	must(s.log, st, dir.name+"GetSolutionCount")
	if s.cfg.ReturnBestAlgoOnly {
		count = 1
	}
	solutions, st := dir.getSolution(gh.Handle(), d, count)
	must(s.log, st, dir.name+"GetSolution")

	results := make([]dnn.ProfileResult, 0, len(solutions))
	for _, sol := range solutions {
		s.log.Debug("solution",
			zap.Stringer("kind", kind),
			zap.Uint64("id", sol.SolutionID),
			zap.Stringer("algorithm", sol.Algorithm),
			zap.Float32("timeMs", sol.Time),
			zap.String("workspace", humanize.IBytes(sol.WorkspaceSize)))
		must(s.log, dir.compile(gh.Handle(), d, sol.SolutionID), dir.name+"CompileSolution",
			zap.Uint64("solution", sol.SolutionID))

		r := dnn.NewProfileResult()
		r.SetAlgorithm(dnn.NewAlgorithmDesc(int64(sol.SolutionID), false, sol.WorkspaceSize))
		r.SetElapsedTimeMs(sol.Time)
		r.SetScratchSize(sol.WorkspaceSize)
		results = append(results, *r)
	}
	return results
}

func (s *Support) findModeAlgorithms(kind dnn.ConvolutionKind, dt provider.DataType, stream provider.Stream,
	ops dnn.ConvolutionOperands, buffers dnn.ConvolutionBuffers, allocator provider.ScratchAllocator) ([]dnn.ProfileResult, error) {
	dir := directionFor(s.p, s.log, kind)
	descs := s.newConvDescriptors(dt, ops)
	defer descs.Close()
	d := descs.descriptors()

	gh := s.acquire(stream)
	size, st := dir.workspaceSize(gh.Handle(), d)
	gh.Release()
	must(s.log, st, dir.name+"GetWorkSpaceSize")

	var scratch dnn.DeviceMemory
	if size > 0 {
		if allocator == nil {
			return nil, newError(KindInternal, "An allocator must be specified when scratch memory is needed")
		}
		mem, err := allocator.AllocateBytes(size)
		if err != nil {
			return nil, newError(KindInternal, "Failed to allocate scratch memory of size: %d: %v", size, err)
		}
		scratch = mem
	}

	gh = s.acquire(stream)
	defer gh.Release()
	perfs, st := dir.find(gh.Handle(), d, buffers, 1, scratch, false)
	must(s.log, st, "Find"+dir.name+"Algorithm")
	if len(perfs) == 0 {
		return nil, newError(KindInternal, "no %s algorithm found", kind)
	}
	best := perfs[0]
	s.log.Debug("found algorithm",
		zap.Stringer("kind", kind),
		zap.Int64("algorithm", dir.algorithm(best)),
		zap.Float32("timeMs", best.Time),
		zap.String("workspace", humanize.IBytes(best.Memory)))

	r := dnn.NewProfileResult()
	r.SetAlgorithm(dnn.NewAlgorithmDesc(dir.algorithm(best), false, best.Memory))
	r.SetElapsedTimeMs(best.Time)
	r.SetScratchSize(best.Memory)
	return []dnn.ProfileResult{*r}, nil
}
