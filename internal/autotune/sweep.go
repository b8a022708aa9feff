// Package autotune profiles every convolution algorithm the provider offers
// for a set of problems and picks the fastest.
package autotune

import (
	"context"
	"math"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/support"
)

// Timing summarizes the profiled runs of one runner.
type Timing struct {
	Runner    string
	Algorithm dnn.AlgorithmDesc
	Samples   int
	Failures  int
	MeanMs    float64
	StdDevMs  float64
}

type FusedOutcome int

const (
	FusedNotProbed FusedOutcome = iota
	FusedUsable
	FusedUnusable
)

func (o FusedOutcome) String() string {
	switch o {
	case FusedUsable:
		return "usable"
	case FusedUnusable:
		return "unusable"
	default:
		return "-"
	}
}

type Result struct {
	Problem Problem
	Output  dnn.BatchDescriptor
	Timings []Timing
	// Best indexes Timings; -1 when no runner completed a run.
	Best    int
	Fused   FusedOutcome
	FusedMs float64
}

func (r Result) BestTiming() (Timing, bool) {
	if r.Best < 0 {
		return Timing{}, false
	}
	return r.Timings[r.Best], true
}

type Options struct {
	// Repeats is the number of profiled runs per runner.
	Repeats int
	// Parallelism bounds how many problems are profiled at once.
	Parallelism int
}

func DefaultOptions() Options {
	return Options{Repeats: 5, Parallelism: 4}
}

type Sweeper struct {
	s       *support.Support
	backend provider.Backend
	opts    Options
	log     *zap.Logger
}

func NewSweeper(s *support.Support, backend provider.Backend, opts Options, log *zap.Logger) *Sweeper {
	def := DefaultOptions()
	if opts.Repeats <= 0 {
		opts.Repeats = def.Repeats
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{s: s, backend: backend, opts: opts, log: log.Named("autotune")}
}

// Sweep profiles every problem. Results are in problem order. The first
// problem that cannot be profiled at all cancels the rest.
func (sw *Sweeper) Sweep(ctx context.Context, problems []Problem) ([]Result, error) {
	results := make([]Result, len(problems))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.opts.Parallelism)
	for i, p := range problems {
		g.Go(func() error {
			res, err := sw.profile(ctx, p)
			if err != nil {
				return errors.Wrapf(err, "profiling %s", p.Name)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (sw *Sweeper) profile(ctx context.Context, p Problem) (Result, error) {
	res := Result{Problem: p, Best: -1}
	out, ok := sw.s.DeriveOutputBatchDescriptor(p.Operands.Input, p.Operands.Filter, p.Operands.Convolution, p.DataType)
	if !ok {
		return res, errors.New("the provider rejected the convolution")
	}
	res.Output = out
	ops := p.Operands
	ops.Output = out

	stream, err := sw.backend.NewStream()
	if err != nil {
		return res, errors.Wrap(err, "failed to create stream")
	}
	alloc := provider.NewStreamAllocator(stream)
	defer alloc.Release()

	elem := uint64(p.DataType.Size())
	var bufs dnn.ConvolutionBuffers
	for _, b := range []struct {
		dst  *dnn.DeviceMemory
		size uint64
	}{
		{&bufs.Input, uint64(ops.Input.ElementCount()) * elem},
		{&bufs.Filter, uint64(ops.Filter.ElementCount()) * elem},
		{&bufs.Output, uint64(ops.Output.ElementCount()) * elem},
	} {
		if *b.dst, err = alloc.AllocateBytes(b.size); err != nil {
			return res, errors.Wrap(err, "failed to allocate operands")
		}
	}

	runners, err := sw.s.GetConvolveRunners(p.Kind, p.DataType, p.DataType, stream, ops, bufs, alloc)
	if err != nil {
		return res, err
	}
	sw.log.Debug("profiling runners",
		zap.String("problem", p.Name), zap.Int("runners", len(runners)), zap.Stringer("output", out))

	for _, r := range runners {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Timings = append(res.Timings, sw.time(r, stream, alloc, bufs))
	}
	res.Best = fastest(res.Timings)
	if best, ok := res.BestTiming(); ok {
		metrics.AutotuneElapsedMs.WithLabelValues(p.Name).Set(best.MeanMs)
	}

	if p.Fused {
		res.Fused, res.FusedMs = sw.probeFused(p, ops, bufs, stream, alloc)
	}
	if err := stream.Synchronize(); err != nil {
		return res, errors.Wrap(err, "failed to synchronize")
	}
	return res, nil
}

func (sw *Sweeper) time(r *support.ConvRunner, stream provider.Stream, alloc *provider.StreamAllocator, bufs dnn.ConvolutionBuffers) Timing {
	t := Timing{Runner: r.String(), Algorithm: r.ToAlgorithmDesc()}
	var scratch dnn.DeviceMemory
	if size := r.WorkspaceSize(); size > 0 {
		var err error
		if scratch, err = alloc.AllocateBytes(size); err != nil {
			sw.log.Warn("skipping runner, no scratch",
				zap.Stringer("runner", r), zap.String("size", humanize.IBytes(size)), zap.Error(err))
			t.Failures = sw.opts.Repeats
			return t
		}
	}

	samples := make([]float64, 0, sw.opts.Repeats)
	for i := 0; i < sw.opts.Repeats; i++ {
		profile := dnn.NewProfileResult()
		if err := r.Run(stream, profile, scratch, bufs); err != nil {
			sw.log.Debug("runner failed", zap.Stringer("runner", r), zap.Error(err))
			t.Failures++
			continue
		}
		samples = append(samples, float64(profile.ElapsedTimeMs))
	}
	t.Samples = len(samples)
	switch len(samples) {
	case 0:
		t.MeanMs = math.Inf(1)
	case 1:
		t.MeanMs = samples[0]
	default:
		t.MeanMs, t.StdDevMs = stat.MeanStdDev(samples, nil)
	}
	return t
}

// fastest returns the index of the lowest mean among runners that
// completed at least one run, preferring fewer failures on ties.
func fastest(ts []Timing) int {
	idx := make([]int, 0, len(ts))
	for i, t := range ts {
		if t.Samples > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := ts[idx[a]], ts[idx[b]]
		if ta.MeanMs != tb.MeanMs {
			return ta.MeanMs < tb.MeanMs
		}
		return ta.Failures < tb.Failures
	})
	return idx[0]
}

func (sw *Sweeper) probeFused(p Problem, ops dnn.ConvolutionOperands, bufs dnn.ConvolutionBuffers,
	stream provider.Stream, alloc *provider.StreamAllocator) (FusedOutcome, float64) {
	bias := dnn.NewBatchDescriptor(1, ops.Output.FeatureMapCount, 1, 1)
	b, err := alloc.AllocateBytes(uint64(bias.ElementCount()) * uint64(p.DataType.Size()))
	if err != nil {
		sw.log.Warn("failed to allocate fused bias", zap.Error(err))
		return FusedUnusable, 0
	}
	profile := dnn.NewProfileResult()
	ok := sw.s.DoFusedConvolutionBiasActivation(stream, p.DataType, support.FusedConvolutionArgs{
		Input:       ops.Input,
		X:           bufs.Input,
		Filter:      ops.Filter,
		W:           bufs.Filter,
		Convolution: ops.Convolution,
		Bias:        bias,
		B:           b,
		Activation:  p.Activation,
		Output:      ops.Output,
		Y:           bufs.Output,
	}, profile)
	if !ok {
		return FusedUnusable, 0
	}
	return FusedUsable, float64(profile.ElapsedTimeMs)
}
