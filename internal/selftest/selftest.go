// Package selftest runs end-to-end checks of the DNN support layer against
// whichever provider is active.
package selftest

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/support"
)

type Result struct {
	Name string
	Err  error
}

func (r Result) Passed() bool { return r.Err == nil }

type scenario struct {
	name string
	// configure adjusts the DNN flags the scenario's Support is built with.
	configure func(*config.DNN)
	run       func(*env) error
}

var scenarios = []scenario{
	{name: "fresh fusion plan", run: freshFusionPlan},
	{name: "repeat fusion plan", run: repeatFusionPlan},
	{name: "fusion cache clear", run: fusionCacheClear},
	{name: "find-mode selection", run: findModeSelection},
	{
		name:      "immediate-mode best-only selection",
		configure: immediateBestOnlyFlags,
		run:       immediateBestOnly,
	},
	{
		name:      "pooling workspace reuse",
		configure: func(c *config.DNN) { c.PoolingCache.Enabled = true },
		run:       poolingWorkspaceReuse,
	},
}

// Names lists the scenarios in the order Run executes them.
func Names() []string {
	names := make([]string, len(scenarios))
	for i, sc := range scenarios {
		names[i] = sc.name
	}
	return names
}

// Run executes every scenario on a fresh Support. Scenario failures are
// reported in the results; the error is only for ctx or a provider that
// cannot be set up at all.
func Run(ctx context.Context, b provider.Backend, cfg config.DNN, log *zap.Logger) ([]Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("selftest")
	results := make([]Result, 0, len(scenarios))
	for _, sc := range scenarios {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		c := cfg
		if sc.configure != nil {
			sc.configure(&c)
		}
		err := runScenario(b, c, log, sc)
		if err != nil {
			log.Warn("scenario failed", zap.String("scenario", sc.name), zap.Error(err))
		} else {
			log.Debug("scenario passed", zap.String("scenario", sc.name))
		}
		results = append(results, Result{Name: sc.name, Err: err})
	}
	return results, nil
}

func runScenario(b provider.Backend, cfg config.DNN, log *zap.Logger, sc scenario) (err error) {
	e, err := newEnv(b, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()
	return sc.run(e)
}

type env struct {
	s      *support.Support
	stream provider.Stream
	alloc  *provider.StreamAllocator
}

func newEnv(b provider.Backend, cfg config.DNN, log *zap.Logger) (*env, error) {
	s, err := support.New(b, b.Executor(), cfg, log)
	if err != nil {
		return nil, err
	}
	stream, err := b.NewStream()
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "failed to create stream")
	}
	return &env{s: s, stream: stream, alloc: provider.NewStreamAllocator(stream)}, nil
}

func (e *env) close() error {
	if err := e.stream.Synchronize(); err != nil {
		return err
	}
	e.s.PoolingCache().Clear(e.stream)
	e.alloc.Release()
	return e.s.Close()
}

func (e *env) floats(n int64) (dnn.DeviceMemory, error) {
	return e.alloc.AllocateBytes(uint64(n) * 4)
}

// convProblem is eight 16x16 feature maps through eight 3x3 filters with
// same padding.
func (e *env) convProblem() (dnn.ConvolutionOperands, dnn.ConvolutionBuffers, error) {
	conv := dnn.NewConvolutionDescriptor(2)
	conv.Padding = []int64{1, 1}
	ops := dnn.ConvolutionOperands{
		Input:       dnn.NewBatchDescriptor(1, 8, 16, 16),
		Filter:      dnn.NewFilterDescriptor(8, 8, 3, 3),
		Output:      dnn.NewBatchDescriptor(1, 8, 16, 16),
		Convolution: conv,
	}
	var bufs dnn.ConvolutionBuffers
	var err error
	if bufs.Input, err = e.floats(ops.Input.ElementCount()); err != nil {
		return ops, bufs, err
	}
	if bufs.Filter, err = e.floats(ops.Filter.ElementCount()); err != nil {
		return ops, bufs, err
	}
	bufs.Output, err = e.floats(ops.Output.ElementCount())
	return ops, bufs, err
}

func (e *env) fusedReLU() (support.FusedConvolutionArgs, error) {
	ops, bufs, err := e.convProblem()
	if err != nil {
		return support.FusedConvolutionArgs{}, err
	}
	bias := dnn.NewBatchDescriptor(1, ops.Output.FeatureMapCount, 1, 1)
	b, err := e.floats(bias.ElementCount())
	if err != nil {
		return support.FusedConvolutionArgs{}, err
	}
	return support.FusedConvolutionArgs{
		Input:       ops.Input,
		X:           bufs.Input,
		Filter:      ops.Filter,
		W:           bufs.Filter,
		Convolution: ops.Convolution,
		Bias:        bias,
		B:           b,
		Activation:  dnn.ActivationRelu,
		Output:      ops.Output,
		Y:           bufs.Output,
	}, nil
}

func (e *env) runFused(a support.FusedConvolutionArgs) error {
	if !e.s.DoFusedConvolutionBiasActivation(e.stream, dnn.Float, a, nil) {
		return errors.New("convolution+bias+activation plan did not compile")
	}
	return nil
}

func freshFusionPlan(e *env) error {
	a, err := e.fusedReLU()
	if err != nil {
		return err
	}
	if n := e.s.FusionPlans().Len(); n != 0 {
		return errors.Errorf("a new handle starts with %d cached plans", n)
	}
	if err := e.runFused(a); err != nil {
		return err
	}
	if n := e.s.FusionPlans().Len(); n != 1 {
		return errors.Errorf("expected one cached plan, have %d", n)
	}
	return nil
}

func repeatFusionPlan(e *env) error {
	a, err := e.fusedReLU()
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if err := e.runFused(a); err != nil {
			return errors.Wrapf(err, "attempt %d", i+1)
		}
	}
	if n := e.s.FusionPlans().Len(); n != 1 {
		return errors.Errorf("an identical plan was cached %d times", n)
	}
	return nil
}

func fusionCacheClear(e *env) error {
	a, err := e.fusedReLU()
	if err != nil {
		return err
	}
	if err := e.runFused(a); err != nil {
		return err
	}
	e.s.FusionPlans().Clear()
	if n := e.s.FusionPlans().Len(); n != 0 {
		return errors.Errorf("%d plans survived a clear", n)
	}
	if err := e.runFused(a); err != nil {
		return errors.Wrap(err, "after clear")
	}
	if n := e.s.FusionPlans().Len(); n != 1 {
		return errors.Errorf("expected the plan to be rebuilt, have %d", n)
	}
	return nil
}

// scratchBudget bounds the workspace a selection may ask for.
const scratchBudget = 1 << 20

func selectOne(e *env) (err error) {
	ops, bufs, err := e.convProblem()
	if err != nil {
		return err
	}
	scratch := provider.NewStreamAllocator(e.stream).WithLimit(scratchBudget)
	defer func() {
		if serr := e.stream.Synchronize(); serr != nil && err == nil {
			err = errors.Wrap(serr, "failed to synchronize after algorithm selection")
		}
		scratch.Release()
	}()
	results, err := e.s.GetConvolveAlgorithms(dnn.ConvolutionForward, dnn.Float, e.stream, ops, bufs, scratch)
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return errors.Errorf("expected exactly one algorithm, got %d", len(results))
	}
	r := results[0]
	if !r.IsValid() {
		return errors.New("the selected algorithm has no elapsed time")
	}
	if r.Algorithm.WorkspaceSize == nil {
		return errors.New("the selected algorithm has no workspace size")
	}
	return nil
}

func findModeSelection(e *env) error { return selectOne(e) }

func immediateBestOnlyFlags(c *config.DNN) {
	c.UseImmediateMode = true
	c.ReturnBestAlgoOnly = true
}

func immediateBestOnly(e *env) error { return selectOne(e) }

func poolingWorkspaceReuse(e *env) error {
	in, out := dnn.NewBatchDescriptor(1, 4, 8, 8), dnn.NewBatchDescriptor(1, 4, 4, 4)
	pool := dnn.PoolingDescriptor{
		Mode:    dnn.PoolingMaximum,
		Window:  []int64{2, 2},
		Padding: []int64{0, 0},
		Strides: []int64{2, 2},
	}
	var x, y, dy, dx dnn.DeviceMemory
	for _, b := range []struct {
		dst *dnn.DeviceMemory
		n   int64
	}{{&x, in.ElementCount()}, {&y, out.ElementCount()}, {&dy, out.ElementCount()}, {&dx, in.ElementCount()}} {
		var err error
		if *b.dst, err = e.floats(b.n); err != nil {
			return err
		}
	}
	backward := func() error {
		return e.s.DoPoolBackward(dnn.Float, e.stream, pool, in, x, out, y, dy, dx, e.alloc)
	}
	forward := func() error {
		return e.s.DoPoolForward(dnn.Float, e.stream, pool, in, x, out, y)
	}

	// the first backward pass turns caching on
	if err := backward(); err != nil {
		return err
	}
	if err := forward(); err != nil {
		return err
	}
	if n := e.s.PoolingCache().Len(); n != 1 {
		return errors.Errorf("expected the forward workspace to be cached, have %d entries", n)
	}
	held := e.alloc.Held()
	if err := backward(); err != nil {
		return err
	}
	if e.alloc.Held() != held {
		return errors.New("backward pass allocated despite a cached workspace")
	}
	return nil
}
