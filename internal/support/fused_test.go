package support

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/provider/hostsim"
)

func cbaArgs(t *testing.T, dev *hostsim.Device, ops dnn.ConvolutionOperands, bufs dnn.ConvolutionBuffers, act dnn.ActivationMode) FusedConvolutionArgs {
	t.Helper()
	bias := dnn.NewBatchDescriptor(1, ops.Output.FeatureMapCount, 1, 1)
	return FusedConvolutionArgs{
		Input:       ops.Input,
		X:           bufs.Input,
		Filter:      ops.Filter,
		W:           bufs.Filter,
		Convolution: ops.Convolution,
		Bias:        bias,
		B:           allocate(t, dev, uint64(bias.ElementCount())*4),
		Activation:  act,
		Output:      ops.Output,
		Y:           bufs.Output,
	}
}

func refuseTanh(info hostsim.FusionPlanInfo) bool {
	return info.Activation == provider.ActivationTANH
}

func TestFusedConvolutionBiasActivation(t *testing.T) {
	t.Run("compiles once and reuses the plan", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		ops, bufs := newConvProblem(t, f.b.Device())
		args := cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu)

		require.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, args, nil))
		require.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, args, nil))

		assert.Equal(t, 1, f.s.FusionPlans().Len())
		assert.Equal(t, 1, f.b.Calls("CreateFusionPlan"))
		assert.Equal(t, 1, f.b.Calls("CompileFusionPlan"))
		assert.Equal(t, 2, f.b.Calls("ExecuteFusionPlan"))

		live := f.b.Live()
		assert.Equal(t, 0, live["args"])
		assert.Equal(t, 0, live["tensor"])
		assert.Equal(t, 0, live["activation"])
		assert.Equal(t, 1, live["plan"])
		assert.Equal(t, int32(0), f.b.HostExecutor().Active())
	})

	t.Run("activation is part of the key", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		ops, bufs := newConvProblem(t, f.b.Device())

		for _, act := range []dnn.ActivationMode{dnn.ActivationRelu, dnn.ActivationRelu6, dnn.ActivationNone} {
			require.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, cbaArgs(t, f.b.Device(), ops, bufs, act), nil))
		}
		assert.Equal(t, 3, f.s.FusionPlans().Len())
	})

	t.Run("refused plans are remembered", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{RefuseFusion: refuseTanh})
		ops, bufs := newConvProblem(t, f.b.Device())
		args := cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationTanh)

		assert.False(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, args, nil))
		assert.False(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, args, nil))
		assert.Equal(t, 1, f.b.Calls("CompileFusionPlan"))
		assert.Equal(t, 0, f.b.Calls("ExecuteFusionPlan"))

		// other activations still fuse
		assert.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu), nil))
	})

	t.Run("only float fuses", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		ops, bufs := newConvProblem(t, f.b.Device())
		args := cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu)

		for _, dt := range []dnn.DataType{dnn.Half, dnn.Double, dnn.Int8} {
			assert.False(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dt, args, nil), dt.String())
		}
		assert.Equal(t, 0, f.b.Calls("CreateFusionPlan"))
	})

	t.Run("profiling records the elapsed time", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		ops, bufs := newConvProblem(t, f.b.Device())
		profile := dnn.NewProfileResult()

		require.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu), profile))
		assert.Less(t, profile.ElapsedTimeMs, float32(math.MaxFloat32))
	})

	t.Run("timer failure only skips timing", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		ops, bufs := newConvProblem(t, f.b.Device())
		f.b.HostExecutor().TimerErr = errors.New("no events left")
		profile := dnn.NewProfileResult()

		require.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu), profile))
		assert.Equal(t, float32(math.MaxFloat32), profile.ElapsedTimeMs)
		assert.Equal(t, 1, f.b.Calls("ExecuteFusionPlan"))
	})

	t.Run("execution failure", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		ops, bufs := newConvProblem(t, f.b.Device())
		args := cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu)
		f.b.Fail("ExecuteFusionPlan", provider.StatusInternalError)
		defer f.b.Fail("ExecuteFusionPlan", provider.StatusSuccess)

		profile := dnn.NewProfileResult()
		assert.True(t, f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, args, profile))
		assert.Equal(t, float32(math.MaxFloat32), profile.ElapsedTimeMs)

		assert.Panics(t, func() {
			f.s.DoFusedConvolutionBiasActivation(f.stream, dnn.Float, args, nil)
		})
		assert.Equal(t, int32(0), f.b.HostExecutor().Active())
	})
}

func TestFusedConvolutionCompilesOnceUnderContention(t *testing.T) {
	f := newFixture(t, defaultDNN(), hostsim.Options{CompileDelay: 20 * time.Millisecond})
	ops, bufs := newConvProblem(t, f.b.Device())
	args := cbaArgs(t, f.b.Device(), ops, bufs, dnn.ActivationRelu)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := f.b.NewHostStream()
			if f.s.DoFusedConvolutionBiasActivation(stream, dnn.Float, args, nil) {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), ok.Load())
	assert.Equal(t, 1, f.b.Calls("CompileFusionPlan"))
	assert.Equal(t, 8, f.b.Calls("ExecuteFusionPlan"))
	assert.Equal(t, 1, f.s.FusionPlans().Len())
}

func TestFusionPlansArePerHandle(t *testing.T) {
	b := newBackend(t, hostsim.Options{})
	ops, bufs := newConvProblem(t, b.Device())
	args := cbaArgs(t, b.Device(), ops, bufs, dnn.ActivationRelu)

	for i := 0; i < 2; i++ {
		s, err := New(b, b.Executor(), defaultDNN(), fatalLogger(t))
		require.NoError(t, err)
		require.True(t, s.DoFusedConvolutionBiasActivation(b.NewHostStream(), dnn.Float, args, nil))
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 2, b.Calls("CompileFusionPlan"))
}

type batchNormBuffers struct {
	x, scale, offset, mean, variance, savedMean, savedInvVariance, y dnn.DeviceMemory
}

func newBatchNormBuffers(t *testing.T, f *fixture, x, so dnn.BatchDescriptor) batchNormBuffers {
	n, c := x.ElementCount(), so.ElementCount()
	return batchNormBuffers{
		x:                f.floats(t, n),
		scale:            f.floats(t, c),
		offset:           f.floats(t, c),
		mean:             f.floats(t, c),
		variance:         f.floats(t, c),
		savedMean:        f.floats(t, c),
		savedInvVariance: f.floats(t, c),
		y:                f.floats(t, n),
	}
}

func TestFusedBatchNormActivation(t *testing.T) {
	xd := dnn.NewBatchDescriptor(2, 4, 3, 3)
	sod := dnn.NewBatchDescriptor(1, 4, 1, 1)

	t.Run("every flavor fuses", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newBatchNormBuffers(t, f, xd, sod)
		fwd := FusedBatchNormArgs{
			XDesc:            xd,
			X:                m.x,
			ScaleOffsetDesc:  sod,
			Scale:            m.scale,
			Offset:           m.offset,
			Mean:             m.mean,
			Variance:         m.variance,
			SavedMean:        m.savedMean,
			SavedInvVariance: m.savedInvVariance,
			Epsilon:          1e-3,
			Activation:       dnn.ActivationRelu,
			Y:                m.y,
		}
		require.True(t, f.s.DoFusedBatchNormActivationInference(f.stream, dnn.Float, dnn.Float, fwd, nil))
		require.True(t, f.s.DoFusedBatchNormActivationForward(f.stream, dnn.Float, dnn.Float, fwd, nil))

		bwd := FusedBatchNormBackwardArgs{
			YActBackpropDesc: xd,
			YActBackprop:     f.floats(t, xd.ElementCount()),
			YAct:             m.y,
			XDesc:            xd,
			X:                m.x,
			ScaleOffsetDesc:  sod,
			Scale:            m.scale,
			Offset:           m.offset,
			SavedMean:        m.savedMean,
			SavedInvVariance: m.savedInvVariance,
			Activation:       dnn.ActivationRelu,
			XBackprop:        f.floats(t, xd.ElementCount()),
			ScaleBackprop:    f.floats(t, sod.ElementCount()),
			OffsetBackprop:   f.floats(t, sod.ElementCount()),
		}
		require.True(t, f.s.DoFusedBatchNormActivationBackward(f.stream, dnn.Float, dnn.Float, bwd, nil))

		assert.Equal(t, 3, f.s.FusionPlans().Len())
		assert.Equal(t, 3, f.b.Calls("CompileFusionPlan"))
		assert.Equal(t, 1, f.b.Calls("CreateOpBatchNormInference"))
		assert.Equal(t, 1, f.b.Calls("CreateOpBatchNormForward"))
		assert.Equal(t, 1, f.b.Calls("CreateOpBatchNormBackward"))
		assert.Equal(t, 1, f.b.Calls("CreateOpActivationBackward"))
	})

	t.Run("half data with float scale", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newBatchNormBuffers(t, f, xd, sod)
		args := FusedBatchNormArgs{
			XDesc: xd, X: m.x, ScaleOffsetDesc: sod,
			Scale: m.scale, Offset: m.offset, Mean: m.mean, Variance: m.variance,
			Activation: dnn.ActivationSigmoid, Y: m.y,
		}
		assert.True(t, f.s.DoFusedBatchNormActivationInference(f.stream, dnn.Half, dnn.Float, args, nil))
	})

	t.Run("unsupported type combinations", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newBatchNormBuffers(t, f, xd, sod)
		args := FusedBatchNormArgs{XDesc: xd, X: m.x, ScaleOffsetDesc: sod, Y: m.y}
		assert.False(t, f.s.DoFusedBatchNormActivationInference(f.stream, dnn.Int8, dnn.Float, args, nil))
		assert.False(t, f.s.DoFusedBatchNormActivationForward(f.stream, dnn.Float, dnn.Half, args, nil))
		assert.False(t, f.s.DoFusedBatchNormActivationBackward(f.stream, dnn.Double, dnn.Float, FusedBatchNormBackwardArgs{}, nil))
		assert.Equal(t, 0, f.b.Calls("CreateFusionPlan"))
	})

	t.Run("refused plan falls back", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{RefuseFusion: refuseTanh})
		m := newBatchNormBuffers(t, f, xd, sod)
		args := FusedBatchNormArgs{
			XDesc: xd, X: m.x, ScaleOffsetDesc: sod,
			Scale: m.scale, Offset: m.offset, Mean: m.mean, Variance: m.variance,
			Activation: dnn.ActivationTanh, Y: m.y,
		}
		assert.False(t, f.s.DoFusedBatchNormActivationInference(f.stream, dnn.Float, dnn.Float, args, nil))
		assert.False(t, f.s.DoFusedBatchNormActivationInference(f.stream, dnn.Float, dnn.Float, args, nil))
		assert.Equal(t, 1, f.b.Calls("CompileFusionPlan"))
	})
}
