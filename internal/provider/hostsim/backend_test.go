package hostsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

func newInitialized(t *testing.T, opts Options) (*Backend, provider.Handle) {
	t.Helper()
	b := New(zap.NewNop(), opts)
	require.NoError(t, b.Initialize())
	h, st := b.CreateWithStream(0)
	require.True(t, st.OK())
	return b, h
}

func tensorDesc(t *testing.T, b *Backend, dt provider.DataType, dims ...int) provider.TensorDesc {
	t.Helper()
	d, st := b.CreateTensorDescriptor()
	require.True(t, st.OK())
	require.True(t, b.SetTensorDescriptor(d, dt, dims, nil).OK())
	return d
}

func TestBackendHandles(t *testing.T) {
	b := New(zap.NewNop(), Options{})

	_, st := b.CreateWithStream(0)
	assert.Equal(t, provider.StatusNotInitialized, st)

	require.NoError(t, b.Initialize())
	h, st := b.CreateWithStream(7)
	require.True(t, st.OK())
	assert.Equal(t, provider.StreamHandle(7), b.BoundStream(h))

	require.True(t, b.SetStream(h, 9).OK())
	assert.Equal(t, provider.StreamHandle(9), b.BoundStream(h))
	assert.Equal(t, provider.StatusBadParm, b.SetStream(h+100, 1))

	v, st := b.GetVersion()
	require.True(t, st.OK())
	assert.Equal(t, dnn.VersionInfo{Major: 1, Minor: 3, Patch: 0}, v)

	require.True(t, b.Destroy(h).OK())
	assert.Equal(t, provider.StatusBadParm, b.Destroy(h))
	assert.Equal(t, 0, b.Live()["handle"])
}

func TestBackendFailureInjection(t *testing.T) {
	b, h := newInitialized(t, Options{})

	b.Fail("SetStream", provider.StatusInternalError)
	assert.Equal(t, provider.StatusInternalError, b.SetStream(h, 1))
	assert.Equal(t, 1, b.Calls("SetStream"))

	b.Fail("SetStream", provider.StatusSuccess)
	assert.True(t, b.SetStream(h, 1).OK())
	assert.Equal(t, 2, b.Calls("SetStream"))
}

func TestTensorDescriptors(t *testing.T) {
	b := New(zap.NewNop(), Options{})

	d := tensorDesc(t, b, provider.Float, 2, 3, 4, 5)
	dt, dims, strides, st := b.GetTensorDescriptor(d)
	require.True(t, st.OK())
	assert.Equal(t, provider.Float, dt)
	assert.Equal(t, []int{2, 3, 4, 5}, dims)
	assert.Equal(t, []int{60, 20, 5, 1}, strides)

	t.Run("rejects bad dims", func(t *testing.T) {
		assert.Equal(t, provider.StatusBadParm, b.SetTensorDescriptor(d, provider.Float, []int{1, 0}, nil))
		assert.Equal(t, provider.StatusBadParm, b.SetTensorDescriptor(d, provider.Float, []int{1, 2}, []int{1}))
	})

	require.True(t, b.DestroyTensorDescriptor(d).OK())
	_, _, _, st = b.GetTensorDescriptor(d)
	assert.Equal(t, provider.StatusBadParm, st)
}

func convSetup(t *testing.T, b *Backend) provider.ConvDescriptors {
	t.Helper()
	conv, st := b.CreateConvolutionDescriptor()
	require.True(t, st.OK())
	require.True(t, b.InitConvolutionNdDescriptor(conv, []int{1, 1}, []int{1, 1}, []int{1, 1}, provider.ConvolutionMode).OK())
	in := tensorDesc(t, b, provider.Float, 1, 3, 8, 8)
	filter := tensorDesc(t, b, provider.Float, 4, 3, 3, 3)
	dims, st := b.GetConvolutionNdForwardOutputDim(conv, in, filter)
	require.True(t, st.OK())
	require.Equal(t, []int{1, 4, 8, 8}, dims)
	out := tensorDesc(t, b, provider.Float, dims...)
	return provider.ConvDescriptors{Input: in, Filter: filter, Conv: conv, Output: out}
}

func TestConvolutionSolutions(t *testing.T) {
	b, h := newInitialized(t, Options{SolutionCount: 3, WorkspaceSize: 2048})
	d := convSetup(t, b)

	n, st := b.ConvolutionForwardGetSolutionCount(h, d)
	require.True(t, st.OK())
	assert.Equal(t, 3, n)

	sols, st := b.ConvolutionForwardGetSolution(h, d, n)
	require.True(t, st.OK())
	require.Len(t, sols, 3)
	assert.Equal(t, uint64(10), sols[0].SolutionID)
	assert.Equal(t, uint64(2048), sols[2].WorkspaceSize)

	assert.True(t, b.ConvolutionForwardCompileSolution(h, d, sols[1].SolutionID).OK())
	assert.Equal(t, provider.StatusBadParm, b.ConvolutionForwardCompileSolution(h, d, 999))

	bwd, st := b.ConvolutionBackwardDataGetSolution(h, d, 1)
	require.True(t, st.OK())
	require.Len(t, bwd, 1)
	assert.Equal(t, uint64(110), bwd[0].SolutionID)
}

func TestFindConvolution(t *testing.T) {
	b, h := newInitialized(t, Options{WorkspaceSize: 4096})
	d := convSetup(t, b)
	dev := b.Device()
	alloc := func(n uint64) dnn.DeviceMemory {
		m, err := dev.Allocate(n)
		require.NoError(t, err)
		return m
	}
	buf := dnn.ConvolutionBuffers{Input: alloc(768), Filter: alloc(432), Output: alloc(1024)}

	perf, st := b.FindConvolutionBackwardWeightsAlgorithm(h, d, buf, 1, alloc(1024), false)
	require.True(t, st.OK())
	require.Len(t, perf, 1)
	assert.Equal(t, int64(provider.ConvAlgoDirect), perf[0].BwdWeightsAlgo)
	assert.Equal(t, uint64(1024), perf[0].Memory)

	_, st = b.FindConvolutionForwardAlgorithm(h, d, dnn.ConvolutionBuffers{}, 1, dnn.DeviceMemory{}, false)
	assert.Equal(t, provider.StatusBadParm, st)
}

func TestFusionPlanLifecycle(t *testing.T) {
	refuse := func(info FusionPlanInfo) bool { return info.Activation == provider.ActivationTANH }
	b, h := newInitialized(t, Options{RefuseFusion: refuse})

	in := tensorDesc(t, b, provider.Float, 1, 3, 8, 8)
	build := func(mode provider.ActivationMode) provider.FusionPlan {
		p, st := b.CreateFusionPlan(provider.VerticalFusion, in)
		require.True(t, st.OK())
		_, st = b.CreateOpActivationForward(p, mode)
		require.True(t, st.OK())
		return p
	}

	t.Run("empty plan", func(t *testing.T) {
		p, st := b.CreateFusionPlan(provider.VerticalFusion, in)
		require.True(t, st.OK())
		assert.Equal(t, provider.StatusBadParm, b.CompileFusionPlan(h, p))
		require.True(t, b.DestroyFusionPlan(p).OK())
	})

	t.Run("refused", func(t *testing.T) {
		p := build(provider.ActivationTANH)
		assert.Equal(t, provider.StatusNotImplemented, b.CompileFusionPlan(h, p))
		assert.Equal(t, provider.StatusInvalidValue, b.ExecuteFusionPlan(h, p, in, dnn.DeviceMemory{Addr: 1}, in, dnn.DeviceMemory{Addr: 2}, 0))
	})

	t.Run("execute requires args", func(t *testing.T) {
		p := build(provider.ActivationRELU)
		require.True(t, b.CompileFusionPlan(h, p).OK())
		op, st := b.FusionPlanGetOp(p, 0)
		require.True(t, st.OK())
		args, st := b.CreateOperatorArgs()
		require.True(t, st.OK())

		x, y := dnn.DeviceMemory{Addr: 1}, dnn.DeviceMemory{Addr: 2}
		assert.Equal(t, provider.StatusBadParm, b.ExecuteFusionPlan(h, p, in, x, in, y, args))
		require.True(t, b.SetOpArgsActivForward(args, op, 1, 0, 0, 0, 0).OK())
		assert.True(t, b.ExecuteFusionPlan(h, p, in, x, in, y, args).OK())
		assert.Equal(t, provider.StatusBadParm, b.SetOpArgsBiasForward(args, op, 1, 0, x))
	})
}

func TestPoolingForwardComputes(t *testing.T) {
	b, h := newInitialized(t, Options{})
	dev := b.Device()

	pd, st := b.CreatePoolingDescriptor()
	require.True(t, st.OK())
	require.True(t, b.SetNdPoolingDescriptor(pd, provider.PoolingMax, []int{2, 2}, []int{0, 0}, []int{2, 2}).OK())
	require.True(t, b.SetPoolingIndexType(pd, provider.IndexUint32).OK())

	xd := tensorDesc(t, b, provider.Float, 1, 1, 2, 4)
	yd := tensorDesc(t, b, provider.Float, 1, 1, 1, 2)
	ws, st := b.PoolingGetWorkSpaceSizeV2(pd, yd)
	require.True(t, st.OK())
	assert.Equal(t, uint64(8), ws)

	x, err := dev.Allocate(32)
	require.NoError(t, err)
	y, err := dev.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(x, dnn.Float, []float32{1, 5, 2, 3, 4, 0, 8, 7}))

	args := provider.PoolingArgs{XDesc: xd, X: x, YDesc: yd, Y: y}
	assert.Equal(t, provider.StatusBadParm, b.PoolingForward(h, pd, 1, 0, args, true))
	require.True(t, b.PoolingForward(h, pd, 1, 0, args, false).OK())

	got, err := dev.Download(y, dnn.Float, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 8}, got)
}

func TestRNNParamsSize(t *testing.T) {
	b, h := newInitialized(t, Options{})
	d, st := b.CreateRNNDescriptor()
	require.True(t, st.OK())
	require.True(t, b.SetRNNDescriptor(d, 4, 1, provider.RNNLinear, provider.RNNUnidirection, provider.LSTM, provider.RNNWithBias, provider.RNNDefault, provider.Float).OK())

	x := tensorDesc(t, b, provider.Float, 1, 3)
	size, st := b.GetRNNParamsSize(h, d, x, provider.Float)
	require.True(t, st.OK())
	// 4 gates: 4*4*4 recurrent + 4*4*3 input + 2*4*4 bias
	assert.Equal(t, uint64((64+48+32)*4), size)

	w, st := b.CreateTensorDescriptor()
	require.True(t, st.OK())
	require.True(t, b.GetRNNParamsDescriptor(h, d, x, w, provider.Float).OK())
	_, dims, _, st := b.GetTensorDescriptor(w)
	require.True(t, st.OK())
	assert.Equal(t, []int{144}, dims)
}

func TestDeviceAndAllocator(t *testing.T) {
	dev := NewDevice(1024)
	m, err := dev.Allocate(1000)
	require.NoError(t, err)
	_, err = dev.Allocate(100)
	assert.ErrorContains(t, err, "out of device memory")
	dev.Free(m)
	assert.Zero(t, dev.InUse())

	a := NewAllocator(dev, 512)
	_, err = a.AllocateBytes(600)
	assert.Error(t, err)
	_, err = a.AllocateBytes(256)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Allocations())
	a.Release()
	assert.Zero(t, dev.InUse())

	t.Run("half round trip", func(t *testing.T) {
		m, err := dev.Allocate(8)
		require.NoError(t, err)
		require.NoError(t, dev.Upload(m, dnn.Half, []float32{1.5, -2, 0.25, 1024}))
		got, err := dev.Download(m, dnn.Half, 4)
		require.NoError(t, err)
		assert.Equal(t, []float32{1.5, -2, 0.25, 1024}, got)
	})

	t.Run("stream", func(t *testing.T) {
		s := NewStream(1, dev)
		tmp, err := s.AllocateTemporary(16)
		require.NoError(t, err)
		require.NoError(t, s.MemZero(tmp.Memory(), 16))
		require.NoError(t, s.Synchronize())
		assert.Equal(t, int64(1), s.Syncs())
		tmp.Free()
		tmp.Free()
		assert.False(t, dev.Live(tmp.Memory()))
	})
}
