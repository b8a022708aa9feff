package support

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/provider/hostsim"
)

const (
	rnnSeq    = 5
	rnnBatch  = 2
	rnnInput  = 3
	rnnHidden = 4
)

func lstmOptions() RnnOptions {
	return RnnOptions{
		NumLayers:  1,
		HiddenSize: rnnHidden,
		InputSize:  rnnInput,
		BatchSize:  rnnBatch,
		Mode:       dnn.RnnLstm,
		DataType:   dnn.Float,
	}
}

// rnnModel is a model with every tensor and buffer a forward and backward
// pass need.
type rnnModel struct {
	r    *RnnDescriptor
	args RnnBackwardArgs
}

func newRnnModel(t *testing.T, f *fixture, opts RnnOptions) *rnnModel {
	t.Helper()
	r, err := f.s.CreateRnnDescriptor(opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	dirs := 1
	if opts.DirectionMode == dnn.RnnBidirectional {
		dirs = 2
	}
	seq := func(data int) *RnnSequenceTensorDescriptor {
		d, err := f.s.CreateRnnSequenceTensorDescriptor(rnnSeq, rnnBatch, data, opts.DataType)
		require.NoError(t, err)
		t.Cleanup(d.Close)
		return d
	}
	state := func() *RnnStateTensorDescriptor {
		d, err := f.s.CreateRnnStateTensorDescriptor(opts.NumLayers*dirs, rnnBatch, opts.HiddenSize, opts.DataType)
		require.NoError(t, err)
		t.Cleanup(d.Close)
		return d
	}
	elem := opts.DataType.Size()
	inputBytes := uint64(rnnSeq * rnnBatch * opts.InputSize * elem)
	outputBytes := uint64(rnnSeq * rnnBatch * opts.HiddenSize * dirs * elem)
	stateBytes := uint64(opts.NumLayers * dirs * rnnBatch * opts.HiddenSize * elem)

	h := state()
	fwd := RnnForwardArgs{
		Input:   seq(opts.InputSize),
		X:       f.mem(t, inputBytes),
		InputH:  h,
		HX:      f.mem(t, stateBytes),
		InputC:  h,
		CX:      f.mem(t, stateBytes),
		Params:  f.mem(t, r.ParamsSizeInBytes()),
		Output:  seq(opts.HiddenSize * dirs),
		Y:       f.mem(t, outputBytes),
		OutputH: h,
		HY:      f.mem(t, stateBytes),
		OutputC: h,
		CY:      f.mem(t, stateBytes),
	}
	return &rnnModel{r: r, args: RnnBackwardArgs{
		RnnForwardArgs: fwd,
		DY:             f.mem(t, outputBytes),
		DHY:            f.mem(t, stateBytes),
		DCY:            f.mem(t, stateBytes),
		DX:             f.mem(t, inputBytes),
		DHX:            f.mem(t, stateBytes),
		DCX:            f.mem(t, stateBytes),
		DW:             f.mem(t, r.ParamsSizeInBytes()),
	}}
}

func TestCreateRnnDescriptor(t *testing.T) {
	t.Run("lstm", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		r, err := f.s.CreateRnnDescriptor(lstmOptions())
		require.NoError(t, err)
		// 4 gates of (4x4 recurrent + 4x3 input) weights plus two 4-wide biases
		assert.Equal(t, uint64((4*4*4+4*4*3+2*4*4)*4), r.ParamsSizeInBytes())
		assert.Equal(t, 8, r.RegionCountPerLayer())
		assert.Equal(t, 1, f.b.Live()["rnn"])

		r.Close()
		r.Close()
		assert.Equal(t, 0, f.b.Live()["rnn"])
		assert.Equal(t, 0, f.b.Live()["tensor"])
	})

	t.Run("regions per cell type", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		for mode, want := range map[dnn.RnnMode]int{
			dnn.RnnRelu: 2,
			dnn.RnnTanh: 2,
			dnn.RnnLstm: 8,
			dnn.RnnGru:  6,
		} {
			opts := lstmOptions()
			opts.Mode = mode
			r, err := f.s.CreateRnnDescriptor(opts)
			require.NoError(t, err)
			assert.Equal(t, want, r.RegionCountPerLayer())
			r.Close()
		}
	})

	t.Run("bidirectional doubles the parameters", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		uni, err := f.s.CreateRnnDescriptor(lstmOptions())
		require.NoError(t, err)
		defer uni.Close()
		opts := lstmOptions()
		opts.DirectionMode = dnn.RnnBidirectional
		bi, err := f.s.CreateRnnDescriptor(opts)
		require.NoError(t, err)
		defer bi.Close()
		assert.Equal(t, 2*uni.ParamsSizeInBytes(), bi.ParamsSizeInBytes())
	})

	t.Run("rejected options", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		padded := lstmOptions()
		padded.UsePaddedIO = true
		projected := lstmOptions()
		projected.CellSize = 8
		double := lstmOptions()
		double.DataType = dnn.Double

		for name, opts := range map[string]RnnOptions{"padded": padded, "projection": projected, "double": double} {
			_, err := f.s.CreateRnnDescriptor(opts)
			require.Error(t, err, name)
			assert.Equal(t, KindInvalidArgument, KindOf(err), name)
		}
		assert.Equal(t, 0, f.b.Calls("CreateRNNDescriptor"))
	})

	t.Run("provider failures are recoverable", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		f.b.Fail("SetRNNDescriptor", provider.StatusBadParm)
		_, err := f.s.CreateRnnDescriptor(lstmOptions())
		require.Error(t, err)
		assert.Equal(t, KindInternal, KindOf(err))
		assert.Contains(t, err.Error(), "Unable to update RNN descriptor")
		assert.Equal(t, 0, f.b.Live()["rnn"])

		f.b.Fail("SetRNNDescriptor", provider.StatusSuccess)
		f.b.Fail("GetRNNParamsSize", provider.StatusInternalError)
		_, err = f.s.CreateRnnDescriptor(lstmOptions())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parameter size")
		assert.Equal(t, 0, f.b.Live()["rnn"])
		assert.Equal(t, 0, f.b.Live()["tensor"])
		assert.Equal(t, int32(0), f.b.HostExecutor().Active())
	})
}

func TestRnnTensorDescriptors(t *testing.T) {
	f := newFixture(t, defaultDNN(), hostsim.Options{})

	d, err := f.s.CreateRnnSequenceTensorDescriptor(7, 2, 3, dnn.Half)
	require.NoError(t, err)
	assert.Equal(t, 7, d.SeqLength())
	assert.Equal(t, 2, d.BatchSize())
	assert.Equal(t, 3, d.DataSize())
	assert.Len(t, d.handles(), 7)
	d.Close()

	_, err = f.s.CreateRnnSequenceTensorDescriptor(0, 2, 3, dnn.Float)
	require.Error(t, err)
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Contains(t, err.Error(), "sequence length must be positive: 0")

	_, err = f.s.CreateRnnStateTensorDescriptor(1, 2, 3, dnn.Int8)
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	f.b.Fail("SetTensorDescriptor", provider.StatusBadParm)
	_, err = f.s.CreateRnnStateTensorDescriptor(1, 2, 3, dnn.Float)
	assert.Equal(t, KindInternal, KindOf(err))
	f.b.Fail("SetTensorDescriptor", provider.StatusSuccess)
	assert.Equal(t, 0, f.b.Live()["tensor"])
}

func TestDoRnnForward(t *testing.T) {
	t.Run("inference", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())

		reserve, ok := f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, false, nil, f.alloc, nil)
		require.True(t, ok)
		assert.True(t, reserve.IsNil())
		assert.Equal(t, 1, f.b.Calls("RNNForwardInference"))
		assert.Equal(t, 1, f.alloc.Allocations())
	})

	t.Run("training returns the reserve space", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		reserveAlloc := hostsim.NewAllocator(f.b.Device(), 0)
		defer reserveAlloc.Release()

		reserve, ok := f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, true, reserveAlloc, f.alloc, nil)
		require.True(t, ok)
		// seq·batch·hidden·gates floats, twice over
		assert.Equal(t, uint64(2*rnnSeq*rnnBatch*rnnHidden*4*4), reserve.Size)
		assert.Equal(t, 1, reserveAlloc.Allocations())
		assert.Equal(t, 1, f.b.Calls("RNNForwardTraining"))
	})

	t.Run("profiling", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		profile := dnn.NewProfileResult()

		_, ok := f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, false, nil, f.alloc, profile)
		require.True(t, ok)
		assert.True(t, profile.IsValid())
		assert.Equal(t, int64(provider.RNNDefault), profile.Algorithm.AlgoID)

		f.b.HostExecutor().TimerErr = errors.New("no events left")
		_, ok = f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, false, nil, f.alloc, dnn.NewProfileResult())
		assert.False(t, ok)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		wrong, err := f.s.CreateRnnStateTensorDescriptor(1, rnnBatch, rnnHidden+1, dnn.Float)
		require.NoError(t, err)
		defer wrong.Close()

		for name, mutate := range map[string]func(*RnnForwardArgs){
			"input_h":  func(a *RnnForwardArgs) { a.InputH = wrong },
			"input_c":  func(a *RnnForwardArgs) { a.InputC = wrong },
			"output_h": func(a *RnnForwardArgs) { a.OutputH = wrong },
			"output_c": func(a *RnnForwardArgs) { a.OutputC = wrong },
			"output":   func(a *RnnForwardArgs) { a.Output = a.Input },
		} {
			args := m.args.RnnForwardArgs
			mutate(&args)
			_, ok := f.s.DoRnnForward(f.stream, m.r, args, false, nil, f.alloc, nil)
			assert.False(t, ok, name)
		}
		assert.Equal(t, 0, f.b.Calls("RNNForwardInference"))
	})

	t.Run("parameter size mismatch", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		wider, err := f.s.CreateRnnSequenceTensorDescriptor(rnnSeq, rnnBatch, rnnInput+2, dnn.Float)
		require.NoError(t, err)
		defer wider.Close()

		args := m.args.RnnForwardArgs
		args.Input = wider
		_, ok := f.s.DoRnnForward(f.stream, m.r, args, false, nil, f.alloc, nil)
		assert.False(t, ok)
	})

	t.Run("missing workspace allocator", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		_, ok := f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, false, nil, nil, nil)
		assert.False(t, ok)
	})

	t.Run("provider failure is recoverable", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		f.b.Fail("RNNForwardTraining", provider.StatusInternalError)
		_, ok := f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, true, f.alloc, f.alloc, nil)
		assert.False(t, ok)
		assert.Equal(t, int32(0), f.b.HostExecutor().Active())
	})
}

func TestDoRnnBackward(t *testing.T) {
	train := func(t *testing.T, f *fixture, m *rnnModel) {
		t.Helper()
		reserve, ok := f.s.DoRnnForward(f.stream, m.r, m.args.RnnForwardArgs, true, f.alloc, f.alloc, nil)
		require.True(t, ok)
		m.args.ReserveSpace = reserve
	}

	t.Run("data and weights", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		train(t, f, m)

		dev := f.b.Device()
		n := rnnSeq * rnnBatch * rnnInput
		ones := make([]float32, n)
		for i := range ones {
			ones[i] = 1
		}
		require.NoError(t, dev.Upload(m.args.DX, dnn.Float, ones))
		require.NoError(t, dev.Upload(m.args.DW, dnn.Float, ones[:8]))

		profile := dnn.NewProfileResult()
		require.True(t, f.s.DoRnnBackward(f.stream, m.r, m.args, f.alloc, profile))
		assert.True(t, profile.IsValid())
		assert.Equal(t, 1, f.b.Calls("RNNBackwardData"))
		assert.Equal(t, 1, f.b.Calls("RNNBackwardWeights"))

		dx, err := dev.Download(m.args.DX, dnn.Float, n)
		require.NoError(t, err)
		assert.Equal(t, make([]float32, n), dx, "input gradients start from zero")
		dw, err := dev.Download(m.args.DW, dnn.Float, 8)
		require.NoError(t, err)
		assert.Equal(t, make([]float32, 8), dw)
	})

	t.Run("without weight gradients", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		train(t, f, m)
		m.args.DW = dnn.DeviceMemory{}

		require.True(t, f.s.DoRnnBackward(f.stream, m.r, m.args, f.alloc, nil))
		assert.Equal(t, 1, f.b.Calls("RNNBackwardData"))
		assert.Equal(t, 0, f.b.Calls("RNNBackwardWeights"))
	})

	t.Run("needs the reserve space", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		assert.False(t, f.s.DoRnnBackward(f.stream, m.r, m.args, f.alloc, nil))
		assert.Equal(t, 0, f.b.Calls("RNNBackwardWeights"))
	})

	t.Run("weights failure", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		m := newRnnModel(t, f, lstmOptions())
		train(t, f, m)
		f.b.Fail("RNNBackwardWeights", provider.StatusBadParm)
		assert.False(t, f.s.DoRnnBackward(f.stream, m.r, m.args, f.alloc, nil))
	})

	t.Run("gru bidirectional", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		opts := lstmOptions()
		opts.Mode = dnn.RnnGru
		opts.DirectionMode = dnn.RnnBidirectional
		opts.NumLayers = 2
		m := newRnnModel(t, f, opts)
		train(t, f, m)
		assert.True(t, f.s.DoRnnBackward(f.stream, m.r, m.args, f.alloc, nil))
	})
}

func TestGetRnnAlgorithms(t *testing.T) {
	f := newFixture(t, defaultDNN(), hostsim.Options{})
	algos := f.s.GetRnnAlgorithms()
	require.Len(t, algos, 1)
	assert.Equal(t, int64(provider.RNNDefault), algos[0].AlgoID)
	require.NotNil(t, algos[0].WorkspaceSize)
}
