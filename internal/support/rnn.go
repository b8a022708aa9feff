package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// RnnOptions configure CreateRnnDescriptor.
type RnnOptions struct {
	NumLayers  int
	HiddenSize int
	InputSize  int
	// CellSize larger than HiddenSize asks for a projection layer, which
	// the provider cannot run.
	CellSize      int
	BatchSize     int
	InputMode     dnn.RnnInputMode
	DirectionMode dnn.RnnDirectionMode
	Mode          dnn.RnnMode
	DataType      dnn.DataType
	Algorithm     dnn.AlgorithmConfig
	UsePaddedIO   bool
}

// RnnDescriptor owns a provider RNN descriptor and its packed parameter
// descriptor.
type RnnDescriptor struct {
	s          *Support
	handle     provider.RNNDesc
	params     provider.TensorDesc
	paramsSize uint64
	opts       RnnOptions
	dtype      provider.DataType
	mode       provider.RNNMode
}

func (s *Support) rnnDataType(dt dnn.DataType) (provider.DataType, error) {
	if dt != dnn.Float && dt != dnn.Half {
		return 0, newError(KindInvalidArgument, "unsupported RNN data type: %s", dt)
	}
	return toProviderDataType(s.log, dt), nil
}

func (s *Support) CreateRnnDescriptor(opts RnnOptions) (*RnnDescriptor, error) {
	if opts.UsePaddedIO {
		return nil, newError(KindInvalidArgument, "ROCm MIOpen only supports packed input output.")
	}
	if opts.CellSize != 0 && opts.HiddenSize < opts.CellSize {
		return nil, newError(KindInvalidArgument, "ROCm MIOpen does not support RNN ProjectionLayers yet.")
	}
	dt, err := s.rnnDataType(opts.DataType)
	if err != nil {
		return nil, err
	}

	r := &RnnDescriptor{s: s, opts: opts, dtype: dt}
	inputMode := provider.RNNLinear
	if opts.InputMode == dnn.RnnSkipInput {
		inputMode = provider.RNNSkip
	}
	dir := provider.RNNUnidirection
	if opts.DirectionMode == dnn.RnnBidirectional {
		dir = provider.RNNBidirection
	}
	switch opts.Mode {
	case dnn.RnnRelu:
		r.mode = provider.RNNRELU
	case dnn.RnnTanh:
		r.mode = provider.RNNTANH
	case dnn.RnnLstm:
		r.mode = provider.LSTM
	case dnn.RnnGru:
		r.mode = provider.GRU
	default:
		return nil, newError(KindInvalidArgument, "invalid RNN mode: %d", opts.Mode)
	}

	h, st := s.p.CreateRNNDescriptor()
	if failed(st, "CreateRNNDescriptor") {
		return nil, statusError(KindInternal, st, "Unable to create RNN descriptor")
	}
	r.handle = h
	st = s.p.SetRNNDescriptor(h, opts.HiddenSize, opts.NumLayers, inputMode, dir, r.mode, provider.RNNWithBias, provider.RNNDefault, dt)
	if failed(st, "SetRNNDescriptor") {
		r.Close()
		return nil, statusError(KindInternal, st, "Unable to update RNN descriptor")
	}
	if err := r.initParams(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// initParams sizes the packed parameters against a [1, input] dummy input
// and creates the descriptor the provider fills in for them.
func (r *RnnDescriptor) initParams() error {
	s := r.s
	x, st := s.p.CreateTensorDescriptor()
	if failed(st, "CreateTensorDescriptor") {
		return statusError(KindInternal, st, "MIOpen fails to create tensor descriptor")
	}
	defer func() {
		must(s.log, s.p.DestroyTensorDescriptor(x), "DestroyTensorDescriptor")
	}()
	if st := s.p.SetTensorDescriptor(x, r.dtype, []int{1, r.opts.InputSize}, nil); failed(st, "SetTensorDescriptor") {
		return statusError(KindInternal, st, "MIOpen fails to set tensor descriptor")
	}

	gh := s.acquire(nil)
	defer gh.Release()
	size, st := s.p.GetRNNParamsSize(gh.Handle(), r.handle, x, r.dtype)
	if failed(st, "GetRNNParamsSize") {
		return statusError(KindInternal, st, "MIOpen fails to get RNN parameter size")
	}
	r.paramsSize = size

	w, st := s.p.CreateTensorDescriptor()
	if failed(st, "CreateTensorDescriptor") {
		return statusError(KindInternal, st, "MIOpen fails to create RNN params descriptor")
	}
	r.params = w
	if st := s.p.GetRNNParamsDescriptor(gh.Handle(), r.handle, x, w, r.dtype); failed(st, "GetRNNParamsDescriptor") {
		return statusError(KindInternal, st, "MIOpen fails to update RNN filter descriptor")
	}
	return nil
}

func (r *RnnDescriptor) Close() {
	if r.params != 0 {
		must(r.s.log, r.s.p.DestroyTensorDescriptor(r.params), "DestroyTensorDescriptor")
		r.params = 0
	}
	if r.handle != 0 {
		must(r.s.log, r.s.p.DestroyRNNDescriptor(r.handle), "DestroyRNNDescriptor")
		r.handle = 0
	}
}

func (r *RnnDescriptor) ParamsSizeInBytes() uint64 { return r.paramsSize }

// RegionCountPerLayer is the number of weight matrices per layer for the
// cell type.
func (r *RnnDescriptor) RegionCountPerLayer() int {
	switch r.mode {
	case provider.RNNRELU, provider.RNNTANH:
		return 2
	case provider.LSTM:
		return 8
	case provider.GRU:
		return 6
	}
	r.s.log.Fatal("invalid RNN mode", zap.Int("mode", int(r.mode)))
	return 0
}

func (r *RnnDescriptor) dirCount() int {
	if r.opts.DirectionMode == dnn.RnnBidirectional {
		return 2
	}
	return 1
}

// RnnSequenceTensorDescriptor describes seqLength steps of [batch, data].
// Every step shares one provider descriptor.
type RnnSequenceTensorDescriptor struct {
	s         *Support
	handle    provider.TensorDesc
	seqLength int
	batchSize int
	dataSize  int
}

func (s *Support) CreateRnnSequenceTensorDescriptor(seqLength, batchSize, dataSize int, dt dnn.DataType) (*RnnSequenceTensorDescriptor, error) {
	if seqLength <= 0 {
		err := newError(KindUnknown, "sequence length must be positive: %d", seqLength)
		s.log.Error(err.Msg)
		return nil, err
	}
	pdt, err := s.rnnDataType(dt)
	if err != nil {
		return nil, err
	}
	h, st := s.p.CreateTensorDescriptor()
	if failed(st, "CreateTensorDescriptor") {
		return nil, statusError(KindInternal, st, "Failed to create tensor descriptor")
	}
	if st := s.p.SetTensorDescriptor(h, pdt, []int{batchSize, dataSize}, nil); failed(st, "SetTensorDescriptor") {
		must(s.log, s.p.DestroyTensorDescriptor(h), "DestroyTensorDescriptor")
		return nil, statusError(KindInternal, st, "Failed to update tensor descriptor")
	}
	return &RnnSequenceTensorDescriptor{s: s, handle: h, seqLength: seqLength, batchSize: batchSize, dataSize: dataSize}, nil
}

func (d *RnnSequenceTensorDescriptor) handles() []provider.TensorDesc {
	hs := make([]provider.TensorDesc, d.seqLength)
	for i := range hs {
		hs[i] = d.handle
	}
	return hs
}

func (d *RnnSequenceTensorDescriptor) Close() {
	must(d.s.log, d.s.p.DestroyTensorDescriptor(d.handle), "DestroyTensorDescriptor")
}

func (d *RnnSequenceTensorDescriptor) SeqLength() int { return d.seqLength }
func (d *RnnSequenceTensorDescriptor) BatchSize() int { return d.batchSize }
func (d *RnnSequenceTensorDescriptor) DataSize() int  { return d.dataSize }

// RnnStateTensorDescriptor describes a [layers, batch, data] hidden or cell
// state.
type RnnStateTensorDescriptor struct {
	s         *Support
	handle    provider.TensorDesc
	numLayers int
	batchSize int
	dataSize  int
}

func (s *Support) CreateRnnStateTensorDescriptor(numLayers, batchSize, dataSize int, dt dnn.DataType) (*RnnStateTensorDescriptor, error) {
	pdt, err := s.rnnDataType(dt)
	if err != nil {
		return nil, err
	}
	h, st := s.p.CreateTensorDescriptor()
	if failed(st, "CreateTensorDescriptor") {
		return nil, statusError(KindInternal, st, "Failed to create tensor descriptor")
	}
	if st := s.p.SetTensorDescriptor(h, pdt, []int{numLayers, batchSize, dataSize}, nil); failed(st, "SetTensorDescriptor") {
		must(s.log, s.p.DestroyTensorDescriptor(h), "DestroyTensorDescriptor")
		return nil, statusError(KindInternal, st, "Failed to update tensor descriptor")
	}
	return &RnnStateTensorDescriptor{s: s, handle: h, numLayers: numLayers, batchSize: batchSize, dataSize: dataSize}, nil
}

func (d *RnnStateTensorDescriptor) Close() {
	must(d.s.log, d.s.p.DestroyTensorDescriptor(d.handle), "DestroyTensorDescriptor")
}

func (d *RnnStateTensorDescriptor) sameShape(o *RnnStateTensorDescriptor) bool {
	return d.numLayers == o.numLayers && d.batchSize == o.batchSize && d.dataSize == o.dataSize
}

// RnnForwardArgs are the tensors of a forward RNN pass.
type RnnForwardArgs struct {
	Input   *RnnSequenceTensorDescriptor
	X       dnn.DeviceMemory
	InputH  *RnnStateTensorDescriptor
	HX      dnn.DeviceMemory
	InputC  *RnnStateTensorDescriptor
	CX      dnn.DeviceMemory
	Params  dnn.DeviceMemory
	Output  *RnnSequenceTensorDescriptor
	Y       dnn.DeviceMemory
	OutputH *RnnStateTensorDescriptor
	HY      dnn.DeviceMemory
	OutputC *RnnStateTensorDescriptor
	CY      dnn.DeviceMemory
}

// RnnBackwardArgs add the gradients of a backward RNN pass. DW may be nil,
// in which case weight gradients are skipped.
type RnnBackwardArgs struct {
	RnnForwardArgs
	DY           dnn.DeviceMemory
	DHY          dnn.DeviceMemory
	DCY          dnn.DeviceMemory
	DX           dnn.DeviceMemory
	DHX          dnn.DeviceMemory
	DCX          dnn.DeviceMemory
	DW           dnn.DeviceMemory
	ReserveSpace dnn.DeviceMemory
}

// checkShapes validates the state and output shapes against the model.
func (r *RnnDescriptor) checkShapes(a RnnForwardArgs) bool {
	log := r.s.log
	dirs := r.dirCount()
	switch {
	case a.InputH.numLayers != r.opts.NumLayers*dirs || a.InputH.batchSize != a.Input.batchSize || a.InputH.dataSize != r.opts.HiddenSize:
		log.Error("Invalid input_h shape")
	case !a.InputH.sameShape(a.InputC):
		log.Error("Invalid input_c shape")
	case a.Output.seqLength != a.Input.seqLength || a.Output.batchSize != a.Input.batchSize || a.Output.dataSize != r.opts.HiddenSize*dirs:
		log.Error("Invalid output shape")
	case !a.InputH.sameShape(a.OutputH):
		log.Error("Invalid output_h shape")
	case !a.InputH.sameShape(a.OutputC):
		log.Error("Invalid output_c shape")
	default:
		return true
	}
	return false
}

func (r *RnnDescriptor) checkParamsSize(gh *GuardedHandle, input *RnnSequenceTensorDescriptor) bool {
	size, st := r.s.p.GetRNNParamsSize(gh.Handle(), r.handle, input.handle, r.dtype)
	if failed(st, "GetRNNParamsSize") {
		r.s.log.Error("Unable to check RNN param size", zap.Stringer("status", st))
		return false
	}
	return size == r.paramsSize
}

// scratch allocates size bytes from allocator and zeroes them on stream.
func (s *Support) zeroedScratch(stream provider.Stream, allocator provider.ScratchAllocator, size uint64, what string) (dnn.DeviceMemory, bool) {
	if size == 0 {
		return dnn.DeviceMemory{}, true
	}
	if allocator == nil {
		s.log.Error("no allocator for RNN "+what, zap.Uint64("size", size))
		return dnn.DeviceMemory{}, false
	}
	mem, err := allocator.AllocateBytes(size)
	if err != nil || mem.IsNil() {
		s.log.Error("Failed to allocate RNN "+what, zap.Uint64("size", size), zap.Error(err))
		return dnn.DeviceMemory{}, false
	}
	if err := stream.MemZero(mem, size); err != nil {
		s.log.Error("Failed to zero RNN "+what, zap.Error(err))
		return dnn.DeviceMemory{}, false
	}
	return mem, true
}

func (r *RnnDescriptor) workspace(gh *GuardedHandle, stream provider.Stream, input *RnnSequenceTensorDescriptor,
	allocator provider.ScratchAllocator) (dnn.DeviceMemory, bool) {
	size, st := r.s.p.GetRNNWorkspaceSize(gh.Handle(), r.handle, input.seqLength, input.handles())
	if failed(st, "GetRNNWorkspaceSize") {
		r.s.log.Error("Unable to query workspace size", zap.Stringer("status", st))
		return dnn.DeviceMemory{}, false
	}
	return r.s.zeroedScratch(stream, allocator, size, "workspace")
}

func (r *RnnDescriptor) algorithmDesc() dnn.AlgorithmDesc {
	if r.opts.Algorithm.Algorithm != nil {
		return *r.opts.Algorithm.Algorithm
	}
	return dnn.NewAlgorithmDesc(int64(provider.RNNDefault), false, 0)
}

func (s *Support) startTimer(stream provider.Stream) (provider.Timer, bool) {
	t, err := s.exec.NewTimer()
	if err == nil {
		err = t.Start(stream)
	}
	if err != nil {
		s.log.Error("Failed to start timer", zap.Error(err))
		return nil, false
	}
	return t, true
}

// DoRnnForward runs inference or, when training, a training pass whose
// reserve space is returned for the backward pass.
func (s *Support) DoRnnForward(stream provider.Stream, r *RnnDescriptor, a RnnForwardArgs, training bool,
	reserveAllocator, workspaceAllocator provider.ScratchAllocator, profile *dnn.ProfileResult) (dnn.DeviceMemory, bool) {
	if !r.checkShapes(a) {
		s.log.Error("Invalid parameters for RNN Model")
		return dnn.DeviceMemory{}, false
	}

	gh := s.acquire(stream)
	defer gh.Release()

	if !r.checkParamsSize(gh, a.Input) {
		s.log.Error("Invalid parameters")
		return dnn.DeviceMemory{}, false
	}
	workspace, ok := r.workspace(gh, stream, a.Input, workspaceAllocator)
	if !ok {
		s.log.Error("Unable to create rnn workspace")
		return dnn.DeviceMemory{}, false
	}
	var reserve dnn.DeviceMemory
	if training {
		size, st := s.p.GetRNNTrainingReserveSize(gh.Handle(), r.handle, a.Input.seqLength, a.Input.handles())
		if failed(st, "GetRNNTrainingReserveSize") {
			s.log.Error("Unable to query reserve space size", zap.Stringer("status", st))
			return dnn.DeviceMemory{}, false
		}
		if reserve, ok = s.zeroedScratch(stream, reserveAllocator, size, "reserve space"); !ok {
			return dnn.DeviceMemory{}, false
		}
	}

	var timer provider.Timer
	if profile != nil {
		if timer, ok = s.startTimer(stream); !ok {
			return dnn.DeviceMemory{}, false
		}
		defer timer.Destroy()
	}

	args := provider.RNNForwardArgs{
		SeqLength:    a.Input.seqLength,
		XDescs:       a.Input.handles(),
		X:            a.X,
		HXDesc:       a.InputH.handle,
		HX:           a.HX,
		CXDesc:       a.InputC.handle,
		CX:           a.CX,
		WDesc:        r.params,
		W:            a.Params,
		YDescs:       a.Output.handles(),
		Y:            a.Y,
		HYDesc:       a.OutputH.handle,
		HY:           a.HY,
		CYDesc:       a.OutputC.handle,
		CY:           a.CY,
		Workspace:    workspace,
		ReserveSpace: reserve,
	}
	if training {
		if st := s.p.RNNForwardTraining(gh.Handle(), r.handle, args); failed(st, "RNNForwardTraining") {
			s.log.Error("Failed to call miopenRNNForwardTraining", zap.Stringer("status", st))
			return dnn.DeviceMemory{}, false
		}
	} else {
		if st := s.p.RNNForwardInference(gh.Handle(), r.handle, args); failed(st, "RNNForwardInference") {
			s.log.Error("Failed to call miopenRNNForwardInference", zap.Stringer("status", st))
			return dnn.DeviceMemory{}, false
		}
	}

	if timer != nil {
		if err := timer.Stop(stream); err != nil {
			s.log.Error("Failed to stop timer", zap.Error(err))
			return dnn.DeviceMemory{}, false
		}
		profile.SetAlgorithm(r.algorithmDesc())
		profile.SetElapsedTimeMs(timer.ElapsedMilliseconds())
	}
	return reserve, true
}

func (s *Support) DoRnnBackward(stream provider.Stream, r *RnnDescriptor, a RnnBackwardArgs,
	workspaceAllocator provider.ScratchAllocator, profile *dnn.ProfileResult) bool {
	if !r.checkShapes(a.RnnForwardArgs) {
		s.log.Error("Invalid parameters for RNN Model")
		return false
	}

	gh := s.acquire(stream)
	defer gh.Release()

	if !r.checkParamsSize(gh, a.Input) {
		s.log.Error("Invalid parameters")
		return false
	}
	workspace, ok := r.workspace(gh, stream, a.Input, workspaceAllocator)
	if !ok {
		s.log.Error("Unable to create rnn workspace")
		return false
	}

	// the provider does not initialize the input gradients
	elem := uint64(r.dtype.Size())
	for _, z := range []struct {
		mem  dnn.DeviceMemory
		size uint64
	}{
		{a.DX, uint64(a.Input.seqLength*a.Input.batchSize*a.Input.dataSize) * elem},
		{a.DHX, uint64(a.InputH.numLayers*a.InputH.batchSize*a.InputH.dataSize) * elem},
		{a.DCX, uint64(a.InputC.numLayers*a.InputC.batchSize*a.InputC.dataSize) * elem},
	} {
		if z.size == 0 || z.mem.IsNil() {
			continue
		}
		if err := stream.MemZero(z.mem, z.size); err != nil {
			s.log.Error("Failed to zero RNN gradient", zap.Error(err))
			return false
		}
	}

	var timer provider.Timer
	if profile != nil {
		if timer, ok = s.startTimer(stream); !ok {
			return false
		}
		defer timer.Destroy()
	}

	st := s.p.RNNBackwardData(gh.Handle(), r.handle, provider.RNNBackwardDataArgs{
		SeqLength:    a.Input.seqLength,
		YDescs:       a.Output.handles(),
		Y:            a.Y,
		DYDescs:      a.Output.handles(),
		DY:           a.DY,
		DHYDesc:      a.OutputH.handle,
		DHY:          a.DHY,
		DCYDesc:      a.OutputC.handle,
		DCY:          a.DCY,
		WDesc:        r.params,
		W:            a.Params,
		HXDesc:       a.InputH.handle,
		HX:           a.HX,
		CXDesc:       a.InputC.handle,
		CX:           a.CX,
		DXDescs:      a.Input.handles(),
		DX:           a.DX,
		DHXDesc:      a.InputH.handle,
		DHX:          a.DHX,
		DCXDesc:      a.InputC.handle,
		DCX:          a.DCX,
		Workspace:    workspace,
		ReserveSpace: a.ReserveSpace,
	})
	if failed(st, "RNNBackwardData") {
		s.log.Error("Failed to call miopenRNNBackwardData", zap.Stringer("status", st))
		return false
	}

	if !a.DW.IsNil() {
		if err := stream.MemZero(a.DW, a.DW.Size); err != nil {
			s.log.Error("Failed to zero RNN weight gradient", zap.Error(err))
			return false
		}
		st = s.p.RNNBackwardWeights(gh.Handle(), r.handle, provider.RNNBackwardWeightsArgs{
			SeqLength:    a.Input.seqLength,
			XDescs:       a.Input.handles(),
			X:            a.X,
			HXDesc:       a.InputH.handle,
			HX:           a.HX,
			YDescs:       a.Output.handles(),
			Y:            a.Y,
			DWDesc:       r.params,
			DW:           a.DW,
			Workspace:    workspace,
			ReserveSpace: a.ReserveSpace,
		})
		if failed(st, "RNNBackwardWeights") {
			s.log.Error("Failed to call miopenRNNBackwardWeights", zap.Stringer("status", st))
			return false
		}
	}

	if timer != nil {
		if err := timer.Stop(stream); err != nil {
			s.log.Error("Failed to stop timer", zap.Error(err))
			return false
		}
		profile.SetAlgorithm(r.algorithmDesc())
		profile.SetElapsedTimeMs(timer.ElapsedMilliseconds())
	}
	return true
}

// GetRnnAlgorithms lists the RNN algorithms the provider offers, which is
// only its default.
func (s *Support) GetRnnAlgorithms() []dnn.AlgorithmDesc {
	return []dnn.AlgorithmDesc{dnn.NewAlgorithmDesc(int64(provider.RNNDefault), false, 0)}
}
