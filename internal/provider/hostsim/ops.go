package hostsim

import (
	"math"
	"slices"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

func (b *Backend) CreatePoolingDescriptor() (provider.PoolingDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreatePoolingDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.PoolingDesc(b.alloc())
	b.pools[d] = &pooling{index: provider.IndexUint8}
	return d, provider.StatusSuccess
}

func (b *Backend) SetNdPoolingDescriptor(d provider.PoolingDesc, mode provider.PoolingMode, window, pad, stride []int) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetNdPoolingDescriptor"); !st.OK() {
		return st
	}
	p, ok := b.pools[d]
	if !ok || len(window) == 0 || len(window) != len(pad) || len(window) != len(stride) {
		return provider.StatusBadParm
	}
	for i := range window {
		if window[i] <= 0 || stride[i] <= 0 || pad[i] < 0 {
			return provider.StatusBadParm
		}
	}
	p.mode, p.window, p.pad, p.stride, p.set = mode, slices.Clone(window), slices.Clone(pad), slices.Clone(stride), true
	return provider.StatusSuccess
}

func (b *Backend) SetPoolingIndexType(d provider.PoolingDesc, t provider.IndexType) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetPoolingIndexType"); !st.OK() {
		return st
	}
	p, ok := b.pools[d]
	if !ok || t < provider.IndexUint8 || t > provider.IndexUint64 {
		return provider.StatusBadParm
	}
	p.index = t
	return provider.StatusSuccess
}

func (b *Backend) DestroyPoolingDescriptor(d provider.PoolingDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyPoolingDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.pools[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.pools, d)
	return provider.StatusSuccess
}

func indexSize(t provider.IndexType) uint64 {
	return 1 << uint(t)
}

// poolingWorkspace is the index buffer size for y. b.mu must be held.
func (b *Backend) poolingWorkspace(d provider.PoolingDesc, y provider.TensorDesc) (uint64, provider.Status) {
	p, ok := b.pools[d]
	if !ok || !p.set || !b.tensorOK(y) {
		return 0, provider.StatusBadParm
	}
	if p.mode != provider.PoolingMax {
		return 0, provider.StatusSuccess
	}
	return uint64(product(b.tensors[y].dims)) * indexSize(p.index), provider.StatusSuccess
}

func (b *Backend) PoolingGetWorkSpaceSizeV2(d provider.PoolingDesc, y provider.TensorDesc) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("PoolingGetWorkSpaceSizeV2"); !st.OK() {
		return 0, st
	}
	return b.poolingWorkspace(d, y)
}

func (b *Backend) PoolingForward(h provider.Handle, d provider.PoolingDesc, alpha, beta float32, args provider.PoolingArgs, doBackward bool) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("PoolingForward"); !st.OK() {
		return st
	}
	if !b.handleOK(h) || !b.tensorOK(args.XDesc) || !b.tensorOK(args.YDesc) || args.X.IsNil() || args.Y.IsNil() {
		return provider.StatusBadParm
	}
	ws, st := b.poolingWorkspace(d, args.YDesc)
	if !st.OK() {
		return st
	}
	if doBackward && args.Workspace.Size < ws {
		return provider.StatusBadParm
	}
	b.pool2D(b.pools[d], args, alpha, beta)
	return provider.StatusSuccess
}

func (b *Backend) PoolingBackward(h provider.Handle, d provider.PoolingDesc, _, _ float32, args provider.PoolingArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("PoolingBackward"); !st.OK() {
		return st
	}
	if !b.handleOK(h) || args.X.IsNil() || args.Y.IsNil() || args.DY.IsNil() || args.DX.IsNil() {
		return provider.StatusBadParm
	}
	for _, t := range []provider.TensorDesc{args.XDesc, args.YDesc, args.DYDesc, args.DXDesc} {
		if !b.tensorOK(t) {
			return provider.StatusBadParm
		}
	}
	ws, st := b.poolingWorkspace(d, args.YDesc)
	if !st.OK() {
		return st
	}
	if args.Workspace.Size < ws {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

// pool2D computes NCHW pooling on the host when both buffers are device
// allocations of a float type. Anything else is left untouched.
func (b *Backend) pool2D(p *pooling, args provider.PoolingArgs, alpha, beta float32) {
	xt, yt := b.tensors[args.XDesc], b.tensors[args.YDesc]
	if len(xt.dims) != 4 || len(yt.dims) != 4 || len(p.window) != 2 || xt.dt != yt.dt {
		return
	}
	var dt dnn.DataType
	switch xt.dt {
	case provider.Float:
		dt = dnn.Float
	case provider.Half:
		dt = dnn.Half
	default:
		return
	}
	xb, yb := b.dev.bytes(args.X), b.dev.bytes(args.Y)
	if len(xb) < product(xt.dims)*dt.Size() || len(yb) < product(yt.dims)*dt.Size() {
		return
	}
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	n, c, ih, iw := xt.dims[0], xt.dims[1], xt.dims[2], xt.dims[3]
	oh, ow := yt.dims[2], yt.dims[3]
	if yt.dims[0] != n || yt.dims[1] != c {
		return
	}
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					acc := float32(math.Inf(-1))
					if p.mode != provider.PoolingMax {
						acc = 0
					}
					count := 0
					for ky := 0; ky < p.window[0]; ky++ {
						for kx := 0; kx < p.window[1]; kx++ {
							sy := y*p.stride[0] - p.pad[0] + ky
							sx := x*p.stride[1] - p.pad[1] + kx
							if sy < 0 || sy >= ih || sx < 0 || sx >= iw {
								if p.mode == provider.PoolingAverageInclusive {
									count++
								}
								continue
							}
							off := xt.strides[0]*ni + xt.strides[1]*ci + xt.strides[2]*sy + xt.strides[3]*sx
							v := getFloat(xb, off, dt)
							if p.mode == provider.PoolingMax {
								acc = max(acc, v)
							} else {
								acc += v
							}
							count++
						}
					}
					if p.mode != provider.PoolingMax && count > 0 {
						acc /= float32(count)
					}
					off := yt.strides[0]*ni + yt.strides[1]*ci + yt.strides[2]*y + yt.strides[3]*x
					prev := getFloat(yb, off, dt)
					putFloat(yb, off, dt, alpha*acc+beta*prev)
				}
			}
		}
	}
}

func (b *Backend) CreateLRNDescriptor() (provider.LRNDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateLRNDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.LRNDesc(b.alloc())
	b.lrns[d] = &lrn{}
	return d, provider.StatusSuccess
}

func (b *Backend) SetLRNDescriptor(d provider.LRNDesc, mode provider.LRNMode, n uint32, alpha, beta, k float64) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetLRNDescriptor"); !st.OK() {
		return st
	}
	l, ok := b.lrns[d]
	if !ok || n == 0 {
		return provider.StatusBadParm
	}
	l.mode, l.n, l.alpha, l.beta, l.k = mode, n, alpha, beta, k
	return provider.StatusSuccess
}

func (b *Backend) DestroyLRNDescriptor(d provider.LRNDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyLRNDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.lrns[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.lrns, d)
	return provider.StatusSuccess
}

func (b *Backend) lrnWorkspace(y provider.TensorDesc) (uint64, provider.Status) {
	if !b.tensorOK(y) {
		return 0, provider.StatusBadParm
	}
	t := b.tensors[y]
	return uint64(product(t.dims) * t.dt.Size()), provider.StatusSuccess
}

func (b *Backend) LRNGetWorkSpaceSize(y provider.TensorDesc) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("LRNGetWorkSpaceSize"); !st.OK() {
		return 0, st
	}
	return b.lrnWorkspace(y)
}

func (b *Backend) LRNForward(h provider.Handle, d provider.LRNDesc, _, _ float32, args provider.LRNArgs, doBackward bool) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("LRNForward"); !st.OK() {
		return st
	}
	if _, ok := b.lrns[d]; !ok || !b.handleOK(h) || !b.tensorOK(args.XDesc) || args.X.IsNil() || args.Y.IsNil() {
		return provider.StatusBadParm
	}
	ws, st := b.lrnWorkspace(args.YDesc)
	if !st.OK() {
		return st
	}
	if doBackward && args.Workspace.Size < ws {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) LRNBackward(h provider.Handle, d provider.LRNDesc, _, _ float32, args provider.LRNArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("LRNBackward"); !st.OK() {
		return st
	}
	if _, ok := b.lrns[d]; !ok || !b.handleOK(h) || args.X.IsNil() || args.Y.IsNil() || args.DY.IsNil() || args.DX.IsNil() {
		return provider.StatusBadParm
	}
	ws, st := b.lrnWorkspace(args.YDesc)
	if !st.OK() {
		return st
	}
	if args.Workspace.Size < ws {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) checkBatchNorm(h provider.Handle, descs []provider.TensorDesc, mems []dnn.DeviceMemory) provider.Status {
	if !b.handleOK(h) {
		return provider.StatusBadParm
	}
	for _, d := range descs {
		if !b.tensorOK(d) {
			return provider.StatusBadParm
		}
	}
	for _, m := range mems {
		if m.IsNil() {
			return provider.StatusBadParm
		}
	}
	return provider.StatusSuccess
}

func (b *Backend) BatchNormalizationForwardTraining(h provider.Handle, _ provider.BatchNormMode, _, _ float32, args provider.BatchNormTrainingArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("BatchNormalizationForwardTraining"); !st.OK() {
		return st
	}
	return b.checkBatchNorm(h,
		[]provider.TensorDesc{args.XDesc, args.YDesc, args.ScaleBiasDesc},
		[]dnn.DeviceMemory{args.X, args.Y, args.Scale, args.Bias})
}

func (b *Backend) BatchNormalizationForwardInference(h provider.Handle, _ provider.BatchNormMode, _, _ float32, args provider.BatchNormInferenceArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("BatchNormalizationForwardInference"); !st.OK() {
		return st
	}
	return b.checkBatchNorm(h,
		[]provider.TensorDesc{args.XDesc, args.YDesc, args.ScaleBiasDesc},
		[]dnn.DeviceMemory{args.X, args.Y, args.Scale, args.Bias, args.EstimatedMean, args.EstimatedVariance})
}

func (b *Backend) BatchNormalizationBackward(h provider.Handle, _ provider.BatchNormMode, _, _, _, _ float32, args provider.BatchNormBackwardArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("BatchNormalizationBackward"); !st.OK() {
		return st
	}
	return b.checkBatchNorm(h,
		[]provider.TensorDesc{args.XDesc, args.DYDesc, args.DXDesc, args.ScaleBiasDesc},
		[]dnn.DeviceMemory{args.X, args.DY, args.DX, args.Scale, args.ScaleGrad, args.BiasGrad})
}

type rnn struct {
	hidden, layers int
	in             provider.RNNInputMode
	dir            provider.RNNDirectionMode
	mode           provider.RNNMode
	bias           provider.RNNBiasMode
	algo           provider.RNNAlgo
	dt             provider.DataType
	set            bool
}

func (r *rnn) gates() int {
	switch r.mode {
	case provider.LSTM:
		return 4
	case provider.GRU:
		return 3
	default:
		return 1
	}
}

func (r *rnn) dirs() int {
	if r.dir == provider.RNNBidirection {
		return 2
	}
	return 1
}

func (b *Backend) CreateRNNDescriptor() (provider.RNNDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateRNNDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.RNNDesc(b.alloc())
	b.rnns[d] = &rnn{}
	return d, provider.StatusSuccess
}

func (b *Backend) SetRNNDescriptor(d provider.RNNDesc, hiddenSize, numLayers int, in provider.RNNInputMode, dir provider.RNNDirectionMode, mode provider.RNNMode, bias provider.RNNBiasMode, algo provider.RNNAlgo, dt provider.DataType) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetRNNDescriptor"); !st.OK() {
		return st
	}
	r, ok := b.rnns[d]
	if !ok || hiddenSize <= 0 || numLayers <= 0 {
		return provider.StatusBadParm
	}
	*r = rnn{hidden: hiddenSize, layers: numLayers, in: in, dir: dir, mode: mode, bias: bias, algo: algo, dt: dt, set: true}
	return provider.StatusSuccess
}

func (b *Backend) DestroyRNNDescriptor(d provider.RNNDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyRNNDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.rnns[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.rnns, d)
	return provider.StatusSuccess
}

// paramElements counts the weights and biases of r for inputs of width
// inputSize.
func (r *rnn) paramElements(inputSize int) int {
	g, h, dirs := r.gates(), r.hidden, r.dirs()
	total := 0
	for l := 0; l < r.layers; l++ {
		in := inputSize
		if l > 0 {
			in = h * dirs
		}
		per := g*h*h + g*h*in
		if l == 0 && r.in == provider.RNNSkip {
			per = g * h * h
		}
		if r.bias == provider.RNNWithBias {
			per += 2 * g * h
		}
		total += per * dirs
	}
	return total
}

func (b *Backend) rnnInput(h provider.Handle, d provider.RNNDesc, x provider.TensorDesc) (*rnn, []int, provider.Status) {
	r, ok := b.rnns[d]
	if !ok || !r.set || !b.handleOK(h) || !b.tensorOK(x) {
		return nil, nil, provider.StatusBadParm
	}
	dims := b.tensors[x].dims
	if len(dims) != 2 {
		return nil, nil, provider.StatusBadParm
	}
	return r, dims, provider.StatusSuccess
}

func (b *Backend) GetRNNParamsSize(h provider.Handle, d provider.RNNDesc, x provider.TensorDesc, dt provider.DataType) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetRNNParamsSize"); !st.OK() {
		return 0, st
	}
	r, dims, st := b.rnnInput(h, d, x)
	if !st.OK() {
		return 0, st
	}
	return uint64(r.paramElements(dims[1]) * dt.Size()), provider.StatusSuccess
}

func (b *Backend) GetRNNParamsDescriptor(h provider.Handle, d provider.RNNDesc, x, w provider.TensorDesc, dt provider.DataType) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetRNNParamsDescriptor"); !st.OK() {
		return st
	}
	r, dims, st := b.rnnInput(h, d, x)
	if !st.OK() {
		return st
	}
	t, ok := b.tensors[w]
	if !ok {
		return provider.StatusBadParm
	}
	t.dt, t.dims, t.strides, t.set = dt, []int{r.paramElements(dims[1])}, []int{1}, true
	return provider.StatusSuccess
}

// rnnSequence validates per-step descriptors and returns the batch size of
// the first step.
func (b *Backend) rnnSequence(h provider.Handle, d provider.RNNDesc, seqLength int, x []provider.TensorDesc) (*rnn, int, provider.Status) {
	if seqLength <= 0 || len(x) != seqLength {
		return nil, 0, provider.StatusBadParm
	}
	r, dims, st := b.rnnInput(h, d, x[0])
	if !st.OK() {
		return nil, 0, st
	}
	for _, t := range x[1:] {
		if !b.tensorOK(t) || len(b.tensors[t].dims) != 2 {
			return nil, 0, provider.StatusBadParm
		}
	}
	return r, dims[0], provider.StatusSuccess
}

func (r *rnn) workspace(seqLength, batch int) uint64 {
	return uint64(seqLength * batch * r.hidden * r.dirs() * r.gates() * r.layers * r.dt.Size())
}

func (b *Backend) GetRNNWorkspaceSize(h provider.Handle, d provider.RNNDesc, seqLength int, x []provider.TensorDesc) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetRNNWorkspaceSize"); !st.OK() {
		return 0, st
	}
	r, batch, st := b.rnnSequence(h, d, seqLength, x)
	if !st.OK() {
		return 0, st
	}
	return r.workspace(seqLength, batch), provider.StatusSuccess
}

func (b *Backend) GetRNNTrainingReserveSize(h provider.Handle, d provider.RNNDesc, seqLength int, x []provider.TensorDesc) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetRNNTrainingReserveSize"); !st.OK() {
		return 0, st
	}
	r, batch, st := b.rnnSequence(h, d, seqLength, x)
	if !st.OK() {
		return 0, st
	}
	return 2 * r.workspace(seqLength, batch), provider.StatusSuccess
}

func (b *Backend) rnnForward(call string, training bool, h provider.Handle, d provider.RNNDesc, args provider.RNNForwardArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return st
	}
	r, batch, st := b.rnnSequence(h, d, args.SeqLength, args.XDescs)
	if !st.OK() {
		return st
	}
	if len(args.YDescs) != args.SeqLength || !b.tensorOK(args.WDesc) || args.X.IsNil() || args.W.IsNil() || args.Y.IsNil() {
		return provider.StatusBadParm
	}
	if args.Workspace.Size < r.workspace(args.SeqLength, batch) {
		return provider.StatusBadParm
	}
	if training && args.ReserveSpace.Size < 2*r.workspace(args.SeqLength, batch) {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) RNNForwardInference(h provider.Handle, d provider.RNNDesc, args provider.RNNForwardArgs) provider.Status {
	return b.rnnForward("RNNForwardInference", false, h, d, args)
}

func (b *Backend) RNNForwardTraining(h provider.Handle, d provider.RNNDesc, args provider.RNNForwardArgs) provider.Status {
	return b.rnnForward("RNNForwardTraining", true, h, d, args)
}

func (b *Backend) RNNBackwardData(h provider.Handle, d provider.RNNDesc, args provider.RNNBackwardDataArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("RNNBackwardData"); !st.OK() {
		return st
	}
	r, batch, st := b.rnnSequence(h, d, args.SeqLength, args.YDescs)
	if !st.OK() {
		return st
	}
	if len(args.DYDescs) != args.SeqLength || len(args.DXDescs) != args.SeqLength || args.DY.IsNil() || args.DX.IsNil() || args.W.IsNil() {
		return provider.StatusBadParm
	}
	if args.ReserveSpace.Size < 2*r.workspace(args.SeqLength, batch) {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) RNNBackwardWeights(h provider.Handle, d provider.RNNDesc, args provider.RNNBackwardWeightsArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("RNNBackwardWeights"); !st.OK() {
		return st
	}
	if _, _, st := b.rnnSequence(h, d, args.SeqLength, args.XDescs); !st.OK() {
		return st
	}
	if len(args.YDescs) != args.SeqLength || args.X.IsNil() || args.Y.IsNil() || args.DW.IsNil() || !b.tensorOK(args.DWDesc) {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

type ctcLoss struct {
	dt      provider.DataType
	blank   int
	softmax bool
	set     bool
}

func (b *Backend) CreateCTCLossDescriptor() (provider.CTCLossDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateCTCLossDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.CTCLossDesc(b.alloc())
	b.ctcs[d] = &ctcLoss{}
	return d, provider.StatusSuccess
}

func (b *Backend) SetCTCLossDescriptor(d provider.CTCLossDesc, dt provider.DataType, blankLabel int, applySoftmax bool) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetCTCLossDescriptor"); !st.OK() {
		return st
	}
	c, ok := b.ctcs[d]
	if !ok || blankLabel < 0 {
		return provider.StatusBadParm
	}
	*c = ctcLoss{dt: dt, blank: blankLabel, softmax: applySoftmax, set: true}
	return provider.StatusSuccess
}

func (b *Backend) DestroyCTCLossDescriptor(d provider.CTCLossDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyCTCLossDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.ctcs[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.ctcs, d)
	return provider.StatusSuccess
}

// ctcWorkspace validates a CTC problem laid out as probs[T, N, C] and sizes
// its workspace. b.mu must be held.
func (b *Backend) ctcWorkspace(h provider.Handle, probs, grads provider.TensorDesc, labels, labelLengths, inputLengths []int32, d provider.CTCLossDesc) (uint64, provider.Status) {
	c, ok := b.ctcs[d]
	if !ok || !c.set || !b.handleOK(h) || !b.tensorOK(probs) || !b.tensorOK(grads) {
		return 0, provider.StatusBadParm
	}
	dims := b.tensors[probs].dims
	if len(dims) != 3 || !slices.Equal(dims, b.tensors[grads].dims) {
		return 0, provider.StatusBadParm
	}
	steps, batch := dims[0], dims[1]
	if len(labelLengths) != batch || len(inputLengths) != batch {
		return 0, provider.StatusBadParm
	}
	var total, longest int32
	for i := range labelLengths {
		if inputLengths[i] > int32(steps) || labelLengths[i] < 0 {
			return 0, provider.StatusBadParm
		}
		total += labelLengths[i]
		longest = max(longest, labelLengths[i])
	}
	if int(total) != len(labels) {
		return 0, provider.StatusBadParm
	}
	return uint64(batch*steps*(2*int(longest)+1)) * 4, provider.StatusSuccess
}

func (b *Backend) GetCTCLossWorkspaceSize(h provider.Handle, probs, grads provider.TensorDesc, labels, labelLengths, inputLengths []int32, _ provider.CTCLossAlgo, d provider.CTCLossDesc) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetCTCLossWorkspaceSize"); !st.OK() {
		return 0, st
	}
	return b.ctcWorkspace(h, probs, grads, labels, labelLengths, inputLengths, d)
}

func (b *Backend) CTCLoss(h provider.Handle, args provider.CTCLossArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CTCLoss"); !st.OK() {
		return st
	}
	ws, st := b.ctcWorkspace(h, args.ProbsDesc, args.GradsDesc, args.Labels, args.LabelLengths, args.InputLengths, args.Desc)
	if !st.OK() {
		return st
	}
	if args.Probs.IsNil() || args.Costs.IsNil() || args.Grads.IsNil() || args.Workspace.Size < ws {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}
