package hostsim

import (
	"slices"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// direction offsets keep solution ids distinct per convolution direction.
const (
	dirForward         = 0
	dirBackwardData    = 100
	dirBackwardWeights = 200
)

func (b *Backend) CreateConvolutionDescriptor() (provider.ConvDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateConvolutionDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.ConvDesc(b.alloc())
	b.convs[d] = &convolution{groups: 1}
	return d, provider.StatusSuccess
}

func (b *Backend) InitConvolutionNdDescriptor(d provider.ConvDesc, pad, stride, dilation []int, mode provider.ConvMode) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("InitConvolutionNdDescriptor"); !st.OK() {
		return st
	}
	c, ok := b.convs[d]
	if !ok || len(pad) == 0 || len(pad) != len(stride) || len(pad) != len(dilation) {
		return provider.StatusBadParm
	}
	for i := range pad {
		if pad[i] < 0 || stride[i] <= 0 || dilation[i] <= 0 {
			return provider.StatusBadParm
		}
	}
	c.pad, c.stride, c.dilation = slices.Clone(pad), slices.Clone(stride), slices.Clone(dilation)
	c.mode, c.set = mode, true
	return provider.StatusSuccess
}

func (b *Backend) SetConvolutionGroupCount(d provider.ConvDesc, groups int) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetConvolutionGroupCount"); !st.OK() {
		return st
	}
	c, ok := b.convs[d]
	if !ok || groups < 1 {
		return provider.StatusBadParm
	}
	c.groups = groups
	return provider.StatusSuccess
}

func (b *Backend) GetConvolutionNdDescriptor(d provider.ConvDesc) ([]int, []int, []int, provider.ConvMode, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetConvolutionNdDescriptor"); !st.OK() {
		return nil, nil, nil, 0, st
	}
	c, ok := b.convs[d]
	if !ok || !c.set {
		return nil, nil, nil, 0, provider.StatusBadParm
	}
	return slices.Clone(c.pad), slices.Clone(c.stride), slices.Clone(c.dilation), c.mode, provider.StatusSuccess
}

func (b *Backend) DestroyConvolutionDescriptor(d provider.ConvDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyConvolutionDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.convs[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.convs, d)
	return provider.StatusSuccess
}

func (b *Backend) GetConvolutionNdForwardOutputDim(conv provider.ConvDesc, input, filter provider.TensorDesc) ([]int, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetConvolutionNdForwardOutputDim"); !st.OK() {
		return nil, st
	}
	return b.outputDims(conv, input, filter)
}

// outputDims computes NC<spatial> of a forward convolution. b.mu must be held.
func (b *Backend) outputDims(conv provider.ConvDesc, input, filter provider.TensorDesc) ([]int, provider.Status) {
	c, ok := b.convs[conv]
	if !ok || !c.set || !b.tensorOK(input) || !b.tensorOK(filter) {
		return nil, provider.StatusBadParm
	}
	in, f := b.tensors[input].dims, b.tensors[filter].dims
	n := len(c.pad)
	if len(in) != n+2 || len(f) != n+2 {
		return nil, provider.StatusBadParm
	}
	if in[1] != f[1]*c.groups {
		return nil, provider.StatusBadParm
	}
	out := []int{in[0], f[0]}
	for i := 0; i < n; i++ {
		eff := c.dilation[i]*(f[i+2]-1) + 1
		o := (in[i+2]+2*c.pad[i]-eff)/c.stride[i] + 1
		if o <= 0 {
			return nil, provider.StatusBadParm
		}
		out = append(out, o)
	}
	return out, provider.StatusSuccess
}

// checkConvolution validates a convolution call's handle and descriptors.
// b.mu must be held.
func (b *Backend) checkConvolution(h provider.Handle, d provider.ConvDescriptors) provider.Status {
	if !b.handleOK(h) {
		return provider.StatusBadParm
	}
	if !b.tensorOK(d.Output) {
		return provider.StatusBadParm
	}
	want, st := b.outputDims(d.Conv, d.Input, d.Filter)
	if !st.OK() {
		return st
	}
	if !slices.Equal(want, b.tensors[d.Output].dims) {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) solutions(dir int) []provider.ConvSolution {
	out := make([]provider.ConvSolution, b.opts.SolutionCount)
	for i := range out {
		ws := uint64(i) * 1024
		if ws > b.opts.WorkspaceSize {
			ws = b.opts.WorkspaceSize
		}
		out[i] = provider.ConvSolution{
			Time:          0.5 * float32(i+1),
			WorkspaceSize: ws,
			SolutionID:    uint64(dir + 10 + i),
			Algorithm:     provider.ConvAlgorithm(i % 5),
		}
	}
	return out
}

func (b *Backend) solution(dir int, id uint64) (provider.ConvSolution, bool) {
	for _, s := range b.solutions(dir) {
		if s.SolutionID == id {
			return s, true
		}
	}
	return provider.ConvSolution{}, false
}

func (b *Backend) solutionCount(call string, h provider.Handle, d provider.ConvDescriptors) (int, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return 0, st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return 0, st
	}
	return b.opts.SolutionCount, provider.StatusSuccess
}

func (b *Backend) getSolutions(call string, dir int, h provider.Handle, d provider.ConvDescriptors, max int) ([]provider.ConvSolution, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return nil, st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return nil, st
	}
	if max < 1 {
		return nil, provider.StatusBadParm
	}
	all := b.solutions(dir)
	if max < len(all) {
		all = all[:max]
	}
	return all, provider.StatusSuccess
}

func (b *Backend) compileSolution(call string, dir int, h provider.Handle, d provider.ConvDescriptors, id uint64) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return st
	}
	if _, ok := b.solution(dir, id); !ok {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) workspaceSize(call string, h provider.Handle, d provider.ConvDescriptors) (uint64, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return 0, st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return 0, st
	}
	return b.opts.WorkspaceSize, provider.StatusSuccess
}

func (b *Backend) find(call string, dir int, h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory) ([]provider.ConvAlgoPerf, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return nil, st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return nil, st
	}
	if requested < 1 || buf.Input.IsNil() || buf.Filter.IsNil() || buf.Output.IsNil() {
		return nil, provider.StatusBadParm
	}
	mem := min(workspace.Size, b.opts.WorkspaceSize)
	perf := provider.ConvAlgoPerf{Time: 0.25, Memory: mem}
	switch dir {
	case dirForward:
		perf.FwdAlgo = int64(provider.ConvAlgoDirect)
	case dirBackwardData:
		perf.BwdDataAlgo = int64(provider.ConvAlgoDirect)
	default:
		perf.BwdWeightsAlgo = int64(provider.ConvAlgoDirect)
	}
	return []provider.ConvAlgoPerf{perf}, provider.StatusSuccess
}

func (b *Backend) immediate(call string, dir int, h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, id uint64) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return st
	}
	s, ok := b.solution(dir, id)
	if !ok || buf.Input.IsNil() || buf.Filter.IsNil() || buf.Output.IsNil() {
		return provider.StatusBadParm
	}
	if s.WorkspaceSize > 0 && workspace.Size < s.WorkspaceSize {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) convolve(call string, h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, algo int64) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return st
	}
	if st := b.checkConvolution(h, d); !st.OK() {
		return st
	}
	if algo < 0 || algo > int64(provider.ConvAlgoImplicitGEMM) {
		return provider.StatusBadParm
	}
	if buf.Input.IsNil() || buf.Filter.IsNil() || buf.Output.IsNil() {
		return provider.StatusBadParm
	}
	return provider.StatusSuccess
}

func (b *Backend) ConvolutionForwardGetSolutionCount(h provider.Handle, d provider.ConvDescriptors) (int, provider.Status) {
	return b.solutionCount("ConvolutionForwardGetSolutionCount", h, d)
}

func (b *Backend) ConvolutionForwardGetSolution(h provider.Handle, d provider.ConvDescriptors, max int) ([]provider.ConvSolution, provider.Status) {
	return b.getSolutions("ConvolutionForwardGetSolution", dirForward, h, d, max)
}

func (b *Backend) ConvolutionForwardCompileSolution(h provider.Handle, d provider.ConvDescriptors, id uint64) provider.Status {
	return b.compileSolution("ConvolutionForwardCompileSolution", dirForward, h, d, id)
}

func (b *Backend) ConvolutionForwardGetWorkSpaceSize(h provider.Handle, d provider.ConvDescriptors) (uint64, provider.Status) {
	return b.workspaceSize("ConvolutionForwardGetWorkSpaceSize", h, d)
}

func (b *Backend) FindConvolutionForwardAlgorithm(h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory, _ bool) ([]provider.ConvAlgoPerf, provider.Status) {
	return b.find("FindConvolutionForwardAlgorithm", dirForward, h, d, buf, requested, workspace)
}

func (b *Backend) ConvolutionForwardImmediate(h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, id uint64) provider.Status {
	return b.immediate("ConvolutionForwardImmediate", dirForward, h, d, buf, workspace, id)
}

func (b *Backend) ConvolutionForward(h provider.Handle, _, _ float32, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, algo int64, _ dnn.DeviceMemory) provider.Status {
	return b.convolve("ConvolutionForward", h, d, buf, algo)
}

func (b *Backend) ConvolutionBackwardDataGetSolutionCount(h provider.Handle, d provider.ConvDescriptors) (int, provider.Status) {
	return b.solutionCount("ConvolutionBackwardDataGetSolutionCount", h, d)
}

func (b *Backend) ConvolutionBackwardDataGetSolution(h provider.Handle, d provider.ConvDescriptors, max int) ([]provider.ConvSolution, provider.Status) {
	return b.getSolutions("ConvolutionBackwardDataGetSolution", dirBackwardData, h, d, max)
}

func (b *Backend) ConvolutionBackwardDataCompileSolution(h provider.Handle, d provider.ConvDescriptors, id uint64) provider.Status {
	return b.compileSolution("ConvolutionBackwardDataCompileSolution", dirBackwardData, h, d, id)
}

func (b *Backend) ConvolutionBackwardDataGetWorkSpaceSize(h provider.Handle, d provider.ConvDescriptors) (uint64, provider.Status) {
	return b.workspaceSize("ConvolutionBackwardDataGetWorkSpaceSize", h, d)
}

func (b *Backend) FindConvolutionBackwardDataAlgorithm(h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory, _ bool) ([]provider.ConvAlgoPerf, provider.Status) {
	return b.find("FindConvolutionBackwardDataAlgorithm", dirBackwardData, h, d, buf, requested, workspace)
}

func (b *Backend) ConvolutionBackwardDataImmediate(h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, id uint64) provider.Status {
	return b.immediate("ConvolutionBackwardDataImmediate", dirBackwardData, h, d, buf, workspace, id)
}

func (b *Backend) ConvolutionBackwardData(h provider.Handle, _, _ float32, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, algo int64, _ dnn.DeviceMemory) provider.Status {
	return b.convolve("ConvolutionBackwardData", h, d, buf, algo)
}

func (b *Backend) ConvolutionBackwardWeightsGetSolutionCount(h provider.Handle, d provider.ConvDescriptors) (int, provider.Status) {
	return b.solutionCount("ConvolutionBackwardWeightsGetSolutionCount", h, d)
}

func (b *Backend) ConvolutionBackwardWeightsGetSolution(h provider.Handle, d provider.ConvDescriptors, max int) ([]provider.ConvSolution, provider.Status) {
	return b.getSolutions("ConvolutionBackwardWeightsGetSolution", dirBackwardWeights, h, d, max)
}

func (b *Backend) ConvolutionBackwardWeightsCompileSolution(h provider.Handle, d provider.ConvDescriptors, id uint64) provider.Status {
	return b.compileSolution("ConvolutionBackwardWeightsCompileSolution", dirBackwardWeights, h, d, id)
}

func (b *Backend) ConvolutionBackwardWeightsGetWorkSpaceSize(h provider.Handle, d provider.ConvDescriptors) (uint64, provider.Status) {
	return b.workspaceSize("ConvolutionBackwardWeightsGetWorkSpaceSize", h, d)
}

func (b *Backend) FindConvolutionBackwardWeightsAlgorithm(h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory, _ bool) ([]provider.ConvAlgoPerf, provider.Status) {
	return b.find("FindConvolutionBackwardWeightsAlgorithm", dirBackwardWeights, h, d, buf, requested, workspace)
}

func (b *Backend) ConvolutionBackwardWeightsImmediate(h provider.Handle, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, id uint64) provider.Status {
	return b.immediate("ConvolutionBackwardWeightsImmediate", dirBackwardWeights, h, d, buf, workspace, id)
}

func (b *Backend) ConvolutionBackwardWeights(h provider.Handle, _, _ float32, d provider.ConvDescriptors, buf dnn.ConvolutionBuffers, algo int64, _ dnn.DeviceMemory) provider.Status {
	return b.convolve("ConvolutionBackwardWeights", h, d, buf, algo)
}
