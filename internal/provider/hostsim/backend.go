// Package hostsim is an in-process stand-in for the native provider. It
// keeps the full descriptor bookkeeping of the real library, validates every
// call against it and counts calls, but performs no device work beyond
// simple 2-D pooling.
package hostsim

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// FusionPlanInfo describes a plan at compile time.
type FusionPlanInfo struct {
	Ops        []provider.FusionOpKind
	Activation provider.ActivationMode
	InputDims  []int
	DataType   provider.DataType
}

type Options struct {
	// SolutionCount is how many convolution solutions are reported.
	SolutionCount int
	// WorkspaceSize is the scratch size reported for convolutions.
	WorkspaceSize uint64
	// MemoryLimit caps device allocations. Zero means unlimited.
	MemoryLimit uint64
	// RefuseFusion makes CompileFusionPlan fail for matching plans.
	RefuseFusion func(FusionPlanInfo) bool
	// CompileDelay stalls every fusion compile.
	CompileDelay time.Duration
	Version      dnn.VersionInfo
}

// DefaultOptions mirrors a mid-range device.
func DefaultOptions() Options {
	return Options{
		SolutionCount: 4,
		WorkspaceSize: 64 << 10,
		Version:       dnn.VersionInfo{Major: 1, Minor: 3, Patch: 0},
	}
}

type tensor struct {
	dt      provider.DataType
	dims    []int
	strides []int
	set     bool
}

type convolution struct {
	pad, stride, dilation []int
	mode                  provider.ConvMode
	groups                int
	set                   bool
}

type activation struct {
	mode               provider.ActivationMode
	alpha, beta, gamma float64
}

type pooling struct {
	mode                provider.PoolingMode
	window, pad, stride []int
	index               provider.IndexType
	set                 bool
}

type lrn struct {
	mode           provider.LRNMode
	n              uint32
	alpha, beta, k float64
}

// Backend implements provider.Backend on the host.
type Backend struct {
	opts Options
	log  *zap.Logger
	dev  *Device
	exec *Executor

	mu          sync.Mutex
	next        uintptr
	initialized bool
	calls       map[string]int
	failures    map[string]provider.Status

	handles     map[provider.Handle]provider.StreamHandle
	tensors     map[provider.TensorDesc]*tensor
	convs       map[provider.ConvDesc]*convolution
	activations map[provider.ActivationDesc]*activation
	pools       map[provider.PoolingDesc]*pooling
	lrns        map[provider.LRNDesc]*lrn
	plans       map[provider.FusionPlan]*plan
	ops         map[provider.FusionOp]*fusionOp
	opArgs      map[provider.OperatorArgs]map[provider.FusionOp]bool
	rnns        map[provider.RNNDesc]*rnn
	ctcs        map[provider.CTCLossDesc]*ctcLoss
}

var _ provider.Backend = (*Backend)(nil)

// New creates a host simulator. Zero option fields take their defaults.
func New(log *zap.Logger, opts Options) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.SolutionCount == 0 {
		opts.SolutionCount = def.SolutionCount
	}
	if opts.WorkspaceSize == 0 {
		opts.WorkspaceSize = def.WorkspaceSize
	}
	if opts.Version == (dnn.VersionInfo{}) {
		opts.Version = def.Version
	}
	return &Backend{
		opts:        opts,
		log:         log.Named("hostsim"),
		dev:         NewDevice(opts.MemoryLimit),
		exec:        &Executor{},
		next:        1,
		calls:       make(map[string]int),
		failures:    make(map[string]provider.Status),
		handles:     make(map[provider.Handle]provider.StreamHandle),
		tensors:     make(map[provider.TensorDesc]*tensor),
		convs:       make(map[provider.ConvDesc]*convolution),
		activations: make(map[provider.ActivationDesc]*activation),
		pools:       make(map[provider.PoolingDesc]*pooling),
		lrns:        make(map[provider.LRNDesc]*lrn),
		plans:       make(map[provider.FusionPlan]*plan),
		ops:         make(map[provider.FusionOp]*fusionOp),
		opArgs:      make(map[provider.OperatorArgs]map[provider.FusionOp]bool),
		rnns:        make(map[provider.RNNDesc]*rnn),
		ctcs:        make(map[provider.CTCLossDesc]*ctcLoss),
	}
}

func (b *Backend) Name() string { return "hostsim" }

func (b *Backend) IsAvailable() bool { return true }

func (b *Backend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		b.initialized = true
		b.log.Info("host simulator initialized",
			zap.Int("solutions", b.opts.SolutionCount),
			zap.Uint64("workspaceBytes", b.opts.WorkspaceSize))
	}
	return nil
}

func (b *Backend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	return nil
}

func (b *Backend) GetDeviceInfo() provider.DeviceInfo {
	return provider.DeviceInfo{
		Name:        fmt.Sprintf("Host simulator (%s)", runtime.GOARCH),
		TotalMemory: b.opts.MemoryLimit,
		Version:     b.opts.Version.String(),
	}
}

func (b *Backend) Executor() provider.Executor { return b.exec }

// HostExecutor returns the concrete executor for inspection.
func (b *Backend) HostExecutor() *Executor { return b.exec }

func (b *Backend) Device() *Device { return b.dev }

func (b *Backend) NewStream() (provider.Stream, error) {
	return b.NewHostStream(), nil
}

// NewHostStream returns a concrete stream for inspection.
func (b *Backend) NewHostStream() *Stream {
	b.mu.Lock()
	id := provider.StreamHandle(b.alloc())
	b.mu.Unlock()
	return NewStream(id, b.dev)
}

// Fail makes every later call named call return st. StatusSuccess clears
// the failure.
func (b *Backend) Fail(call string, st provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == provider.StatusSuccess {
		delete(b.failures, call)
		return
	}
	b.failures[call] = st
}

// Calls returns how many times the named call was made.
func (b *Backend) Calls(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[call]
}

// Live returns the number of live objects of every kind.
func (b *Backend) Live() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"handle":     len(b.handles),
		"tensor":     len(b.tensors),
		"conv":       len(b.convs),
		"activation": len(b.activations),
		"pooling":    len(b.pools),
		"lrn":        len(b.lrns),
		"plan":       len(b.plans),
		"args":       len(b.opArgs),
		"rnn":        len(b.rnns),
		"ctc":        len(b.ctcs),
	}
}

// enter records call and returns an injected failure. b.mu must be held.
func (b *Backend) enter(call string) provider.Status {
	b.calls[call]++
	return b.failures[call]
}

func (b *Backend) alloc() uintptr {
	id := b.next
	b.next++
	return id
}

func (b *Backend) CreateWithStream(stream provider.StreamHandle) (provider.Handle, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateWithStream"); !st.OK() {
		return 0, st
	}
	if !b.initialized {
		return 0, provider.StatusNotInitialized
	}
	h := provider.Handle(b.alloc())
	b.handles[h] = stream
	return h, provider.StatusSuccess
}

func (b *Backend) Destroy(h provider.Handle) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("Destroy"); !st.OK() {
		return st
	}
	if _, ok := b.handles[h]; !ok {
		return provider.StatusBadParm
	}
	delete(b.handles, h)
	return provider.StatusSuccess
}

func (b *Backend) SetStream(h provider.Handle, stream provider.StreamHandle) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetStream"); !st.OK() {
		return st
	}
	if _, ok := b.handles[h]; !ok {
		return provider.StatusBadParm
	}
	b.handles[h] = stream
	return provider.StatusSuccess
}

// BoundStream returns the stream last bound to h.
func (b *Backend) BoundStream(h provider.Handle) provider.StreamHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[h]
}

func (b *Backend) GetVersion() (dnn.VersionInfo, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetVersion"); !st.OK() {
		return dnn.VersionInfo{}, st
	}
	return b.opts.Version, provider.StatusSuccess
}

func (b *Backend) handleOK(h provider.Handle) bool {
	_, ok := b.handles[h]
	return ok
}

func (b *Backend) CreateTensorDescriptor() (provider.TensorDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateTensorDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.TensorDesc(b.alloc())
	b.tensors[d] = &tensor{}
	return d, provider.StatusSuccess
}

func (b *Backend) SetTensorDescriptor(d provider.TensorDesc, dt provider.DataType, dims, strides []int) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetTensorDescriptor"); !st.OK() {
		return st
	}
	t, ok := b.tensors[d]
	if !ok || len(dims) == 0 || len(dims) > 5 {
		return provider.StatusBadParm
	}
	for _, n := range dims {
		if n <= 0 {
			return provider.StatusBadParm
		}
	}
	if strides == nil {
		strides = packed(dims)
	}
	if len(strides) != len(dims) {
		return provider.StatusBadParm
	}
	t.dt, t.dims, t.strides, t.set = dt, slices.Clone(dims), slices.Clone(strides), true
	return provider.StatusSuccess
}

func (b *Backend) GetTensorDescriptor(d provider.TensorDesc) (provider.DataType, []int, []int, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("GetTensorDescriptor"); !st.OK() {
		return 0, nil, nil, st
	}
	t, ok := b.tensors[d]
	if !ok || !t.set {
		return 0, nil, nil, provider.StatusBadParm
	}
	return t.dt, slices.Clone(t.dims), slices.Clone(t.strides), provider.StatusSuccess
}

func (b *Backend) DestroyTensorDescriptor(d provider.TensorDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyTensorDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.tensors[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.tensors, d)
	return provider.StatusSuccess
}

// tensorOK reports whether d is a live, configured tensor. b.mu must be held.
func (b *Backend) tensorOK(d provider.TensorDesc) bool {
	t, ok := b.tensors[d]
	return ok && t.set
}

func (b *Backend) CreateActivationDescriptor() (provider.ActivationDesc, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateActivationDescriptor"); !st.OK() {
		return 0, st
	}
	d := provider.ActivationDesc(b.alloc())
	b.activations[d] = &activation{}
	return d, provider.StatusSuccess
}

func (b *Backend) SetActivationDescriptor(d provider.ActivationDesc, mode provider.ActivationMode, alpha, beta, gamma float64) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("SetActivationDescriptor"); !st.OK() {
		return st
	}
	a, ok := b.activations[d]
	if !ok {
		return provider.StatusBadParm
	}
	a.mode, a.alpha, a.beta, a.gamma = mode, alpha, beta, gamma
	return provider.StatusSuccess
}

func (b *Backend) DestroyActivationDescriptor(d provider.ActivationDesc) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyActivationDescriptor"); !st.OK() {
		return st
	}
	if _, ok := b.activations[d]; !ok {
		return provider.StatusBadParm
	}
	delete(b.activations, d)
	return provider.StatusSuccess
}

func packed(dims []int) []int {
	strides := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= dims[i]
	}
	return strides
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
