package hostsim

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

type plan struct {
	dir      provider.FusionDirection
	dt       provider.DataType
	dims     []int
	ops      []provider.FusionOp
	compiled bool
}

type fusionOp struct {
	plan provider.FusionPlan
	kind provider.FusionOpKind
	mode provider.ActivationMode
}

func (b *Backend) CreateFusionPlan(dir provider.FusionDirection, input provider.TensorDesc) (provider.FusionPlan, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateFusionPlan"); !st.OK() {
		return 0, st
	}
	if !b.tensorOK(input) {
		return 0, provider.StatusBadParm
	}
	t := b.tensors[input]
	p := provider.FusionPlan(b.alloc())
	b.plans[p] = &plan{dir: dir, dt: t.dt, dims: slices.Clone(t.dims)}
	return p, provider.StatusSuccess
}

func (b *Backend) DestroyFusionPlan(p provider.FusionPlan) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyFusionPlan"); !st.OK() {
		return st
	}
	pl, ok := b.plans[p]
	if !ok {
		return provider.StatusBadParm
	}
	for _, op := range pl.ops {
		delete(b.ops, op)
	}
	delete(b.plans, p)
	return provider.StatusSuccess
}

func (b *Backend) CompileFusionPlan(h provider.Handle, p provider.FusionPlan) provider.Status {
	b.mu.Lock()
	if st := b.enter("CompileFusionPlan"); !st.OK() {
		b.mu.Unlock()
		return st
	}
	pl, ok := b.plans[p]
	if !ok || !b.handleOK(h) || len(pl.ops) == 0 {
		b.mu.Unlock()
		return provider.StatusBadParm
	}
	info := FusionPlanInfo{
		Activation: provider.ActivationPASTHRU,
		InputDims:  slices.Clone(pl.dims),
		DataType:   pl.dt,
	}
	for _, id := range pl.ops {
		op := b.ops[id]
		info.Ops = append(info.Ops, op.kind)
		if op.kind == provider.OpActivationForward || op.kind == provider.OpActivationBackward {
			info.Activation = op.mode
		}
	}
	b.mu.Unlock()

	if b.opts.CompileDelay > 0 {
		time.Sleep(b.opts.CompileDelay)
	}
	if b.opts.RefuseFusion != nil && b.opts.RefuseFusion(info) {
		b.log.Debug("refusing fusion plan", zap.Stringers("ops", info.Ops))
		return provider.StatusNotImplemented
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pl, ok = b.plans[p]; !ok {
		return provider.StatusBadParm
	}
	pl.compiled = true
	return provider.StatusSuccess
}

func (b *Backend) FusionPlanGetOp(p provider.FusionPlan, idx int) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("FusionPlanGetOp"); !st.OK() {
		return 0, st
	}
	pl, ok := b.plans[p]
	if !ok || idx < 0 || idx >= len(pl.ops) {
		return 0, provider.StatusBadParm
	}
	return pl.ops[idx], provider.StatusSuccess
}

// addOp appends an operator to p. b.mu must be held.
func (b *Backend) addOp(call string, p provider.FusionPlan, kind provider.FusionOpKind, mode provider.ActivationMode) (provider.FusionOp, provider.Status) {
	if st := b.enter(call); !st.OK() {
		return 0, st
	}
	pl, ok := b.plans[p]
	if !ok || pl.compiled {
		return 0, provider.StatusBadParm
	}
	op := provider.FusionOp(b.alloc())
	b.ops[op] = &fusionOp{plan: p, kind: kind, mode: mode}
	pl.ops = append(pl.ops, op)
	return op, provider.StatusSuccess
}

func (b *Backend) CreateOpConvForward(p provider.FusionPlan, conv provider.ConvDesc, filter provider.TensorDesc) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.convs[conv]; !ok || !c.set || !b.tensorOK(filter) {
		b.calls["CreateOpConvForward"]++
		return 0, provider.StatusBadParm
	}
	return b.addOp("CreateOpConvForward", p, provider.OpConvForward, 0)
}

func (b *Backend) CreateOpBiasForward(p provider.FusionPlan, bias provider.TensorDesc) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tensorOK(bias) {
		b.calls["CreateOpBiasForward"]++
		return 0, provider.StatusBadParm
	}
	return b.addOp("CreateOpBiasForward", p, provider.OpBiasForward, 0)
}

func (b *Backend) CreateOpActivationForward(p provider.FusionPlan, mode provider.ActivationMode) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addOp("CreateOpActivationForward", p, provider.OpActivationForward, mode)
}

func (b *Backend) CreateOpActivationBackward(p provider.FusionPlan, mode provider.ActivationMode) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addOp("CreateOpActivationBackward", p, provider.OpActivationBackward, mode)
}

func (b *Backend) CreateOpBatchNormInference(p provider.FusionPlan, _ provider.BatchNormMode, scaleBiasMeanVar provider.TensorDesc) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tensorOK(scaleBiasMeanVar) {
		b.calls["CreateOpBatchNormInference"]++
		return 0, provider.StatusBadParm
	}
	return b.addOp("CreateOpBatchNormInference", p, provider.OpBatchNormInference, 0)
}

func (b *Backend) CreateOpBatchNormForward(p provider.FusionPlan, _ provider.BatchNormMode, _ bool) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addOp("CreateOpBatchNormForward", p, provider.OpBatchNormForward, 0)
}

func (b *Backend) CreateOpBatchNormBackward(p provider.FusionPlan, _ provider.BatchNormMode) (provider.FusionOp, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addOp("CreateOpBatchNormBackward", p, provider.OpBatchNormBackward, 0)
}

func (b *Backend) CreateOperatorArgs() (provider.OperatorArgs, provider.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("CreateOperatorArgs"); !st.OK() {
		return 0, st
	}
	a := provider.OperatorArgs(b.alloc())
	b.opArgs[a] = make(map[provider.FusionOp]bool)
	return a, provider.StatusSuccess
}

func (b *Backend) DestroyOperatorArgs(a provider.OperatorArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("DestroyOperatorArgs"); !st.OK() {
		return st
	}
	if _, ok := b.opArgs[a]; !ok {
		return provider.StatusBadParm
	}
	delete(b.opArgs, a)
	return provider.StatusSuccess
}

// setArgs records that op has arguments in a, checking the operator kind.
func (b *Backend) setArgs(call string, a provider.OperatorArgs, op provider.FusionOp, kind provider.FusionOpKind) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter(call); !st.OK() {
		return st
	}
	set, ok := b.opArgs[a]
	o, found := b.ops[op]
	if !ok || !found || o.kind != kind {
		return provider.StatusBadParm
	}
	set[op] = true
	return provider.StatusSuccess
}

func (b *Backend) SetOpArgsConvForward(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, filter dnn.DeviceMemory) provider.Status {
	if filter.IsNil() {
		return provider.StatusBadParm
	}
	return b.setArgs("SetOpArgsConvForward", a, op, provider.OpConvForward)
}

func (b *Backend) SetOpArgsBiasForward(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, bias dnn.DeviceMemory) provider.Status {
	if bias.IsNil() {
		return provider.StatusBadParm
	}
	return b.setArgs("SetOpArgsBiasForward", a, op, provider.OpBiasForward)
}

func (b *Backend) SetOpArgsActivForward(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, _, _, _ float64) provider.Status {
	return b.setArgs("SetOpArgsActivForward", a, op, provider.OpActivationForward)
}

func (b *Backend) SetOpArgsActivBackward(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, y dnn.DeviceMemory, _, _, _ float64) provider.Status {
	if y.IsNil() {
		return provider.StatusBadParm
	}
	return b.setArgs("SetOpArgsActivBackward", a, op, provider.OpActivationBackward)
}

func (b *Backend) SetOpArgsBatchNormInference(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, args provider.FusionBatchNormInferenceArgs) provider.Status {
	if args.Scale.IsNil() || args.Offset.IsNil() || args.Mean.IsNil() || args.Variance.IsNil() {
		return provider.StatusBadParm
	}
	return b.setArgs("SetOpArgsBatchNormInference", a, op, provider.OpBatchNormInference)
}

func (b *Backend) SetOpArgsBatchNormForward(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, args provider.FusionBatchNormForwardArgs) provider.Status {
	if args.Scale.IsNil() || args.Offset.IsNil() {
		return provider.StatusBadParm
	}
	return b.setArgs("SetOpArgsBatchNormForward", a, op, provider.OpBatchNormForward)
}

func (b *Backend) SetOpArgsBatchNormBackward(a provider.OperatorArgs, op provider.FusionOp, _, _ float32, args provider.FusionBatchNormBackwardArgs) provider.Status {
	if args.X.IsNil() || args.Scale.IsNil() {
		return provider.StatusBadParm
	}
	return b.setArgs("SetOpArgsBatchNormBackward", a, op, provider.OpBatchNormBackward)
}

func (b *Backend) ExecuteFusionPlan(h provider.Handle, p provider.FusionPlan, inDesc provider.TensorDesc, in dnn.DeviceMemory, outDesc provider.TensorDesc, out dnn.DeviceMemory, a provider.OperatorArgs) provider.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.enter("ExecuteFusionPlan"); !st.OK() {
		return st
	}
	pl, ok := b.plans[p]
	if !ok || !pl.compiled {
		return provider.StatusInvalidValue
	}
	if !b.handleOK(h) || !b.tensorOK(inDesc) || !b.tensorOK(outDesc) || in.IsNil() || out.IsNil() {
		return provider.StatusBadParm
	}
	set, ok := b.opArgs[a]
	if !ok {
		return provider.StatusBadParm
	}
	for _, op := range pl.ops {
		if !set[op] {
			return provider.StatusBadParm
		}
	}
	return provider.StatusSuccess
}
