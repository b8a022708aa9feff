package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

const (
	fusionConvBiasActivation          = "ConvolutionBiasActivation"
	fusionBatchNormActivationInfer    = "BatchNormActivationInference"
	fusionBatchNormActivationForward  = "BatchNormActivationForward"
	fusionBatchNormActivationBackprop = "BatchNormActivationBackward"
)

// Operator positions inside each plan. A cached plan is reused without
// rebuilding, so these must match the order the build funcs append in.
const (
	cbaConvOp       = 0
	cbaBiasOp       = 1
	cbaActivationOp = 2

	bnaBatchNormOp  = 0
	bnaActivationOp = 1
)

// fusionPlan borrows a cached provider plan for one call and owns the
// operator arguments bound for that call.
type fusionPlan struct {
	api  provider.FusionAPI
	log  *zap.Logger
	plan provider.FusionPlan
	args provider.OperatorArgs

	compiled  bool
	wasCached bool
}

// newFusionPlan resolves the plan for hash. Building a fresh plan takes the
// handle only for the compile call; no cache lock is held at that point.
func (s *Support) newFusionPlan(exec provider.Executor, stream provider.Stream, fusion string, hash uint64,
	input provider.TensorDesc, build func(provider.FusionPlan)) *fusionPlan {
	args, st := s.p.CreateOperatorArgs()
	must(s.log, st, "CreateOperatorArgs")
	f := &fusionPlan{api: s.p, log: s.log, args: args}
	f.plan, f.wasCached, f.compiled = s.fusion.Resolve(fusion, hash, provider.VerticalFusion, input,
		func(p provider.FusionPlan) bool {
			build(p)
			gh := s.access.Acquire(exec, stream)
			defer gh.Release()
			return !failed(s.p.CompileFusionPlan(gh.Handle(), p), "CompileFusionPlan")
		})
	return f
}

func (f *fusionPlan) Close() {
	must(f.log, f.api.DestroyOperatorArgs(f.args), "DestroyOperatorArgs")
}

// CompilationSucceeded reports whether the plan can be executed. A false
// result means the caller should fall back to unfused ops.
func (f *fusionPlan) CompilationSucceeded() bool { return f.compiled }

// WasCached reports whether the plan came from the cache.
func (f *fusionPlan) WasCached() bool { return f.wasCached }

func (f *fusionPlan) op(idx int) provider.FusionOp {
	op, st := f.api.FusionPlanGetOp(f.plan, idx)
	must(f.log, st, "FusionPlanGetOp", zap.Int("index", idx))
	return op
}

func (f *fusionPlan) setActivationForwardArgs(idx int, a *activationDescriptor) {
	must(f.log, f.api.SetOpArgsActivForward(f.args, f.op(idx), 1, 0, a.alpha, a.beta, a.gamma), "SetOpArgsActivForward")
}

// Execute runs the plan with the bound arguments. The status is returned
// unchecked since profiling runs tolerate failures here.
func (f *fusionPlan) Execute(gh *GuardedHandle, inDesc provider.TensorDesc, in dnn.DeviceMemory, outDesc provider.TensorDesc, out dnn.DeviceMemory) provider.Status {
	return f.api.ExecuteFusionPlan(gh.Handle(), f.plan, inDesc, in, outDesc, out, f.args)
}

// convBiasActivationPlan is convolution, then bias add, then activation.
type convBiasActivationPlan struct {
	*fusionPlan
}

func (s *Support) newConvBiasActivationPlan(exec provider.Executor, stream provider.Stream, input, filter *tensorDescriptor,
	conv *convDescriptor, bias *tensorDescriptor, act *activationDescriptor) convBiasActivationPlan {
	hash := hashFusion(fusionConvBiasActivation, s.access.ID(),
		hashTensor(s.p, s.log, input.handle),
		hashTensor(s.p, s.log, filter.handle),
		hashConvolution(s.p, s.log, conv.handle),
		hashTensor(s.p, s.log, bias.handle),
		act.hash())
	f := s.newFusionPlan(exec, stream, fusionConvBiasActivation, hash, input.handle, func(p provider.FusionPlan) {
		_, st := s.p.CreateOpConvForward(p, conv.handle, filter.handle)
		must(s.log, st, "CreateOpConvForward")
		_, st = s.p.CreateOpBiasForward(p, bias.handle)
		must(s.log, st, "CreateOpBiasForward")
		_, st = s.p.CreateOpActivationForward(p, act.mode)
		must(s.log, st, "CreateOpActivationForward")
	})
	return convBiasActivationPlan{f}
}

func (c convBiasActivationPlan) SetConvolutionArgs(filter dnn.DeviceMemory) {
	must(c.log, c.api.SetOpArgsConvForward(c.args, c.op(cbaConvOp), 1, 0, filter), "SetOpArgsConvForward")
}

func (c convBiasActivationPlan) SetBiasArgs(bias dnn.DeviceMemory) {
	must(c.log, c.api.SetOpArgsBiasForward(c.args, c.op(cbaBiasOp), 1, 0, bias), "SetOpArgsBiasForward")
}

func (c convBiasActivationPlan) SetActivationForwardArgs(a *activationDescriptor) {
	c.setActivationForwardArgs(cbaActivationOp, a)
}

// batchNormActivationPlan is batch normalization followed by activation, in
// one of three flavors.
type batchNormActivationPlan struct {
	*fusionPlan
}

func (s *Support) newBatchNormActivationPlan(exec provider.Executor, stream provider.Stream, fusion string,
	x, scaleOffsetMeanVariance *tensorDescriptor, act *activationDescriptor) batchNormActivationPlan {
	hash := hashFusion(fusion, s.access.ID(),
		hashTensor(s.p, s.log, x.handle),
		hashTensor(s.p, s.log, scaleOffsetMeanVariance.handle),
		act.hash())
	f := s.newFusionPlan(exec, stream, fusion, hash, x.handle, func(p provider.FusionPlan) {
		var st provider.Status
		switch fusion {
		case fusionBatchNormActivationInfer:
			_, st = s.p.CreateOpBatchNormInference(p, provider.BNSpatial, scaleOffsetMeanVariance.handle)
			must(s.log, st, "CreateOpBatchNormInference")
			_, st = s.p.CreateOpActivationForward(p, act.mode)
			must(s.log, st, "CreateOpActivationForward")
		case fusionBatchNormActivationForward:
			_, st = s.p.CreateOpBatchNormForward(p, provider.BNSpatial, true)
			must(s.log, st, "CreateOpBatchNormForward")
			_, st = s.p.CreateOpActivationForward(p, act.mode)
			must(s.log, st, "CreateOpActivationForward")
		case fusionBatchNormActivationBackprop:
			_, st = s.p.CreateOpBatchNormBackward(p, provider.BNSpatial)
			must(s.log, st, "CreateOpBatchNormBackward")
			_, st = s.p.CreateOpActivationBackward(p, act.mode)
			must(s.log, st, "CreateOpActivationBackward")
		default:
			s.log.Fatal("unknown batch norm fusion", zap.String("fusion", fusion))
		}
	})
	return batchNormActivationPlan{f}
}

func (b batchNormActivationPlan) SetBatchNormInferenceArgs(args provider.FusionBatchNormInferenceArgs) {
	must(b.log, b.api.SetOpArgsBatchNormInference(b.args, b.op(bnaBatchNormOp), 1, 0, args), "SetOpArgsBatchNormInference")
}

func (b batchNormActivationPlan) SetBatchNormForwardArgs(args provider.FusionBatchNormForwardArgs) {
	must(b.log, b.api.SetOpArgsBatchNormForward(b.args, b.op(bnaBatchNormOp), 1, 0, args), "SetOpArgsBatchNormForward")
}

func (b batchNormActivationPlan) SetBatchNormBackwardArgs(args provider.FusionBatchNormBackwardArgs) {
	must(b.log, b.api.SetOpArgsBatchNormBackward(b.args, b.op(bnaBatchNormOp), 1, 0, args), "SetOpArgsBatchNormBackward")
}

func (b batchNormActivationPlan) SetActivationForwardArgs(a *activationDescriptor) {
	b.setActivationForwardArgs(bnaActivationOp, a)
}

func (b batchNormActivationPlan) SetActivationBackwardArgs(a *activationDescriptor, y dnn.DeviceMemory) {
	must(b.log, b.api.SetOpArgsActivBackward(b.args, b.op(bnaActivationOp), 1, 0, y, a.alpha, a.beta, a.gamma), "SetOpArgsActivBackward")
}
