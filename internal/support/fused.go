package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// FusedConvolutionArgs describe y = activation(conv(x, w) + b).
type FusedConvolutionArgs struct {
	Input       dnn.BatchDescriptor
	X           dnn.DeviceMemory
	Filter      dnn.FilterDescriptor
	W           dnn.DeviceMemory
	Convolution dnn.ConvolutionDescriptor
	Bias        dnn.BatchDescriptor
	B           dnn.DeviceMemory
	Activation  dnn.ActivationMode
	Output      dnn.BatchDescriptor
	Y           dnn.DeviceMemory
}

// FusedBatchNormArgs describe y = activation(batchnorm(x)). Mean and
// Variance are the estimates for inference and the running statistics for
// training; SavedMean and SavedInvVariance are written by training.
type FusedBatchNormArgs struct {
	XDesc            dnn.BatchDescriptor
	X                dnn.DeviceMemory
	ScaleOffsetDesc  dnn.BatchDescriptor
	Scale            dnn.DeviceMemory
	Offset           dnn.DeviceMemory
	Mean             dnn.DeviceMemory
	Variance         dnn.DeviceMemory
	SavedMean        dnn.DeviceMemory
	SavedInvVariance dnn.DeviceMemory
	Epsilon          float64
	Activation       dnn.ActivationMode
	Y                dnn.DeviceMemory
}

// FusedBatchNormBackwardArgs describe the gradient of a fused batch norm
// and activation.
type FusedBatchNormBackwardArgs struct {
	YActBackpropDesc dnn.BatchDescriptor
	YActBackprop     dnn.DeviceMemory
	YAct             dnn.DeviceMemory
	XDesc            dnn.BatchDescriptor
	X                dnn.DeviceMemory
	ScaleOffsetDesc  dnn.BatchDescriptor
	Scale            dnn.DeviceMemory
	Offset           dnn.DeviceMemory
	SavedMean        dnn.DeviceMemory
	SavedInvVariance dnn.DeviceMemory
	Activation       dnn.ActivationMode
	XBackprop        dnn.DeviceMemory
	ScaleBackprop    dnn.DeviceMemory
	OffsetBackprop   dnn.DeviceMemory
}

// DoFusedConvolutionBiasActivation runs the fused op. A false result means
// the configuration cannot be fused and the caller should run the ops
// separately.
func (s *Support) DoFusedConvolutionBiasActivation(stream provider.Stream, dt dnn.DataType, a FusedConvolutionArgs, profile *dnn.ProfileResult) bool {
	if dt != dnn.Float {
		s.log.Debug("fused convolution only supports float", zap.Stringer("type", dt))
		return false
	}
	pdt := toProviderDataType(s.log, dt)
	input := newBatchTensor(s.p, s.log, a.Input, pdt)
	defer input.Close()
	filter := newFilterTensor(s.p, s.log, a.Filter, pdt)
	defer filter.Close()
	conv := newConvDescriptor(s.p, s.log, a.Convolution)
	defer conv.Close()
	bias := newBatchTensor(s.p, s.log, a.Bias, pdt)
	defer bias.Close()
	output := newBatchTensor(s.p, s.log, a.Output, pdt)
	defer output.Close()
	act := newActivationDescriptor(s.p, s.log, a.Activation)
	defer act.Close()

	plan := s.newConvBiasActivationPlan(s.exec, stream, input, filter, conv, bias, act)
	defer plan.Close()
	if !plan.CompilationSucceeded() {
		return false
	}
	return s.executeFused(stream, plan.fusionPlan, profile, func() {
		plan.SetConvolutionArgs(a.W)
		plan.SetBiasArgs(a.B)
		plan.SetActivationForwardArgs(act)
	}, input.handle, a.X, output.handle, a.Y)
}

// batchNormTypes accepts float and half data with float scale and offset.
func (s *Support) batchNormTypes(dt, scaleType dnn.DataType) (provider.DataType, provider.DataType, bool) {
	if scaleType != dnn.Float || (dt != dnn.Float && dt != dnn.Half) {
		s.log.Debug("fused batch norm type combination not supported",
			zap.Stringer("type", dt), zap.Stringer("scaleType", scaleType))
		return 0, 0, false
	}
	return toProviderDataType(s.log, dt), toProviderDataType(s.log, scaleType), true
}

func (s *Support) DoFusedBatchNormActivationInference(stream provider.Stream, dt, scaleType dnn.DataType, a FusedBatchNormArgs,
	profile *dnn.ProfileResult) bool {
	pdt, pst, ok := s.batchNormTypes(dt, scaleType)
	if !ok {
		return false
	}
	x := newBatchTensor(s.p, s.log, a.XDesc, pdt)
	defer x.Close()
	sbmv := newBatchTensor(s.p, s.log, a.ScaleOffsetDesc, pst)
	defer sbmv.Close()
	act := newActivationDescriptor(s.p, s.log, a.Activation)
	defer act.Close()

	plan := s.newBatchNormActivationPlan(s.exec, stream, fusionBatchNormActivationInfer, x, sbmv, act)
	defer plan.Close()
	if !plan.CompilationSucceeded() {
		return false
	}
	return s.executeFused(stream, plan.fusionPlan, profile, func() {
		plan.SetBatchNormInferenceArgs(provider.FusionBatchNormInferenceArgs{
			Scale:    a.Scale,
			Offset:   a.Offset,
			Mean:     a.Mean,
			Variance: a.Variance,
			Epsilon:  a.Epsilon,
		})
		plan.SetActivationForwardArgs(act)
	}, x.handle, a.X, x.handle, a.Y)
}

func (s *Support) DoFusedBatchNormActivationForward(stream provider.Stream, dt, scaleType dnn.DataType, a FusedBatchNormArgs,
	profile *dnn.ProfileResult) bool {
	pdt, pst, ok := s.batchNormTypes(dt, scaleType)
	if !ok {
		return false
	}
	x := newBatchTensor(s.p, s.log, a.XDesc, pdt)
	defer x.Close()
	sbmv := newBatchTensor(s.p, s.log, a.ScaleOffsetDesc, pst)
	defer sbmv.Close()
	act := newActivationDescriptor(s.p, s.log, a.Activation)
	defer act.Close()

	plan := s.newBatchNormActivationPlan(s.exec, stream, fusionBatchNormActivationForward, x, sbmv, act)
	defer plan.Close()
	if !plan.CompilationSucceeded() {
		return false
	}
	return s.executeFused(stream, plan.fusionPlan, profile, func() {
		plan.SetBatchNormForwardArgs(provider.FusionBatchNormForwardArgs{
			Scale:                    a.Scale,
			Offset:                   a.Offset,
			SavedMean:                a.SavedMean,
			SavedInvVariance:         a.SavedInvVariance,
			RunningMean:              a.Mean,
			RunningVariance:          a.Variance,
			ExponentialAverageFactor: 1.0,
			Epsilon:                  a.Epsilon,
		})
		plan.SetActivationForwardArgs(act)
	}, x.handle, a.X, x.handle, a.Y)
}

func (s *Support) DoFusedBatchNormActivationBackward(stream provider.Stream, dt, scaleType dnn.DataType, a FusedBatchNormBackwardArgs,
	profile *dnn.ProfileResult) bool {
	pdt, pst, ok := s.batchNormTypes(dt, scaleType)
	if !ok {
		return false
	}
	dy := newBatchTensor(s.p, s.log, a.YActBackpropDesc, pdt)
	defer dy.Close()
	x := newBatchTensor(s.p, s.log, a.XDesc, pdt)
	defer x.Close()
	sbmv := newBatchTensor(s.p, s.log, a.ScaleOffsetDesc, pst)
	defer sbmv.Close()
	act := newActivationDescriptor(s.p, s.log, a.Activation)
	defer act.Close()

	plan := s.newBatchNormActivationPlan(s.exec, stream, fusionBatchNormActivationBackprop, dy, sbmv, act)
	defer plan.Close()
	if !plan.CompilationSucceeded() {
		return false
	}
	return s.executeFused(stream, plan.fusionPlan, profile, func() {
		plan.SetBatchNormBackwardArgs(provider.FusionBatchNormBackwardArgs{
			X:                a.X,
			Scale:            a.Scale,
			Offset:           a.Offset,
			ScaleGrad:        a.ScaleBackprop,
			OffsetGrad:       a.OffsetBackprop,
			SavedMean:        a.SavedMean,
			SavedInvVariance: a.SavedInvVariance,
		})
		plan.SetActivationBackwardArgs(act, a.YAct)
	}, dy.handle, a.YActBackprop, x.handle, a.XBackprop)
}

// executeFused binds the plan arguments and runs the plan under the handle.
// An execution failure is fatal unless the call is being profiled.
func (s *Support) executeFused(stream provider.Stream, plan *fusionPlan, profile *dnn.ProfileResult, bind func(),
	inDesc provider.TensorDesc, in dnn.DeviceMemory, outDesc provider.TensorDesc, out dnn.DeviceMemory) bool {
	var timer provider.Timer
	if profile != nil {
		t, err := s.exec.NewTimer()
		if err != nil {
			s.log.Warn("could not create timer for fused op", zap.Error(err))
		} else {
			defer t.Destroy()
			timer = t
		}
	}

	gh := s.acquire(stream)
	defer gh.Release()
	bind()

	if timer != nil {
		if err := timer.Start(stream); err != nil {
			s.log.Warn("could not start timer for fused op", zap.Error(err))
			timer = nil
		}
	}
	st := plan.Execute(gh, inDesc, in, outDesc, out)
	if timer != nil {
		if err := timer.Stop(stream); err != nil {
			s.log.Warn("could not stop timer for fused op", zap.Error(err))
		} else if st.OK() {
			profile.SetElapsedTimeMs(timer.ElapsedMilliseconds())
		}
	}
	if !st.OK() {
		if profile == nil {
			must(s.log, st, "ExecuteFusionPlan")
		}
		failed(st, "ExecuteFusionPlan")
		s.log.Debug("fused op failed while profiling", zap.Stringer("status", st))
	}
	return true
}
