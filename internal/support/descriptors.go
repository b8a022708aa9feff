package support

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// Scoped provider descriptors. Each is created and configured in its
// constructor and destroyed by Close; callers defer Close right after
// construction. Any provider failure here is fatal.

type tensorDescriptor struct {
	api    provider.TensorAPI
	log    *zap.Logger
	handle provider.TensorDesc
}

func newTensorDescriptor(api provider.TensorAPI, log *zap.Logger, dt provider.DataType, dims, strides []int64) *tensorDescriptor {
	d, st := api.CreateTensorDescriptor()
	must(log, st, "CreateTensorDescriptor")
	var s []int
	if strides != nil {
		s = narrow(strides)
	}
	must(log, api.SetTensorDescriptor(d, dt, narrow(dims), s), "SetTensorDescriptor",
		zap.Int64s("dims", dims), zap.Stringer("type", dt))
	return &tensorDescriptor{api: api, log: log, handle: d}
}

// newBatchTensor describes bd in NCHW dimension order with the strides of
// its physical layout.
func newBatchTensor(api provider.TensorAPI, log *zap.Logger, bd dnn.BatchDescriptor, dt provider.DataType) *tensorDescriptor {
	switch bd.Layout {
	case dnn.BatchDepthYX, dnn.BatchYXDepth:
	default:
		log.Fatal("unsupported tensor format", zap.Stringer("layout", bd.Layout))
	}
	return newTensorDescriptor(api, log, dt, bd.FullDims(dnn.BatchDepthYX), bd.FullStrides(dnn.BatchDepthYX))
}

func newFilterTensor(api provider.TensorAPI, log *zap.Logger, fd dnn.FilterDescriptor, dt provider.DataType) *tensorDescriptor {
	switch fd.Layout {
	case dnn.OutputInputYX, dnn.OutputYXInput:
	default:
		log.Fatal("unsupported filter format", zap.Stringer("layout", fd.Layout))
	}
	return newTensorDescriptor(api, log, dt, fd.FullDims(), fd.FullStrides())
}

func (t *tensorDescriptor) Close() {
	must(t.log, t.api.DestroyTensorDescriptor(t.handle), "DestroyTensorDescriptor")
}

type convDescriptor struct {
	api    provider.ConvolutionAPI
	log    *zap.Logger
	handle provider.ConvDesc
}

func newConvDescriptor(api provider.ConvolutionAPI, log *zap.Logger, cd dnn.ConvolutionDescriptor) *convDescriptor {
	d, st := api.CreateConvolutionDescriptor()
	must(log, st, "CreateConvolutionDescriptor")
	must(log, api.InitConvolutionNdDescriptor(d, narrow(cd.Padding), narrow(cd.Strides), narrow(cd.Dilations), provider.ConvolutionMode),
		"InitConvolutionNdDescriptor")
	groups := cd.GroupCount
	if groups < 1 {
		groups = 1
	}
	must(log, api.SetConvolutionGroupCount(d, groups), "SetConvolutionGroupCount", zap.Int("groups", groups))
	return &convDescriptor{api: api, log: log, handle: d}
}

func (c *convDescriptor) Close() {
	must(c.log, c.api.DestroyConvolutionDescriptor(c.handle), "DestroyConvolutionDescriptor")
}

type poolingDescriptor struct {
	api    provider.PoolingAPI
	log    *zap.Logger
	handle provider.PoolingDesc
}

func newPoolingDescriptor(api provider.PoolingAPI, log *zap.Logger, pd dnn.PoolingDescriptor) *poolingDescriptor {
	d, st := api.CreatePoolingDescriptor()
	must(log, st, "CreatePoolingDescriptor")
	mode := provider.PoolingAverage
	if pd.Mode == dnn.PoolingMaximum {
		mode = provider.PoolingMax
	}
	must(log, api.SetNdPoolingDescriptor(d, mode, narrow(pd.Window), narrow(pd.Padding), narrow(pd.Strides)), "SetNdPoolingDescriptor")
	// indices must match the int32 indexing of tensor descriptors
	must(log, api.SetPoolingIndexType(d, provider.IndexUint32), "SetPoolingIndexType")
	return &poolingDescriptor{api: api, log: log, handle: d}
}

func (p *poolingDescriptor) Close() {
	must(p.log, p.api.DestroyPoolingDescriptor(p.handle), "DestroyPoolingDescriptor")
}

type normalizeDescriptor struct {
	api    provider.LRNAPI
	log    *zap.Logger
	handle provider.LRNDesc
}

// newNormalizeDescriptor maps a cross-channel window of ±Range onto the
// provider's window size n = 2·Range+1. The provider divides alpha by n, so
// alpha is scaled up by n.
func newNormalizeDescriptor(api provider.LRNAPI, log *zap.Logger, nd dnn.NormalizeDescriptor) *normalizeDescriptor {
	d, st := api.CreateLRNDescriptor()
	must(log, st, "CreateLRNDescriptor")
	n := uint32(2*nd.Range + 1)
	must(log, api.SetLRNDescriptor(d, provider.LRNCrossChannel, n, float64(n)*nd.Alpha, nd.Beta, nd.Bias), "SetLRNDescriptor")
	return &normalizeDescriptor{api: api, log: log, handle: d}
}

func (n *normalizeDescriptor) Close() {
	must(n.log, n.api.DestroyLRNDescriptor(n.handle), "DestroyLRNDescriptor")
}

type activationDescriptor struct {
	api    provider.ActivationAPI
	log    *zap.Logger
	handle provider.ActivationDesc

	// kept so hashing and argument binding need no provider query
	mode               provider.ActivationMode
	alpha, beta, gamma float64
}

func newActivationDescriptor(api provider.ActivationAPI, log *zap.Logger, m dnn.ActivationMode) *activationDescriptor {
	d, st := api.CreateActivationDescriptor()
	must(log, st, "CreateActivationDescriptor")
	a := &activationDescriptor{api: api, log: log, handle: d}
	a.mode, a.alpha = toProviderActivation(log, m)
	must(log, api.SetActivationDescriptor(d, a.mode, a.alpha, a.beta, a.gamma), "SetActivationDescriptor")
	return a
}

func (a *activationDescriptor) Close() {
	must(a.log, a.api.DestroyActivationDescriptor(a.handle), "DestroyActivationDescriptor")
}

// toProviderActivation maps m to a provider mode and its alpha parameter.
func toProviderActivation(log *zap.Logger, m dnn.ActivationMode) (provider.ActivationMode, float64) {
	switch m {
	case dnn.ActivationNone:
		return provider.ActivationPASTHRU, 0
	case dnn.ActivationSigmoid:
		return provider.ActivationLOGISTIC, 0
	case dnn.ActivationRelu:
		return provider.ActivationRELU, 0
	case dnn.ActivationRelu6:
		return provider.ActivationRELU, 6
	case dnn.ActivationTanh:
		return provider.ActivationTANH, 0
	}
	log.Fatal("activation mode not yet implemented", zap.Stringer("mode", m))
	return 0, 0
}

// toProviderDataType maps a framework element type to the provider's. There
// is no double-precision support; entry points reject it before getting here.
func toProviderDataType(log *zap.Logger, dt dnn.DataType) provider.DataType {
	switch dt {
	case dnn.Float:
		return provider.Float
	case dnn.Half:
		return provider.Half
	case dnn.BF16:
		return provider.BFloat16
	case dnn.Int8:
		return provider.Int8
	case dnn.Int32:
		return provider.Int32
	}
	log.Fatal("invalid data type", zap.Stringer("type", dt))
	return 0
}

func narrow(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}
