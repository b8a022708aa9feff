package provider

import "github.com/fxnlabs/dnnsupport/internal/dnn"

// Provider is the native neural-network math library. Every call returns a
// Status; none of them panic.
//
// Implementations must tolerate concurrent calls on distinct handles. Calls
// on the same handle are serialized by the caller.
type Provider interface {
	HandleAPI
	TensorAPI
	ConvolutionAPI
	FusionAPI
	ActivationAPI
	PoolingAPI
	LRNAPI
	BatchNormAPI
	RNNAPI
	CTCAPI
}

type HandleAPI interface {
	CreateWithStream(stream StreamHandle) (Handle, Status)
	Destroy(h Handle) Status
	// SetStream binds the stream subsequent calls on h enqueue on. A zero
	// stream is the null stream.
	SetStream(h Handle, stream StreamHandle) Status
	GetVersion() (dnn.VersionInfo, Status)
}

type TensorAPI interface {
	CreateTensorDescriptor() (TensorDesc, Status)
	// SetTensorDescriptor sets dims and strides; nil strides means packed.
	SetTensorDescriptor(d TensorDesc, dt DataType, dims, strides []int) Status
	GetTensorDescriptor(d TensorDesc) (dt DataType, dims, strides []int, st Status)
	DestroyTensorDescriptor(d TensorDesc) Status
}

type ConvolutionAPI interface {
	CreateConvolutionDescriptor() (ConvDesc, Status)
	InitConvolutionNdDescriptor(d ConvDesc, pad, stride, dilation []int, mode ConvMode) Status
	SetConvolutionGroupCount(d ConvDesc, groups int) Status
	GetConvolutionNdDescriptor(d ConvDesc) (pad, stride, dilation []int, mode ConvMode, st Status)
	DestroyConvolutionDescriptor(d ConvDesc) Status
	GetConvolutionNdForwardOutputDim(conv ConvDesc, input, filter TensorDesc) ([]int, Status)

	ConvolutionForwardGetSolutionCount(h Handle, d ConvDescriptors) (int, Status)
	ConvolutionForwardGetSolution(h Handle, d ConvDescriptors, max int) ([]ConvSolution, Status)
	ConvolutionForwardCompileSolution(h Handle, d ConvDescriptors, solutionID uint64) Status
	ConvolutionForwardGetWorkSpaceSize(h Handle, d ConvDescriptors) (uint64, Status)
	FindConvolutionForwardAlgorithm(h Handle, d ConvDescriptors, b dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory, exhaustive bool) ([]ConvAlgoPerf, Status)
	ConvolutionForwardImmediate(h Handle, d ConvDescriptors, b dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, solutionID uint64) Status
	ConvolutionForward(h Handle, alpha, beta float32, d ConvDescriptors, b dnn.ConvolutionBuffers, algo int64, workspace dnn.DeviceMemory) Status

	ConvolutionBackwardDataGetSolutionCount(h Handle, d ConvDescriptors) (int, Status)
	ConvolutionBackwardDataGetSolution(h Handle, d ConvDescriptors, max int) ([]ConvSolution, Status)
	ConvolutionBackwardDataCompileSolution(h Handle, d ConvDescriptors, solutionID uint64) Status
	ConvolutionBackwardDataGetWorkSpaceSize(h Handle, d ConvDescriptors) (uint64, Status)
	FindConvolutionBackwardDataAlgorithm(h Handle, d ConvDescriptors, b dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory, exhaustive bool) ([]ConvAlgoPerf, Status)
	ConvolutionBackwardDataImmediate(h Handle, d ConvDescriptors, b dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, solutionID uint64) Status
	ConvolutionBackwardData(h Handle, alpha, beta float32, d ConvDescriptors, b dnn.ConvolutionBuffers, algo int64, workspace dnn.DeviceMemory) Status

	ConvolutionBackwardWeightsGetSolutionCount(h Handle, d ConvDescriptors) (int, Status)
	ConvolutionBackwardWeightsGetSolution(h Handle, d ConvDescriptors, max int) ([]ConvSolution, Status)
	ConvolutionBackwardWeightsCompileSolution(h Handle, d ConvDescriptors, solutionID uint64) Status
	ConvolutionBackwardWeightsGetWorkSpaceSize(h Handle, d ConvDescriptors) (uint64, Status)
	FindConvolutionBackwardWeightsAlgorithm(h Handle, d ConvDescriptors, b dnn.ConvolutionBuffers, requested int, workspace dnn.DeviceMemory, exhaustive bool) ([]ConvAlgoPerf, Status)
	ConvolutionBackwardWeightsImmediate(h Handle, d ConvDescriptors, b dnn.ConvolutionBuffers, workspace dnn.DeviceMemory, solutionID uint64) Status
	ConvolutionBackwardWeights(h Handle, alpha, beta float32, d ConvDescriptors, b dnn.ConvolutionBuffers, algo int64, workspace dnn.DeviceMemory) Status
}

type FusionAPI interface {
	CreateFusionPlan(dir FusionDirection, input TensorDesc) (FusionPlan, Status)
	DestroyFusionPlan(p FusionPlan) Status
	CompileFusionPlan(h Handle, p FusionPlan) Status
	FusionPlanGetOp(p FusionPlan, idx int) (FusionOp, Status)

	CreateOpConvForward(p FusionPlan, conv ConvDesc, filter TensorDesc) (FusionOp, Status)
	CreateOpBiasForward(p FusionPlan, bias TensorDesc) (FusionOp, Status)
	CreateOpActivationForward(p FusionPlan, mode ActivationMode) (FusionOp, Status)
	CreateOpActivationBackward(p FusionPlan, mode ActivationMode) (FusionOp, Status)
	CreateOpBatchNormInference(p FusionPlan, mode BatchNormMode, scaleBiasMeanVar TensorDesc) (FusionOp, Status)
	CreateOpBatchNormForward(p FusionPlan, mode BatchNormMode, runningMeanVariance bool) (FusionOp, Status)
	CreateOpBatchNormBackward(p FusionPlan, mode BatchNormMode) (FusionOp, Status)

	CreateOperatorArgs() (OperatorArgs, Status)
	DestroyOperatorArgs(a OperatorArgs) Status
	SetOpArgsConvForward(a OperatorArgs, op FusionOp, alpha, beta float32, filter dnn.DeviceMemory) Status
	SetOpArgsBiasForward(a OperatorArgs, op FusionOp, alpha, beta float32, bias dnn.DeviceMemory) Status
	SetOpArgsActivForward(a OperatorArgs, op FusionOp, alpha, beta float32, activAlpha, activBeta, activGamma float64) Status
	SetOpArgsActivBackward(a OperatorArgs, op FusionOp, alpha, beta float32, y dnn.DeviceMemory, activAlpha, activBeta, activGamma float64) Status
	SetOpArgsBatchNormInference(a OperatorArgs, op FusionOp, alpha, beta float32, args FusionBatchNormInferenceArgs) Status
	SetOpArgsBatchNormForward(a OperatorArgs, op FusionOp, alpha, beta float32, args FusionBatchNormForwardArgs) Status
	SetOpArgsBatchNormBackward(a OperatorArgs, op FusionOp, alpha, beta float32, args FusionBatchNormBackwardArgs) Status

	ExecuteFusionPlan(h Handle, p FusionPlan, inDesc TensorDesc, in dnn.DeviceMemory, outDesc TensorDesc, out dnn.DeviceMemory, args OperatorArgs) Status
}

type ActivationAPI interface {
	CreateActivationDescriptor() (ActivationDesc, Status)
	SetActivationDescriptor(d ActivationDesc, mode ActivationMode, alpha, beta, gamma float64) Status
	DestroyActivationDescriptor(d ActivationDesc) Status
}

type PoolingAPI interface {
	CreatePoolingDescriptor() (PoolingDesc, Status)
	SetNdPoolingDescriptor(d PoolingDesc, mode PoolingMode, window, pad, stride []int) Status
	SetPoolingIndexType(d PoolingDesc, t IndexType) Status
	DestroyPoolingDescriptor(d PoolingDesc) Status
	PoolingGetWorkSpaceSizeV2(d PoolingDesc, y TensorDesc) (uint64, Status)
	// PoolingForward records pooling indices into Workspace when doBackward
	// is set.
	PoolingForward(h Handle, d PoolingDesc, alpha, beta float32, args PoolingArgs, doBackward bool) Status
	PoolingBackward(h Handle, d PoolingDesc, alpha, beta float32, args PoolingArgs) Status
}

type LRNAPI interface {
	CreateLRNDescriptor() (LRNDesc, Status)
	SetLRNDescriptor(d LRNDesc, mode LRNMode, n uint32, alpha, beta, k float64) Status
	DestroyLRNDescriptor(d LRNDesc) Status
	LRNGetWorkSpaceSize(y TensorDesc) (uint64, Status)
	LRNForward(h Handle, d LRNDesc, alpha, beta float32, args LRNArgs, doBackward bool) Status
	LRNBackward(h Handle, d LRNDesc, alpha, beta float32, args LRNArgs) Status
}

type BatchNormAPI interface {
	BatchNormalizationForwardTraining(h Handle, mode BatchNormMode, alpha, beta float32, args BatchNormTrainingArgs) Status
	BatchNormalizationForwardInference(h Handle, mode BatchNormMode, alpha, beta float32, args BatchNormInferenceArgs) Status
	BatchNormalizationBackward(h Handle, mode BatchNormMode, alphaData, betaData, alphaParam, betaParam float32, args BatchNormBackwardArgs) Status
}

type RNNAPI interface {
	CreateRNNDescriptor() (RNNDesc, Status)
	SetRNNDescriptor(d RNNDesc, hiddenSize, numLayers int, in RNNInputMode, dir RNNDirectionMode, mode RNNMode, bias RNNBiasMode, algo RNNAlgo, dt DataType) Status
	DestroyRNNDescriptor(d RNNDesc) Status
	GetRNNParamsSize(h Handle, d RNNDesc, x TensorDesc, dt DataType) (uint64, Status)
	GetRNNParamsDescriptor(h Handle, d RNNDesc, x, w TensorDesc, dt DataType) Status
	GetRNNWorkspaceSize(h Handle, d RNNDesc, seqLength int, x []TensorDesc) (uint64, Status)
	GetRNNTrainingReserveSize(h Handle, d RNNDesc, seqLength int, x []TensorDesc) (uint64, Status)
	RNNForwardInference(h Handle, d RNNDesc, args RNNForwardArgs) Status
	RNNForwardTraining(h Handle, d RNNDesc, args RNNForwardArgs) Status
	RNNBackwardData(h Handle, d RNNDesc, args RNNBackwardDataArgs) Status
	RNNBackwardWeights(h Handle, d RNNDesc, args RNNBackwardWeightsArgs) Status
}

type CTCAPI interface {
	CreateCTCLossDescriptor() (CTCLossDesc, Status)
	SetCTCLossDescriptor(d CTCLossDesc, dt DataType, blankLabel int, applySoftmax bool) Status
	DestroyCTCLossDescriptor(d CTCLossDesc) Status
	GetCTCLossWorkspaceSize(h Handle, probs, grads TensorDesc, labels, labelLengths, inputLengths []int32, algo CTCLossAlgo, d CTCLossDesc) (uint64, Status)
	CTCLoss(h Handle, args CTCLossArgs) Status
}
