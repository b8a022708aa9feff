package provider

import "github.com/fxnlabs/dnnsupport/internal/dnn"

// Opaque provider objects. Zero is never a valid object.
type (
	Handle         uintptr
	StreamHandle   uintptr
	TensorDesc     uintptr
	ConvDesc       uintptr
	PoolingDesc    uintptr
	LRNDesc        uintptr
	ActivationDesc uintptr
	FusionPlan     uintptr
	FusionOp       uintptr
	OperatorArgs   uintptr
	RNNDesc        uintptr
	CTCLossDesc    uintptr
)

// DataType is the provider's element type tag.
type DataType int

const (
	Half DataType = iota
	Float
	Int32
	Int8
	Int8x4
	BFloat16
	Double
)

func (d DataType) String() string {
	switch d {
	case Half:
		return "miopenHalf"
	case Float:
		return "miopenFloat"
	case Int32:
		return "miopenInt32"
	case Int8:
		return "miopenInt8"
	case Int8x4:
		return "miopenInt8x4"
	case BFloat16:
		return "miopenBFloat16"
	case Double:
		return "miopenDouble"
	default:
		return "miopenUnknownType"
	}
}

// Size returns the element size in bytes.
func (d DataType) Size() int {
	switch d {
	case Half, BFloat16:
		return 2
	case Float, Int32, Int8x4:
		return 4
	case Int8:
		return 1
	case Double:
		return 8
	default:
		return 0
	}
}

type ConvMode int

const (
	ConvolutionMode ConvMode = iota
	TransposeMode
	GroupConvMode
	DepthwiseMode
)

type PoolingMode int

const (
	PoolingMax PoolingMode = iota
	PoolingAverage
	PoolingAverageInclusive
)

type IndexType int

const (
	IndexUint8 IndexType = iota
	IndexUint16
	IndexUint32
	IndexUint64
)

type ActivationMode int

const (
	ActivationPASTHRU ActivationMode = iota
	ActivationLOGISTIC
	ActivationTANH
	ActivationRELU
	ActivationSOFTRELU
	ActivationABS
	ActivationPOWER
	ActivationCLIPPEDRELU
	ActivationLEAKYRELU
	ActivationELU
)

func (m ActivationMode) String() string {
	switch m {
	case ActivationPASTHRU:
		return "PASTHRU"
	case ActivationLOGISTIC:
		return "LOGISTIC"
	case ActivationTANH:
		return "TANH"
	case ActivationRELU:
		return "RELU"
	case ActivationSOFTRELU:
		return "SOFTRELU"
	case ActivationABS:
		return "ABS"
	case ActivationPOWER:
		return "POWER"
	case ActivationCLIPPEDRELU:
		return "CLIPPEDRELU"
	case ActivationLEAKYRELU:
		return "LEAKYRELU"
	case ActivationELU:
		return "ELU"
	default:
		return "UNKNOWN"
	}
}

type BatchNormMode int

const (
	BNPerActivation BatchNormMode = iota
	BNSpatial
)

type FusionDirection int

const (
	VerticalFusion FusionDirection = iota
	HorizontalFusion
)

// FusionOpKind identifies an operator appended to a fusion plan.
type FusionOpKind int

const (
	OpConvForward FusionOpKind = iota
	OpBiasForward
	OpActivationForward
	OpActivationBackward
	OpBatchNormInference
	OpBatchNormForward
	OpBatchNormBackward
)

func (k FusionOpKind) String() string {
	switch k {
	case OpConvForward:
		return "ConvForward"
	case OpBiasForward:
		return "BiasForward"
	case OpActivationForward:
		return "ActivationForward"
	case OpActivationBackward:
		return "ActivationBackward"
	case OpBatchNormInference:
		return "BatchNormInference"
	case OpBatchNormForward:
		return "BatchNormForward"
	case OpBatchNormBackward:
		return "BatchNormBackward"
	default:
		return "Unknown"
	}
}

type LRNMode int

const (
	LRNWithinChannel LRNMode = iota
	LRNCrossChannel
)

type RNNInputMode int

const (
	RNNLinear RNNInputMode = iota
	RNNSkip
)

type RNNDirectionMode int

const (
	RNNUnidirection RNNDirectionMode = iota
	RNNBidirection
)

type RNNMode int

const (
	RNNRELU RNNMode = iota
	RNNTANH
	LSTM
	GRU
)

type RNNBiasMode int

const (
	RNNNoBias RNNBiasMode = iota
	RNNWithBias
)

type RNNAlgo int

const (
	RNNDefault RNNAlgo = iota
	RNNFundamental
)

type CTCLossAlgo int

const CTCLossAlgoDeterministic CTCLossAlgo = 0

// ConvAlgorithm is the family a convolution solution belongs to.
type ConvAlgorithm int

const (
	ConvAlgoGEMM ConvAlgorithm = iota
	ConvAlgoDirect
	ConvAlgoFFT
	ConvAlgoWinograd
	ConvAlgoImplicitGEMM
)

func (a ConvAlgorithm) String() string {
	switch a {
	case ConvAlgoGEMM:
		return "GEMM"
	case ConvAlgoDirect:
		return "Direct"
	case ConvAlgoFFT:
		return "FFT"
	case ConvAlgoWinograd:
		return "Winograd"
	case ConvAlgoImplicitGEMM:
		return "ImplicitGEMM"
	default:
		return "Unknown"
	}
}

// ConvSolution is one candidate reported by the solution query API.
type ConvSolution struct {
	Time          float32
	WorkspaceSize uint64
	SolutionID    uint64
	Algorithm     ConvAlgorithm
}

// ConvAlgoPerf is one result of the algorithm search API. Only the field
// matching the searched direction is meaningful.
type ConvAlgoPerf struct {
	FwdAlgo        int64
	BwdDataAlgo    int64
	BwdWeightsAlgo int64
	Time           float32
	Memory         uint64
}

// ConvDescriptors are the descriptors shared by every convolution call.
type ConvDescriptors struct {
	Input  TensorDesc
	Filter TensorDesc
	Conv   ConvDesc
	Output TensorDesc
}

type FusionBatchNormInferenceArgs struct {
	Scale    dnn.DeviceMemory
	Offset   dnn.DeviceMemory
	Mean     dnn.DeviceMemory
	Variance dnn.DeviceMemory
	Epsilon  float64
}

type FusionBatchNormForwardArgs struct {
	Scale                    dnn.DeviceMemory
	Offset                   dnn.DeviceMemory
	SavedMean                dnn.DeviceMemory
	SavedInvVariance         dnn.DeviceMemory
	RunningMean              dnn.DeviceMemory
	RunningVariance          dnn.DeviceMemory
	ExponentialAverageFactor float64
	Epsilon                  float64
}

type FusionBatchNormBackwardArgs struct {
	X                dnn.DeviceMemory
	Scale            dnn.DeviceMemory
	Offset           dnn.DeviceMemory
	ScaleGrad        dnn.DeviceMemory
	OffsetGrad       dnn.DeviceMemory
	SavedMean        dnn.DeviceMemory
	SavedInvVariance dnn.DeviceMemory
}

type BatchNormTrainingArgs struct {
	XDesc                    TensorDesc
	X                        dnn.DeviceMemory
	YDesc                    TensorDesc
	Y                        dnn.DeviceMemory
	ScaleBiasDesc            TensorDesc
	Scale                    dnn.DeviceMemory
	Bias                     dnn.DeviceMemory
	ExponentialAverageFactor float64
	RunningMean              dnn.DeviceMemory
	RunningVariance          dnn.DeviceMemory
	Epsilon                  float64
	SavedMean                dnn.DeviceMemory
	SavedInvVariance         dnn.DeviceMemory
}

type BatchNormInferenceArgs struct {
	XDesc             TensorDesc
	X                 dnn.DeviceMemory
	YDesc             TensorDesc
	Y                 dnn.DeviceMemory
	ScaleBiasDesc     TensorDesc
	Scale             dnn.DeviceMemory
	Bias              dnn.DeviceMemory
	EstimatedMean     dnn.DeviceMemory
	EstimatedVariance dnn.DeviceMemory
	Epsilon           float64
}

type BatchNormBackwardArgs struct {
	XDesc            TensorDesc
	X                dnn.DeviceMemory
	DYDesc           TensorDesc
	DY               dnn.DeviceMemory
	DXDesc           TensorDesc
	DX               dnn.DeviceMemory
	ScaleBiasDesc    TensorDesc
	Scale            dnn.DeviceMemory
	ScaleGrad        dnn.DeviceMemory
	BiasGrad         dnn.DeviceMemory
	Epsilon          float64
	SavedMean        dnn.DeviceMemory
	SavedInvVariance dnn.DeviceMemory
}

// PoolingArgs are the tensors of a pooling call. DY and DX are only read
// by the backward pass.
type PoolingArgs struct {
	XDesc     TensorDesc
	X         dnn.DeviceMemory
	YDesc     TensorDesc
	Y         dnn.DeviceMemory
	DYDesc    TensorDesc
	DY        dnn.DeviceMemory
	DXDesc    TensorDesc
	DX        dnn.DeviceMemory
	Workspace dnn.DeviceMemory
}

// LRNArgs mirror PoolingArgs for local response normalization.
type LRNArgs struct {
	XDesc     TensorDesc
	X         dnn.DeviceMemory
	YDesc     TensorDesc
	Y         dnn.DeviceMemory
	DYDesc    TensorDesc
	DY        dnn.DeviceMemory
	DXDesc    TensorDesc
	DX        dnn.DeviceMemory
	Workspace dnn.DeviceMemory
}

type RNNForwardArgs struct {
	SeqLength    int
	XDescs       []TensorDesc
	X            dnn.DeviceMemory
	HXDesc       TensorDesc
	HX           dnn.DeviceMemory
	CXDesc       TensorDesc
	CX           dnn.DeviceMemory
	WDesc        TensorDesc
	W            dnn.DeviceMemory
	YDescs       []TensorDesc
	Y            dnn.DeviceMemory
	HYDesc       TensorDesc
	HY           dnn.DeviceMemory
	CYDesc       TensorDesc
	CY           dnn.DeviceMemory
	Workspace    dnn.DeviceMemory
	ReserveSpace dnn.DeviceMemory
}

type RNNBackwardDataArgs struct {
	SeqLength    int
	YDescs       []TensorDesc
	Y            dnn.DeviceMemory
	DYDescs      []TensorDesc
	DY           dnn.DeviceMemory
	DHYDesc      TensorDesc
	DHY          dnn.DeviceMemory
	DCYDesc      TensorDesc
	DCY          dnn.DeviceMemory
	WDesc        TensorDesc
	W            dnn.DeviceMemory
	HXDesc       TensorDesc
	HX           dnn.DeviceMemory
	CXDesc       TensorDesc
	CX           dnn.DeviceMemory
	DXDescs      []TensorDesc
	DX           dnn.DeviceMemory
	DHXDesc      TensorDesc
	DHX          dnn.DeviceMemory
	DCXDesc      TensorDesc
	DCX          dnn.DeviceMemory
	Workspace    dnn.DeviceMemory
	ReserveSpace dnn.DeviceMemory
}

type RNNBackwardWeightsArgs struct {
	SeqLength    int
	XDescs       []TensorDesc
	X            dnn.DeviceMemory
	HXDesc       TensorDesc
	HX           dnn.DeviceMemory
	YDescs       []TensorDesc
	Y            dnn.DeviceMemory
	DWDesc       TensorDesc
	DW           dnn.DeviceMemory
	Workspace    dnn.DeviceMemory
	ReserveSpace dnn.DeviceMemory
}

type CTCLossArgs struct {
	ProbsDesc    TensorDesc
	Probs        dnn.DeviceMemory
	Labels       []int32
	LabelLengths []int32
	InputLengths []int32
	Costs        dnn.DeviceMemory
	GradsDesc    TensorDesc
	Grads        dnn.DeviceMemory
	Algo         CTCLossAlgo
	Desc         CTCLossDesc
	Workspace    dnn.DeviceMemory
}
