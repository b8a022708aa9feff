package dnn

import "fmt"

// DataType is the element type of a tensor as seen by the framework.
type DataType int

const (
	Float DataType = iota
	Double
	Half
	Int8
	Int32
	BF16
)

func (d DataType) String() string {
	switch d {
	case Float:
		return "float"
	case Double:
		return "double"
	case Half:
		return "half"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// Size returns the element size in bytes.
func (d DataType) Size() int {
	switch d {
	case Double:
		return 8
	case Float, Int32:
		return 4
	case Half, BF16:
		return 2
	case Int8:
		return 1
	default:
		return 0
	}
}

// DataLayout describes the physical ordering of a batch tensor.
type DataLayout int

const (
	// BatchDepthYX is NCHW.
	BatchDepthYX DataLayout = iota
	// BatchYXDepth is NHWC.
	BatchYXDepth
)

func (l DataLayout) String() string {
	switch l {
	case BatchDepthYX:
		return "BatchDepthYX"
	case BatchYXDepth:
		return "BatchYXDepth"
	default:
		return fmt.Sprintf("DataLayout(%d)", int(l))
	}
}

// FilterLayout describes the physical ordering of a filter tensor.
type FilterLayout int

const (
	// OutputInputYX is OIHW.
	OutputInputYX FilterLayout = iota
	// OutputYXInput is OHWI.
	OutputYXInput
	// InputYXOutput is IHWO and has no provider mapping.
	InputYXOutput
)

func (l FilterLayout) String() string {
	switch l {
	case OutputInputYX:
		return "OutputInputYX"
	case OutputYXInput:
		return "OutputYXInput"
	case InputYXOutput:
		return "InputYXOutput"
	default:
		return fmt.Sprintf("FilterLayout(%d)", int(l))
	}
}

// ActivationMode is the framework activation applied after an op.
type ActivationMode int

const (
	ActivationNone ActivationMode = iota
	ActivationSigmoid
	ActivationRelu
	ActivationRelu6
	ActivationReluX
	ActivationTanh
	ActivationBandPass
	ActivationElu
	ActivationLeakyRelu
)

func (m ActivationMode) String() string {
	switch m {
	case ActivationNone:
		return "none"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationRelu:
		return "relu"
	case ActivationRelu6:
		return "relu6"
	case ActivationReluX:
		return "reluX"
	case ActivationTanh:
		return "tanh"
	case ActivationBandPass:
		return "bandpass"
	case ActivationElu:
		return "elu"
	case ActivationLeakyRelu:
		return "leakyrelu"
	default:
		return fmt.Sprintf("ActivationMode(%d)", int(m))
	}
}

// ConvolutionKind selects the direction of a convolution.
type ConvolutionKind int

const (
	ConvolutionForward ConvolutionKind = iota
	ConvolutionBackwardData
	ConvolutionBackwardFilter
)

func (k ConvolutionKind) String() string {
	switch k {
	case ConvolutionForward:
		return "FORWARD"
	case ConvolutionBackwardData:
		return "BACKWARD_DATA"
	case ConvolutionBackwardFilter:
		return "BACKWARD_FILTER"
	default:
		return fmt.Sprintf("ConvolutionKind(%d)", int(k))
	}
}

// PoolingMode is max or average pooling.
type PoolingMode int

const (
	PoolingMaximum PoolingMode = iota
	PoolingAverage
)

// VersionInfo is the provider library version.
type VersionInfo struct {
	Major int
	Minor int
	Patch int
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
