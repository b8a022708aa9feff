package dnn

import (
	"fmt"
	"slices"
)

// BatchDescriptor describes a batch of feature maps. Spatial holds the
// spatial extents outermost first (Y before X).
type BatchDescriptor struct {
	Count           int64
	FeatureMapCount int64
	Spatial         []int64
	Layout          DataLayout
}

// NewBatchDescriptor returns an NCHW descriptor with the given spatial extents.
func NewBatchDescriptor(count, features int64, spatial ...int64) BatchDescriptor {
	return BatchDescriptor{
		Count:           count,
		FeatureMapCount: features,
		Spatial:         slices.Clone(spatial),
		Layout:          BatchDepthYX,
	}
}

// NDims is the number of spatial dimensions.
func (b BatchDescriptor) NDims() int { return len(b.Spatial) }

// ElementCount is the number of elements in the whole batch.
func (b BatchDescriptor) ElementCount() int64 {
	n := b.Count * b.FeatureMapCount
	for _, s := range b.Spatial {
		n *= s
	}
	return n
}

// FullDims returns the dimensions ordered as layout prescribes.
func (b BatchDescriptor) FullDims(layout DataLayout) []int64 {
	dims := make([]int64, 0, b.NDims()+2)
	switch layout {
	case BatchYXDepth:
		dims = append(dims, b.Count)
		dims = append(dims, b.Spatial...)
		dims = append(dims, b.FeatureMapCount)
	default:
		dims = append(dims, b.Count, b.FeatureMapCount)
		dims = append(dims, b.Spatial...)
	}
	return dims
}

// FullStrides returns packed strides of the physical layout, reported in the
// dimension order of layout.
func (b BatchDescriptor) FullStrides(layout DataLayout) []int64 {
	phys := packedStrides(b.FullDims(b.Layout))
	if layout == b.Layout {
		return phys
	}
	nd := b.NDims()
	// Move the depth stride between the batch and spatial positions.
	out := make([]int64, nd+2)
	out[0] = phys[0]
	if b.Layout == BatchDepthYX {
		// phys is [N, C, YX...], want [N, YX..., C]
		copy(out[1:], phys[2:])
		out[nd+1] = phys[1]
	} else {
		// phys is [N, YX..., C], want [N, C, YX...]
		out[1] = phys[nd+1]
		copy(out[2:], phys[1:nd+1])
	}
	return out
}

func (b BatchDescriptor) String() string {
	return fmt.Sprintf("{count: %d feature_map_count: %d spatial: %v layout: %s}",
		b.Count, b.FeatureMapCount, b.Spatial, b.Layout)
}

// FilterDescriptor describes convolution weights.
type FilterDescriptor struct {
	OutputFeatureMapCount int64
	InputFeatureMapCount  int64
	Spatial               []int64
	Layout                FilterLayout
}

// NewFilterDescriptor returns an OIHW filter descriptor.
func NewFilterDescriptor(outputs, inputs int64, spatial ...int64) FilterDescriptor {
	return FilterDescriptor{
		OutputFeatureMapCount: outputs,
		InputFeatureMapCount:  inputs,
		Spatial:               slices.Clone(spatial),
		Layout:                OutputInputYX,
	}
}

func (f FilterDescriptor) NDims() int { return len(f.Spatial) }

func (f FilterDescriptor) ElementCount() int64 {
	n := f.OutputFeatureMapCount * f.InputFeatureMapCount
	for _, s := range f.Spatial {
		n *= s
	}
	return n
}

// FullDims returns the filter dimensions in OutputInputYX order.
func (f FilterDescriptor) FullDims() []int64 {
	dims := []int64{f.OutputFeatureMapCount, f.InputFeatureMapCount}
	return append(dims, f.Spatial...)
}

// FullStrides returns packed strides of the physical layout in
// OutputInputYX order.
func (f FilterDescriptor) FullStrides() []int64 {
	if f.Layout != OutputYXInput {
		return packedStrides(f.FullDims())
	}
	nd := f.NDims()
	phys := []int64{f.OutputFeatureMapCount}
	phys = append(phys, f.Spatial...)
	phys = append(phys, f.InputFeatureMapCount)
	ps := packedStrides(phys)
	out := make([]int64, nd+2)
	out[0] = ps[0]
	out[1] = ps[nd+1]
	copy(out[2:], ps[1:nd+1])
	return out
}

func (f FilterDescriptor) String() string {
	return fmt.Sprintf("{output_feature_map_count: %d input_feature_map_count: %d spatial: %v layout: %s}",
		f.OutputFeatureMapCount, f.InputFeatureMapCount, f.Spatial, f.Layout)
}

// ConvolutionDescriptor carries padding, strides and dilations per spatial
// dimension.
type ConvolutionDescriptor struct {
	Padding    []int64
	Strides    []int64
	Dilations  []int64
	GroupCount int
}

// NewConvolutionDescriptor returns a descriptor with zero padding and unit
// strides and dilations.
func NewConvolutionDescriptor(ndims int) ConvolutionDescriptor {
	c := ConvolutionDescriptor{
		Padding:    make([]int64, ndims),
		Strides:    make([]int64, ndims),
		Dilations:  make([]int64, ndims),
		GroupCount: 1,
	}
	for i := 0; i < ndims; i++ {
		c.Strides[i] = 1
		c.Dilations[i] = 1
	}
	return c
}

func (c ConvolutionDescriptor) NDims() int { return len(c.Strides) }

// PoolingDescriptor describes a pooling window.
type PoolingDescriptor struct {
	Mode    PoolingMode
	Window  []int64
	Padding []int64
	Strides []int64
}

func (p PoolingDescriptor) NDims() int { return len(p.Window) }

// Equal reports whether both descriptors describe the same pooling op.
func (p PoolingDescriptor) Equal(o PoolingDescriptor) bool {
	return p.Mode == o.Mode &&
		slices.Equal(p.Window, o.Window) &&
		slices.Equal(p.Padding, o.Padding) &&
		slices.Equal(p.Strides, o.Strides)
}

// Clone returns a deep copy.
func (p PoolingDescriptor) Clone() PoolingDescriptor {
	return PoolingDescriptor{
		Mode:    p.Mode,
		Window:  slices.Clone(p.Window),
		Padding: slices.Clone(p.Padding),
		Strides: slices.Clone(p.Strides),
	}
}

// NormalizeDescriptor describes local response normalization across
// channels.
type NormalizeDescriptor struct {
	Bias        float64
	Range       int
	Alpha       float64
	Beta        float64
	WrapAround  bool
	SegmentSize int
}

func packedStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	acc := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= dims[i]
	}
	return strides
}
