package dnn

import (
	"fmt"
	"math"
)

// DeviceMemory is a non-owning view of a device buffer. Addr is the
// buffer identity used by caches keyed on the source buffer.
type DeviceMemory struct {
	Addr uintptr
	Size uint64
}

func (m DeviceMemory) IsNil() bool { return m.Addr == 0 }

// AlgorithmDesc names a provider algorithm or solution.
type AlgorithmDesc struct {
	AlgoID    int64
	TensorOps bool
	// WorkspaceSize is nil when the size was never recorded.
	WorkspaceSize *uint64
}

// NewAlgorithmDesc returns a descriptor with a recorded workspace size.
func NewAlgorithmDesc(id int64, tensorOps bool, workspace uint64) AlgorithmDesc {
	return AlgorithmDesc{AlgoID: id, TensorOps: tensorOps, WorkspaceSize: &workspace}
}

func (a AlgorithmDesc) String() string {
	s := fmt.Sprintf("%d", a.AlgoID)
	if a.TensorOps {
		s += "#TC"
	}
	return s
}

// ProfileResult is the outcome of timing one algorithm.
type ProfileResult struct {
	Algorithm     AlgorithmDesc
	ElapsedTimeMs float32
	ScratchSize   uint64
	valid         bool
}

// NewProfileResult returns an unset result.
func NewProfileResult() *ProfileResult {
	return &ProfileResult{ElapsedTimeMs: math.MaxFloat32}
}

func (p *ProfileResult) SetAlgorithm(a AlgorithmDesc) {
	p.Algorithm = a
	p.valid = true
}

func (p *ProfileResult) SetElapsedTimeMs(ms float32) { p.ElapsedTimeMs = ms }

func (p *ProfileResult) SetScratchSize(n uint64) { p.ScratchSize = n }

// IsValid reports whether an algorithm was recorded with a measured time.
func (p *ProfileResult) IsValid() bool {
	return p.valid && p.ElapsedTimeMs != math.MaxFloat32
}

// AlgorithmConfig pins an algorithm and its scratch size for re-execution.
type AlgorithmConfig struct {
	Algorithm   *AlgorithmDesc
	ScratchSize *uint64
}

// ConvolutionOperands groups the descriptors a convolution runs over.
type ConvolutionOperands struct {
	Input       BatchDescriptor
	Filter      FilterDescriptor
	Output      BatchDescriptor
	Convolution ConvolutionDescriptor
}

// ConvolutionBuffers groups the device buffers a convolution reads and
// writes.
type ConvolutionBuffers struct {
	Input  DeviceMemory
	Filter DeviceMemory
	Output DeviceMemory
}
