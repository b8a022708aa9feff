package support

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// maxTensorDims is the largest rank a provider tensor descriptor carries.
// Tensor hashes always cover this many dims and strides, zero padded.
const maxTensorDims = 5

// hasher accumulates fixed-width fields into one xxhash digest.
type hasher struct {
	d   *xxhash.Digest
	buf [8]byte
}

func newHasher() *hasher { return &hasher{d: xxhash.New()} }

func (h *hasher) uint(v uint64) *hasher {
	binary.LittleEndian.PutUint64(h.buf[:], v)
	_, _ = h.d.Write(h.buf[:])
	return h
}

func (h *hasher) int(v int) *hasher { return h.uint(uint64(int64(v))) }

func (h *hasher) float(v float64) *hasher { return h.uint(math.Float64bits(v)) }

func (h *hasher) string(s string) *hasher {
	h.int(len(s))
	_, _ = h.d.WriteString(s)
	return h
}

func (h *hasher) sum() uint64 { return h.d.Sum64() }

// hashTensor hashes the data type, dims and strides the provider reports for
// d, so two descriptors built from equal values hash equally.
func hashTensor(api provider.TensorAPI, log *zap.Logger, d provider.TensorDesc) uint64 {
	dt, dims, strides, st := api.GetTensorDescriptor(d)
	must(log, st, "GetTensorDescriptor")
	h := newHasher().int(int(dt))
	for i := 0; i < maxTensorDims; i++ {
		v := 0
		if i < len(dims) {
			v = dims[i]
		}
		h.int(v)
	}
	for i := 0; i < maxTensorDims; i++ {
		v := 0
		if i < len(strides) {
			v = strides[i]
		}
		h.int(v)
	}
	return h.sum()
}

func hashConvolution(api provider.ConvolutionAPI, log *zap.Logger, d provider.ConvDesc) uint64 {
	pad, stride, dilation, mode, st := api.GetConvolutionNdDescriptor(d)
	must(log, st, "GetConvolutionNdDescriptor")
	h := newHasher().int(int(mode)).int(len(pad))
	for _, group := range [][]int{pad, stride, dilation} {
		for _, v := range group {
			h.int(v)
		}
	}
	return h.sum()
}

func (a *activationDescriptor) hash() uint64 {
	return newHasher().int(int(a.mode)).float(a.alpha).float(a.beta).float(a.gamma).sum()
}

// hashFusion combines the fusion kind, the owning handle and the operand
// hashes into a fusion plan cache key.
func hashFusion(kind string, handle uuid.UUID, operands ...uint64) uint64 {
	h := newHasher().string(kind)
	_, _ = h.d.Write(handle[:])
	for _, o := range operands {
		h.uint(o)
	}
	return h.sum()
}
