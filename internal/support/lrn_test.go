package support

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/dnnsupport/internal/dnn"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/provider/hostsim"
)

func crossChannelLRN() dnn.NormalizeDescriptor {
	return dnn.NormalizeDescriptor{Bias: 2, Range: 2, Alpha: 1e-4, Beta: 0.75}
}

func TestDoNormalizeWithDimensions(t *testing.T) {
	dims := dnn.NewBatchDescriptor(1, 8, 4, 4)

	t.Run("forward", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		in, out := f.floats(t, dims.ElementCount()), f.floats(t, dims.ElementCount())
		require.True(t, f.s.DoNormalizeWithDimensions(f.stream, crossChannelLRN(), dims, in, out))
		assert.Equal(t, 1, f.b.Calls("LRNForward"))
		assert.Equal(t, 0, f.b.Live()["lrn"])
		assert.Equal(t, 0, f.b.Live()["tensor"])
	})

	t.Run("unsupported descriptors", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		in, out := f.floats(t, dims.ElementCount()), f.floats(t, dims.ElementCount())
		wrap := crossChannelLRN()
		wrap.WrapAround = true
		segmented := crossChannelLRN()
		segmented.SegmentSize = 4

		assert.False(t, f.s.DoNormalizeWithDimensions(f.stream, wrap, dims, in, out))
		assert.False(t, f.s.DoNormalizeWithDimensions(f.stream, segmented, dims, in, out))
		assert.Equal(t, 0, f.b.Calls("CreateLRNDescriptor"))
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		in, out := f.floats(t, dims.ElementCount()), f.floats(t, dims.ElementCount())
		f.b.Fail("LRNForward", provider.StatusBadParm)
		assert.False(t, f.s.DoNormalizeWithDimensions(f.stream, crossChannelLRN(), dims, in, out))
		assert.Equal(t, 0, f.b.Live()["lrn"])
	})
}

func TestDoNormalizeBackwardWithDimensions(t *testing.T) {
	dims := dnn.NewBatchDescriptor(2, 8, 4, 4)
	n := dims.ElementCount()

	t.Run("chains a forward pass into scratch", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		raw, norm, normGrad, rawGrad := f.floats(t, n), f.floats(t, n), f.floats(t, n), f.floats(t, n)

		require.True(t, f.s.DoNormalizeBackwardWithDimensions(f.stream, crossChannelLRN(), dims, raw, norm, normGrad, rawGrad, f.alloc))
		assert.Equal(t, 1, f.b.Calls("LRNForward"))
		assert.Equal(t, 1, f.b.Calls("LRNBackward"))
		// workspace and the chained forward output
		assert.Equal(t, 2, f.alloc.Allocations())
	})

	t.Run("needs an allocator", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		raw, norm, normGrad, rawGrad := f.floats(t, n), f.floats(t, n), f.floats(t, n), f.floats(t, n)
		assert.False(t, f.s.DoNormalizeBackwardWithDimensions(f.stream, crossChannelLRN(), dims, raw, norm, normGrad, rawGrad, nil))
		assert.Equal(t, 0, f.b.Calls("LRNForward"))
	})

	t.Run("allocation failure", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		raw, norm, normGrad, rawGrad := f.floats(t, n), f.floats(t, n), f.floats(t, n), f.floats(t, n)
		small := hostsim.NewAllocator(f.b.Device(), 64)
		defer small.Release()
		assert.False(t, f.s.DoNormalizeBackwardWithDimensions(f.stream, crossChannelLRN(), dims, raw, norm, normGrad, rawGrad, small))
	})

	t.Run("wrap-around", func(t *testing.T) {
		f := newFixture(t, defaultDNN(), hostsim.Options{})
		raw, norm, normGrad, rawGrad := f.floats(t, n), f.floats(t, n), f.floats(t, n), f.floats(t, n)
		wrap := crossChannelLRN()
		wrap.WrapAround = true
		assert.False(t, f.s.DoNormalizeBackwardWithDimensions(f.stream, wrap, dims, raw, norm, normGrad, rawGrad, f.alloc))
		assert.Equal(t, 0, f.alloc.Allocations())
	})

	for _, call := range []string{"LRNGetWorkSpaceSize", "LRNForward", "LRNBackward"} {
		t.Run(call+" failure", func(t *testing.T) {
			f := newFixture(t, defaultDNN(), hostsim.Options{})
			raw, norm, normGrad, rawGrad := f.floats(t, n), f.floats(t, n), f.floats(t, n), f.floats(t, n)
			f.b.Fail(call, provider.StatusInternalError)
			assert.False(t, f.s.DoNormalizeBackwardWithDimensions(f.stream, crossChannelLRN(), dims, raw, norm, normGrad, rawGrad, f.alloc))
			assert.Equal(t, int32(0), f.b.HostExecutor().Active())
		})
	}
}
