package support

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

func TestError(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		err := newError(KindInvalidArgument, "bad rank %d", 7)
		assert.Equal(t, "INVALID_ARGUMENT: bad rank 7", err.Error())
		_, ok := err.ProviderStatus()
		assert.False(t, ok)
	})

	t.Run("with status", func(t *testing.T) {
		err := statusError(KindInternal, provider.StatusAllocFailed, "could not create %s", "a handle")
		assert.Equal(t, "INTERNAL: could not create a handle: miopenStatusAllocFailed", err.Error())
		st, ok := err.ProviderStatus()
		require.True(t, ok)
		assert.Equal(t, provider.StatusAllocFailed, st)
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		err := errors.Wrap(newError(KindUnimplemented, "nope"), "running convolution")
		assert.Equal(t, KindUnimplemented, KindOf(err))
		assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
		assert.Equal(t, KindUnknown, KindOf(nil))
	})

	for kind, want := range map[Kind]string{
		KindUnknown:           "UNKNOWN",
		KindInvalidArgument:   "INVALID_ARGUMENT",
		KindInternal:          "INTERNAL",
		KindUnimplemented:     "UNIMPLEMENTED",
		KindResourceExhausted: "RESOURCE_EXHAUSTED",
	} {
		assert.Equal(t, want, kind.String())
	}
}

func TestMust(t *testing.T) {
	log := fatalLogger(t)
	counter := metrics.ProviderErrors.WithLabelValues("TestMustCall")
	before := testutil.ToFloat64(counter)

	assert.NotPanics(t, func() { must(log, provider.StatusSuccess, "TestMustCall") })
	assert.Equal(t, before, testutil.ToFloat64(counter))

	assert.Panics(t, func() { must(log, provider.StatusUnknownError, "TestMustCall") })
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestFailed(t *testing.T) {
	counter := metrics.ProviderErrors.WithLabelValues("TestFailedCall")
	before := testutil.ToFloat64(counter)

	assert.False(t, failed(provider.StatusSuccess, "TestFailedCall"))
	assert.True(t, failed(provider.StatusNotImplemented, "TestFailedCall"))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
