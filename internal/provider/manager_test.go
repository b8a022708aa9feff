package provider_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/provider/hostsim"
)

// fakeBackend is a host simulator whose availability and initialization
// can be scripted.
type fakeBackend struct {
	*hostsim.Backend
	name      string
	available bool
	initErr   error
	cleanups  int
}

func newFakeBackend(name string, available bool, initErr error) *fakeBackend {
	return &fakeBackend{Backend: hostsim.New(zap.NewNop(), hostsim.Options{}), name: name, available: available, initErr: initErr}
}

func (f *fakeBackend) Name() string      { return f.name }
func (f *fakeBackend) IsAvailable() bool { return f.available }

func (f *fakeBackend) Initialize() error {
	if f.initErr != nil {
		return f.initErr
	}
	return f.Backend.Initialize()
}

func (f *fakeBackend) Cleanup() error {
	f.cleanups++
	return f.Backend.Cleanup()
}

func register(t *testing.T, b *fakeBackend) {
	t.Helper()
	provider.Register(b.name, func(*zap.Logger) provider.Backend { return b })
}

func TestNewManager(t *testing.T) {
	t.Cleanup(provider.ResetRegistry)

	t.Run("first usable registration wins", func(t *testing.T) {
		provider.ResetRegistry()
		missing := newFakeBackend("missing", false, nil)
		broken := newFakeBackend("broken", true, errors.New("no device"))
		good := newFakeBackend("good", true, nil)
		later := newFakeBackend("later", true, nil)
		for _, b := range []*fakeBackend{missing, broken, good, later} {
			register(t, b)
		}
		assert.Equal(t, []string{"missing", "broken", "good", "later"}, provider.Registered())

		m, err := provider.NewManager(zaptest.NewLogger(t), nil)
		require.NoError(t, err)
		assert.Equal(t, "good", m.Kind())
		assert.Equal(t, 1, broken.cleanups, "a backend that fails to initialize is cleaned up")
		assert.Equal(t, 0, missing.cleanups)

		require.NoError(t, m.Cleanup())
		assert.Equal(t, 1, good.cleanups)
		assert.Equal(t, "none", m.Kind())
		assert.Equal(t, "No backend available", m.GetDeviceInfo().Name)
	})

	t.Run("falls back", func(t *testing.T) {
		provider.ResetRegistry()
		register(t, newFakeBackend("missing", false, nil))

		m, err := provider.NewManager(nil, hostsim.New(nil, hostsim.Options{}))
		require.NoError(t, err)
		assert.Equal(t, "hostsim", m.Kind())
		assert.Contains(t, m.GetDeviceInfo().Name, "Host simulator")
		assert.Equal(t, "1.3.0", m.GetDeviceInfo().Version)
	})

	t.Run("fallback failure", func(t *testing.T) {
		provider.ResetRegistry()
		_, err := provider.NewManager(nil, newFakeBackend("flaky", true, errors.New("driver mismatch")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize flaky backend: driver mismatch")
	})

	t.Run("nothing available", func(t *testing.T) {
		provider.ResetRegistry()
		_, err := provider.NewManager(nil, nil)
		assert.EqualError(t, err, "no backend available")
	})
}

func TestRegisterReplacesByName(t *testing.T) {
	t.Cleanup(provider.ResetRegistry)
	provider.ResetRegistry()

	register(t, newFakeBackend("native", false, nil))
	register(t, newFakeBackend("native", true, nil))
	assert.Equal(t, []string{"native"}, provider.Registered())

	m, err := provider.NewManager(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "native", m.Kind())
}
