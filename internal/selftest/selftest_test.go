package selftest

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/provider/hostsim"
)

func newBackend(t *testing.T, opts hostsim.Options) *hostsim.Backend {
	t.Helper()
	b := hostsim.New(zaptest.NewLogger(t), opts)
	require.NoError(t, b.Initialize())
	t.Cleanup(func() { _ = b.Cleanup() })
	return b
}

func byName(results []Result) map[string]error {
	m := make(map[string]error, len(results))
	for _, r := range results {
		m[r.Name] = r.Err
	}
	return m
}

func TestRun(t *testing.T) {
	t.Run("all scenarios pass on the host simulator", func(t *testing.T) {
		b := newBackend(t, hostsim.Options{})
		results, err := Run(context.Background(), b, config.Default().DNN, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.Len(t, results, len(Names()))
		for i, r := range results {
			assert.Equal(t, Names()[i], r.Name)
			assert.True(t, r.Passed(), "%s: %v", r.Name, r.Err)
		}
		assert.Equal(t, uint64(0), b.Device().InUse())
		for kind, n := range b.Live() {
			assert.Zero(t, n, "leaked %s objects", kind)
		}
	})

	t.Run("fusion refused", func(t *testing.T) {
		b := newBackend(t, hostsim.Options{RefuseFusion: func(hostsim.FusionPlanInfo) bool { return true }})
		results, err := Run(context.Background(), b, config.Default().DNN, zaptest.NewLogger(t))
		require.NoError(t, err)

		errs := byName(results)
		for _, name := range []string{"fresh fusion plan", "repeat fusion plan", "fusion cache clear"} {
			require.Error(t, errs[name], name)
			assert.Contains(t, errs[name].Error(), "did not compile")
		}
		assert.NoError(t, errs["find-mode selection"])
		assert.NoError(t, errs["immediate-mode best-only selection"])
		assert.NoError(t, errs["pooling workspace reuse"])
	})

	t.Run("workspace over the scratch budget", func(t *testing.T) {
		b := newBackend(t, hostsim.Options{WorkspaceSize: 2 * scratchBudget})
		results, err := Run(context.Background(), b, config.Default().DNN, zaptest.NewLogger(t))
		require.NoError(t, err)

		errs := byName(results)
		require.Error(t, errs["find-mode selection"])
		assert.Contains(t, errs["find-mode selection"].Error(), "Failed to allocate scratch memory")
		assert.NoError(t, errs["immediate-mode best-only selection"], "immediate mode only compiles")
	})

	t.Run("canceled", func(t *testing.T) {
		b := newBackend(t, hostsim.Options{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		results, err := Run(ctx, b, config.Default().DNN, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, results)
	})
}

func TestSelectOneReportsSynchronizeFailure(t *testing.T) {
	b := newBackend(t, hostsim.Options{})
	e, err := newEnv(b, config.Default().DNN, zaptest.NewLogger(t))
	require.NoError(t, err)
	stream := e.stream.(*hostsim.Stream)

	stream.SyncErr = errors.New("device lost")
	err = selectOne(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to synchronize after algorithm selection: device lost")

	stream.SyncErr = nil
	require.NoError(t, e.close())
	assert.Equal(t, uint64(0), b.Device().InUse())
}
