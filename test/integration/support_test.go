//go:build integration

package integration

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/dnnsupport/internal/app"
	"github.com/fxnlabs/dnnsupport/internal/autotune"
	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/selftest"
	"github.com/fxnlabs/dnnsupport/internal/support"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestSupport_EndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Logger.Verbosity = "debug"
	cfg.DNN.PoolingCache.Enabled = true
	cfg.Metrics.ListenAddress = freeAddress(t)

	var (
		m  *provider.Manager
		s  *support.Support
		sw *autotune.Sweeper
	)
	fxApp := fxtest.New(t,
		app.Options(cfg),
		fx.Decorate(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Supply(autotune.Options{Repeats: 2, Parallelism: 2}),
		fx.Populate(&m, &s, &sw),
	)
	fxApp.RequireStart()
	defer fxApp.RequireStop()

	t.Run("selftest", func(t *testing.T) {
		results, err := selftest.Run(context.Background(), m.Backend(), cfg.DNN, zaptest.NewLogger(t))
		require.NoError(t, err)
		for _, r := range results {
			assert.True(t, r.Passed(), "%s: %v", r.Name, r.Err)
		}
	})

	t.Run("sweep the built-in shapes", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		problems := autotune.DefaultProblems()
		results, err := sw.Sweep(ctx, problems)
		require.NoError(t, err)
		require.Len(t, results, len(problems))
		for _, r := range results {
			_, ok := r.BestTiming()
			assert.True(t, ok, "%s has no usable runner", r.Problem.Name)
			if r.Problem.Fused {
				assert.NotEqual(t, autotune.FusedNotProbed, r.Fused, r.Problem.Name)
			}
		}
		assert.Positive(t, s.FusionPlans().Len())
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		resp, err := http.Get("http://" + cfg.Metrics.ListenAddress + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "dnn_autotune_elapsed_ms")
		assert.Contains(t, string(body), "dnn_fusion_plan_lookups_total")
	})
}
