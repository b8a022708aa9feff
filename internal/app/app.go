// Package app assembles the support layer, its provider and the metrics
// endpoint into an fx application.
package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/autotune"
	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/logger"
	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/provider/hostsim"
	"github.com/fxnlabs/dnnsupport/internal/support"
)

const metricsPath = "/metrics"

// Module provides a *support.Support on the best available backend, plus
// an *autotune.Sweeper over it. It needs a *config.Config.
var Module = fx.Module("dnnsupport",
	fx.Provide(
		NewLogger,
		NewManager,
		NewSupport,
		NewSweeper,
	),
	fx.Invoke(RegisterMetricsServer),
)

// Options returns the fx options for a full application on cfg.
func Options(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		Module,
	)
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity)
}

// NewManager picks a registered backend, falling back to the host
// simulator. The backend is cleaned up when the application stops.
func NewManager(lc fx.Lifecycle, log *zap.Logger) (*provider.Manager, error) {
	m, err := provider.NewManager(log.Named("provider"), hostsim.New(log, hostsim.Options{}))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return m.Cleanup() },
	})
	return m, nil
}

// NewSupport binds a Support to the manager's backend. Its hook is
// appended after the manager's, so it closes before the backend goes away.
func NewSupport(lc fx.Lifecycle, cfg *config.Config, m *provider.Manager, log *zap.Logger) (*support.Support, error) {
	b := m.Backend()
	s, err := support.New(b, b.Executor(), cfg.DNN, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return s.Close() },
	})
	return s, nil
}

type SweeperParams struct {
	fx.In

	Support *support.Support
	Manager *provider.Manager
	Log     *zap.Logger
	Options autotune.Options `optional:"true"`
}

func NewSweeper(p SweeperParams) *autotune.Sweeper {
	return autotune.NewSweeper(p.Support, p.Manager.Backend(), p.Options, p.Log)
}

// RegisterMetricsServer serves the metrics registry on the configured
// address. An empty address disables the server.
func RegisterMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	log = log.Named("metrics")
	srv := &http.Server{
		Handler:           metrics.NewServeMux(metricsPath),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %s", addr)
			}
			log.Info("serving metrics", zap.String("address", ln.Addr().String()), zap.String("path", metricsPath))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
