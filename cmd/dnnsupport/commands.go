package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/app"
	"github.com/fxnlabs/dnnsupport/internal/autotune"
	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/provider"
	"github.com/fxnlabs/dnnsupport/internal/selftest"
	"github.com/fxnlabs/dnnsupport/internal/support"
)

// withApp starts the application, hands the populated targets to run and
// stops the application afterwards.
func withApp(c *cli.Context, e *env, extra fx.Option, run func() error, targets ...interface{}) error {
	fxApp := fx.New(
		app.Options(e.cfg),
		fx.Decorate(func() *zap.Logger { return e.root }),
		extra,
		fx.Populate(targets...),
	)
	if err := fxApp.Start(c.Context); err != nil {
		return err
	}
	runErr := run()
	if err := fxApp.Stop(context.Background()); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func initCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Write the default config file",
		ArgsUsage: "[path]",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "config.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				return errors.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the active backend and configuration",
		Action: func(c *cli.Context) error {
			var (
				m *provider.Manager
				s *support.Support
			)
			return withApp(c, e, fx.Options(), func() error {
				figure.NewFigure("dnnsupport", "", true).Print()
				fmt.Println("")

				info := m.GetDeviceInfo()
				version, _ := s.GetVersion()
				fmt.Printf("Backend:       %s\n", m.Kind())
				fmt.Printf("Registered:    %s\n", orNone(provider.Registered()))
				fmt.Printf("Device:        %s\n", info.Name)
				fmt.Printf("Device memory: %s\n", humanize.IBytes(info.TotalMemory))
				fmt.Printf("Driver:        %s\n", info.Version)
				fmt.Printf("API level:     %d.%d.%d\n", version.Major, version.Minor, version.Patch)
				fmt.Println("-----------------------------------------------")

				cfg := s.Config()
				fmt.Printf("Immediate mode:       %t\n", cfg.UseImmediateMode)
				fmt.Printf("Best algorithm only:  %t\n", cfg.ReturnBestAlgoOnly)
				fmt.Printf("Pooling cache:        %t\n", cfg.PoolingCache.Enabled)
				fmt.Printf("Pooling cache budget: %s\n", humanize.Bytes(cfg.PoolingCache.MemoryBudget))
				return nil
			}, &m, &s)
		},
	}
}

func orNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func selftestCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run the end-to-end checks against the active backend",
		Action: func(c *cli.Context) error {
			var m *provider.Manager
			return withApp(c, e, fx.Options(), func() error {
				results, err := selftest.Run(c.Context, m.Backend(), e.cfg.DNN, e.log)
				if err != nil {
					return err
				}
				failures := 0
				for _, r := range results {
					if r.Passed() {
						fmt.Printf("PASS  %s\n", r.Name)
						continue
					}
					failures++
					fmt.Printf("FAIL  %s: %v\n", r.Name, r.Err)
				}
				if failures > 0 {
					return cli.Exit(fmt.Sprintf("%d of %d checks failed on %s", failures, len(results), m.Kind()), 1)
				}
				fmt.Printf("%d checks passed on %s\n", len(results), m.Kind())
				return nil
			}, &m)
		},
	}
}

func benchCommand(e *env) *cli.Command {
	var (
		shapes      string
		repeats     int
		parallelism int
		metricsAddr string
	)
	def := autotune.DefaultOptions()
	return &cli.Command{
		Name:  "bench",
		Usage: "Profile every convolution algorithm for a set of shapes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "shapes",
				Usage:       "YAML shapes file; the built-in shapes are used when unset",
				Destination: &shapes,
			},
			&cli.IntFlag{
				Name:        "repeats",
				Value:       def.Repeats,
				Usage:       "Profiled runs per algorithm",
				Destination: &repeats,
			},
			&cli.IntFlag{
				Name:        "parallelism",
				Value:       def.Parallelism,
				Usage:       "Problems profiled at once",
				Destination: &parallelism,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "Serve /metrics on this address while the sweep runs",
				Destination: &metricsAddr,
			},
		},
		Action: func(c *cli.Context) error {
			problems := autotune.DefaultProblems()
			if shapes != "" {
				var err error
				if problems, err = autotune.LoadShapes(shapes); err != nil {
					return err
				}
			}
			if metricsAddr != "" {
				e.cfg.Metrics.ListenAddress = metricsAddr
			}

			var sw *autotune.Sweeper
			opts := fx.Supply(autotune.Options{Repeats: repeats, Parallelism: parallelism})
			return withApp(c, e, opts, func() error {
				results, err := sw.Sweep(c.Context, problems)
				if err != nil {
					return err
				}
				printResults(results)
				return nil
			}, &sw)
		},
	}
}

func printResults(results []autotune.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROBLEM\tOUTPUT\tRUNNERS\tBEST\tMEAN (ms)\tSTDDEV\tFUSED")
	for _, r := range results {
		best, mean, stddev := "-", "-", "-"
		if t, ok := r.BestTiming(); ok {
			best = t.Runner
			mean = fmt.Sprintf("%.3f", t.MeanMs)
			stddev = fmt.Sprintf("%.3f", t.StdDevMs)
		}
		fused := r.Fused.String()
		if r.Fused == autotune.FusedUsable {
			fused = fmt.Sprintf("%s (%.3f ms)", fused, r.FusedMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Problem.Name, r.Output, len(r.Timings), best, mean, stddev, fused)
	}
	_ = w.Flush()
}
