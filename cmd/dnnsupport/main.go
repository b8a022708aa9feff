package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/config"
	"github.com/fxnlabs/dnnsupport/internal/logger"
)

// env carries what Before loaded to the commands.
type env struct {
	configPath string
	cfg        *config.Config
	// root is handed to the application; log is the CLI's own.
	root *zap.Logger
	log  *zap.Logger
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func main() {
	e := &env{}

	app := &cli.App{
		Name:  "dnnsupport",
		Usage: "Inspect, verify and benchmark the DNN support layer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config file; defaults are used when unset",
				EnvVars:     []string{"DNNSUPPORT_CONFIG"},
				Destination: &e.configPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			e.cfg, err = loadConfig(e.configPath)
			if err != nil {
				return err
			}
			if err := e.cfg.ApplyEnv(); err != nil {
				return err
			}
			e.root, err = logger.New(e.cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			e.log = e.root.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if e.root != nil {
				_ = e.root.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(e),
			infoCommand(e),
			selftestCommand(e),
			benchCommand(e),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if e.log != nil {
			e.log.Error("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}
