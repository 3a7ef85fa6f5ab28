package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "conduit",
		Usage: "Stream sharded quantized models onto a GPU and run them",
		Flags: append(loggingFlags(), configFlag()),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			activeConfig = cfg
			applyLoggingConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.Open(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			listModelsCmd(),
			inspectCmd(),
			verifyCmd(),
			loadCmd(),
			runCmd(),
			packCmd(),
			serveCmd(),
			bridgeCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
