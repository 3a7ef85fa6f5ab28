package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/loader"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/shardserver"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve manifests and shards of the models directory over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-dir",
				Aliases:     []string{"path"},
				Usage:       "directory holding one sub-directory per model",
				Sources:     cli.EnvVars(loader.ModelsDirEnv),
				Destination: &modelsDir,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8090",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, activeConfig, &addr)
			if modelsDir == "" {
				return cli.Exit(fmt.Sprintf("error: --models-dir is required unless %s is set", loader.ModelsDirEnv), 1)
			}
			srv := shardserver.New(shardserver.Options{Root: modelsDir, Logger: log})
			return srv.Start(ctx, addr, readTimeout)
		},
	}
}
