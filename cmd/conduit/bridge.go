package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/bridge"
	"github.com/samcharles93/conduit/internal/logger"
)

func bridgeCmd() *cli.Command {
	var (
		roots []string
		chunk int64
	)
	return &cli.Command{
		Name:   "bridge",
		Usage:  "Answer framed file reads on stdin/stdout for directories under --root",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "root", Usage: "directory reads may reach (repeatable)", Destination: &roots},
			&cli.Int64Flag{Name: "chunk", Usage: "max payload bytes per response frame", Destination: &chunk},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if len(roots) == 0 {
				return cli.Exit("error: at least one --root is required", 1)
			}
			srv := bridge.NewServer(bridge.ServerOptions{Roots: roots, ChunkSize: int(chunk), Logger: log})
			log.Debug("bridge serving", "roots", roots)
			err := srv.Serve(ctx, os.Stdin, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
