package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/logger"
)

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check every shard of a model against its manifest hashes",
		ArgsUsage: "[model-id]",
		Flags:     storeFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyStoreConfig(cmd, activeConfig)
			store, loc, err := openStore(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = store.Close() }()

			id, err := resolveModelID(cmd.Args().First(), store, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := store.OpenModel(ctx, id); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			rep, err := store.VerifyIntegrity(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !rep.Valid {
				log.Error("model failed verification", "model", id, "store", loc, "missing", rep.Missing, "corrupt", rep.Corrupt)
				return cli.Exit(fmt.Sprintf("%s: %d missing, %d corrupt shards", id, len(rep.Missing), len(rep.Corrupt)), 2)
			}
			fmt.Printf("%s: ok\n", id)
			return nil
		},
	}
}
