package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/loader"
)

func loadCmd() *cli.Command {
	var o execOptions
	return &cli.Command{
		Name:      "load",
		Usage:     "Load a model onto the device and report what was resident",
		ArgsUsage: "[model-id]",
		Flags:     append(append(storeFlags(), backendFlags()...), execFlags(&o)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := loadModel(ctx, cmd, &o)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = rt.Close() }()
			writeLoadStats(os.Stdout, rt.loader)
			return nil
		},
	}
}

func writeLoadStats(w io.Writer, l *loader.Loader) {
	s := l.Stats()
	rows := [][]string{
		{"model", s.ModelID},
		{"load id", s.LoadID},
		{"arch", s.Arch},
		{"layers", strconv.Itoa(s.Layers)},
		{"tensors", strconv.Itoa(s.Tensors)},
		{"moe", strconv.FormatBool(s.MoE)},
		{"norm offset", strconv.FormatBool(s.NormOffset)},
		{"verified", strconv.FormatBool(s.Verified)},
		{"duration", s.Duration.String()},
		{"device buffers", fmt.Sprintf("%d active, %d free", s.Pool.Active, s.Pool.Free)},
		{"device bytes", fmt.Sprintf("%s (peak %s)", formatSize(s.Pool.ActiveBytes), formatSize(s.Pool.PeakBytes))},
		{"shard cache", fmt.Sprintf("%d/%d resident, %d hits, %d misses, %d evictions",
			s.Shards.Resident, s.Shards.Capacity, s.Shards.Hits, s.Shards.Misses, s.Shards.Evictions)},
	}
	if s.MoE {
		rows = append(rows, []string{"experts", l.ExpertCacheStats().String()})
	}
	renderTable(w, []string{"FIELD", "VALUE"}, rows)
}
