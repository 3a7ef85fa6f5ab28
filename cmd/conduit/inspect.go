package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/internal/shardcache"
	"github.com/samcharles93/conduit/pkg/manifest"
)

func inspectCmd() *cli.Command {
	var tensorLimit int64
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print a model's manifest summary and tensor table",
		ArgsUsage: "[model-id]",
		Flags: append(storeFlags(),
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyStoreConfig(cmd, activeConfig)
			store, _, err := openStore(log)
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
			raw, err := store.ReadManifest(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := manifest.Parse(raw)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			writeInspect(os.Stdout, m, int(tensorLimit))
			return nil
		},
	}
}

func writeInspect(w io.Writer, m *manifest.Manifest, limit int) {
	rows := [][]string{
		{"model", m.ModelID},
		{"architecture", m.Architecture},
		{"source format", orDash(m.SourceFormat)},
		{"hash", orDash(m.HashAlgorithm)},
		{"shards", strconv.Itoa(len(m.Shards))},
		{"tensors", strconv.Itoa(len(m.Tensors))},
		{"size", formatSize(m.TotalBytes())},
		{"norm offset", strconv.FormatBool(resolver.NormOffset(m))},
		{"shard cache", strconv.Itoa(shardcache.Capacity(m.IsMoE(), m.ExpertsPerToken()))},
	}
	if m.IsMoE() {
		rows = append(rows, []string{"experts", fmt.Sprintf("%d (%d per token)", m.NumExperts(), m.ExpertsPerToken())})
	}
	if len(m.Config) > 0 {
		if cfg, err := model.ParseConfig(m.Config); err == nil {
			rows = append(rows,
				[]string{"layers", strconv.Itoa(cfg.NumHiddenLayers)},
				[]string{"hidden", strconv.Itoa(cfg.HiddenSize)},
				[]string{"heads", fmt.Sprintf("%d (kv %d, dim %d)", cfg.NumAttentionHeads, cfg.KVHeads(), cfg.HeadDimension())},
				[]string{"vocab", strconv.Itoa(cfg.VocabSize)},
			)
			if spec, err := model.DetectArch(m.Architecture, cfg); err == nil {
				rows = append(rows, []string{"topology", spec.Topology.String()})
			}
		} else {
			rows = append(rows, []string{"config", "error: " + err.Error()})
		}
	}
	renderTable(w, []string{"FIELD", "VALUE"}, rows)
	_, _ = fmt.Fprintln(w)

	names := m.TensorNames()
	shown := names
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	trows := make([][]string, 0, len(shown))
	for _, name := range shown {
		t := m.Tensors[name]
		trows = append(trows, []string{
			name, string(t.DType), shapeString(t.Shape), spanString(t),
			formatSize(spanBytes(t)), orDash(string(t.Layout)),
		})
	}
	renderTable(w, []string{"TENSOR", "DTYPE", "SHAPE", "SHARDS", "SIZE", "LAYOUT"}, trows)
	if len(shown) < len(names) {
		_, _ = fmt.Fprintf(w, "\n%d of %d tensors shown\n", len(shown), len(names))
	}
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func spanString(t manifest.Tensor) string {
	locs := t.Locations()
	parts := make([]string, len(locs))
	for i, sp := range locs {
		parts[i] = strconv.Itoa(sp.Shard)
	}
	return strings.Join(parts, ",")
}

func spanBytes(t manifest.Tensor) uint64 {
	var n uint64
	for _, sp := range t.Locations() {
		n += sp.Size
	}
	return n
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
