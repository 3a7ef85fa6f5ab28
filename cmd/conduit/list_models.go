package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/loader"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/storage"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List models in the models directory",
		Flags:   storeFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyStoreConfig(cmd, activeConfig)
			if modelsDir == "" {
				return cli.Exit(fmt.Sprintf("error: --models-dir is required unless %s is set", loader.ModelsDirEnv), 1)
			}
			rows, err := modelRows(ctx, storage.NewDirStore(modelsDir))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(rows) == 0 {
				log.Info("no models found", "path", modelsDir)
				return nil
			}
			renderTable(os.Stdout, []string{"MODEL", "ARCH", "SHARDS", "TENSORS", "SIZE", "MOE"}, rows)
			return nil
		},
	}
}

// modelRows describes every model under the store root. Models whose
// manifest fails to parse are listed with the error.
func modelRows(ctx context.Context, root *storage.DirStore) ([][]string, error) {
	ids, err := root.Models()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		s := storage.NewDirStore(root.Root())
		if err := s.OpenModel(ctx, id); err != nil {
			rows = append(rows, []string{id, "error: " + err.Error(), "", "", "", ""})
			continue
		}
		m, err := s.Manifest()
		_ = s.Close()
		if err != nil {
			continue
		}
		moe := "-"
		if m.IsMoE() {
			moe = fmt.Sprintf("%d/%d", m.ExpertsPerToken(), m.NumExperts())
		}
		rows = append(rows, []string{
			id, m.Architecture,
			strconv.Itoa(len(m.Shards)), strconv.Itoa(len(m.Tensors)),
			formatSize(m.TotalBytes()), moe,
		})
	}
	return rows, nil
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func formatSize(bytes uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
