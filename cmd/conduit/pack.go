package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/safetensors"
	"github.com/samcharles93/conduit/pkg/manifest"
)

const envConduitPackOutDir = "CONDUIT_PACK_OUT_DIR"

func packCmd() *cli.Command {
	var (
		fromSafetensors string
		fromSpec        string
		outDir          string
		modelID         string
		arch            string
		hashAlg         string
		maxShardMB      int64
	)
	return &cli.Command{
		Name:  "pack",
		Usage: "Pack a safetensors checkpoint or a YAML tensor list into manifest shards",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "safetensors", Usage: "checkpoint directory with .safetensors files and config.json", Destination: &fromSafetensors},
			&cli.StringFlag{Name: "spec", Usage: "YAML tensor list of raw little-endian files", Destination: &fromSpec},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output model directory", Destination: &outDir},
			&cli.StringFlag{Name: "id", Usage: "model id (defaults to the input directory name)", Destination: &modelID},
			&cli.StringFlag{Name: "arch", Usage: "override the architecture tag", Destination: &arch},
			&cli.StringFlag{Name: "hash", Usage: "shard hash algorithm (sha256, blake2b)", Value: manifest.HashSHA256, Destination: &hashAlg},
			&cli.Int64Flag{Name: "shard-mb", Usage: "max shard size in MiB (0 = one shard)", Value: 512, Destination: &maxShardMB},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if (fromSafetensors == "") == (fromSpec == "") {
				return cli.Exit("error: exactly one of --safetensors or --spec is required", 1)
			}
			in := fromSafetensors
			if in == "" {
				in = filepath.Dir(fromSpec)
			}
			id := strings.TrimSpace(modelID)
			if id == "" {
				id = filepath.Base(filepath.Clean(in))
			}
			maxShard := uint64(max(maxShardMB, 0)) << 20

			var (
				m      *manifest.Manifest
				shards [][]byte
				err    error
			)
			if fromSafetensors != "" {
				var c *safetensors.Checkpoint
				if c, err = safetensors.OpenCheckpoint(fromSafetensors); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				m, shards, err = safetensors.Pack(c, safetensors.PackOptions{
					ModelID: id, Architecture: arch, HashAlgorithm: hashAlg, MaxShardBytes: maxShard, Logger: log,
				})
			} else {
				m, shards, err = packSpecFile(fromSpec, packDefaults{modelID: id, arch: arch, hash: hashAlg, maxShard: maxShard})
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			out, err := resolvePackOut(id, outDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := manifest.WriteDir(out, m, shards); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("wrote model", "path", out, "tensors", len(m.Tensors), "shards", len(shards), "size", formatSize(m.TotalBytes()))
			return nil
		},
	}
}

// resolvePackOut picks the model directory to write. An explicit --out wins,
// then CONDUIT_PACK_OUT_DIR, then the models directory, then ./models.
func resolvePackOut(id, outFlag string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid model id %q", id)
	}
	if out := strings.TrimSpace(outFlag); out != "" {
		return filepath.Clean(out), nil
	}
	root := strings.TrimSpace(os.Getenv(envConduitPackOutDir))
	if root == "" {
		root = strings.TrimSpace(modelsDir)
	}
	if root == "" {
		root = strings.TrimSpace(activeConfig.ModelsDir)
	}
	if root == "" {
		root = "models"
	}
	return filepath.Join(root, id), nil
}

// packSpec is a hand-written model: tensors come from raw little-endian
// files named relative to the list.
type packSpec struct {
	ModelID       string         `yaml:"model_id"`
	Architecture  string         `yaml:"architecture"`
	SourceFormat  string         `yaml:"source_format"`
	HashAlgorithm string         `yaml:"hash_algorithm"`
	MaxShardBytes uint64         `yaml:"max_shard_bytes"`
	ConfigFile    string         `yaml:"config_file"`
	Config        map[string]any `yaml:"config"`
	MoE           *struct {
		NumExperts      int `yaml:"num_experts"`
		ExpertsPerToken int `yaml:"experts_per_token"`
	} `yaml:"moe"`
	Tensors []packTensor `yaml:"tensors"`
}

type packTensor struct {
	Name     string `yaml:"name"`
	DType    string `yaml:"dtype"`
	Shape    []int  `yaml:"shape"`
	File     string `yaml:"file"`
	Layout   string `yaml:"layout"`
	NewShard bool   `yaml:"new_shard"`
}

// packDefaults fill spec fields the file leaves empty.
type packDefaults struct {
	modelID  string
	arch     string
	hash     string
	maxShard uint64
}

func packSpecFile(path string, d packDefaults) (*manifest.Manifest, [][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var spec packSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)

	if d.arch != "" {
		spec.Architecture = d.arch
	}
	if spec.ModelID == "" {
		spec.ModelID = d.modelID
	}
	if spec.HashAlgorithm == "" {
		spec.HashAlgorithm = d.hash
	}
	if spec.MaxShardBytes == 0 {
		spec.MaxShardBytes = d.maxShard
	}
	if spec.Architecture == "" {
		return nil, nil, errors.New("pack spec: architecture is required")
	}
	if len(spec.Tensors) == 0 {
		return nil, nil, errors.New("pack spec: no tensors")
	}

	b := manifest.NewBuilder(spec.Architecture, manifest.BuilderOptions{
		ModelID:       spec.ModelID,
		SourceFormat:  spec.SourceFormat,
		HashAlgorithm: spec.HashAlgorithm,
		MaxShardBytes: spec.MaxShardBytes,
	})
	switch {
	case spec.ConfigFile != "" && spec.Config != nil:
		return nil, nil, errors.New("pack spec: set config or config_file, not both")
	case spec.ConfigFile != "":
		data, err := os.ReadFile(filepath.Join(base, spec.ConfigFile))
		if err != nil {
			return nil, nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", spec.ConfigFile, err)
		}
		if err := b.SetConfig(doc); err != nil {
			return nil, nil, err
		}
	case spec.Config != nil:
		if err := b.SetConfig(spec.Config); err != nil {
			return nil, nil, err
		}
	}
	if spec.MoE != nil {
		b.SetMoE(manifest.MoEConfig{NumExperts: spec.MoE.NumExperts, NumExpertsPerToken: spec.MoE.ExpertsPerToken})
	}

	seen := make(map[string]bool, len(spec.Tensors))
	for i, t := range spec.Tensors {
		if t.Name == "" {
			return nil, nil, fmt.Errorf("pack spec: tensor %d has no name", i)
		}
		if seen[t.Name] {
			return nil, nil, fmt.Errorf("pack spec: duplicate tensor %s", t.Name)
		}
		seen[t.Name] = true
		dt := manifest.DType(t.DType)
		if !dt.Valid() {
			return nil, nil, fmt.Errorf("pack spec: tensor %s: unknown dtype %q", t.Name, t.DType)
		}
		data, err := os.ReadFile(filepath.Join(base, t.File))
		if err != nil {
			return nil, nil, fmt.Errorf("pack spec: tensor %s: %w", t.Name, err)
		}
		if t.NewShard && i > 0 {
			b.StartShard()
		}
		switch manifest.Layout(t.Layout) {
		case "", manifest.LayoutRow:
			b.Add(t.Name, dt, t.Shape, data)
		case manifest.LayoutColumn:
			b.AddColumn(t.Name, dt, t.Shape, data)
		default:
			return nil, nil, fmt.Errorf("pack spec: tensor %s: unknown layout %q", t.Name, t.Layout)
		}
	}
	return b.Build()
}
