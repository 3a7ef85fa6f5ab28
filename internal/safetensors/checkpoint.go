package safetensors

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/pkg/manifest"
)

const (
	IndexFileName  = "model.safetensors.index.json"
	ConfigFileName = "config.json"
)

// Checkpoint is a directory of safetensors files plus its config.json.
type Checkpoint struct {
	Dir    string
	Files  []*File
	Config []byte

	owner map[string]*File
}

type indexFile struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenCheckpoint reads every tensor header under dir. A sharded checkpoint
// is followed through its index; otherwise all .safetensors files are read.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	c := &Checkpoint{Dir: dir, owner: make(map[string]*File)}

	raw, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	switch {
	case err == nil:
		var idx indexFile
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("%s: %w", IndexFileName, err)
		}
		if err := c.openIndexed(idx); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no .safetensors files in %s", dir)
		}
		sort.Strings(paths)
		for _, p := range paths {
			if err := c.add(p, nil); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	cfg, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	c.Config = cfg
	return c, nil
}

func (c *Checkpoint) openIndexed(idx indexFile) error {
	byFile := make(map[string][]string)
	for name, file := range idx.WeightMap {
		if filepath.Base(file) != file {
			return fmt.Errorf("%s: %q is not a plain file name", IndexFileName, file)
		}
		byFile[file] = append(byFile[file], name)
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		if err := c.add(filepath.Join(c.Dir, f), byFile[f]); err != nil {
			return err
		}
	}
	return nil
}

// add opens path and records who owns each tensor. want, when set, lists
// the tensors the index assigns to the file.
func (c *Checkpoint) add(path string, want []string) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	for _, name := range want {
		if _, ok := f.Tensors[name]; !ok {
			return fmt.Errorf("%s: index lists %s but the file does not hold it", path, name)
		}
	}
	for name := range f.Tensors {
		if prev, dup := c.owner[name]; dup {
			return fmt.Errorf("tensor %s present in both %s and %s", name, prev.Path, path)
		}
		c.owner[name] = f
	}
	c.Files = append(c.Files, f)
	return nil
}

// Names returns every tensor name in sorted order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.owner))
	for n := range c.owner {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (c *Checkpoint) ReadTensor(name string) ([]byte, TensorInfo, error) {
	f, ok := c.owner[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensor(name)
}

type PackOptions struct {
	ModelID string
	// Architecture overrides config.json model_type.
	Architecture  string
	HashAlgorithm string
	MaxShardBytes uint64
	Logger        logger.Logger
}

// Pack converts the checkpoint into a manifest and its shards. Tensors are
// written in name order, so the same checkpoint always packs identically.
func Pack(c *Checkpoint, opts PackOptions) (*manifest.Manifest, [][]byte, error) {
	log := logger.OrDiscard(opts.Logger)
	arch := opts.Architecture
	var cfg *model.Config
	if len(c.Config) > 0 {
		var err error
		if cfg, err = model.ParseConfig(c.Config); err != nil {
			return nil, nil, err
		}
		if arch == "" {
			arch = cfg.ModelType
		}
	}
	if arch == "" {
		return nil, nil, errors.New("safetensors: no architecture; config.json has no model_type")
	}

	b := manifest.NewBuilder(arch, manifest.BuilderOptions{
		ModelID:       opts.ModelID,
		SourceFormat:  manifest.SourceSafetensors,
		HashAlgorithm: opts.HashAlgorithm,
		MaxShardBytes: opts.MaxShardBytes,
	})
	if len(c.Config) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(c.Config, &doc); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", ConfigFileName, err)
		}
		if err := b.SetConfig(doc); err != nil {
			return nil, nil, err
		}
	}
	if cfg != nil && cfg.NumRoutedExperts() > 0 {
		b.SetMoE(manifest.MoEConfig{NumExperts: cfg.NumRoutedExperts(), NumExpertsPerToken: cfg.NumExpertsPerTok})
	}

	for _, name := range c.Names() {
		data, info, err := c.ReadTensor(name)
		if err != nil {
			return nil, nil, err
		}
		dt, err := DType(info.DType)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		n, err := numElements(info.Shape)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if want := n * elemSize(dt); want != int64(len(data)) {
			return nil, nil, fmt.Errorf("tensor %s: %d bytes, shape %v of %s needs %d", name, len(data), info.Shape, dt, want)
		}
		b.Add(name, dt, info.Shape, data)
	}
	m, shards, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	log.Info("packed checkpoint", "dir", c.Dir, "arch", arch, "tensors", len(m.Tensors), "shards", len(shards))
	return m, shards, nil
}
