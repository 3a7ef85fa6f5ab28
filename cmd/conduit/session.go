package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/backend"
	"github.com/samcharles93/conduit/internal/bridge"
	"github.com/samcharles93/conduit/internal/loader"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/storage"
	"github.com/samcharles93/conduit/pkg/manifest"
)

// execOptions are the load and execution settings shared by load and run.
type execOptions struct {
	maxSeq         int64
	kvHalf         bool
	expertBudgetMB int64
	verify         bool
	verifySet      bool
	viaBridge      bool
}

func execFlags(o *execOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-seq",
			Usage:       "max prompt plus generated tokens (0 = model default)",
			Destination: &o.maxSeq,
		},
		&cli.BoolFlag{
			Name:        "kv-half",
			Usage:       "store the KV cache as f16 when the device supports it",
			Destination: &o.kvHalf,
		},
		&cli.Int64Flag{
			Name:        "expert-budget-mb",
			Usage:       "resident expert weight budget in MiB (0 = default)",
			Destination: &o.expertBudgetMB,
		},
		&cli.BoolFlag{
			Name:        "verify",
			Usage:       "check shard hashes (default: only for untrusted stores)",
			Destination: &o.verify,
		},
		&cli.BoolFlag{
			Name:        "bridge",
			Usage:       "read shards through a bridge subprocess instead of the store",
			Destination: &o.viaBridge,
		},
	}
}

// modelRuntime is a loaded model and everything that must be released with
// it.
type modelRuntime struct {
	loader  *loader.Loader
	store   storage.Store
	closers []func() error
}

func (r *modelRuntime) Close() error {
	r.loader.Unload()
	return r.closeAll()
}

func loadModel(ctx context.Context, cmd *cli.Command, o *execOptions) (*modelRuntime, error) {
	log := logger.FromContext(ctx)
	applyStoreConfig(cmd, activeConfig)
	applyExecConfig(cmd, activeConfig, o)
	if !o.verifySet {
		o.verifySet = cmd.IsSet("verify")
	}

	store, loc, err := openStore(log)
	if err != nil {
		return nil, err
	}
	rt := &modelRuntime{store: store}
	rt.closers = append(rt.closers, store.Close)

	id, err := resolveModelID(cmd.Args().First(), store, os.Stdin, os.Stderr)
	if err != nil {
		_ = rt.closeAll()
		return nil, err
	}

	dev, k, err := backend.Open(backendName, backend.Options{Logger: log})
	if err != nil {
		_ = rt.closeAll()
		return nil, err
	}
	rt.closers = append(rt.closers, dev.Close)

	rt.loader = loader.New(dev, k, loader.Options{
		Store:             store,
		ExpertBudgetBytes: uint64(max(o.expertBudgetMB, 0)) << 20,
		Logger:            log,
	})
	if o.viaBridge {
		if err := attachBridge(ctx, rt, id, log); err != nil {
			_ = rt.closeAll()
			return nil, err
		}
	}

	opts := loader.LoadOptions{
		OnProgress: func(p loader.Progress) {
			if p.Stage == loader.StageLayers {
				log.Debug("load progress", "stage", p.Stage, "layer", p.Layer, "layers", p.Layers)
			}
		},
	}
	if o.verifySet {
		opts.VerifyHashes = &o.verify
	}
	if _, err := rt.loader.Load(ctx, id, opts); err != nil {
		_ = rt.closeAll()
		return nil, fmt.Errorf("load %s from %s: %w", id, loc, err)
	}
	return rt, nil
}

func (r *modelRuntime) closeAll() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// attachBridge starts "conduit bridge" over the models directory and routes
// shard reads through it. The manifest still comes from the store.
func attachBridge(ctx context.Context, rt *modelRuntime, id string, log logger.Logger) error {
	dir, ok := rt.store.(*storage.DirStore)
	if !ok {
		return errors.New("--bridge needs a models directory")
	}
	root, err := filepath.Abs(dir.Root())
	if err != nil {
		return err
	}
	if err := dir.OpenModel(ctx, id); err != nil {
		return err
	}
	raw, err := dir.ReadManifest(ctx)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}
	proc := exec.CommandContext(ctx, self, "bridge", "--root", root)
	proc.Stderr = os.Stderr
	stdin, err := proc.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return err
	}
	if err := proc.Start(); err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() error {
		_ = stdin.Close()
		return proc.Wait()
	})

	client := bridge.NewClient(stdout, stdin)
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	log.Info("reading shards through bridge", "pid", proc.Process.Pid, "root", root)
	rt.loader.SetManifest(m)
	rt.loader.SetShardSource(client.Source(filepath.Join(root, id), m), true)
	return nil
}
