// Package loader streams a sharded model onto a device and hands the
// resident weights to the execution engine.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/conduit/internal/bufferpool"
	"github.com/samcharles93/conduit/internal/dequant"
	"github.com/samcharles93/conduit/internal/engine"
	"github.com/samcharles93/conduit/internal/expertcache"
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/internal/shardcache"
	"github.com/samcharles93/conduit/internal/storage"
	"github.com/samcharles93/conduit/pkg/manifest"
)

var (
	ErrLoadInProgress = errors.New("loader: load already in progress")
	ErrNotLoaded      = errors.New("loader: no model loaded")
)

type Options struct {
	// Store serves manifests and shards. It may be nil when both are
	// injected with SetManifest and SetShardSource.
	Store             storage.Store
	ExpertBudgetBytes uint64
	Logger            logger.Logger
}

type Stage string

const (
	StageManifest   Stage = "manifest"
	StageEmbeddings Stage = "embeddings"
	StageLayers     Stage = "layers"
	StageHead       Stage = "head"
	StageDone       Stage = "done"
)

// Progress is reported between load stages and after every layer.
type Progress struct {
	Stage  Stage
	Layer  int
	Layers int
	LoadID string
}

type LoadOptions struct {
	OnProgress func(Progress)
	// VerifyHashes overrides the default, which is to verify shards from
	// untrusted sources only.
	VerifyHashes *bool
}

type Stats struct {
	ModelID    string
	LoadID     string
	Arch       string
	Layers     int
	Tensors    int
	MoE        bool
	NormOffset bool
	Verified   bool
	Duration   time.Duration
	Pool       bufferpool.Stats
	Shards     shardcache.Stats
}

// Loader holds at most one active model. It is driven from one goroutine;
// only expert prefetch runs alongside it.
type Loader struct {
	dev  gpu.Device
	k    gpu.Kernels
	opts Options
	log  logger.Logger

	loading atomic.Bool
	pool    *bufferpool.Pool
	caps    gpu.Capabilities

	// injected for the next load
	pendingManifest *manifest.Manifest
	source          shardcache.Source
	sourceVerify    bool

	active *loaded
}

// loaded is everything one Load produced.
type loaded struct {
	modelID string
	loadID  string
	m       *manifest.Manifest
	res     *resolver.Resolver
	cfg     *model.Config
	arch    *model.ArchSpec
	shards  *shardcache.Cache
	pipe    *dequant.Pipeline
	experts *expertcache.Cache

	emb, norm, head *model.Tensor
	layers          []*model.LayerWeights

	normChecked bool
	tensors     int
	verified    bool
	took        time.Duration
}

var (
	_ engine.WeightSource = (*Loader)(nil)
	_ engine.Reloadable   = (*Loader)(nil)
)

func New(dev gpu.Device, k gpu.Kernels, opts Options) *Loader {
	return &Loader{dev: dev, k: k, opts: opts, log: logger.OrDiscard(opts.Logger)}
}

// Init creates the buffer pool and reads the device capabilities. Load
// calls it when needed.
func (l *Loader) Init(context.Context) error {
	if l.dev == nil || l.k == nil {
		return errors.New("loader: no device")
	}
	if l.pool == nil {
		l.pool = bufferpool.New(l.dev, bufferpool.Options{Logger: l.log})
	}
	l.caps = l.dev.Capabilities()
	l.log.Debug("loader initialized", "shader_f16", l.caps.ShaderF16, "subgroups", l.caps.Subgroups)
	return nil
}

// Pool is the buffer pool weights and sessions draw from.
func (l *Loader) Pool() *bufferpool.Pool { return l.pool }

// SetManifest makes the next Load use m instead of reading one from the
// store. It is consumed by that load.
func (l *Loader) SetManifest(m *manifest.Manifest) { l.pendingManifest = m }

// SetShardSource reads shards from src instead of the store until replaced.
// A nil src restores the store.
func (l *Loader) SetShardSource(src shardcache.Source, verifyHashes bool) {
	l.source, l.sourceVerify = src, verifyHashes
}

// Load unloads any active model and streams modelID onto the device.
func (l *Loader) Load(ctx context.Context, modelID string, opts LoadOptions) (*model.Config, error) {
	if !l.loading.CompareAndSwap(false, true) {
		return nil, ErrLoadInProgress
	}
	defer l.loading.Store(false)

	if l.pool == nil {
		if err := l.Init(ctx); err != nil {
			return nil, err
		}
	}
	l.Unload()

	pending := l.pendingManifest
	l.pendingManifest = nil
	a := &loaded{modelID: modelID, loadID: uuid.NewString()}
	log := l.log.With("model", modelID, "load_id", a.loadID)
	report := func(p Progress) {
		p.LoadID = a.loadID
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	start := time.Now()
	log.Info("loading model")
	if err := l.load(ctx, a, pending, opts, report, log); err != nil {
		l.release(a)
		log.Error("load failed", "error", err)
		return nil, err
	}
	a.took = time.Since(start)
	l.active = a
	report(Progress{Stage: StageDone, Layers: len(a.layers)})
	log.Info("model loaded", "arch", a.arch.Name, "layers", len(a.layers), "tensors", a.tensors,
		"moe", a.res.IsMoE(), "duration", a.took.String())
	return a.cfg, nil
}

func (l *Loader) load(ctx context.Context, a *loaded, m *manifest.Manifest, opts LoadOptions, report func(Progress), log logger.Logger) error {
	src := l.source
	verify := l.sourceVerify
	if m == nil || src == nil {
		if l.opts.Store == nil {
			return errors.New("loader: no store configured")
		}
		if err := l.opts.Store.OpenModel(ctx, a.modelID); err != nil {
			return err
		}
	}
	if m == nil {
		raw, err := l.opts.Store.ReadManifest(ctx)
		if err != nil {
			return err
		}
		if m, err = manifest.Parse(raw); err != nil {
			return err
		}
	}
	if src == nil {
		src = l.opts.Store
		verify = !l.opts.Store.Trusted()
	}
	if opts.VerifyHashes != nil {
		verify = *opts.VerifyHashes
	}
	a.m, a.verified = m, verify
	report(Progress{Stage: StageManifest})

	a.res = resolver.New(m)
	cfg, err := model.ParseConfig(m.Config)
	if err != nil {
		return err
	}
	if cfg.NumRoutedExperts() == 0 {
		cfg.NumLocalExperts = m.NumExperts()
	}
	if cfg.NumExpertsPerTok == 0 {
		cfg.NumExpertsPerTok = m.ExpertsPerToken()
	}
	arch, err := model.DetectArch(m.Architecture, cfg)
	if err != nil {
		return err
	}
	a.cfg, a.arch = cfg, arch

	a.shards = shardcache.New(src, shardcache.Options{
		Capacity:  shardcache.Capacity(a.res.IsMoE(), m.ExpertsPerToken()),
		Verify:    verify,
		Hashes:    m.ShardHashes(),
		Algorithm: m.HashAlgorithm,
		Logger:    log,
	})
	a.pipe = dequant.New(l.dev, l.k, l.pool, a.shards, log)
	a.experts = expertcache.New(expertcache.Options{
		BudgetBytes:        l.opts.ExpertBudgetBytes,
		DefaultExpertBytes: m.ExpertBytes(),
		OnEvict:            func(bufs []*gpu.Buffer) { _ = l.pool.ReleaseAll(bufs...) },
		Logger:             log,
	})
	a.experts.SetPrefetcher(a.warmShards)
	log.Debug("shard cache sized", "capacity", a.shards.Capacity(), "verify", verify, "moe", a.res.IsMoE())

	b := &builder{l: l, a: a, log: log}
	if err := b.embeddings(ctx); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	report(Progress{Stage: StageEmbeddings, Layers: cfg.NumHiddenLayers})

	for i := range cfg.NumHiddenLayers {
		lw, err := b.layer(ctx, i)
		if err != nil {
			return err
		}
		a.layers = append(a.layers, lw)
		report(Progress{Stage: StageLayers, Layer: i, Layers: cfg.NumHiddenLayers})
	}

	if err := b.head(ctx); err != nil {
		return err
	}
	report(Progress{Stage: StageHead, Layers: cfg.NumHiddenLayers})

	// weights must be resident before shard bytes are dropped
	if err := gpu.Flush(ctx, l.dev); err != nil {
		return err
	}
	return nil
}

// Unload frees every buffer of the active model and drops its caches. An
// injected manifest or shard source is kept for the next load.
func (l *Loader) Unload() {
	if l.active == nil {
		return
	}
	a := l.active
	l.active = nil
	l.release(a)
	l.log.Info("model unloaded", "model", a.modelID, "load_id", a.loadID)
}

func (l *Loader) release(a *loaded) {
	if a.experts != nil {
		a.experts.Clear()
	}
	if a.shards != nil {
		a.shards.Clear()
	}
	if l.pool != nil {
		// queued writes of an aborted load still target pooled buffers
		if err := gpu.Flush(context.Background(), l.dev); err != nil {
			l.log.Warn("flush before release failed", "model", a.modelID, "load_id", a.loadID, "error", err)
		}
		l.pool.Clear()
	}
}

func (l *Loader) Loaded() bool { return l.active != nil }

func (l *Loader) ModelID() string {
	if l.active == nil {
		return ""
	}
	return l.active.modelID
}

// LoadID identifies the active load in logs.
func (l *Loader) LoadID() string {
	if l.active == nil {
		return ""
	}
	return l.active.loadID
}

func (l *Loader) Config() *model.Config {
	if l.active == nil {
		return nil
	}
	return l.active.cfg
}

func (l *Loader) Arch() *model.ArchSpec {
	if l.active == nil {
		return nil
	}
	return l.active.arch
}

func (l *Loader) Manifest() *manifest.Manifest {
	if l.active == nil {
		return nil
	}
	return l.active.m
}

func (l *Loader) IsMoE() bool { return l.active != nil && l.active.res.IsMoE() }

func (l *Loader) Resolver() *resolver.Resolver {
	if l.active == nil {
		return nil
	}
	return l.active.res
}

func (l *Loader) Embeddings() *model.Tensor {
	if l.active == nil {
		return nil
	}
	return l.active.emb
}

func (l *Loader) FinalNorm() *model.Tensor {
	if l.active == nil {
		return nil
	}
	return l.active.norm
}

func (l *Loader) LMHead() *model.Tensor {
	if l.active == nil {
		return nil
	}
	return l.active.head
}

func (l *Loader) LayerWeights(i int) (*model.LayerWeights, error) {
	if l.active == nil {
		return nil, ErrNotLoaded
	}
	if i < 0 || i >= len(l.active.layers) {
		return nil, fmt.Errorf("loader: layer %d outside 0..%d", i, len(l.active.layers)-1)
	}
	return l.active.layers[i], nil
}

// ExpertsPerToken is the router top-k, or 0 for dense models.
func (l *Loader) ExpertsPerToken() int {
	if l.active == nil {
		return 0
	}
	return l.active.cfg.NumExpertsPerTok
}

// ShardCacheCapacity is the shard bound chosen for the active model.
func (l *Loader) ShardCacheCapacity() int {
	if l.active == nil {
		return 0
	}
	return l.active.shards.Capacity()
}

func (l *Loader) ExpertCacheStats() expertcache.Stats {
	if l.active == nil {
		return expertcache.Stats{}
	}
	return l.active.experts.Stats()
}

func (l *Loader) Stats() Stats {
	var s Stats
	if l.pool != nil {
		s.Pool = l.pool.Stats()
	}
	a := l.active
	if a == nil {
		return s
	}
	s.ModelID, s.LoadID, s.Arch = a.modelID, a.loadID, a.arch.Name
	s.Layers, s.Tensors = len(a.layers), a.tensors
	s.MoE, s.NormOffset, s.Verified = a.res.IsMoE(), a.res.NormOffset(), a.verified
	s.Duration = a.took
	s.Shards = a.shards.Stats()
	return s
}

// NewSession starts a generation context over the active model.
func (l *Loader) NewSession(opts engine.Options) (*engine.Session, error) {
	if l.active == nil {
		return nil, ErrNotLoaded
	}
	if opts.Logger == nil {
		opts.Logger = l.log
	}
	return engine.New(l, l.dev, l.k, l.pool, opts)
}
