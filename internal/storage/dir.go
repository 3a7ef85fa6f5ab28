package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samcharles93/conduit/pkg/manifest"
)

type mappedShard struct {
	data    []byte
	mmapped bool
}

// DirStore reads models laid out as <root>/<modelID>/manifest.json plus the
// shard files named in the manifest. Shards are memory-mapped read-only and
// stay mapped until Close.
type DirStore struct {
	root string

	mu     sync.Mutex
	dir    string
	raw    []byte
	m      *manifest.Manifest
	shards map[int]*mappedShard
}

// NewDirStore returns a store rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Root returns the directory holding the model folders.
func (s *DirStore) Root() string { return s.root }

// Models lists model ids under the root that carry a manifest.
func (s *DirStore) Models() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), manifest.FileName)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *DirStore) OpenModel(ctx context.Context, modelID string) error {
	if err := validModelID(modelID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, modelID)
	raw, err := os.ReadFile(filepath.Join(dir, manifest.FileName))
	if err != nil {
		return fmt.Errorf("open model %s: %w", modelID, err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return fmt.Errorf("open model %s: %w", modelID, err)
	}

	if err := s.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir, s.raw, s.m = dir, raw, m
	s.shards = make(map[int]*mappedShard)
	return nil
}

// Manifest returns the parsed manifest of the open model.
func (s *DirStore) Manifest() (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return nil, ErrNotOpen
	}
	return s.m, nil
}

func (s *DirStore) ReadManifest(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return nil, ErrNotOpen
	}
	return s.raw, nil
}

// ShardPath returns the file path of shard index.
func (s *DirStore) ShardPath(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shardPathLocked(index)
}

func (s *DirStore) shardPathLocked(index int) (string, error) {
	if s.m == nil {
		return "", ErrNotOpen
	}
	if index < 0 || index >= len(s.m.Shards) {
		return "", fmt.Errorf("storage: shard %d out of range [0,%d)", index, len(s.m.Shards))
	}
	return filepath.Join(s.dir, s.m.Shards[index].Filename), nil
}

func (s *DirStore) ReadShard(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shards[index]; ok {
		return sh.data, nil
	}
	path, err := s.shardPathLocked(index)
	if err != nil {
		return nil, err
	}
	sh, err := mapShard(path)
	if err != nil {
		return nil, err
	}
	s.shards[index] = sh
	return sh.data, nil
}

func mapShard(path string) (*mappedShard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("storage: %s too large to map", path)
	}
	if size == 0 {
		return &mappedShard{data: []byte{}}, nil
	}
	if data, err := mapFile(f, int(size)); err == nil {
		return &mappedShard{data: data, mmapped: true}, nil
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &mappedShard{data: data}, nil
}

func (s *DirStore) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	m, err := s.Manifest()
	if err != nil {
		return IntegrityReport{}, err
	}
	// read directly so verification does not pin every shard in memory
	return verifyShards(ctx, m, func(_ context.Context, i int) ([]byte, error) {
		path, err := s.ShardPath(i)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	})
}

func (s *DirStore) Trusted() bool { return true }

// Close unmaps every shard. The store can be reopened with OpenModel.
func (s *DirStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, sh := range s.shards {
		if sh.mmapped {
			errs = append(errs, unmapFile(sh.data))
		}
	}
	s.shards = nil
	s.m, s.raw, s.dir = nil, nil, ""
	return errors.Join(errs...)
}
