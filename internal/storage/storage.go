// Package storage provides the shard stores a model is streamed from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/conduit/pkg/manifest"
)

var (
	ErrNotOpen      = errors.New("storage: no model open")
	ErrInvalidModel = errors.New("storage: invalid model id")
)

// IntegrityReport is the result of checking every shard against the
// manifest.
type IntegrityReport struct {
	Valid   bool  `json:"valid"`
	Missing []int `json:"missingShards"`
	Corrupt []int `json:"corruptShards"`
}

// Store is a shard storage backend. A Store also satisfies
// shardcache.Source.
type Store interface {
	OpenModel(ctx context.Context, modelID string) error
	ReadManifest(ctx context.Context) ([]byte, error)
	ReadShard(ctx context.Context, index int) ([]byte, error)
	VerifyIntegrity(ctx context.Context) (IntegrityReport, error)
	// Trusted stores already guarantee content integrity, so shard hashes
	// are not rechecked on load.
	Trusted() bool
	Close() error
}

// Open returns an HTTPStore for http(s) locations and a DirStore otherwise.
func Open(location string, httpOpts HTTPOptions) Store {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPStore(location, httpOpts)
	}
	return NewDirStore(location)
}

func validModelID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidModel, id)
	}
	return nil
}

// verifyShards checks each shard read by fetch. A fetch error counts the
// shard as missing.
func verifyShards(ctx context.Context, m *manifest.Manifest, fetch func(ctx context.Context, i int) ([]byte, error)) (IntegrityReport, error) {
	rep := IntegrityReport{Missing: []int{}, Corrupt: []int{}}
	for _, s := range m.Shards {
		if err := ctx.Err(); err != nil {
			return IntegrityReport{}, err
		}
		data, err := fetch(ctx, s.Index)
		if err != nil {
			rep.Missing = append(rep.Missing, s.Index)
			continue
		}
		if s.Size > 0 && uint64(len(data)) != s.Size {
			rep.Corrupt = append(rep.Corrupt, s.Index)
			continue
		}
		if s.Hash == "" || m.HashAlgorithm == "" {
			continue
		}
		got, err := manifest.HashHex(m.HashAlgorithm, data)
		if err != nil {
			return IntegrityReport{}, err
		}
		if !strings.EqualFold(got, s.Hash) {
			rep.Corrupt = append(rep.Corrupt, s.Index)
		}
	}
	slices.Sort(rep.Missing)
	slices.Sort(rep.Corrupt)
	rep.Valid = len(rep.Missing) == 0 && len(rep.Corrupt) == 0
	return rep, nil
}
