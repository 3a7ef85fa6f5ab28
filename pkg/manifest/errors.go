package manifest

import "errors"

var (
	ErrUnsupportedVersion = errors.New("manifest: unsupported version")
	ErrMissingArch        = errors.New("manifest: missing architecture")
	ErrInvalidShard       = errors.New("manifest: invalid shard table")
	ErrInvalidTensor      = errors.New("manifest: invalid tensor entry")
	ErrUnknownHash        = errors.New("manifest: unknown hash algorithm")
)
