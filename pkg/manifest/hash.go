package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	HashSHA256  = "sha256"
	HashBLAKE2b = "blake2b"
)

// NewHasher returns a hash for the named algorithm.
func NewHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case HashSHA256:
		return sha256.New(), nil
	case HashBLAKE2b, "blake2b-256":
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, algorithm)
	}
}

// HashHex returns the lowercase hex digest of data.
func HashHex(algorithm string, data []byte) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
