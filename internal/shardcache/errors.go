package shardcache

import "fmt"

// ShardIntegrityError reports a shard whose content hash does not match the
// manifest. It is never retried.
type ShardIntegrityError struct {
	Shard    int
	Expected string
	Computed string
}

func (e *ShardIntegrityError) Error() string {
	return fmt.Sprintf("shard %d: hash mismatch: expected %s, computed %s", e.Shard, e.Expected, e.Computed)
}

// ShardTooSmallError reports a span that reaches past the end of the bytes
// the source returned for its shard.
type ShardTooSmallError struct {
	Shard  int
	Offset uint64
	Size   uint64
	Length int
}

func (e *ShardTooSmallError) Error() string {
	return fmt.Sprintf("shard %d: span [%d,+%d) exceeds shard length %d", e.Shard, e.Offset, e.Size, e.Length)
}
