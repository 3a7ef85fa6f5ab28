package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/samcharles93/conduit/internal/shardcache"
	"github.com/samcharles93/conduit/pkg/manifest"
)

// Client issues requests to a Server one at a time.
type Client struct {
	mu   sync.Mutex
	r    io.Reader
	w    io.Writer
	next uint32
}

func NewClient(r io.Reader, w io.Writer) *Client {
	return &Client{r: r, w: w}
}

func (c *Client) roundTrip(ctx context.Context, f Frame, onFrame func(Frame) (done bool, err error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	f.ReqID = c.next
	if err := WriteFrame(c.w, f); err != nil {
		return err
	}
	for {
		resp, err := ReadFrame(c.r)
		if err != nil {
			return err
		}
		if resp.ReqID != f.ReqID {
			return fmt.Errorf("bridge: response for request %d, want %d", resp.ReqID, f.ReqID)
		}
		if resp.Cmd == CmdError {
			return decodeError(resp.Payload)
		}
		done, err := onFrame(resp)
		if err != nil || done {
			return err
		}
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, Frame{Cmd: CmdPing}, func(f Frame) (bool, error) {
		if f.Cmd != CmdPong {
			return false, fmt.Errorf("bridge: unexpected command %#x to ping", f.Cmd)
		}
		return true, nil
	})
}

// ReadRange reads up to length bytes of path starting at offset. The
// result is shorter than length only when the file ends first.
func (c *Client) ReadRange(ctx context.Context, path string, offset, length uint64) ([]byte, error) {
	out := make([]byte, 0, min(length, 64<<20))
	err := c.roundTrip(ctx, Frame{Cmd: CmdRead, Payload: readRequest(offset, length, path)}, func(f Frame) (bool, error) {
		if f.Cmd != CmdReadResponse || len(f.Payload) < 8 {
			return false, fmt.Errorf("bridge: malformed read response")
		}
		if at := binary.LittleEndian.Uint64(f.Payload); at != offset+uint64(len(out)) {
			return false, fmt.Errorf("bridge: chunk at %d, want %d", at, offset+uint64(len(out)))
		}
		out = append(out, f.Payload[8:]...)
		return f.Flags&FlagLastChunk != 0, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Source returns a shard source reading the shards of m from dir.
func (c *Client) Source(dir string, m *manifest.Manifest) shardcache.Source {
	return shardcache.SourceFunc(func(ctx context.Context, index int) ([]byte, error) {
		if index < 0 || index >= len(m.Shards) {
			return nil, fmt.Errorf("bridge: shard %d out of range", index)
		}
		s := m.Shards[index]
		length := s.Size
		if length == 0 {
			length = 1<<63 - 1
		}
		return c.ReadRange(ctx, filepath.Join(dir, s.Filename), 0, length)
	})
}
