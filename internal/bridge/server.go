package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/samcharles93/conduit/internal/logger"
)

type ServerOptions struct {
	// Roots are the directories reads may reach. Paths must be absolute.
	Roots []string
	// ChunkSize overrides MaxChunk, mostly for tests.
	ChunkSize int
	Logger    logger.Logger
}

// Server answers read requests for files under a fixed set of roots.
type Server struct {
	roots []string
	chunk int
	log   logger.Logger
}

func NewServer(opts ServerOptions) *Server {
	chunk := opts.ChunkSize
	if chunk <= 0 || chunk > MaxChunk {
		chunk = MaxChunk
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		if abs, err := filepath.Abs(r); err == nil {
			if resolved, err := filepath.EvalSymlinks(abs); err == nil {
				abs = resolved
			}
			roots = append(roots, filepath.Clean(abs))
		}
	}
	return &Server{roots: roots, chunk: chunk, log: logger.OrDiscard(opts.Logger)}
}

// Serve handles frames from r until EOF or ctx is done. Malformed frames are
// answered with an error frame; only stream failures end the loop.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrBadMagic) || errors.Is(err, ErrFrameTooLong) {
			s.log.Warn("rejecting frame", "error", err)
			if err := WriteFrame(w, Frame{Cmd: CmdError, Payload: errorPayload(CodeInvalidRequest, err.Error())}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		switch f.Cmd {
		case CmdPing:
			err = WriteFrame(w, Frame{Cmd: CmdPong, ReqID: f.ReqID})
		case CmdRead:
			err = s.handleRead(w, f)
		default:
			err = s.fail(w, f.ReqID, CodeInvalidRequest, "unknown command")
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) fail(w io.Writer, id uint32, code ErrorCode, msg string) error {
	return WriteFrame(w, Frame{Cmd: CmdError, ReqID: id, Payload: errorPayload(code, msg)})
}

func (s *Server) handleRead(w io.Writer, f Frame) error {
	p := f.Payload
	if len(p) < 16 {
		return s.fail(w, f.ReqID, CodeInvalidRequest, "payload too short")
	}
	offset := binary.LittleEndian.Uint64(p[0:])
	length := binary.LittleEndian.Uint64(p[8:])
	if !utf8.Valid(p[16:]) {
		return s.fail(w, f.ReqID, CodeInvalidRequest, "invalid path encoding")
	}
	path, err := s.allowed(string(p[16:]))
	if errors.Is(err, fs.ErrNotExist) {
		return s.fail(w, f.ReqID, CodeNotFound, err.Error())
	}
	if err != nil {
		return s.fail(w, f.ReqID, CodePermissionDenied, err.Error())
	}

	file, err := os.Open(path)
	if err != nil {
		return s.fail(w, f.ReqID, codeFor(err), err.Error())
	}
	defer func() { _ = file.Close() }()
	st, err := file.Stat()
	if err != nil {
		return s.fail(w, f.ReqID, CodeIO, err.Error())
	}
	size := uint64(st.Size())
	if offset >= size && !(offset == 0 && size == 0) {
		return s.fail(w, f.ReqID, CodeInvalidRequest, "offset beyond file end")
	}

	n := min(length, size-offset)
	buf := make([]byte, 8+min(n, uint64(s.chunk)))
	for pos := uint64(0); ; {
		c := min(uint64(s.chunk), n-pos)
		binary.LittleEndian.PutUint64(buf, offset+pos)
		if _, err := file.ReadAt(buf[8:8+c], int64(offset+pos)); err != nil && !errors.Is(err, io.EOF) {
			return s.fail(w, f.ReqID, CodeIO, err.Error())
		}
		pos += c
		var flags uint8
		if pos >= n {
			flags = FlagLastChunk
		}
		if err := WriteFrame(w, Frame{Cmd: CmdReadResponse, Flags: flags, ReqID: f.ReqID, Payload: buf[:8+c]}); err != nil {
			return err
		}
		if flags == FlagLastChunk {
			s.log.Debug("read served", "path", path, "offset", offset, "bytes", n)
			return nil
		}
	}
}

var errOutsideRoots = errors.New("path not in allowed directory")

// allowed resolves path and checks it stays under a configured root after
// symlink resolution.
func (s *Server) allowed(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", errors.New("path must be absolute")
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		return "", errOutsideRoots
	}
	for _, root := range s.roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", errOutsideRoots
}

func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	default:
		return CodeIO
	}
}
