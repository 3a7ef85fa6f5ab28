// Package bridge implements a framed byte-range protocol for reading local
// shard files through a helper process over a byte stream such as
// stdin/stdout.
//
// Every frame starts with a 16-byte little-endian header:
//
//	magic u32 | cmd u8 | flags u8 | reserved u16 | request id u32 | payload length u32
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic      uint32 = 0x5245504C // "REPL"
	HeaderSize        = 16
	// MaxChunk bounds the data carried by a single read response.
	MaxChunk = 8 << 20
	// maxPayload bounds any incoming frame.
	maxPayload = MaxChunk + 64
)

type Command uint8

const (
	CmdPing         Command = 0x00
	CmdPong         Command = 0x01
	CmdRead         Command = 0x02
	CmdReadResponse Command = 0x03
	CmdError        Command = 0xFF
)

// FlagLastChunk marks the final read response of a request.
const FlagLastChunk uint8 = 0x02

type ErrorCode uint32

const (
	CodeNotFound         ErrorCode = 1
	CodePermissionDenied ErrorCode = 2
	CodeIO               ErrorCode = 3
	CodeInvalidRequest   ErrorCode = 4
)

var (
	ErrBadMagic     = errors.New("bridge: invalid magic")
	ErrFrameTooLong = errors.New("bridge: frame payload too long")
)

type Frame struct {
	Cmd     Command
	Flags   uint8
	ReqID   uint32
	Payload []byte
}

// RemoteError is an error frame returned by the server.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote error %d: %s", e.Code, e.Message)
}

func WriteFrame(w io.Writer, f Frame) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	hdr[4] = byte(f.Cmd)
	hdr[5] = f.Flags
	binary.LittleEndian.PutUint32(hdr[8:], f.ReqID)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
		return Frame{}, ErrBadMagic
	}
	n := binary.LittleEndian.Uint32(hdr[12:])
	if n > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLong, n)
	}
	f := Frame{
		Cmd:   Command(hdr[4]),
		Flags: hdr[5],
		ReqID: binary.LittleEndian.Uint32(hdr[8:]),
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("bridge: short payload: %w", err)
		}
	}
	return f, nil
}

func readRequest(offset, length uint64, path string) []byte {
	p := make([]byte, 16+len(path))
	binary.LittleEndian.PutUint64(p[0:], offset)
	binary.LittleEndian.PutUint64(p[8:], length)
	copy(p[16:], path)
	return p
}

func errorPayload(code ErrorCode, msg string) []byte {
	p := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(p, uint32(code))
	copy(p[4:], msg)
	return p
}

func decodeError(p []byte) *RemoteError {
	if len(p) < 4 {
		return &RemoteError{Code: CodeInvalidRequest, Message: "malformed error frame"}
	}
	return &RemoteError{Code: ErrorCode(binary.LittleEndian.Uint32(p)), Message: string(p[4:])}
}
