//go:build !unix

package storage

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("storage: mmap not supported on this platform")

func mapFile(*os.File, int) ([]byte, error) { return nil, errNoMmap }

func unmapFile([]byte) error { return nil }
