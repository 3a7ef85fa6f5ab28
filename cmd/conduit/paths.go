package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/samcharles93/conduit/internal/loader"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/storage"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// storeLocation returns the shard server URL when set, else the models
// directory.
func storeLocation() (string, error) {
	if s := strings.TrimSpace(storeURL); s != "" {
		return s, nil
	}
	if d := strings.TrimSpace(modelsDir); d != "" {
		return d, nil
	}
	return "", fmt.Errorf("--models-dir or --store is required unless %s is set", loader.ModelsDirEnv)
}

func openStore(log logger.Logger) (storage.Store, string, error) {
	loc, err := storeLocation()
	if err != nil {
		return nil, "", err
	}
	store := storage.Open(loc, storage.HTTPOptions{
		ChunkSize:         httpChunkSize,
		Concurrency:       int(httpConcurrency),
		RequestsPerSecond: httpRate,
		Logger:            log,
	})
	return store, loc, nil
}

// resolveModelID picks the model to use. An explicit id wins; otherwise a
// directory store with one model selects it and several prompt on a TTY.
func resolveModelID(arg string, store storage.Store, stdin io.Reader, stderr io.Writer) (string, error) {
	if id := strings.TrimSpace(arg); id != "" {
		return id, nil
	}
	dir, ok := store.(*storage.DirStore)
	if !ok {
		return "", errors.New("a model id is required when reading from a shard server")
	}
	models, err := dir.Models()
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no models found in %s", dir.Root())
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s\n", models[0])
		return models[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf("multiple models found in %s but stdin is not interactive; pass a model id", dir.Root())
		}
		return selectModelInteractively(dir.Root(), models, stdin, stderr)
	}
}

func selectModelInteractively(root string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "select a model from %s\n", root)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, m)
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; pass a model id")
			}
			continue
		}
		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(models) {
			_, _ = fmt.Fprintf(stderr, "invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; pass a model id")
			}
			continue
		}
		return models[idx-1], nil
	}
}

// parseTokens reads a comma or space separated list of token ids.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
