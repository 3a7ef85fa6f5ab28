package main

import (
	"bytes"
	"io"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/samcharles93/conduit/internal/storage"
	"github.com/samcharles93/conduit/pkg/manifest"
)

func writeTinyModel(t *testing.T, root, id string) {
	t.Helper()
	b := manifest.NewBuilder("llama", manifest.BuilderOptions{ModelID: id})
	b.Add("w", manifest.U8, []int{4}, []byte{1, 2, 3, 4})
	m, shards, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := manifest.WriteDir(filepath.Join(root, id), m, shards); err != nil {
		t.Fatalf("write model: %v", err)
	}
}

func TestResolvePackOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "nested", "tiny")
		got, err := resolvePackOut("tiny", out)
		if err != nil {
			t.Fatalf("resolvePackOut returned error: %v", err)
		}
		if got != filepath.Clean(out) {
			t.Fatalf("unexpected output path: got %q want %q", got, out)
		}
	})

	t.Run("env output dir overrides models dir", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "pack-out")
		t.Setenv(envConduitPackOutDir, envDir)
		prev := modelsDir
		modelsDir = "/elsewhere"
		defer func() { modelsDir = prev }()

		got, err := resolvePackOut("ModelA", "")
		if err != nil {
			t.Fatalf("resolvePackOut returned error: %v", err)
		}
		if want := filepath.Join(envDir, "ModelA"); got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("default is ./models", func(t *testing.T) {
		t.Setenv(envConduitPackOutDir, "")
		prev, prevCfg := modelsDir, activeConfig
		modelsDir, activeConfig = "", Config{}
		defer func() { modelsDir, activeConfig = prev, prevCfg }()

		got, err := resolvePackOut("ModelB", "")
		if err != nil {
			t.Fatalf("resolvePackOut returned error: %v", err)
		}
		if want := filepath.Join("models", "ModelB"); got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("rejects path ids", func(t *testing.T) {
		for _, id := range []string{"", "..", "a/b"} {
			if _, err := resolvePackOut(id, ""); err == nil {
				t.Fatalf("expected error for id %q", id)
			}
		}
	})
}

func TestResolveModelID(t *testing.T) {
	t.Run("explicit id", func(t *testing.T) {
		got, err := resolveModelID(" tiny ", storage.NewDirStore(t.TempDir()), bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelID returned error: %v", err)
		}
		if got != "tiny" {
			t.Fatalf("unexpected id %q", got)
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		root := t.TempDir()
		writeTinyModel(t, root, "only")
		got, err := resolveModelID("", storage.NewDirStore(root), bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelID returned error: %v", err)
		}
		if got != "only" {
			t.Fatalf("unexpected id %q", got)
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		root := t.TempDir()
		writeTinyModel(t, root, "a")
		writeTinyModel(t, root, "b")
		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return false }
		defer func() { stdinIsTTY = prevTTY }()

		if _, err := resolveModelID("", storage.NewDirStore(root), bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error when multiple models and stdin is not a tty")
		}
	})

	t.Run("interactive selection chooses sorted index", func(t *testing.T) {
		root := t.TempDir()
		writeTinyModel(t, root, "b")
		writeTinyModel(t, root, "a")
		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return true }
		defer func() { stdinIsTTY = prevTTY }()

		got, err := resolveModelID("", storage.NewDirStore(root), bytes.NewBufferString("x\n2\n"), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelID returned error: %v", err)
		}
		if got != "b" {
			t.Fatalf("unexpected selection: got %q want %q", got, "b")
		}
	})

	t.Run("shard server needs an id", func(t *testing.T) {
		if _, err := resolveModelID("", storage.NewHTTPStore("http://127.0.0.1:1", storage.HTTPOptions{}), bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error without a model id")
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		if _, err := resolveModelID("", storage.NewDirStore(t.TempDir()), bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error for empty models directory")
		}
	})
}

func TestParseTokens(t *testing.T) {
	got, err := parseTokens("1, 2,3\n4")
	if err != nil {
		t.Fatalf("parseTokens returned error: %v", err)
	}
	if want := []int{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if got, err := parseTokens(""); err != nil || len(got) != 0 {
		t.Fatalf("empty input: got %v, %v", got, err)
	}
	for _, bad := range []string{"a", "1,-2", "1.5"} {
		if _, err := parseTokens(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt("", bytes.NewBufferString("5 6\n7\n"))
	if err != nil {
		t.Fatalf("readPrompt returned error: %v", err)
	}
	if want := []int{5, 6, 7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	got, err = readPrompt("9", bytes.NewBufferString("1"))
	if err != nil || !reflect.DeepEqual(got, []int{9}) {
		t.Fatalf("flag should win over stdin: got %v, %v", got, err)
	}
	if _, err := readPrompt("", bytes.NewBuffer(nil)); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestStoreLocation(t *testing.T) {
	prevDir, prevURL := modelsDir, storeURL
	defer func() { modelsDir, storeURL = prevDir, prevURL }()

	modelsDir, storeURL = "", ""
	if _, err := storeLocation(); err == nil {
		t.Fatalf("expected error with nothing set")
	}
	modelsDir = "/m"
	if got, _ := storeLocation(); got != "/m" {
		t.Fatalf("got %q", got)
	}
	storeURL = "http://host:8090"
	if got, _ := storeLocation(); got != "http://host:8090" {
		t.Fatalf("store URL should win, got %q", got)
	}
}
