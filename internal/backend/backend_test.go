package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/conduit/internal/gpu"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"", Auto, false},
		{" Host ", Host, false},
		{"WEBGPU", WebGPU, false},
		{"cuda", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestOpenHostKeepsCapabilities(t *testing.T) {
	t.Parallel()
	caps := gpu.Capabilities{ShaderF16: true, MaxBufferSize: 1 << 20}
	dev, k, err := Open(Host, Options{Capabilities: caps})
	require.NoError(t, err)
	require.NotNil(t, k)
	defer func() { _ = dev.Close() }()
	assert.Equal(t, caps, dev.Capabilities())
}

func TestOpenAutoFallsBack(t *testing.T) {
	t.Parallel()
	dev, _, err := Open(Auto, Options{})
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()
	assert.Contains(t, Available(), Host)
}
