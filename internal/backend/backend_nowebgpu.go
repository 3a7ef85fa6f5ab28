//go:build !webgpu

package backend

import (
	"errors"

	"github.com/samcharles93/conduit/internal/gpu"
)

var errWebGPUUnavailable = errors.New("webgpu backend is not available in this build")

func Has(name string) bool {
	return name == Host
}

func openWebGPU(Options) (gpu.Device, gpu.Kernels, error) {
	return nil, nil, errWebGPUUnavailable
}
