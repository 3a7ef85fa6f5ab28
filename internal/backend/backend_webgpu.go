//go:build webgpu

package backend

import (
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/gpu/host"
	"github.com/samcharles93/conduit/internal/gpu/webgpu"
)

func Has(name string) bool {
	switch name {
	case WebGPU:
		return true
	default:
		return name == Host
	}
}

// openWebGPU pairs the native device with staged host kernels.
func openWebGPU(opts Options) (gpu.Device, gpu.Kernels, error) {
	dev, err := webgpu.Open(opts.Capabilities)
	if err != nil {
		return nil, nil, err
	}
	return dev, host.NewKernels(dev), nil
}
