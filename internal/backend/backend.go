package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/gpu/host"
	"github.com/samcharles93/conduit/internal/logger"
)

const (
	Host   = "host"
	WebGPU = "webgpu"
	Auto   = "auto"
)

type Options struct {
	// Capabilities are reported by the opened device. The host backend
	// honours them as given so both load paths can be exercised.
	Capabilities gpu.Capabilities
	Logger       logger.Logger
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Host, WebGPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, or webgpu)", backend)
	}
}

// Open returns a device and the kernels that run on it. Auto prefers WebGPU
// and falls back to the host device.
func Open(name string, opts Options) (gpu.Device, gpu.Kernels, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, nil, err
	}
	log := logger.OrDiscard(opts.Logger)
	switch name {
	case Host:
		return openHost(opts)
	case WebGPU:
		return openWebGPU(opts)
	}
	if Has(WebGPU) {
		dev, k, err := openWebGPU(opts)
		if err == nil {
			return dev, k, nil
		}
		log.Warn("webgpu unavailable, using host device", "error", err)
	}
	return openHost(opts)
}

func openHost(opts Options) (gpu.Device, gpu.Kernels, error) {
	dev := host.NewDevice(opts.Capabilities)
	return dev, host.NewKernels(dev), nil
}
