package loader

import (
	"os"
	"sync"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/gpu/host"
	"github.com/samcharles93/conduit/internal/storage"
)

// ModelsDirEnv names the models directory of the default loader.
const ModelsDirEnv = "CONDUIT_MODELS_DIR"

var (
	defaultOnce   sync.Once
	defaultLoader *Loader
)

// Default returns a process-wide loader on the host device over the models
// directory in CONDUIT_MODELS_DIR (or ./models). It has a single owner like
// any other Loader; tests build their own.
func Default() *Loader {
	defaultOnce.Do(func() {
		dir := os.Getenv(ModelsDirEnv)
		if dir == "" {
			dir = "models"
		}
		dev := host.NewDevice(gpu.Capabilities{})
		defaultLoader = New(dev, host.NewKernels(dev), Options{Store: storage.NewDirStore(dir)})
	})
	return defaultLoader
}
