package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/loader"
)

var (
	configFile  string
	modelsDir   string
	storeURL    string
	backendName string
	logLevel    string
	logFormat   string
	debug       bool

	httpChunkSize   int64
	httpConcurrency int64
	httpRate        float64
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml",
		Value:       configPath(),
		Sources:     cli.EnvVars(envConduitConfig),
		Destination: &configFile,
	}
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "models-dir",
			Aliases:     []string{"path"},
			Usage:       "directory holding one sub-directory per model",
			Sources:     cli.EnvVars(loader.ModelsDirEnv),
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "shard server base URL; overrides --models-dir",
			Destination: &storeURL,
		},
		&cli.Int64Flag{
			Name:        "http-chunk",
			Usage:       "byte length of each ranged shard request",
			Value:       8 << 20,
			Destination: &httpChunkSize,
		},
		&cli.Int64Flag{
			Name:        "http-concurrency",
			Usage:       "ranged requests in flight per shard",
			Value:       4,
			Destination: &httpConcurrency,
		},
		&cli.Float64Flag{
			Name:        "http-rate",
			Usage:       "request rate limit per second (0 = unlimited)",
			Destination: &httpRate,
		},
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, host, webgpu)",
			Value:       "auto",
			Destination: &backendName,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
