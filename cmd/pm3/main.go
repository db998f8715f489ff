package main

import (
	"fmt"
	"os"

	"github.com/pm3/pm3/internal/common/config"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/daemon"
	"github.com/pm3/pm3/internal/paths"
)

func main() {
	// The daemon never parses CLI argv beyond this flag: the client
	// re-executes the binary with --daemon when no daemon is alive.
	if len(os.Args) > 1 && os.Args[1] == "--daemon" {
		runDaemon()
		return
	}

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var p *paths.Paths
	if cfg.DataDir != "" {
		p = paths.WithBase(cfg.DataDir)
	} else {
		p, err = paths.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to resolve data directory: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(p.DataDir(), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	outputPath := cfg.Logging.OutputPath
	if outputPath == "" {
		outputPath = p.DaemonLog()
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: outputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := daemon.Run(p, log); err != nil {
		log.Error("daemon exited with error")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
