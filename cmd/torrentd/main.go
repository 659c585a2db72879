// Command torrentd runs the engine as a standalone process: it loads a
// YAML config (optionally layered with a secrets file via the same
// "extends" mechanism), adds every .torrent file named on the command
// line, and blocks until SIGINT/SIGTERM, logging TorrentAdded,
// TorrentCompleted and TorrentRemoved events as they occur. Grounded on
// agent/main.go's flat flag-parse-then-wire-singletons shape, the
// simplest of the pack's per-binary main()s.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/torrentd/engine/engine"
	"github.com/torrentd/engine/internal/log"
	"github.com/torrentd/engine/internal/metrics"
	"github.com/torrentd/engine/utils/configutil"
)

// Config is torrentd's top-level configuration file shape.
type Config struct {
	Engine  engine.Config  `yaml:"engine"`
	Metrics metrics.Config `yaml:"metrics"`
}

func main() {
	configFile := flag.String("config", "", "path to a YAML configuration file")
	secretsFile := flag.String("secrets", "", "path to a YAML secrets file layered onto -config")
	dataDir := flag.String("data-dir", "", "overrides engine.data_dir")
	port := flag.Int("port", 0, "overrides engine.port")
	flag.Parse()
	torrentFiles := flag.Args()

	var config Config
	if err := configutil.Load(*configFile, &config); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	if *secretsFile != "" {
		if err := configutil.Merge(*secretsFile, &config); err != nil {
			fmt.Fprintf(os.Stderr, "load secrets: %s\n", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		config.Engine.DataDir = *dataDir
	}
	if *port != 0 {
		config.Engine.Port = *port
	}

	zlog, err := log.New(config.Engine.Log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %s\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()
	log.SetGlobal(logger)

	stats, closer, err := metrics.New(config.Metrics)
	if err != nil {
		logger.Fatalf("init metrics: %s", err)
	}
	defer closer.Close()

	e, err := engine.New(config.Engine, clock.New(), stats, logger)
	if err != nil {
		logger.Fatalf("construct engine: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		logger.Fatalf("start engine: %s", err)
	}
	defer e.Stop()

	go logEvents(logger, e)

	for _, path := range torrentFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Errorw("failed to read torrent file", "path", path, "error", err)
			continue
		}
		info, err := e.AddTorrent(ctx, raw, engine.AddOptions{})
		if err != nil {
			logger.Errorw("failed to add torrent", "path", path, "error", err)
			continue
		}
		logger.Infow("added torrent", "name", info.Name, "info_hash", info.InfoHash.Hex())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("shutting down", "signal", sig.String())
}

func logEvents(logger *zap.SugaredLogger, e *engine.Engine) {
	for ev := range e.Events() {
		switch v := ev.(type) {
		case engine.TorrentAdded:
			logger.Infow("torrent added", "info_hash", v.InfoHash.Hex(), "name", v.Name)
		case engine.TorrentCompleted:
			logger.Infow("torrent completed", "info_hash", v.InfoHash.Hex())
		case engine.TorrentRemoved:
			logger.Infow("torrent removed", "info_hash", v.InfoHash.Hex())
		case engine.EngineStopped:
			return
		}
	}
}
