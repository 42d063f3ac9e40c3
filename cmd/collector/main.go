// Command collector accepts crash submissions over HTTP, throttles them and
// saves them to the store, or to the filesystem fallback when the store is
// down.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	gol "github.com/op/go-logging"

	"github.com/dharsanguruparan/CrashVault/internal/api"
	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/logging"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
)

var log = gol.MustGetLogger("collector")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := storage.OpenCollector(ctx, cfg, storage.Transport(cfg))
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer collector.Close()

	srv := api.New(cfg, collector)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}
