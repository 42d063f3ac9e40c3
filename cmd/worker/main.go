// Command worker stores the processed results that processors enqueue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	gol "github.com/op/go-logging"

	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/dispatch"
	"github.com/dharsanguruparan/CrashVault/internal/logging"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
	"github.com/dharsanguruparan/CrashVault/internal/worker"
)

var log = gol.MustGetLogger("worker")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	client, err := storage.OpenStore(ctx, cfg, storage.Transport(cfg))
	if err != nil {
		log.Fatalf("connect store: %v", err)
	}
	store := storage.NewStoreStorage(client)
	defer store.Close()

	server := asynq.NewServer(dispatch.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), asynq.Config{
		Concurrency: cfg.Workers,
	})
	processor := worker.NewProcessor(store)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Errorf("worker stopped: %v", err)
		os.Exit(1)
	}
}
