package main

import (
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/dispatch"
)

func newQueueDispatcher(priority bool) (crashstore.Dispatcher, func(), error) {
	d := dispatch.NewQueueDispatcher(asynq.NewClient(dispatch.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)), priority)
	return d, func() { d.Close() }, nil
}
