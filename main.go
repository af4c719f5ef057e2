package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/bootstrap"
	"github.com/cppla/visitcounter/config"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/services"
	"github.com/cppla/visitcounter/utils"
)

func main() {
	cfg := config.Load()

	inj := bootstrap.BuildContainer(cfg)
	log := do.MustInvoke[*zap.Logger](inj)
	defer func() { _ = log.Sync() }()

	if err := bootstrap.EnsureAdminUser(context.Background(), do.MustInvoke[repository.UserStore](inj), cfg.Admin, log); err != nil {
		log.Fatal("ensure admin user", zap.Error(err))
	}

	counters := do.MustInvoke[*services.CounterService](inj)
	logs := do.MustInvoke[*services.LogService](inj)
	scheduler := do.MustInvoke[*services.Scheduler](inj)

	if cfg.Sync.WarmOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := counters.Warm(ctx); err != nil {
			log.Warn("counter cache warm-up failed", zap.Error(err))
		}
		if err := logs.Warm(ctx); err != nil {
			log.Warn("log id warm-up failed", zap.Error(err))
		}
		cancel()
	}
	scheduler.Start()

	srv := utils.NewServer(":"+cfg.App.Port, do.MustInvoke[*gin.Engine](inj), log)
	srv.OnShutdown(func(ctx context.Context) {
		// Stop the timer, then push whatever is still cached before the process exits.
		scheduler.Stop()
		if _, err := scheduler.FlushAll(ctx); err != nil {
			log.Warn("final flush incomplete", zap.Error(err))
		}
	})
	srv.OnShutdown(func(context.Context) {
		if err := inj.Shutdown(); err != nil {
			log.Warn("container shutdown", zap.Error(err))
		}
		_ = do.MustInvoke[*redis.Client](inj).Close()
	})

	log.Info("starting server (graceful)", zap.String("port", cfg.App.Port))
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
}
