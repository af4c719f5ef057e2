package bootstrap

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/config"
	"github.com/cppla/visitcounter/controllers"
	"github.com/cppla/visitcounter/middleware"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/routes"
	"github.com/cppla/visitcounter/services"
	"github.com/cppla/visitcounter/utils"
)

// BuildContainer registers every component lazily; nothing connects until first invoked.
func BuildContainer(cfg config.AppConfig) *do.Injector {
	inj := do.New()

	// config
	do.ProvideValue(inj, cfg)

	// logger
	do.Provide(inj, func(i *do.Injector) (*zap.Logger, error) {
		return utils.InitLogger(cfg.Log)
	})

	// DB
	do.Provide(inj, func(i *do.Injector) (*gorm.DB, error) {
		return config.OpenDatabase(cfg, &models.Counter{}, &models.LogEntry{}, &models.User{})
	})

	// redis
	do.Provide(inj, func(i *do.Injector) (*redis.Client, error) {
		return utils.NewRedisClient(cfg)
	})
	do.Provide(inj, func(i *do.Injector) (*cache.Store, error) {
		log := do.MustInvoke[*zap.Logger](i)
		return cache.New(do.MustInvoke[*redis.Client](i), log.Named("cache")), nil
	})

	// repositories
	do.Provide(inj, func(i *do.Injector) (repository.CounterStore, error) {
		return repository.NewCounterStore(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repository.LogStore, error) {
		return repository.NewLogStore(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repository.UserStore, error) {
		return repository.NewUserStore(do.MustInvoke[*gorm.DB](i)), nil
	})

	// services
	do.Provide(inj, func(i *do.Injector) (*services.LogService, error) {
		return services.NewLogService(
			do.MustInvoke[*cache.Store](i),
			do.MustInvoke[repository.LogStore](i),
			cfg.Sync.LogTTL(),
			do.MustInvoke[*zap.Logger](i).Named("visitlog"),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*services.CounterService, error) {
		return services.NewCounterService(
			do.MustInvoke[*cache.Store](i),
			do.MustInvoke[repository.CounterStore](i),
			do.MustInvoke[*services.LogService](i),
			cfg.Sync.CounterTTL(),
			do.MustInvoke[*zap.Logger](i).Named("counter"),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*services.Scheduler, error) {
		return services.NewScheduler(
			do.MustInvoke[*services.CounterService](i),
			do.MustInvoke[*services.LogService](i),
			services.SyncOptions{
				Interval:   cfg.Sync.Interval(),
				BatchSize:  cfg.Sync.BatchSize,
				BatchPause: cfg.Sync.BatchPause(),
			},
			do.MustInvoke[*zap.Logger](i).Named("sync"),
		), nil
	})

	// auth
	do.Provide(inj, func(i *do.Injector) (*utils.TokenManager, error) {
		return utils.NewTokenManager(cfg.App.JWTSecret, time.Duration(cfg.App.JWTExpireHours)*time.Hour), nil
	})
	do.Provide(inj, func(i *do.Injector) (*utils.TokenBlacklist, error) {
		return utils.NewTokenBlacklist(do.MustInvoke[*redis.Client](i), do.MustInvoke[*zap.Logger](i).Named("auth")), nil
	})
	do.Provide(inj, func(i *do.Injector) (*utils.IPLocator, error) {
		return utils.NewIPLocator(
			cfg.Geo.Endpoint,
			cfg.Geo.Lang,
			time.Duration(cfg.Geo.TimeoutSec)*time.Second,
			time.Duration(cfg.Geo.CacheTTLMinute)*time.Minute,
			do.MustInvoke[*zap.Logger](i).Named("geo"),
		).WithRedis(do.MustInvoke[*redis.Client](i)), nil
	})

	// handlers
	do.Provide(inj, func(i *do.Injector) (*gin.Engine, error) {
		log := do.MustInvoke[*zap.Logger](i)
		counterSvc := do.MustInvoke[*services.CounterService](i)
		logSvc := do.MustInvoke[*services.LogService](i)
		scheduler := do.MustInvoke[*services.Scheduler](i)
		users := do.MustInvoke[repository.UserStore](i)
		httpLog := log.Named("http")

		accessLog, err := utils.NewRollingFileLogger(cfg.App.GinPath, cfg.Log)
		if err != nil {
			log.Warn("access log unavailable, using default recovery", zap.Error(err))
		}

		return routes.SetupRouter(routes.Deps{
			Config:    cfg,
			Counters:  controllers.NewCounterController(counterSvc, scheduler, httpLog),
			Logs:      controllers.NewLogController(logSvc, scheduler, do.MustInvoke[*utils.IPLocator](i), httpLog),
			Dashboard: controllers.NewDashboardController(counterSvc, logSvc, users, httpLog),
			Auth: controllers.NewAuthController(
				users,
				do.MustInvoke[*utils.TokenManager](i),
				do.MustInvoke[*utils.TokenBlacklist](i),
				httpLog,
			),
			Users:     controllers.NewUserController(users, httpLog),
			Tokens:    do.MustInvoke[*utils.TokenManager](i),
			Blacklist: do.MustInvoke[*utils.TokenBlacklist](i),
			RateLimit: middleware.NewIPRateLimiter(cfg.App.RateLimitPerMinute),
			AccessLog: accessLog,
		}), nil
	})

	return inj
}
