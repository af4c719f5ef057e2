package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/config"
	"github.com/cppla/visitcounter/controllers"
	"github.com/cppla/visitcounter/middleware"
	"github.com/cppla/visitcounter/utils"
)

// Deps are the handlers and middleware inputs the router wires together.
type Deps struct {
	Config    config.AppConfig
	Counters  *controllers.CounterController
	Logs      *controllers.LogController
	Dashboard *controllers.DashboardController
	Auth      *controllers.AuthController
	Users     *controllers.UserController
	Tokens    *utils.TokenManager
	Blacklist *utils.TokenBlacklist
	RateLimit *middleware.IPRateLimiter
	AccessLog *zap.Logger
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	switch strings.ToLower(cfg.App.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if d.AccessLog != nil {
		r.Use(utils.Ginzap(d.AccessLog, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(d.AccessLog, false))
	} else {
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.App.AllowedOrigins) == 0 || (len(cfg.App.AllowedOrigins) == 1 && cfg.App.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.App.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// Public counter endpoint, embedded by tracked sites.
	api.GET("/counter/increment", d.RateLimit.Middleware(), d.Counters.Increment)

	requireAdmin := middleware.AuthRequired(d.Tokens, d.Blacklist)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", d.RateLimit.Middleware(), d.Auth.Login)
	authGroup.POST("/logout", requireAdmin, d.Auth.Logout)
	authGroup.GET("/me", requireAdmin, d.Auth.Me)

	admin := api.Group("/admin", requireAdmin)

	counters := admin.Group("/counters")
	counters.GET("", d.Counters.List)
	counters.GET("/page", d.Counters.Page)
	counters.GET("/target/:target", d.Counters.GetByTarget)
	counters.POST("", d.Counters.Create)
	counters.PUT("/:id", d.Counters.Update)
	counters.PUT("/:id/status", d.Counters.SetStatus)
	counters.DELETE("/:id", d.Counters.Delete)
	counters.POST("/flush", d.Counters.Flush)

	logs := admin.Group("/logs")
	logs.GET("", d.Logs.List)
	logs.GET("/page", d.Logs.Page)
	logs.GET("/:id", d.Logs.Get)
	logs.GET("/:id/location", d.Logs.Location)
	logs.DELETE("/:id", d.Logs.Delete)
	logs.POST("/flush", d.Logs.Flush)

	users := admin.Group("/users")
	users.GET("", d.Users.List)
	users.GET("/page", d.Users.Page)
	users.POST("", d.Users.Create)
	users.PUT("/:id", d.Users.Update)
	users.PUT("/:id/status", d.Users.SetStatus)
	users.DELETE("/:id", d.Users.Delete)

	dashboard := admin.Group("/dashboard")
	dashboard.GET("/summary", d.Dashboard.Summary)
	dashboard.GET("/trend", d.Dashboard.Trend)
	dashboard.GET("/distribution", d.Dashboard.Distribution)
	dashboard.GET("/recent", d.Dashboard.Recent)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
	})

	return r
}
