// Command ignis-server boots a minimal application on the framework: a
// relational data source, JWT authentication, the realtime endpoint and a
// status controller.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/ignis-framework/ignis/pkg/application"
	"github.com/ignis-framework/ignis/pkg/auth"
	"github.com/ignis-framework/ignis/pkg/config"
	"github.com/ignis-framework/ignis/pkg/container"
	"github.com/ignis-framework/ignis/pkg/controller"
	"github.com/ignis-framework/ignis/pkg/datasource"
	"github.com/ignis-framework/ignis/pkg/hflog"
	"github.com/ignis-framework/ignis/pkg/observability"
	"github.com/ignis-framework/ignis/pkg/realtime"
	"github.com/ignis-framework/ignis/pkg/registry"
)

func main() {
	logger := observability.NewStandardLogger("ignis")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if err := config.ValidateEnv(); err != nil {
		logger.Error("environment validation failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	app := application.New(application.Options{
		Config:       cfg,
		Logger:       logger,
		PreConfigure: wire,
	})

	ctx := context.Background()
	if err := app.Configure(ctx); err != nil {
		logger.Error("configure failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if err := app.Boot(ctx); err != nil {
		logger.Error("boot failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	serveErr, err := app.Start(ctx)
	if err != nil {
		logger.Error("start failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutdown signal received", map[string]interface{}{"signal": s.String()})
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// wire is the pre-configure hook binding every artifact the sample serves.
func wire(ctx context.Context, app *application.Application) error {
	c := app.Container()
	cfg, err := container.Get[*config.Config](c, application.KeyConfig)
	if err != nil {
		return err
	}
	logger, err := container.Get[observability.Logger](c, application.KeyLogger)
	if err != nil {
		return err
	}

	// Hot-path logging drains to stdout alongside the standard logger.
	hf := hflog.New()
	c.Bind("core.hflog.logger").ToValue(hf)
	c.Bind(application.KeyFlusher).ToValue(hflog.NewFlusher(hf.Ring(), os.Stdout))

	jwtStrategy, err := auth.NewJWTStrategy(cfg.Auth, "ignis")
	if err != nil {
		return err
	}
	auth.DefaultRegistry().RegisterWithContainer(c, jwtStrategy)

	c.Bind("datasources.default").
		ToProviderFunc(func(*container.Container) (interface{}, error) {
			return datasource.NewRelational("default", cfg.Database, logger), nil
		}).
		Tag(application.TagDataSource)

	if cfg.Realtime.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		bus := realtime.NewRedisBus(redisClient, logger)
		helper := realtime.NewHelper(realtime.Options{
			AuthTimeout:         cfg.Realtime.AuthTimeout,
			HeartbeatInterval:   cfg.Realtime.HeartbeatInterval,
			HeartbeatTimeout:    cfg.Realtime.HeartbeatTimeout,
			EncryptedBatchLimit: cfg.Realtime.EncryptedBatchLimit,
			RequireEncryption:   cfg.Realtime.RequireEncryption,
			DefaultRooms:        cfg.Realtime.DefaultRooms,
			MaxMessageSize:      cfg.Realtime.MaxMessageSize,
			AuthenticateFn:      realtimeAuth(jwtStrategy),
		}, bus, logger)
		c.Bind(application.KeyRealtime).ToValue(helper)
	}

	c.Bind("controllers.status").
		ToProviderFunc(func(*container.Container) (interface{}, error) {
			return newStatusController(app.Registry())
		}).
		Tag(application.TagController)

	return nil
}

// realtimeAuth verifies the token carried in the authenticate payload with
// the JWT strategy.
func realtimeAuth(strategy *auth.JWTStrategy) func(context.Context, map[string]interface{}) (*realtime.AuthResult, error) {
	return func(ctx context.Context, data map[string]interface{}) (*realtime.AuthResult, error) {
		token, _ := data["token"].(string)
		if token == "" {
			return nil, nil
		}
		principal, err := strategy.Authenticate(ctx, token)
		if err != nil || principal == nil {
			return nil, err
		}
		return &realtime.AuthResult{
			UserID:   principal.UserID,
			Metadata: principal.Claims,
		}, nil
	}
}

type statusController struct {
	*controller.Base
	started time.Time
}

func newStatusController(reg *registry.Registry) (*statusController, error) {
	base, err := controller.NewBase("/status", "status", reg, auth.DefaultRegistry())
	if err != nil {
		return nil, err
	}
	return &statusController{Base: base, started: time.Now()}, nil
}

func (sc *statusController) Configure() error {
	sc.BindRoute(registry.RouteConfig{
		Method: http.MethodGet,
		Path:   "/",
	}).To(sc.status)
	return nil
}

func (sc *statusController) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(sc.started).String(),
	})
}
