// Package application wires the framework together: the container, the
// metadata registry, the HTTP engine and the realtime helper, driven by a
// boot sequence that instantiates tagged artifacts in dependency order.
package application

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ignis-framework/ignis/pkg/config"
	"github.com/ignis-framework/ignis/pkg/container"
	"github.com/ignis-framework/ignis/pkg/datasource"
	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/hflog"
	"github.com/ignis-framework/ignis/pkg/observability"
	"github.com/ignis-framework/ignis/pkg/realtime"
	"github.com/ignis-framework/ignis/pkg/registry"
)

// Lifecycle states. Transitions only move forward.
type State string

const (
	StateNew        State = "new"
	StateConfigured State = "configured"
	StateBooted     State = "booted"
	StateServing    State = "serving"
	StateStopped    State = "stopped"
)

// Well-known container keys the application itself binds or looks up.
const (
	KeyConfig   = "core.config"
	KeyLogger   = "core.logger"
	KeyRegistry = "core.registry"
	KeyEngine   = "core.http.engine"
	KeyRealtime = "core.realtime.helper"
	KeyFlusher  = "core.hflog.flusher"
)

// Artifact tags instantiated during boot, in this order.
const (
	TagDataSource = "datasource"
	TagComponent  = "component"
	TagController = "controller"
)

// Hook runs at a lifecycle edge. PreConfigure is where applications bind
// their artifacts; PostConfigure runs right before serving.
type Hook func(ctx context.Context, app *Application) error

// Component is an artifact that contributes container bindings after its
// own construction.
type Component interface {
	Bindings(c *container.Container) error
}

// mounter is satisfied by controllers built on controller.Base.
type mounter interface {
	Mount(router gin.IRouter) error
}

// Options configures an application instance.
type Options struct {
	Config        *config.Config
	Logger        observability.Logger
	PreConfigure  Hook
	PostConfigure Hook
	// Kinds overrides the boot phases. Defaults to DefaultKinds().
	Kinds []Kind
}

// Application is the composition root.
type Application struct {
	mu    sync.Mutex
	state State

	cfg      *config.Config
	logger   observability.Logger
	cont     *container.Container
	registry *registry.Registry
	engine   *gin.Engine
	server   *http.Server

	pre, post Hook
	kinds     []Kind

	dataSources []datasource.DataSource
	report      *Report
}

// New creates an application in the new state. The container starts with
// the config, logger, registry and gin engine bound under the core keys.
func New(opts Options) *Application {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewStandardLogger("app")
	}
	kinds := opts.Kinds
	if kinds == nil {
		kinds = DefaultKinds()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	app := &Application{
		state:    StateNew,
		cfg:      cfg,
		logger:   logger,
		cont:     container.New(),
		registry: registry.Default(),
		engine:   engine,
		pre:      opts.PreConfigure,
		post:     opts.PostConfigure,
		kinds:    kinds,
	}

	app.cont.Bind(KeyConfig).ToValue(cfg)
	app.cont.Bind(KeyLogger).ToValue(logger)
	app.cont.Bind(KeyRegistry).ToValue(app.registry)
	app.cont.Bind(KeyEngine).ToValue(engine)
	return app
}

// State returns the current lifecycle state.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Container returns the application container.
func (a *Application) Container() *container.Container { return a.cont }

// Registry returns the metadata registry.
func (a *Application) Registry() *registry.Registry { return a.registry }

// Engine returns the HTTP engine controllers mount on.
func (a *Application) Engine() *gin.Engine { return a.engine }

// Report returns the boot report, nil before Boot.
func (a *Application) Report() *Report { return a.report }

func (a *Application) transition(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return errors.New(errors.KindConfigInvalid,
			"invalid lifecycle transition %s -> %s", a.state, to)
	}
	a.state = to
	return nil
}

// Configure runs the pre-configure hook where the application binds its
// artifacts.
func (a *Application) Configure(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateNew {
		state := a.state
		a.mu.Unlock()
		return errors.New(errors.KindConfigInvalid,
			"configure called in state %s", state)
	}
	a.mu.Unlock()

	if a.pre != nil {
		if err := a.pre(ctx, a); err != nil {
			return errors.Wrap(err, errors.KindConfigInvalid, "pre-configure hook failed")
		}
	}
	return a.transition(StateNew, StateConfigured)
}

// Boot instantiates tagged artifacts phase by phase: data sources connect,
// components contribute bindings, controllers configure and mount. Any
// error aborts the whole boot so a partially wired application never serves.
func (a *Application) Boot(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateConfigured {
		state := a.state
		a.mu.Unlock()
		return errors.New(errors.KindConfigInvalid, "boot called in state %s", state)
	}
	a.mu.Unlock()

	booter := NewBooter(a.kinds, a.logger)
	report, err := booter.Boot(ctx, a.cont, a.visitArtifact)
	a.report = report
	if err != nil {
		return err
	}
	a.logger.Info("application booted", map[string]interface{}{
		"duration_ms":  report.Duration.Milliseconds(),
		"total_loaded": report.TotalLoaded,
	})
	return a.transition(StateConfigured, StateBooted)
}

// visitArtifact performs the per-kind wiring during boot.
func (a *Application) visitArtifact(ctx context.Context, kind Kind, key string, artifact interface{}) error {
	switch kind.Tag {
	case TagDataSource:
		ds, ok := artifact.(datasource.DataSource)
		if !ok {
			return errors.New(errors.KindConfigInvalid,
				"binding %q tagged %s is not a data source", key, kind.Tag)
		}
		if err := ds.Connect(ctx); err != nil {
			return errors.Wrap(err, errors.KindInternal,
				"data source %q failed to connect", ds.Name())
		}
		a.dataSources = append(a.dataSources, ds)
	case TagComponent:
		if comp, ok := artifact.(Component); ok {
			if err := comp.Bindings(a.cont); err != nil {
				return errors.Wrap(err, errors.KindConfigInvalid,
					"component %q bindings failed", key)
			}
		}
	case TagController:
		ctrl, ok := artifact.(interface {
			MountPath() string
			Configure() error
		})
		if !ok {
			return errors.New(errors.KindConfigInvalid,
				"binding %q tagged %s is not a controller", key, kind.Tag)
		}
		if err := ctrl.Configure(); err != nil {
			return errors.Wrap(err, errors.KindConfigInvalid,
				"controller %q configure failed", key)
		}
		if m, ok := artifact.(mounter); ok {
			if err := m.Mount(a.router()); err != nil {
				return errors.Wrap(err, errors.KindConfigInvalid,
					"controller %q mount failed", key)
			}
		}
	}
	return nil
}

func (a *Application) router() gin.IRouter {
	if a.cfg.Server.BasePath != "" && a.cfg.Server.BasePath != "/" {
		return a.engine.Group(a.cfg.Server.BasePath)
	}
	return a.engine
}

// Start runs the post-configure hook, attaches the realtime endpoint when
// a helper is bound, starts the log flusher and begins serving HTTP.
// ListenAndServe runs in its own goroutine; startup errors surface through
// the returned channel.
func (a *Application) Start(ctx context.Context) (<-chan error, error) {
	a.mu.Lock()
	if a.state != StateBooted {
		state := a.state
		a.mu.Unlock()
		return nil, errors.New(errors.KindConfigInvalid, "start called in state %s", state)
	}
	a.mu.Unlock()

	if a.post != nil {
		if err := a.post(ctx, a); err != nil {
			return nil, errors.Wrap(err, errors.KindConfigInvalid, "post-configure hook failed")
		}
	}

	if helper, err := container.Get[*realtime.Helper](a.cont, KeyRealtime); err == nil {
		path := a.cfg.Realtime.Path
		if path == "" {
			path = "/ws"
		}
		a.engine.GET(path, func(c *gin.Context) {
			helper.HandleHTTP(c.Writer, c.Request)
		})
		if err := helper.Start(ctx); err != nil {
			return nil, err
		}
	}

	if flusher, err := container.Get[*hflog.Flusher](a.cont, KeyFlusher); err == nil {
		flusher.Start(0)
	}

	addr := a.cfg.Server.ListenAddress
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.engine,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", map[string]interface{}{"address": addr})
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	if err := a.transition(StateBooted, StateServing); err != nil {
		return nil, err
	}
	return errCh, nil
}

// Stop tears the stack down in reverse: HTTP drain, realtime shutdown with
// the going-away code, flusher stop, then the container close which releases
// data sources and the bus through their Closer hooks.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopped
	a.mu.Unlock()

	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		a.logger.Warn("shutdown stage failed", map[string]interface{}{
			"stage": stage,
			"error": err.Error(),
		})
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	if a.server != nil {
		record("http", a.server.Shutdown(ctx))
	}
	if helper, err := container.Get[*realtime.Helper](a.cont, KeyRealtime); err == nil {
		record("realtime", helper.Close())
	}
	if flusher, err := container.Get[*hflog.Flusher](a.cont, KeyFlusher); err == nil {
		flusher.Stop()
	}
	for i := len(a.dataSources) - 1; i >= 0; i-- {
		record("datasource", a.dataSources[i].Close())
	}
	record("container", a.cont.Close())

	a.logger.Info("application stopped", nil)
	return firstErr
}
