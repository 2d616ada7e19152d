// Package controller implements the Ignis controller and route model: a
// controller is a set of route descriptors plus a mount path. Routes come
// from the metadata registry (annotation-style registration) or from the
// programmatic BindRoute/DefineRoute APIs, and are mounted onto a gin
// router with the authentication middleware attached first.
package controller

import (
	"github.com/gin-gonic/gin"

	"github.com/ignis-framework/ignis/pkg/auth"
	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/registry"
)

// Route pairs a descriptor with its handler.
type Route struct {
	Config  registry.RouteConfig
	Handler gin.HandlerFunc
}

// Controller is what the application boots: Configure registers routes,
// Mount attaches them to the router.
type Controller interface {
	MountPath() string
	Configure() error
	Routes() []Route
}

// Base is the embeddable default controller implementation.
type Base struct {
	path     string
	scope    string
	registry *registry.Registry
	authReg  *auth.Registry
	routes   []Route
}

// NewBase creates a controller base. A controller without a resolved mount
// path fails fast with kind config-invalid. scope is appended to every
// route's tags for documentation.
func NewBase(path, scope string, reg *registry.Registry, authReg *auth.Registry) (*Base, error) {
	if path == "" {
		return nil, errors.New(errors.KindConfigInvalid,
			"controller %q has no mount path", scope)
	}
	if reg == nil {
		reg = registry.Default()
	}
	if authReg == nil {
		authReg = auth.DefaultRegistry()
	}
	return &Base{path: path, scope: scope, registry: reg, authReg: authReg}, nil
}

// MountPath returns the controller's mount path.
func (b *Base) MountPath() string { return b.path }

// Scope returns the controller's documentation scope.
func (b *Base) Scope() string { return b.scope }

// Routes returns the registered routes in registration order.
func (b *Base) Routes() []Route { return b.routes }

// RouteBinding is the fluent half of BindRoute.
type RouteBinding struct {
	base *Base
	cfg  registry.RouteConfig
}

// BindRoute starts a programmatic route registration.
func (b *Base) BindRoute(cfg registry.RouteConfig) *RouteBinding {
	return &RouteBinding{base: b, cfg: cfg}
}

// To completes the binding with a handler.
func (rb *RouteBinding) To(handler gin.HandlerFunc) {
	rb.base.addRoute(rb.cfg, handler)
}

// DefineRoute registers a route with an optional hook invoked after
// registration (used by components that post-process descriptors).
func (b *Base) DefineRoute(cfg registry.RouteConfig, handler gin.HandlerFunc, hook func(registry.RouteConfig)) {
	b.addRoute(cfg, handler)
	if hook != nil {
		hook(b.routes[len(b.routes)-1].Config)
	}
}

func (b *Base) addRoute(cfg registry.RouteConfig, handler gin.HandlerFunc) {
	// The controller scope rides along as a documentation tag.
	if b.scope != "" {
		cfg.Tags = append(cfg.Tags, b.scope)
	}
	b.routes = append(b.routes, Route{Config: cfg, Handler: handler})
}

// BindRegistered pulls the registry's insertion-ordered route entries for
// target and binds each to its named handler. Entries without a matching
// handler fail with config-invalid, catching typos at boot rather than at
// request time.
func (b *Base) BindRegistered(target interface{}, handlers map[string]gin.HandlerFunc) error {
	for _, entry := range b.registry.Routes(target) {
		handler, ok := handlers[entry.MethodName]
		if !ok {
			return errors.New(errors.KindConfigInvalid,
				"controller %q registers route for unknown method %q", b.scope, entry.MethodName)
		}
		b.addRoute(entry.Config, handler)
	}
	return nil
}

// Mount attaches all routes under the mount path. The authentication
// middleware (when strategies are listed) runs first, then the config's
// middleware in order, then the handler.
func (b *Base) Mount(router gin.IRouter) error {
	group := router.Group(b.path)
	for _, route := range b.routes {
		chain := make([]gin.HandlerFunc, 0, len(route.Config.Middleware)+2)
		if route.Config.Authenticate != nil && len(route.Config.Authenticate.Strategies) > 0 {
			chain = append(chain, auth.Authenticate(b.authReg, *route.Config.Authenticate))
		}
		for _, mw := range route.Config.Middleware {
			fn, ok := mw.(gin.HandlerFunc)
			if !ok {
				return errors.New(errors.KindConfigInvalid,
					"route %s %s carries middleware of type %T", route.Config.Method, route.Config.Path, mw)
			}
			chain = append(chain, fn)
		}
		chain = append(chain, route.Handler)
		group.Handle(route.Config.Method, route.Config.Path, chain...)
	}
	return nil
}

// WriteError renders a classified error as the HTTP envelope.
func WriteError(c *gin.Context, err error) {
	env := errors.ToEnvelope(err)
	c.JSON(env.StatusCode, env)
}
