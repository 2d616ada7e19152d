package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/registry"
)

// contextKey scopes request-context values set by this package.
type contextKey string

// userContextKey is where the authenticated principal lives on the
// request context.
const userContextKey contextKey = "ignis.currentUser"

// ginUserKey mirrors the principal on the gin context for handlers that
// prefer c.Get.
const ginUserKey = "ignis.currentUser"

// Authenticate returns a middleware that runs the listed strategies from
// the registry in order. In any mode the first strategy returning a
// principal wins; in all mode every strategy must succeed and the last
// principal wins. On failure the request is rejected with kind
// unauthenticated, listing the strategies tried.
func Authenticate(reg *Registry, spec registry.AuthSpec) gin.HandlerFunc {
	mode := spec.Mode
	if mode == "" {
		mode = registry.AuthModeAny
	}
	return func(c *gin.Context) {
		principal, err := runStrategies(c.Request.Context(), reg, c.Request, spec.Strategies, mode)
		if err != nil {
			env := errors.ToEnvelope(err)
			c.AbortWithStatusJSON(env.StatusCode, env)
			return
		}
		SetCurrentUser(c, principal)
		c.Next()
	}
}

func runStrategies(ctx context.Context, reg *Registry, r *http.Request, names []string, mode registry.AuthMode) (*Principal, error) {
	var last *Principal
	for _, name := range names {
		strategy, ok := reg.Get(name)
		if !ok {
			if mode == registry.AuthModeAll {
				return nil, errors.New(errors.KindUnauthenticated,
					"authentication failed").WithDetails(map[string]interface{}{"strategies": names})
			}
			continue
		}

		creds, err := strategy.ExtractCredentials(ctx, r)
		if err != nil || creds == nil {
			if mode == registry.AuthModeAll {
				return nil, failure(names)
			}
			continue
		}
		principal, err := strategy.Authenticate(ctx, creds)
		if err != nil || principal == nil {
			if mode == registry.AuthModeAll {
				return nil, failure(names)
			}
			continue
		}

		if mode == registry.AuthModeAny {
			return principal, nil
		}
		last = principal
	}

	if mode == registry.AuthModeAll && last != nil {
		return last, nil
	}
	return nil, failure(names)
}

func failure(names []string) error {
	return errors.New(errors.KindUnauthenticated, "authentication failed").
		WithDetails(map[string]interface{}{"strategies": names})
}

// SetCurrentUser marks the principal on both the gin context and the
// underlying request context.
func SetCurrentUser(c *gin.Context, principal *Principal) {
	c.Set(ginUserKey, principal)
	c.Request = c.Request.WithContext(
		context.WithValue(c.Request.Context(), userContextKey, principal))
}

// CurrentUser returns the authenticated principal from a gin context.
func CurrentUser(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ginUserKey)
	if !ok {
		return nil, false
	}
	principal, ok := v.(*Principal)
	return principal, ok
}

// CurrentUserFromContext returns the principal from a request context.
func CurrentUserFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(userContextKey).(*Principal)
	return principal, ok
}
