// Package auth implements the Ignis authentication core: a strategy
// registry and a middleware that runs strategies in any/all mode, plus the
// JWT strategy with AES-encrypted private claims.
package auth

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/ignis-framework/ignis/pkg/container"
)

// Role is one authorization role attached to a principal. On the wire it
// travels as a pipe-separated "id|identifier|priority" string.
type Role struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Priority   int    `json:"priority"`
}

// Principal is the authenticated user payload set on the request context.
type Principal struct {
	UserID string                 `json:"userId"`
	Roles  []Role                 `json:"roles,omitempty"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// Credentials is whatever a strategy extracted from the request. A nil
// result from ExtractCredentials means the strategy does not recognize the
// request and is skipped.
type Credentials interface{}

// Strategy is a named credential-extractor + verifier pair.
type Strategy interface {
	Name() string
	// ExtractCredentials reads headers/cookies/etc. Returning (nil, nil)
	// means "no credentials": the request is not in this strategy's format.
	ExtractCredentials(ctx context.Context, r *http.Request) (Credentials, error)
	// Authenticate validates the credentials and returns the principal, or
	// nil when they do not verify.
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// StrategyTag is the container tag applied to registered strategies.
const StrategyTag = "auth-strategy"

// Registry maintains name → strategy. The process-wide instance is the
// only public surface for strategy lookup.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide strategy registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a strategy under its name. Last registration wins.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// RegisterWithContainer registers the strategy and binds it under
// "authentication.strategies.<name>" tagged auth-strategy, so strategy
// sets are discoverable through the container as well.
func (r *Registry) RegisterWithContainer(c *container.Container, s Strategy) {
	r.Register(s)
	c.Bind("authentication.strategies." + s.Name()).
		ToValue(s).
		InScope(container.ScopeSingleton).
		Tag(StrategyTag)
}

// Get looks a strategy up by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
