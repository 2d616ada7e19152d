package container

import (
	"sync"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// containerState is shared by all handles onto one container.
type containerState struct {
	mu        sync.RWMutex
	bindings  map[string]*Binding
	bindOrder []string
}

// Container resolves bindings. The zero value is not usable; create one
// with New. Handles are cheap: resolution passes derived handles carrying
// the per-call in-progress set so providers participate in cycle detection.
type Container struct {
	state      *containerState
	inProgress map[string]bool
}

// New creates an empty container.
func New() *Container {
	return &Container{state: &containerState{bindings: make(map[string]*Binding)}}
}

// Bind starts a new binding for key. The binding must be made terminal with
// ToClass, ToValue or ToProvider before it can resolve. Binding an existing
// key replaces the previous registration.
func (c *Container) Bind(key string) *Binding {
	b := &Binding{key: key, scope: ScopeTransient, tags: map[string]struct{}{}}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if _, exists := c.state.bindings[key]; !exists {
		c.state.bindOrder = append(c.state.bindOrder, key)
	}
	c.state.bindings[key] = b
	return b
}

// Contains reports whether key is bound.
func (c *Container) Contains(key string) bool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	_, ok := c.state.bindings[key]
	return ok
}

// Get resolves a required binding. A miss fails with kind not-bound.
func (c *Container) Get(key string) (interface{}, error) {
	return c.resolve(key, false)
}

// GetOptional resolves a binding, returning nil on a miss.
func (c *Container) GetOptional(key string) (interface{}, error) {
	return c.resolve(key, true)
}

func (c *Container) resolve(key string, optional bool) (interface{}, error) {
	c.state.mu.RLock()
	b, ok := c.state.bindings[key]
	c.state.mu.RUnlock()
	if !ok {
		if optional {
			return nil, nil
		}
		return nil, errors.New(errors.KindNotBound, "no binding for key %q", key)
	}

	if c.inProgress[key] {
		return nil, errors.New(errors.KindCyclicBinding,
			"cyclic resolution of key %q", key)
	}

	if b.scope == ScopeSingleton {
		b.once.Do(func() {
			b.instance, b.buildErr = c.build(b)
		})
		return b.instance, b.buildErr
	}
	return c.build(b)
}

// build constructs a value for a binding, extending the in-progress set so
// re-entry on the same key is detected through providers and constructors.
func (c *Container) build(b *Binding) (interface{}, error) {
	child := c.enter(b.key)
	switch b.kind {
	case kindValue:
		return b.value, nil
	case kindProvider:
		return b.provider.Value(child)
	case kindClass:
		return child.construct(*b.constructor)
	default:
		return nil, errors.New(errors.KindConfigInvalid,
			"binding %q is not terminal; call ToClass, ToValue or ToProvider", b.key)
	}
}

// enter derives a handle with key added to the in-progress set.
func (c *Container) enter(key string) *Container {
	in := make(map[string]bool, len(c.inProgress)+1)
	for k := range c.inProgress {
		in[k] = true
	}
	in[key] = true
	return &Container{state: c.state, inProgress: in}
}

// Instantiate constructs a value from injection metadata without requiring
// a binding for the constructed type itself. Each declared dependency is
// resolved through Get (or GetOptional when marked optional).
func (c *Container) Instantiate(ctor Constructor) (interface{}, error) {
	return c.construct(ctor)
}

func (c *Container) construct(ctor Constructor) (interface{}, error) {
	deps := make([]interface{}, len(ctor.Deps))
	for i, dep := range ctor.Deps {
		v, err := c.resolve(dep.Key, dep.Optional)
		if err != nil {
			return nil, err
		}
		deps[i] = v
	}
	return ctor.Build(deps)
}

// FindByTag returns bindings carrying the tag, in bind order.
func (c *Container) FindByTag(tag string) []*Binding {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	var out []*Binding
	for _, key := range c.state.bindOrder {
		if b, ok := c.state.bindings[key]; ok && b.HasTag(tag) {
			out = append(out, b)
		}
	}
	return out
}

// Keys returns all bound keys in bind order.
func (c *Container) Keys() []string {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return append([]string(nil), c.state.bindOrder...)
}

// Closer is honored on cached singleton instances during teardown.
type Closer interface {
	Close() error
}

// Close tears the container down: cached singletons implementing Closer
// are closed in reverse bind order, then all bindings are dropped.
func (c *Container) Close() error {
	c.state.mu.Lock()
	bindings := c.state.bindings
	order := c.state.bindOrder
	c.state.bindings = make(map[string]*Binding)
	c.state.bindOrder = nil
	c.state.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		b := bindings[order[i]]
		if b == nil || b.scope != ScopeSingleton || b.instance == nil {
			continue
		}
		if closer, ok := b.instance.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Get resolves a binding and asserts its type.
func Get[T any](c *Container, key string) (T, error) {
	var zero T
	v, err := c.Get(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.New(errors.KindNotBound,
			"binding %q resolved to %T, not the requested type", key, v)
	}
	return typed, nil
}
