// Package container implements the Ignis dependency-injection container:
// a key → binding registry with singleton and transient scopes, tag
// indexing, provider resolution, and recursive instantiation driven by
// declared constructor dependencies. Keys are "namespace.name" strings,
// e.g. "controllers.UserController".
package container

import (
	"sync"
)

// Scope controls instance lifetime.
type Scope string

const (
	// ScopeSingleton caches the first resolved instance until teardown.
	ScopeSingleton Scope = "singleton"
	// ScopeTransient constructs a new instance on every resolution.
	ScopeTransient Scope = "transient"
)

// valueKind discriminates what a binding resolves from.
type valueKind int

const (
	kindUnset valueKind = iota
	kindClass
	kindValue
	kindProvider
)

// Provider produces a value on demand. Providers are themselves resolvable
// and are the supported way to express lazy back-edges in cyclic graphs.
type Provider interface {
	Value(c *Container) (interface{}, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(c *Container) (interface{}, error)

// Value implements Provider.
func (f ProviderFunc) Value(c *Container) (interface{}, error) { return f(c) }

// Dep declares one constructor dependency by binding key. Optional deps
// resolve to nil on a lookup miss instead of failing, which is also the
// supported way to break cycles via late property injection.
type Dep struct {
	Key      string
	Optional bool
}

// Constructor is the injection metadata of a class binding: the dependency
// keys to resolve and the build function receiving them in order.
type Constructor struct {
	Deps  []Dep
	Build func(deps []interface{}) (interface{}, error)
}

// Binding is one registration in the container. Fluent setters mutate it
// only before first resolution.
type Binding struct {
	key   string
	kind  valueKind
	scope Scope
	tags  map[string]struct{}

	constructor *Constructor
	value       interface{}
	provider    Provider

	// Singleton cache. once guards construction so concurrent Gets for the
	// same key build exactly one instance.
	once     sync.Once
	instance interface{}
	buildErr error
}

// Key returns the binding key.
func (b *Binding) Key() string { return b.key }

// Scope returns the binding scope.
func (b *Binding) Scope() Scope { return b.scope }

// ToClass makes the binding construct instances via injection metadata.
func (b *Binding) ToClass(ctor Constructor) *Binding {
	b.kind = kindClass
	b.constructor = &ctor
	return b
}

// ToValue makes the binding resolve to a fixed value.
func (b *Binding) ToValue(v interface{}) *Binding {
	b.kind = kindValue
	b.value = v
	return b
}

// ToProvider makes the binding resolve through a provider.
func (b *Binding) ToProvider(p Provider) *Binding {
	b.kind = kindProvider
	b.provider = p
	return b
}

// ToProviderFunc is sugar over ToProvider.
func (b *Binding) ToProviderFunc(f func(c *Container) (interface{}, error)) *Binding {
	return b.ToProvider(ProviderFunc(f))
}

// InScope sets the binding scope.
func (b *Binding) InScope(scope Scope) *Binding {
	b.scope = scope
	return b
}

// Tag adds tags to the binding's secondary index.
func (b *Binding) Tag(tags ...string) *Binding {
	for _, t := range tags {
		b.tags[t] = struct{}{}
	}
	return b
}

// HasTag reports whether the binding carries the given tag.
func (b *Binding) HasTag(tag string) bool {
	_, ok := b.tags[tag]
	return ok
}
