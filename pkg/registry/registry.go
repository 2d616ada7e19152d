// Package registry is the process-wide metadata store for controllers,
// models and routes. Artifacts register themselves (typically from init
// functions or during preConfigure); the container and booter read the
// registry at wiring time. Lookup misses are never errors and the registry
// never panics.
package registry

import (
	"reflect"
	"sync"

	"github.com/ignis-framework/ignis/pkg/query"
)

// ControllerMetadata is the registered description of a controller type.
type ControllerMetadata struct {
	Path         string
	MountOptions map[string]interface{}
}

// ModelSettings carries the model-level behavior switches.
type ModelSettings struct {
	DefaultFilter    *query.Filter
	HiddenProperties map[string]struct{}
	SkipMigrate      bool
}

// ModelMetadata is the registered description of a model type. Schema and
// Relations are resolvers so registration order between related models does
// not matter; they are invoked at wiring and query time.
type ModelMetadata struct {
	Name      string
	Schema    func() *query.Schema
	Relations func() map[string]query.Relation
	Settings  ModelSettings
}

// RouteEntry pairs a controller method name with its route config.
type RouteEntry struct {
	MethodName string
	Config     RouteConfig
}

// Registry stores metadata keyed by target type identity, with an O(1)
// name index for models (keyed by table name). Safe for concurrent use;
// writes happen during registration, reads dominate after boot.
type Registry struct {
	mu          sync.RWMutex
	controllers map[reflect.Type]ControllerMetadata
	models      map[reflect.Type]*ModelMetadata
	modelNames  map[string]*ModelMetadata
	routes      map[reflect.Type][]RouteEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		controllers: make(map[reflect.Type]ControllerMetadata),
		models:      make(map[reflect.Type]*ModelMetadata),
		modelNames:  make(map[string]*ModelMetadata),
		routes:      make(map[reflect.Type][]RouteEntry),
	}
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Reset replaces the process-wide registry. Intended for tests.
func Reset() { defaultRegistry = New() }

func targetKey(target interface{}) reflect.Type {
	t := reflect.TypeOf(target)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// SetControllerMetadata registers controller metadata for a target type.
// Re-registration overwrites silently; last write wins.
func (r *Registry) SetControllerMetadata(target interface{}, md ControllerMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[targetKey(target)] = md
}

// GetControllerMetadata looks up controller metadata for a target type.
func (r *Registry) GetControllerMetadata(target interface{}) (ControllerMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.controllers[targetKey(target)]
	return md, ok
}

// SetModelMetadata registers model metadata for a target type and indexes
// it by the schema's table name for O(1) name lookup.
func (r *Registry) SetModelMetadata(target interface{}, md ModelMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := md
	r.models[targetKey(target)] = &stored
	if name := stored.tableName(); name != "" {
		r.modelNames[name] = &stored
	}
}

func (m *ModelMetadata) tableName() string {
	if m.Schema == nil {
		return m.Name
	}
	if s := m.Schema(); s != nil && s.Table != "" {
		return s.Table
	}
	return m.Name
}

// GetModelMetadata looks up model metadata by target type.
func (r *Registry) GetModelMetadata(target interface{}) (*ModelMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.models[targetKey(target)]
	return md, ok
}

// GetModelByName looks up model metadata by table name.
func (r *Registry) GetModelByName(name string) (*ModelMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.modelNames[name]
	return md, ok
}

// ModelByName implements query.ModelResolver over the registry.
func (r *Registry) ModelByName(name string) (*query.ModelEntry, bool) {
	md, ok := r.GetModelByName(name)
	if !ok {
		return nil, false
	}
	return md.Entry(), true
}

// Entry materializes the query-layer view of a model: resolved schema,
// relations, hidden properties and default filter.
func (m *ModelMetadata) Entry() *query.ModelEntry {
	entry := &query.ModelEntry{
		Name:             m.tableName(),
		HiddenProperties: m.Settings.HiddenProperties,
		DefaultFilter:    m.Settings.DefaultFilter,
	}
	if m.Schema != nil {
		entry.Schema = m.Schema()
	}
	if m.Relations != nil {
		entry.Relations = m.Relations()
	} else {
		entry.Relations = map[string]query.Relation{}
	}
	return entry
}

// AddRoute appends a route entry for a controller target. Entries for a
// given method name are replaced in place so re-registration keeps the
// original position; new methods append, preserving insertion order.
func (r *Registry) AddRoute(target interface{}, methodName string, cfg RouteConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := targetKey(target)
	entries := r.routes[key]
	for i, e := range entries {
		if e.MethodName == methodName {
			entries[i].Config = cfg
			return
		}
	}
	r.routes[key] = append(entries, RouteEntry{MethodName: methodName, Config: cfg})
}

// Routes returns the insertion-ordered route entries for a controller
// target. The returned slice is a copy.
func (r *Registry) Routes(target interface{}) []RouteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.routes[targetKey(target)]
	out := make([]RouteEntry, len(entries))
	copy(out, entries)
	return out
}
