package hub

import "sync"

// PluginRegistry hands out PluginDataHandles, the extension point
// described in the original's PluginManager::registerPluginData. A
// handle is requested once at startup and then used on every Entity to
// carry arbitrary data through that entity's lifetime.
type PluginRegistry struct {
	mu     sync.Mutex
	byName map[string]PluginDataHandle
}

// NewPluginRegistry constructs an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{byName: make(map[string]PluginDataHandle)}
}

// Register allocates (or returns the existing) handle for name. deleter
// runs once per entity when that entity's slot is cleared or the entity
// is destroyed.
func (r *PluginRegistry) Register(name string, deleter func(interface{})) PluginDataHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byName[name]; ok {
		return h
	}
	h := RegisterPluginData(name, deleter)
	r.byName[name] = h
	return h
}
