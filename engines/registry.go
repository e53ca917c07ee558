package engines

import (
	"fmt"
	"sort"
	"sync"

	"github.com/corvid-labs/harvest/core"
)

// Factory builds one Engine tier instance, generalized from the
// teacher's ai.ProviderFactory (ai/registry.go): Name/Tier identify
// what is being built, Create does the building given a tier-specific
// config blob the caller already has on hand.
type Factory struct {
	Name   string
	Tier   core.EngineKind
	Create func(cfg interface{}) (Engine, error)
}

// Registry is an explicit, constructed value — never a package-level
// singleton (spec.md §9's design note generalizes the teacher's global
// ai.Register while dropping its singleton-ness). Each caller builds
// its own Registry via NewRegistry and wires it into the planner and
// executor at construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.EngineKind]Factory
}

// defaultFactories is the bootstrap list each tier package appends
// itself to from init(), mirroring ai/registry.go's Register/init
// idiom. It is not a Registry itself and is never consulted directly
// by planner/executor code — NewRegistry copies from it once, so every
// constructed Registry is an independent value from that point on.
var defaultFactories = struct {
	mu   sync.Mutex
	list []Factory
}{}

// RegisterDefault is called by each tier package's init() to make
// itself available to every subsequently constructed Registry.
func RegisterDefault(f Factory) {
	defaultFactories.mu.Lock()
	defer defaultFactories.mu.Unlock()
	defaultFactories.list = append(defaultFactories.list, f)
}

// NewRegistry builds an empty Registry with no pre-registered tiers.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[core.EngineKind]Factory)}
}

// NewDefaultRegistry builds a Registry seeded with every factory
// registered via RegisterDefault so far (typically all three tiers,
// once their packages are blank-imported for side effects).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	defaultFactories.mu.Lock()
	defer defaultFactories.mu.Unlock()
	for _, f := range defaultFactories.list {
		r.factories[f.Tier] = f
	}
	return r
}

// Register adds or replaces the factory for a tier.
func (r *Registry) Register(f Factory) error {
	if f.Create == nil {
		return fmt.Errorf("engines: factory %q has a nil Create func", f.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Tier] = f
	return nil
}

// Build constructs the Engine for the given tier using its registered
// factory and cfg. Returns core.ErrEngineNotRegistered if no factory
// was registered for that tier.
func (r *Registry) Build(tier core.EngineKind, cfg interface{}) (Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[tier]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrEngineNotRegistered
	}
	return f.Create(cfg)
}

// Tiers lists the registered tiers, sorted for deterministic logging.
func (r *Registry) Tiers() []core.EngineKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.EngineKind, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
