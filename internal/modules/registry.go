package modules

import (
	"fmt"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Registry maps each root platform to its variant constructor.
type Registry struct {
	variants map[domain.Platform]func() Variant
}

// NewRegistry creates a registry with every supported provider.
func NewRegistry() *Registry {
	r := &Registry{variants: make(map[domain.Platform]func() Variant)}
	r.Register(domain.PlatformMagisk, NewMagiskVariant)
	r.Register(domain.PlatformKernelSU, NewKernelSUVariant)
	r.Register(domain.PlatformKsuNext, NewKsuNextVariant)
	r.Register(domain.PlatformAPatch, NewAPatchVariant)
	return r
}

// Register adds or replaces the constructor for p.
func (r *Registry) Register(p domain.Platform, ctor func() Variant) {
	r.variants[p] = ctor
}

// New builds the module manager for p. Platforms without a provider
// (NonRoot, Empty) have no module manager.
func (r *Registry) New(p domain.Platform, deps Deps) (*Manager, error) {
	ctor, ok := r.variants[p]
	if !ok {
		return nil, fmt.Errorf("%w: no module manager for platform %q", domain.ErrNotSupported, p)
	}
	return NewManager(ctor(), deps), nil
}

// Platforms lists the platforms with a registered provider.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.variants))
	for p := range r.variants {
		out = append(out, p)
	}
	return out
}
