package payment

import (
	"sort"

	"github.com/robertarktes/espazza-checkout/internal/domain"
)

type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry indexes providers by Name. The first one is the default card
// processor.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for i, p := range providers {
		if i == 0 {
			r.fallback = p.Name()
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Get resolves a provider by name; an empty name selects the default.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.Invalidf("unknown payment provider %q", name)
	}
	return p, nil
}

func (r *Registry) Default() (Provider, error) {
	return r.Get("")
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
