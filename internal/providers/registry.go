package providers

import (
	"fmt"

	"github.com/framecredit/backend/internal/models"
)

type registration struct {
	adapter Adapter
	credits int64
}

// Registry maps provider names to adapters and their per-task price.
// Registration order is the routing preference when the caller does not
// name a provider.
type Registry struct {
	order  []registration
	byName map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a with a fixed credit price per task.
func (r *Registry) Register(a Adapter, credits int64) error {
	if credits <= 0 {
		return fmt.Errorf("provider %q: credit price must be positive", a.Name())
	}
	if _, dup := r.byName[a.Name()]; dup {
		return fmt.Errorf("provider %q registered twice", a.Name())
	}
	r.byName[a.Name()] = len(r.order)
	r.order = append(r.order, registration{adapter: a, credits: credits})
	return nil
}

// Resolve picks the adapter for a task. An empty provider selects the first
// registered adapter that supports mode; a named provider must support it.
func (r *Registry) Resolve(provider string, mode models.Mode) (Adapter, int64, error) {
	if provider == "" {
		for _, reg := range r.order {
			if reg.adapter.Supports(mode) {
				return reg.adapter, reg.credits, nil
			}
		}
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	i, ok := r.byName[provider]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	reg := r.order[i]
	if !reg.adapter.Supports(mode) {
		return nil, 0, fmt.Errorf("%w: %s does not offer %s", ErrUnsupportedMode, provider, mode)
	}
	return reg.adapter, reg.credits, nil
}

// Get returns a registered adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.order[i].adapter, true
}

// Names lists providers in registration order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.order))
	for _, reg := range r.order {
		out = append(out, reg.adapter.Name())
	}
	return out
}

// Offer is one entry of the public price list.
type Offer struct {
	Provider string        `json:"provider"`
	Modes    []models.Mode `json:"modes"`
	Credits  int64         `json:"credits"`
}

// Catalog lists every registered provider with its modes and price.
func (r *Registry) Catalog() []Offer {
	out := make([]Offer, 0, len(r.order))
	for _, reg := range r.order {
		o := Offer{Provider: reg.adapter.Name(), Credits: reg.credits, Modes: []models.Mode{}}
		for _, m := range []models.Mode{models.ModeTextToVideo, models.ModeImageToVideo} {
			if reg.adapter.Supports(m) {
				o.Modes = append(o.Modes, m)
			}
		}
		out = append(out, o)
	}
	return out
}
