package route

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Registry is the read-only set of routes a server exposes. It is built once
// at startup and safe for concurrent lookups.
type Registry struct {
	routes map[string]Definition
}

// NewRegistry validates every definition and reports all problems at once.
func NewRegistry(defs ...Definition) (*Registry, error) {
	var result *multierror.Error
	routes := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if err := d.validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, dup := routes[d.name]; dup {
			result = multierror.Append(result, fmt.Errorf("route %q is declared twice", d.name))
			continue
		}
		routes[d.name] = d
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Registry{routes: routes}, nil
}

// MustRegistry is NewRegistry that panics on invalid definitions.
func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.routes[name]
	return d, ok
}

// Names returns the route names in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.routes))
	for n := range r.routes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
