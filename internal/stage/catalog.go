package stage

import (
	"fmt"
	"sort"
	"strings"

	"loom/internal/config"
)

// Catalog holds every configured variant.
type Catalog struct {
	variants    map[string]*Registry
	defaultName string
}

// NewCatalog builds a catalog from validated registries.
func NewCatalog(defaultName string, registries ...*Registry) (*Catalog, error) {
	c := &Catalog{variants: make(map[string]*Registry, len(registries)), defaultName: defaultName}
	for _, reg := range registries {
		if reg == nil {
			continue
		}
		if _, dup := c.variants[reg.Name()]; dup {
			return nil, fmt.Errorf("duplicate variant %q", reg.Name())
		}
		c.variants[reg.Name()] = reg
	}
	if _, ok := c.variants[defaultName]; !ok {
		return nil, fmt.Errorf("default variant %q is not defined", defaultName)
	}
	return c, nil
}

// FromConfig builds registries from the pipeline configuration. Each stage
// starts where the previous one ended. handlers may be nil when the catalog
// is only used to describe variants.
func FromConfig(cfg config.Pipeline, handlers map[string]Handler) (*Catalog, error) {
	registries := make([]*Registry, 0, len(cfg.Variants))
	for _, variant := range cfg.Variants {
		defs := make([]Definition, 0, len(variant.Stages))
		low := 0
		for _, spec := range variant.Stages {
			def := Definition{
				Name:           spec.Name,
				Low:            low,
				High:           spec.ProgressHigh,
				MaxAttempts:    spec.MaxAttempts,
				RetryableKinds: append([]string(nil), spec.RetryableKinds...),
			}
			if def.MaxAttempts == 0 {
				def.MaxAttempts = cfg.DefaultMaxAttempts
			}
			if len(def.RetryableKinds) == 0 {
				def.RetryableKinds = append([]string(nil), cfg.RetryableKinds...)
			}
			if handlers != nil {
				handler, ok := handlers[strings.TrimSpace(spec.Name)]
				if !ok {
					return nil, fmt.Errorf("variant %q: no handler for stage %q", variant.Name, spec.Name)
				}
				def.Handler = handler
			}
			defs = append(defs, def)
			low = spec.ProgressHigh
		}
		reg, err := NewRegistry(variant.Name, defs)
		if err != nil {
			return nil, err
		}
		registries = append(registries, reg)
	}
	return NewCatalog(cfg.DefaultVariant, registries...)
}

// Resolve returns the named variant; an empty name selects the default.
func (c *Catalog) Resolve(name string) (*Registry, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.defaultName
	}
	reg, ok := c.variants[name]
	return reg, ok
}

// Default returns the default variant.
func (c *Catalog) Default() *Registry {
	return c.variants[c.defaultName]
}

// DefaultName returns the default variant name.
func (c *Catalog) DefaultName() string {
	return c.defaultName
}

// Names returns variant names sorted alphabetically.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.variants))
	for name := range c.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
