package stage

import (
	"errors"
	"fmt"
	"strings"

	"loom/internal/jobstore"
	"loom/internal/services"
)

// Definition declares one stage of a variant.
type Definition struct {
	Name           string
	Index          int
	Low            int
	High           int
	MaxAttempts    int
	RetryableKinds []string
	Handler        Handler
}

// ProgressAt maps a percentage of the stage's work onto job progress.
func (d Definition) ProgressAt(percent int) int {
	switch {
	case percent <= 0:
		return d.Low
	case percent >= 100:
		return d.High
	}
	return d.Low + (d.High-d.Low)*percent/100
}

// IsRetryable reports whether err is of a kind this stage retries.
func (d Definition) IsRetryable(err error) bool {
	return services.IsRetryable(err, d.RetryableKinds)
}

// Status is the job status while this stage is pending.
func (d Definition) Status() jobstore.Status {
	return jobstore.Status(d.Name)
}

// Registry is the validated, ordered stage list of one variant.
type Registry struct {
	name   string
	stages []Definition
	index  map[string]int
}

// NewRegistry validates defs and assigns their order indexes.
func NewRegistry(name string, defs []Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("variant %q: at least one stage is required", name)
	}
	reg := &Registry{
		name:   name,
		stages: make([]Definition, len(defs)),
		index:  make(map[string]int, len(defs)),
	}
	for i, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		def.Index = i
		if err := validateDefinition(def); err != nil {
			return nil, fmt.Errorf("variant %q: %w", name, err)
		}
		if _, dup := reg.index[def.Name]; dup {
			return nil, fmt.Errorf("variant %q: duplicate stage %q", name, def.Name)
		}
		if i > 0 && def.Low < reg.stages[i-1].High {
			return nil, fmt.Errorf("variant %q: stage %q range %d-%d overlaps %q ending at %d",
				name, def.Name, def.Low, def.High, reg.stages[i-1].Name, reg.stages[i-1].High)
		}
		reg.index[def.Name] = i
		reg.stages[i] = def
	}
	return reg, nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return errors.New("stage name is required")
	}
	if jobstore.Status(strings.ToUpper(def.Name)).IsTerminal() {
		return fmt.Errorf("stage name %q is reserved", def.Name)
	}
	if def.Low < 0 || def.High > 100 || def.Low > def.High {
		return fmt.Errorf("stage %q: progress range %d-%d must satisfy 0 <= low <= high <= 100", def.Name, def.Low, def.High)
	}
	if def.MaxAttempts < 1 {
		return fmt.Errorf("stage %q: max_attempts must be at least 1", def.Name)
	}
	return nil
}

// Name returns the variant name.
func (r *Registry) Name() string { return r.name }

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.stages) }

// First returns the stage every job of this variant starts in.
func (r *Registry) First() Definition { return r.stages[0] }

// Last returns the final stage.
func (r *Registry) Last() Definition { return r.stages[len(r.stages)-1] }

// Lookup returns the stage named name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	i, ok := r.index[name]
	if !ok {
		return Definition{}, false
	}
	return r.stages[i], true
}

// Next returns the stage after name. terminal is true when name is the last
// stage, in which case the successor is COMPLETED.
func (r *Registry) Next(name string) (next Definition, terminal bool, err error) {
	i, ok := r.index[name]
	if !ok {
		return Definition{}, false, fmt.Errorf("variant %q has no stage %q", r.name, name)
	}
	if i == len(r.stages)-1 {
		return Definition{}, true, nil
	}
	return r.stages[i+1], false, nil
}

// Names returns the stage names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, def := range r.stages {
		names[i] = def.Name
	}
	return names
}

// Stages returns a copy of the ordered definitions.
func (r *Registry) Stages() []Definition {
	out := make([]Definition, len(r.stages))
	copy(out, r.stages)
	return out
}
