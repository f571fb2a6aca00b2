package step

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"conveyor/internal/pipeline"
)

// ErrUnknownType marks a template type tag with no registered step. It is a
// configuration error: executions never retry it.
var ErrUnknownType = errors.New("unknown step type")

// Registry maps template type tags to step implementations.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register binds a step implementation to a type tag. Re-registering a tag
// is a programming error and is rejected.
func (r *Registry) Register(stepType string, s Step) error {
	if stepType == "" {
		return errors.New("step type must not be empty")
	}
	if s == nil {
		return fmt.Errorf("step %q must not be nil", stepType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[stepType]; exists {
		return fmt.Errorf("step %q already registered", stepType)
	}
	r.steps[stepType] = s
	return nil
}

// Get resolves a type tag to its implementation.
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, stepType)
	}
	return s, nil
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateTemplate checks that every node of the template resolves to a
// registered step and that each node's config passes that step's
// validation. Called when templates load so bad definitions never reach an
// execution.
func (r *Registry) ValidateTemplate(tpl *pipeline.Template) error {
	for _, node := range tpl.Nodes() {
		s, err := r.Get(node.Type)
		if err != nil {
			return fmt.Errorf("template %s step %q: %w", tpl.ID, node.Name, err)
		}
		if err := s.ValidateConfig(node.Config); err != nil {
			return fmt.Errorf("template %s step %q: %w", tpl.ID, node.Name, err)
		}
	}
	return nil
}
