package runner

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrRunnerRegistered = errors.New("runner already registered")
	ErrUnknownRunner    = errors.New("unknown runner")
)

// Registry maps `uses` names to runners.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// DefaultRegistry returns a registry with the built-in runners.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	_ = r.Register("generate", &GenerateRunner{})
	_ = r.Register("aggregate", &AggregateRunner{})
	_ = r.Register("command", &CommandRunner{})

	return r
}

func (r *Registry) Register(name string, runner Runner) error {
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("%w: %s", ErrRunnerRegistered, name)
	}

	r.runners[name] = runner

	return nil
}

func (r *Registry) Get(name string) (Runner, error) {
	runner, exists := r.runners[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRunner, name)
	}

	return runner, nil
}

// Names lists the registered runner names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
