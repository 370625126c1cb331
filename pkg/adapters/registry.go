package adapters

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateService = errors.New("service already registered")
	ErrUnknownService   = errors.New("unknown service")
	ErrNoActions        = errors.New("adapter declares no actions")
	ErrSealed           = errors.New("registry is sealed")
)

// DuplicateServiceError is returned by Register for an already-registered id.
type DuplicateServiceError struct{ Service string }

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("%v: %q", ErrDuplicateService, e.Service)
}

func (e *DuplicateServiceError) Is(target error) bool { return target == ErrDuplicateService }

// UnknownServiceError is returned by Resolve for an unregistered id.
type UnknownServiceError struct{ Service string }

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("%v: %q", ErrUnknownService, e.Service)
}

func (e *UnknownServiceError) Is(target error) bool { return target == ErrUnknownService }

// Registry maps service identifiers to adapters. It is populated during
// startup and sealed before serving; after Seal it is read-only and safe for
// concurrent Resolve calls without locking. Register is not safe for
// concurrent use.
type Registry struct {
	adapters map[string]Adapter
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under service.
func (r *Registry) Register(service string, a Adapter) error {
	if r.sealed {
		return fmt.Errorf("register %q: %w", service, ErrSealed)
	}
	if service == "" {
		return errors.New("register: empty service id")
	}
	if a == nil {
		return fmt.Errorf("register %q: nil adapter", service)
	}
	if _, ok := r.adapters[service]; ok {
		return &DuplicateServiceError{Service: service}
	}
	if len(a.Actions()) == 0 {
		return fmt.Errorf("register %q: %w", service, ErrNoActions)
	}
	r.adapters[service] = a
	return nil
}

// MustRegister is Register that panics, for use in main.
func (r *Registry) MustRegister(service string, a Adapter) {
	if err := r.Register(service, a); err != nil {
		panic(err)
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() { r.sealed = true }

// Require fails if any of the given services is not registered.
func (r *Registry) Require(services ...string) error {
	var missing []string
	for _, s := range services {
		if _, ok := r.adapters[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("registry missing required services: %v", missing)
	}
	return nil
}

// Resolve returns the adapter registered for service.
func (r *Registry) Resolve(service string) (Adapter, error) {
	a, ok := r.adapters[service]
	if !ok {
		return nil, &UnknownServiceError{Service: service}
	}
	return a, nil
}

// Services returns the registered ids in sorted order.
func (r *Registry) Services() []string {
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ServiceInfo describes one registered service.
type ServiceInfo struct {
	Service string       `json:"service"`
	Actions []ActionSpec `json:"actions"`
}

// Describe lists every registered service and its actions.
func (r *Registry) Describe() []ServiceInfo {
	out := make([]ServiceInfo, 0, len(r.adapters))
	for _, s := range r.Services() {
		out = append(out, ServiceInfo{Service: s, Actions: r.adapters[s].Actions()})
	}
	return out
}
