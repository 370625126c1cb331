// Package adapters defines the adapter contract, the startup-time adapter
// registry and the failure classification every handler reports.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

// Adapter bridges the dispatcher to one third-party service. Implementations
// hold no per-request mutable state.
type Adapter interface {
	// Actions returns the registration metadata for every supported action.
	Actions() []ActionSpec
	// Handle runs one action. Failures should be *Failure values; anything
	// else is classified by Classify.
	Handle(ctx context.Context, action string, params types.Parameters, cred credentials.Credential) (any, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Registration metadata
// ──────────────────────────────────────────────────────────────────────────────

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	ParamAny     ParamType = "any"
)

type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

type ActionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params"`
}

// Validate checks params against the schema. Unknown parameters are rejected.
func (s ActionSpec) Validate(params types.Parameters) error {
	known := make(map[string]ParamSpec, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = p
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				return fmt.Errorf("parameter %q is required", p.Name)
			}
			continue
		}
		if !p.Type.matches(v) {
			return fmt.Errorf("parameter %q must be %s", p.Name, p.Type)
		}
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	return nil
}

func (t ParamType) matches(v any) bool {
	switch t {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamNumber:
		_, ok := Number(v)
		return ok
	case ParamBoolean:
		_, ok := v.(bool)
		return ok
	case ParamObject:
		switch v.(type) {
		case map[string]any, types.Parameters:
			return true
		}
		return false
	case ParamArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Static adapter: a fixed action table
// ──────────────────────────────────────────────────────────────────────────────

// HandlerFunc runs one action with already-validated parameters.
type HandlerFunc func(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error)

// Action pairs registration metadata with its handler.
type Action struct {
	Spec    ActionSpec
	Handler HandlerFunc
}

// Static dispatches to a fixed table of actions and validates parameters
// against each action's schema before invoking the handler.
type Static struct {
	specs    []ActionSpec
	handlers map[string]HandlerFunc
}

// NewStatic builds a Static adapter. It fails on an empty table, an unnamed
// action, a nil handler or a duplicated action name.
func NewStatic(actions ...Action) (*Static, error) {
	if len(actions) == 0 {
		return nil, ErrNoActions
	}
	s := &Static{handlers: make(map[string]HandlerFunc, len(actions))}
	for _, a := range actions {
		if a.Spec.Name == "" {
			return nil, errors.New("adapters: action with empty name")
		}
		if a.Handler == nil {
			return nil, fmt.Errorf("adapters: action %q has no handler", a.Spec.Name)
		}
		if _, dup := s.handlers[a.Spec.Name]; dup {
			return nil, fmt.Errorf("adapters: action %q declared twice", a.Spec.Name)
		}
		s.handlers[a.Spec.Name] = a.Handler
		s.specs = append(s.specs, a.Spec)
	}
	return s, nil
}

// MustStatic is NewStatic that panics on an invalid table.
func MustStatic(actions ...Action) *Static {
	s, err := NewStatic(actions...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Static) Actions() []ActionSpec {
	out := make([]ActionSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

func (s *Static) Handle(ctx context.Context, action string, params types.Parameters, cred credentials.Credential) (any, error) {
	h, ok := s.handlers[action]
	if !ok {
		return nil, Permanent(fmt.Sprintf("unsupported action %q", action), nil)
	}
	for _, spec := range s.specs {
		if spec.Name == action {
			if err := spec.Validate(params); err != nil {
				return nil, Permanent("invalid parameters", err)
			}
			break
		}
	}
	return h(ctx, params, cred)
}

// Number converts a decoded JSON number parameter to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
