// Package skills provides the skill registry: an explicit, statically-checked
// registration table mapping skill key + version to a spec, a handler, and a
// compiled input schema. Registration happens in code at startup; the registry
// is read-only afterwards.
package skills

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/skillrun/pkg/contracts"
)

// Result is what a handler returns on success.
type Result struct {
	Summary string         `json:"summary,omitempty"`
	Output  map[string]any `json:"output,omitempty"`

	// ActualCost is the handler-reported cost in cents. When zero, the cost
	// is derived from the skill's cost model and the token counts below.
	ActualCost   int64 `json:"actual_cost,omitempty"`
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// Handler executes one skill invocation. Implementations must honor ctx
// cancellation; the orchestrator enforces the declared timeout through it.
type Handler interface {
	Execute(ctx context.Context, input map[string]any) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	return f(ctx, input)
}

// Registration binds a spec, a handler, and an optional raw JSON input schema.
type Registration struct {
	Spec        contracts.SkillSpec
	Handler     Handler
	InputSchema []byte
}

type entry struct {
	reg     Registration
	version *semver.Version
	schema  *jsonschema.Schema
}

// Registry is a thread-safe registration table. Read-only at runtime.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]*entry // key -> versions, ascending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]*entry)}
}

// Register adds one skill version. The schema is compiled here so a malformed
// schema fails loudly at startup, not at admission time.
func (r *Registry) Register(reg Registration) error {
	if reg.Spec.Key == "" {
		return fmt.Errorf("skills: registration missing key")
	}
	if reg.Handler == nil {
		return fmt.Errorf("skills: %q has no handler", reg.Spec.Key)
	}
	v, err := semver.NewVersion(reg.Spec.Version)
	if err != nil {
		return fmt.Errorf("skills: %q has invalid version %q: %w", reg.Spec.Key, reg.Spec.Version, err)
	}

	e := &entry{reg: reg, version: v}
	if len(reg.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("skill://%s/%s/input.json", reg.Spec.Key, reg.Spec.Version)
		if err := compiler.AddResource(url, bytes.NewReader(reg.InputSchema)); err != nil {
			return fmt.Errorf("skills: %q schema resource: %w", reg.Spec.Key, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("skills: %q schema compile: %w", reg.Spec.Key, err)
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.entries[reg.Spec.Key] {
		if existing.version.Equal(v) {
			return fmt.Errorf("skills: %q version %s already registered", reg.Spec.Key, v)
		}
	}
	versions := append(r.entries[reg.Spec.Key], e)
	sort.Slice(versions, func(i, j int) bool { return versions[i].version.LessThan(versions[j].version) })
	r.entries[reg.Spec.Key] = versions
	return nil
}

// Resolve returns the registration for key matching the version constraint.
// An empty constraint resolves to the highest registered version; otherwise
// any semver constraint is accepted ("1.2.3", ">=1.0.0 <2.0.0", "~1.2").
func (r *Registry) Resolve(key, constraint string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.entries[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("skills: %q: %w", key, contracts.ErrSkillNotFound)
	}

	if constraint == "" {
		reg := versions[len(versions)-1].reg
		return &reg, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("skills: invalid version constraint %q: %w", constraint, err)
	}
	// Highest match wins.
	for i := len(versions) - 1; i >= 0; i-- {
		if c.Check(versions[i].version) {
			reg := versions[i].reg
			return &reg, nil
		}
	}
	return nil, fmt.Errorf("skills: %q has no version matching %q: %w", key, constraint, contracts.ErrSkillNotFound)
}

// ValidateInput checks input against the skill's declared schema.
// Skills without a schema accept any input.
func (r *Registry) ValidateInput(reg *Registration, input map[string]any) error {
	r.mu.RLock()
	versions := r.entries[reg.Spec.Key]
	var schema *jsonschema.Schema
	for _, e := range versions {
		if e.reg.Spec.Version == reg.Spec.Version {
			schema = e.schema
			break
		}
	}
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}
	// jsonschema validates decoded JSON values; map[string]any is already one.
	var doc any = map[string]any{}
	if input != nil {
		doc = mapToAny(input)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}
	return nil
}

// Keys returns the registered skill keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mapToAny normalizes input so nested typed values (e.g. int) validate the
// way decoded JSON would.
func mapToAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return mapToAny(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// EstimateCost returns the upfront reservation amount for an invocation:
// the declared fixed cost plus the token ceilings priced out. Settlement uses
// the handler-reported counts and may come in under this, never over.
func EstimateCost(spec contracts.SkillSpec) int64 {
	cm := spec.CostModel
	return cm.FixedCost +
		cm.MaxInputTokens*cm.PerTokenInput +
		cm.MaxOutputTokens*cm.PerTokenOutput
}

// SettleCost computes the actual cost of a finished invocation.
// A handler-reported ActualCost takes precedence over the cost model.
func SettleCost(spec contracts.SkillSpec, res *Result) int64 {
	if res == nil {
		return spec.CostModel.FixedCost
	}
	if res.ActualCost > 0 {
		return res.ActualCost
	}
	return spec.CostModel.FixedCost +
		res.InputTokens*spec.CostModel.PerTokenInput +
		res.OutputTokens*spec.CostModel.PerTokenOutput
}
