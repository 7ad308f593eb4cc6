package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/stack"
)

// Engine evaluates Rego policies against stacks and plans.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateStack evaluates policies against a declared stack.
func (e *Engine) EvaluateStack(ctx context.Context, s *stack.Stack) (*engine.PolicyResult, error) {
	if s == nil {
		return nil, fmt.Errorf("stack cannot be nil")
	}
	input := &PolicyInput{
		Stack:    s,
		Expected: ExpectedFor(s),
		Context:  &PolicyContext{Timestamp: time.Now(), Operation: "validate"},
	}
	result := e.evaluate(ctx, input)
	e.logger.Debug().
		Str("stack", s.Name).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Msg("Stack policy evaluation completed")
	return result, nil
}

// EvaluatePlan evaluates policies against a plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*engine.PolicyResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan cannot be nil")
	}
	input := &PolicyInput{
		Plan:    plan,
		Context: &PolicyContext{Timestamp: time.Now(), Operation: "plan"},
	}
	result := e.evaluate(ctx, input)
	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Msg("Plan policy evaluation completed")
	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, input *PolicyInput) *engine.PolicyResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &engine.PolicyResult{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, v := range violations {
			if Severity(v.Severity).Blocking() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}
	result.EvaluatedAt = time.Now()
	return result
}

// evaluatePolicy evaluates the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, violationFrom(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// violationFrom reads one element of a deny set: either a message string or
// an object with message, severity and resource. An unknown severity falls
// back to the policy's own.
func violationFrom(p *Policy, elem interface{}) engine.PolicyViolation {
	v := engine.PolicyViolation{Policy: p.Name, Severity: string(p.Severity)}

	obj, ok := elem.(map[string]interface{})
	if !ok {
		if msg, isStr := elem.(string); isStr {
			v.Message = msg
		} else {
			v.Message = fmt.Sprint(elem)
		}
		return v
	}

	v.Message, _ = obj["message"].(string)
	v.ResourceID, _ = obj["resource"].(string)
	switch sev := Severity(fmt.Sprint(obj["severity"])); sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		v.Severity = string(sev)
	}
	return v
}

// compile parses p and prepares the query for its package's deny set.
// Callers hold e.mu.
func (e *Engine) compile(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy is empty")
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{policy: p, module: module, query: query, compiled: time.Now()}
	e.logger.Debug().Str("policy", p.Name).Str("package", module.Package.Path.String()).Msg("Policy compiled")
	return nil
}

// LoadPolicies compiles the policies found at paths in addition to the
// built-in ones. A policy with a built-in's name replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and registers policies.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		p := policies[i]
		if err := e.compile(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compile(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(e.builtinPolicies)).Msg("Built-in policies loaded")
	return nil
}

// ReloadPolicies drops every loaded policy, restores the built-ins and adds
// the given ones.
func (e *Engine) ReloadPolicies(ctx context.Context, extra []Policy) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.builtinPolicies = GetBuiltinPolicies()
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.AddPolicies(ctx, extra)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Blocking returns the violations of result that deny the operation.
func Blocking(result *engine.PolicyResult) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, v := range result.Violations {
		if Severity(v.Severity).Blocking() {
			out = append(out, v)
		}
	}
	return out
}
