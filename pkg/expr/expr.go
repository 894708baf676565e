// Package expr provides budgeted, deterministic CEL evaluation for the
// transform sublanguage: processor pipes, monitor checks, and router
// conditions. Expressions are validated against a deterministic profile
// before compilation so a document cannot smuggle wall-clock or
// iteration-order dependence into a tick.
package expr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Budget bounds expression cost. Limits keep a hostile document from
// stalling the tick loop.
type Budget struct {
	MaxExpressionChars int   `json:"max_expression_chars"`
	MaxNestingDepth    int   `json:"max_nesting_depth"`
	MaxEvaluationCost  int64 `json:"max_evaluation_cost"`
}

// DefaultBudget returns the standard cost budget.
func DefaultBudget() Budget {
	return Budget{
		MaxExpressionChars: 4096,
		MaxNestingDepth:    20,
		MaxEvaluationCost:  100000,
	}
}

// forbidden lists constructs the deterministic profile rejects: anything
// that reads the environment or depends on map iteration order.
var forbidden = []string{
	"now()",
	"timestamp(",
	"duration(",
	".keys()[",
	".values()[",
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Evaluator compiles and evaluates CEL expressions with a shared program
// cache. Safe for concurrent use.
type Evaluator struct {
	budget Budget

	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with the default budget.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		budget: DefaultBudget(),
		cache:  make(map[string]cel.Program),
	}
}

// WithBudget overrides the cost budget.
func (e *Evaluator) WithBudget(b Budget) *Evaluator {
	e.budget = b
	return e
}

// Check validates an expression against the deterministic profile without
// evaluating it.
func (e *Evaluator) Check(expression string) error {
	if len(expression) > e.budget.MaxExpressionChars {
		return fmt.Errorf("expression exceeds %d chars", e.budget.MaxExpressionChars)
	}
	for _, pattern := range forbidden {
		if strings.Contains(expression, pattern) {
			return fmt.Errorf("forbidden construct %q", pattern)
		}
	}
	depth, max := 0, 0
	for _, c := range expression {
		switch c {
		case '(', '[':
			depth++
			if depth > max {
				max = depth
			}
		case ')', ']':
			depth--
		}
	}
	if max > e.budget.MaxNestingDepth {
		return fmt.Errorf("nesting depth %d exceeds limit %d", max, e.budget.MaxNestingDepth)
	}
	return nil
}

// Eval evaluates expression with vars bound as top-level identifiers.
// Given identical expression and vars, Eval produces identical results.
func (e *Evaluator) Eval(expression string, vars map[string]any) (any, error) {
	if err := e.Check(expression); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	prog, err := e.program(expression, vars)
	if err != nil {
		return nil, err
	}

	val, _, err := prog.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	return val.Value(), nil
}

// EvalBool evaluates a predicate expression. A non-boolean result is an
// error, not a truthiness guess.
func (e *Evaluator) EvalBool(expression string, vars map[string]any) (bool, error) {
	out, err := e.Eval(expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// program returns a compiled program for expression, reusing the cache.
// The cache key covers the declared variable set: the same expression
// compiled against different bindings is a different program.
func (e *Evaluator) program(expression string, vars map[string]any) (cel.Program, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		if identPattern.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	key := expression + "\x00" + strings.Join(names, ",")

	e.mu.Lock()
	prog, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return prog, nil
	}

	opts := []cel.EnvOption{cel.StdLib()}
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	prog, err = env.Program(ast,
		cel.CostLimit(uint64(e.budget.MaxEvaluationCost)),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()
	return prog, nil
}
