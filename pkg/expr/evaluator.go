// Package expr evaluates the CEL predicates used by merge-rule validation and
// conditional contributions.
package expr

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Variables exposed to every expression.
const (
	VarValue     = "value"
	VarDimension = "dimension"
	VarActor     = "actor"
)

// Evaluator compiles boolean CEL expressions once and caches the programs.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarValue, cel.DoubleType),
		cel.Variable(VarDimension, cel.StringType),
		cel.Variable(VarActor, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build env: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that src is a boolean expression and caches its program.
func (e *Evaluator) Compile(src string) error {
	_, err := e.program(src)
	return err
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expr: %q must evaluate to bool, got %s", src, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expr: program %q: %w", src, err)
	}

	e.mu.Lock()
	e.programs[src] = prg
	e.mu.Unlock()
	return prg, nil
}

// Eval runs src against vars. Missing variables default to their zero values.
func (e *Evaluator) Eval(src string, vars map[string]any) (bool, error) {
	prg, err := e.program(src)
	if err != nil {
		return false, err
	}
	input := map[string]any{
		VarValue:     0.0,
		VarDimension: "",
		VarActor:     map[string]any{},
	}
	for k, v := range vars {
		if m, isMap := v.(map[string]any); v == nil || (isMap && m == nil) {
			continue
		}
		input[k] = v
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", src, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expr: %q returned %v", src, out.Type())
	}
	return bool(b), nil
}
