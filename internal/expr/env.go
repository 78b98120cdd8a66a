package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// DefaultWeight is the expression used when no weighting is configured.
const DefaultWeight = "1.0"

// Environment compiles CEL expressions that weight one candidate entry.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the variables available to weight expressions:
// name, category, region, unit, count and the params map from configuration.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("unit", cel.StringType),
		cel.Variable("count", cel.IntType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled weight expression.
type Program struct {
	source  string
	program cel.Program
}

// CompileWeight prepares expression for evaluation. The expression must yield
// a number. A blank expression compiles DefaultWeight.
func (e *Environment) CompileWeight(expression string) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		src = DefaultWeight
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	switch t := ast.OutputType(); t {
	case cel.DoubleType, cel.IntType, cel.UintType, cel.DynType:
	default:
		return Program{}, fmt.Errorf("expr: %q must return a number, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program}, nil
}

// Source returns the expression text for logging.
func (p Program) Source() string { return p.source }

// Weight evaluates the program and coerces the result to float64.
func (p Program) Weight(vars map[string]any) (float64, error) {
	if p.program == nil {
		return 0, fmt.Errorf("expr: program not initialized")
	}
	if _, ok := vars["params"]; !ok {
		vars["params"] = map[string]any{}
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return 0, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Double:
		return float64(v), nil
	case types.Int:
		return float64(v), nil
	case types.Uint:
		return float64(v), nil
	}
	return 0, fmt.Errorf("expr: %q yielded non-numeric result %v", p.source, val.Type())
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
