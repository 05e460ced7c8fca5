// Package expr implements the sandboxed rule-condition evaluator.
//
// Conditions are CEL expressions evaluated against a closed set of root
// names (claim, policy, provider, member, history, tariff, params) plus a
// fixed registry of domain functions. Anything outside that surface — an
// unknown name, an unregistered function, a non-boolean result — is a hard
// evaluation error. The evaluator never panics and is deterministic: the
// evaluation date is injected through the clock, never read from the wall
// mid-expression.
package expr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// SyntaxError reports an expression that failed to parse.
type SyntaxError struct {
	Expression string
	Detail     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression syntax error: %s", e.Detail)
}

// EvaluationError reports an expression that parsed but could not be
// evaluated: unknown name, unsupported construct, type mismatch, runtime
// failure, or cancellation.
type EvaluationError struct {
	Expression string
	Detail     string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("expression evaluation error: %s", e.Detail)
}

// costLimit bounds comprehension work per evaluation so no rule expression
// can consume unbounded CPU inside the engine budget.
const costLimit = 1_000_000

// Evaluator compiles and evaluates rule conditions. Safe for concurrent use;
// compiled programs are cached per expression text.
type Evaluator struct {
	env   *cel.Env
	clock func() time.Time

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator constructs the evaluator with the closed declaration set and
// the fixed function registry.
func NewEvaluator() (*Evaluator, error) {
	e := &Evaluator{
		clock:    time.Now,
		programs: make(map[string]cel.Program),
	}

	env, err := cel.NewEnv(e.declarations()...)
	if err != nil {
		return nil, fmt.Errorf("expr: env construction failed: %w", err)
	}
	e.env = env
	return e, nil
}

// WithClock overrides the clock for deterministic testing. Must be called
// before the evaluator is shared across goroutines.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Evaluate runs one rule condition against the activation. The result is
// strictly boolean; every failure mode maps to SyntaxError or
// EvaluationError, never a panic.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, activation map[string]any) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = &EvaluationError{Expression: expression, Detail: fmt.Sprintf("recovered: %v", r)}
		}
	}()

	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	val, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, &EvaluationError{Expression: expression, Detail: err.Error()}
	}

	b, ok := val.(types.Bool)
	if !ok {
		return false, &EvaluationError{
			Expression: expression,
			Detail:     fmt.Sprintf("expression produced %s, want bool", val.Type().TypeName()),
		}
	}
	return bool(b), nil
}

// program returns the cached compiled program for the expression, compiling
// on first use.
func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	// Parse and check separately: parse failures are syntax errors, check
	// failures (unknown names, bad types) are evaluation errors.
	parsed, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, &SyntaxError{Expression: expression, Detail: issues.Err().Error()}
	}
	checked, issues := e.env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, &EvaluationError{Expression: expression, Detail: issues.Err().Error()}
	}

	prg, err := e.env.Program(checked,
		cel.InterruptCheckFrequency(64),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, &EvaluationError{Expression: expression, Detail: err.Error()}
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// today returns the injected evaluation date truncated to midnight UTC.
func (e *Evaluator) today() time.Time {
	return e.clock().UTC().Truncate(24 * time.Hour)
}

func (e *Evaluator) declarations() []cel.EnvOption {
	mapDyn := cel.MapType(cel.StringType, cel.DynType)

	return []cel.EnvOption{
		// Closed root set. Unknown names fail at check time.
		cel.Variable("claim", mapDyn),
		cel.Variable("policy", mapDyn),
		cel.Variable("provider", mapDyn),
		cel.Variable("member", mapDyn),
		cel.Variable("history", cel.ListType(cel.DynType)),
		cel.Variable("tariff", mapDyn),
		cel.Variable("params", mapDyn),

		cel.Function("today",
			cel.Overload("today", nil, cel.TimestampType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return types.Timestamp{Time: e.today()}
				}))),

		cel.Function("days_since",
			cel.Overload("days_since_timestamp", []*cel.Type{cel.TimestampType}, cel.IntType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					ts, ok := arg.(types.Timestamp)
					if !ok {
						return types.NewErr("days_since: argument is not a timestamp")
					}
					return types.Int(daysBetween(ts.Time, e.today()))
				}))),

		cel.Function("days_until",
			cel.Overload("days_until_timestamp", []*cel.Type{cel.TimestampType}, cel.IntType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					ts, ok := arg.(types.Timestamp)
					if !ok {
						return types.NewErr("days_until: argument is not a timestamp")
					}
					return types.Int(daysBetween(e.today(), ts.Time))
				}))),

		cel.Function("within_days",
			cel.Overload("within_days_timestamp_int", []*cel.Type{cel.TimestampType, cel.IntType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					ts, ok := lhs.(types.Timestamp)
					if !ok {
						return types.NewErr("within_days: first argument is not a timestamp")
					}
					n, ok := rhs.(types.Int)
					if !ok {
						return types.NewErr("within_days: second argument is not an int")
					}
					d := daysBetween(ts.Time, e.today())
					if d < 0 {
						d = -d
					}
					return types.Bool(d <= int64(n))
				}))),

		cel.Function("is_null",
			cel.Overload("is_null_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return types.Bool(arg == types.NullValue)
				}))),

		cel.Function("is_not_null",
			cel.Overload("is_not_null_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return types.Bool(arg != types.NullValue)
				}))),

		cel.Function("coalesce",
			cel.Overload("coalesce_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					if lhs == types.NullValue {
						return rhs
					}
					return lhs
				}))),

		cel.Function("between",
			cel.Overload("between_dyn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType, cel.DynType}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if len(args) != 3 {
						return types.NewErr("between: want 3 arguments")
					}
					v, ok := args[0].(traits.Comparer)
					if !ok {
						return types.NewErr("between: value is not comparable")
					}
					lo := v.Compare(args[1])
					hi := v.Compare(args[2])
					if types.IsError(lo) || types.IsError(hi) {
						return types.NewErr("between: bounds are not comparable to value")
					}
					return types.Bool(lo.(types.Int) >= 0 && hi.(types.Int) <= 0)
				}))),

		cel.Function("startswith",
			cel.Overload("startswith_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, ok1 := lhs.(types.String)
					p, ok2 := rhs.(types.String)
					if !ok1 || !ok2 {
						return types.NewErr("startswith: arguments must be strings")
					}
					return types.Bool(len(s) >= len(p) && string(s[:len(p)]) == string(p))
				}))),

		cel.Function("endswith",
			cel.Overload("endswith_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, ok1 := lhs.(types.String)
					p, ok2 := rhs.(types.String)
					if !ok1 || !ok2 {
						return types.NewErr("endswith: arguments must be strings")
					}
					return types.Bool(len(s) >= len(p) && string(s[len(s)-len(p):]) == string(p))
				}))),

		cel.Function("abs",
			cel.Overload("abs_int", []*cel.Type{cel.IntType}, cel.IntType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					n := arg.(types.Int)
					if n < 0 {
						return -n
					}
					return n
				})),
			cel.Overload("abs_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return types.Double(math.Abs(float64(arg.(types.Double))))
				}))),

		cel.Function("round",
			cel.Overload("round_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return types.Double(math.Round(float64(arg.(types.Double))))
				}))),

		cel.Function("sum",
			cel.Overload("sum_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(sumList))),

		cel.Function("min",
			cel.Overload("min_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DynType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val { return foldList(arg, "min", -1) }))),

		cel.Function("max",
			cel.Overload("max_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DynType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val { return foldList(arg, "max", 1) }))),

		cel.Function("len",
			cel.Overload("len_dyn", []*cel.Type{cel.DynType}, cel.IntType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					s, ok := arg.(traits.Sizer)
					if !ok {
						return types.NewErr("len: argument has no size")
					}
					return s.Size()
				}))),

		cel.Function("count",
			cel.Overload("count_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.IntType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					s, ok := arg.(traits.Sizer)
					if !ok {
						return types.NewErr("count: argument is not a collection")
					}
					return s.Size()
				}))),
	}
}

// daysBetween counts whole days from a to b (negative when b precedes a).
func daysBetween(a, b time.Time) int64 {
	ad := a.UTC().Truncate(24 * time.Hour)
	bd := b.UTC().Truncate(24 * time.Hour)
	return int64(bd.Sub(ad) / (24 * time.Hour))
}

func sumList(arg ref.Val) ref.Val {
	lister, ok := arg.(traits.Lister)
	if !ok {
		return types.NewErr("sum: argument is not a list")
	}
	var total float64
	it := lister.Iterator()
	for it.HasNext() == types.True {
		switch v := it.Next().(type) {
		case types.Int:
			total += float64(v)
		case types.Double:
			total += float64(v)
		default:
			return types.NewErr("sum: list contains non-numeric element")
		}
	}
	return types.Double(total)
}

// foldList picks the extreme element of a non-empty list by pairwise
// comparison. sign is +1 for max, -1 for min.
func foldList(arg ref.Val, name string, sign int64) ref.Val {
	lister, ok := arg.(traits.Lister)
	if !ok {
		return types.NewErr("%s: argument is not a list", name)
	}
	it := lister.Iterator()
	if it.HasNext() != types.True {
		return types.NewErr("%s: empty list", name)
	}
	best := it.Next()
	for it.HasNext() == types.True {
		next := it.Next()
		cmp, ok := next.(traits.Comparer)
		if !ok {
			return types.NewErr("%s: list contains non-comparable element", name)
		}
		ord := cmp.Compare(best)
		if types.IsError(ord) {
			return ord
		}
		if int64(ord.(types.Int))*sign > 0 {
			best = next
		}
	}
	return best
}
