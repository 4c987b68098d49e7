package expressions

import "context"

// Engine evaluates expressions against an execution context.
// Two condition engines ship by default (Expr, CEL); GoJQ serves the
// data-transform step processor.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// AsBool coerces an evaluation result to a boolean. nil, false, zero numbers
// and empty strings are false; everything else is true.
func AsBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
