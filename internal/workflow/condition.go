package workflow

import (
	"strconv"
	"strings"

	"github.com/edgemind/edgemind/internal/errs"
)

// EvaluateCondition decides a Condition step's branch. The expression is
// template-substituted first, then parsed: a bare boolean literal, a
// comparison (==, !=, >, <) with numeric coercion, or a truthiness test
// on the remaining string (non-empty, non-"false", non-"0" is true).
// A comparison whose operands fail numeric coercion falls back to string
// equality for ==/!= and errors for ordered comparisons.
func EvaluateCondition(ctx *ExecutionContext, expression string) (bool, error) {
	expr := strings.TrimSpace(ctx.Substitute(expression))
	if expr == "" {
		return false, nil
	}

	if b, err := strconv.ParseBool(strings.ToLower(expr)); err == nil {
		return b, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		return compare(left, op, right)
	}

	return truthy(expr), nil
}

func compare(left, op, right string) (bool, error) {
	lf, lErr := strconv.ParseFloat(left, 64)
	rf, rErr := strconv.ParseFloat(right, 64)
	numeric := lErr == nil && rErr == nil

	switch op {
	case "==":
		if numeric {
			return lf == rf, nil
		}
		return strings.Trim(left, `"'`) == strings.Trim(right, `"'`), nil
	case "!=":
		if numeric {
			return lf != rf, nil
		}
		return strings.Trim(left, `"'`) != strings.Trim(right, `"'`), nil
	}

	if !numeric {
		return false, errs.InvalidArguments("condition",
			"ordered comparison requires numeric operands: "+left+" "+op+" "+right)
	}
	switch op {
	case ">":
		return lf > rf, nil
	case "<":
		return lf < rf, nil
	case ">=":
		return lf >= rf, nil
	case "<=":
		return lf <= rf, nil
	}
	return false, errs.InvalidArguments("condition", "unknown operator "+op)
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
