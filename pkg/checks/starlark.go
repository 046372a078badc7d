// Package checks evaluates the assert expressions of validation checks.
//
// An assert is a single Starlark expression over the check's output:
//
//	int(stdout.strip()) < 5
//	"healthy" in lines(stdout) and exit_code == 0
//	json.decode(stdout)["status"] == "ok"
//
// The expression must evaluate to a bool.
package checks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/failsafe/pkg/engine"
)

var _ engine.AssertionEvaluator = (*Evaluator)(nil)

// DefaultMaxSteps bounds the work a single assertion may do.
const DefaultMaxSteps = 1_000_000

// Evaluator evaluates Starlark assertions.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewEvaluator creates an evaluator. A zero timeout defaults to five seconds.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
	}
}

// Assert evaluates expr with vars predeclared. Evaluation is cancelled when
// ctx is done or the evaluator timeout elapses.
func (e *Evaluator) Assert(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("assertion is empty")
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	predeclared, err := e.environment(vars)
	if err != nil {
		return false, err
	}

	thread := &starlark.Thread{
		Name:  "assert",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	val, err := starlark.Eval(thread, "assert", expr, predeclared)
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			return false, fmt.Errorf("assertion cancelled: %w", ctxErr)
		}
		return false, fmt.Errorf("assertion failed: %w", err)
	}

	result, ok := val.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("assertion must evaluate to a bool, got %s", val.Type())
	}
	return bool(result), nil
}

func (e *Evaluator) environment(vars map[string]interface{}) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":    starlarkjson.Module,
		"math":    starlarkmath.Module,
		"lines":   starlark.NewBuiltin("lines", builtinLines),
		"matches": starlark.NewBuiltin("matches", builtinMatches),
	}

	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}
	return predeclared, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// builtinLines splits text into non-empty trimmed lines.
func builtinLines(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}

	var list []starlark.Value
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			list = append(list, starlark.String(line))
		}
	}
	return starlark.NewList(list), nil
}

// builtinMatches reports whether text contains a match of pattern.
func builtinMatches(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &text); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(re.MatchString(text)), nil
}
