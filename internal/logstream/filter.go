package logstream

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/raftlog/internal/record"
)

// celFilter is a compiled CEL predicate over record envelopes. The zero
// value accepts everything.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("position", cel.IntType),
		cel.Variable("key", cel.IntType),
		cel.Variable("sourcePosition", cel.IntType),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("recordType", cel.IntType),
		cel.Variable("valueType", cel.IntType),
		cel.Variable("intent", cel.IntType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return celFilter{}, fmt.Errorf("filter %q must return bool, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the predicate. Evaluation errors count as no match.
func (f celFilter) Match(r record.Record) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"position":       r.Position,
		"key":            r.Key,
		"sourcePosition": r.SourcePosition,
		"timestamp":      r.Timestamp,
		"recordType":     int64(r.Metadata.RecordType),
		"valueType":      int64(r.Metadata.ValueType),
		"intent":         int64(r.Metadata.Intent),
		"size":           int64(len(r.Value)),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
