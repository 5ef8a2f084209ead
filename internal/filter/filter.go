// Package filter decides which change events reach a handler, using CEL
// expressions over an `event` variable.
//
// Available fields:
//
//	event.operation      insert, update, replace, delete or other
//	event.raw_operation  server operation name (drop, rename, ...)
//	event.db, event.coll namespace
//	event.document       full document, or null
//	event.document_key   document key, usually {"_id": ...}
//	event.updated_fields update delta, or null
//	event.removed_fields list of removed field names
//	event.cluster_time   seconds part of the cluster time
//
// Example: `event.operation == "insert" && event.document.cuisine == "Thai"`.
package filter

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/streamwatch/internal/watcher"
	"go.mongodb.org/mongo-driver/bson"
)

// Evaluator compiles and caches CEL programs.
type Evaluator struct {
	env        *cel.Env
	prgCache   map[string]cel.Program
	cacheMutex sync.RWMutex
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Filter binds an expression to the evaluator. The expression is compiled
// eagerly so syntax errors surface at startup.
func (e *Evaluator) Filter(expression string) (*Filter, error) {
	if expression == "" {
		return &Filter{}, nil
	}
	if _, err := e.getProgram(expression); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expression, err)
	}
	return &Filter{evaluator: e, expression: expression}, nil
}

// Evaluate runs expression against evt.
func (e *Evaluator) Evaluate(expression string, evt *watcher.ChangeEvent) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := e.getProgram(expression)
	if err != nil {
		return false, fmt.Errorf("failed to get CEL program: %w", err)
	}

	input, err := eventInput(evt)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"event": input})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL condition must return boolean, got %T", out.Value())
	}
	return match, nil
}

func (e *Evaluator) getProgram(expression string) (cel.Program, error) {
	e.cacheMutex.RLock()
	prg, ok := e.prgCache[expression]
	e.cacheMutex.RUnlock()
	if ok {
		return prg, nil
	}

	e.cacheMutex.Lock()
	defer e.cacheMutex.Unlock()

	if prg, ok := e.prgCache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.prgCache[expression] = prg
	return prg, nil
}

// Filter is a compiled expression. The zero value matches everything.
type Filter struct {
	evaluator  *Evaluator
	expression string
}

var _ watcher.EventFilter = (*Filter)(nil)

// Match implements watcher.EventFilter.
func (f *Filter) Match(evt *watcher.ChangeEvent) (bool, error) {
	if f == nil || f.expression == "" {
		return true, nil
	}
	return f.evaluator.Evaluate(f.expression, evt)
}

// Expression returns the source expression.
func (f *Filter) Expression() string {
	return f.expression
}

func eventInput(evt *watcher.ChangeEvent) (map[string]any, error) {
	input := map[string]any{
		"operation":      string(evt.OperationType),
		"raw_operation":  evt.RawOperationType,
		"db":             evt.Namespace.DB,
		"coll":           evt.Namespace.Coll,
		"document":       nil,
		"document_key":   map[string]any{},
		"updated_fields": nil,
		"removed_fields": []any{},
		"cluster_time":   int64(evt.ClusterTime.T),
	}

	if evt.HasFullDocument() {
		doc, err := rawToMap(evt.FullDocument)
		if err != nil {
			return nil, fmt.Errorf("failed to decode full document: %w", err)
		}
		input["document"] = doc
	}
	if len(evt.DocumentKey) > 0 {
		key, err := rawToMap(evt.DocumentKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document key: %w", err)
		}
		input["document_key"] = key
	}
	if ud := evt.UpdateDescription; ud != nil {
		if len(ud.UpdatedFields) > 0 {
			fields, err := rawToMap(ud.UpdatedFields)
			if err != nil {
				return nil, fmt.Errorf("failed to decode updated fields: %w", err)
			}
			input["updated_fields"] = fields
		}
		removed := make([]any, 0, len(ud.RemovedFields))
		for _, f := range ud.RemovedFields {
			removed = append(removed, f)
		}
		input["removed_fields"] = removed
	}
	return input, nil
}

func rawToMap(raw bson.Raw) (map[string]any, error) {
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return normalize(m).(map[string]any), nil
}
