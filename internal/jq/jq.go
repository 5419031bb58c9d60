// Package jq projects management-command output through jq expressions.
// `runs list --jq` and `runs show --jq` feed their documents through one
// compiled program each.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/itchyny/gojq"

	owerrors "github.com/tombee/openworkflow/pkg/errors"
)

// DefaultTimeout bounds one projection. Expressions are user input and
// jq has unbounded recursion.
const DefaultTimeout = 1 * time.Second

// Projector is a compiled jq program.
type Projector struct {
	source  string
	code    *gojq.Code
	timeout time.Duration
}

// Compile parses and compiles the expression once, up front, so syntax
// errors surface before the backend is queried.
func Compile(expression string) (*Projector, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &owerrors.ValidationError{
			Field:      "jq",
			Message:    fmt.Sprintf("failed to parse expression: %s", err),
			Suggestion: "expressions look like: .status or {id, status}",
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &owerrors.ValidationError{
			Field:   "jq",
			Message: fmt.Sprintf("failed to compile expression: %s", err),
		}
	}
	return &Projector{source: expression, code: code, timeout: DefaultTimeout}, nil
}

// Apply runs the program over one document and collects every emitted
// value. The document must be plain JSON types; use Document to convert
// a struct.
func (p *Projector) Apply(ctx context.Context, doc any) ([]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var results []any
	iter := p.code.RunWithContext(runCtx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq %q: %w", p.source, err)
		}
		results = append(results, v)
	}
	return results, nil
}

// Print applies the program and writes each emitted value as one JSON
// line, matching jq's default output.
func (p *Projector) Print(ctx context.Context, w io.Writer, doc any) error {
	results, err := p.Apply(ctx, doc)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, v := range results {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode jq result: %w", err)
		}
	}
	return nil
}

// Document converts a struct into the plain map/slice/scalar types gojq
// operates on, via its JSON form.
func Document(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to rebuild document: %w", err)
	}
	return doc, nil
}
