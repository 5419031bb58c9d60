package workflow

import "context"

// Issue is one problem a Schema found with a workflow input.
type Issue struct {
	Message string
}

// Schema validates and normalizes workflow input before a run is created.
// Implementations return the normalized value to store (schemas may apply
// defaults or coercions), the issues attributable to the input, and an
// error only when the validator itself malfunctioned.
type Schema interface {
	Validate(ctx context.Context, value any) (any, []Issue, error)
}

// SchemaFunc adapts a plain function to the Schema interface.
type SchemaFunc func(ctx context.Context, value any) (any, []Issue, error)

// Validate implements Schema.
func (f SchemaFunc) Validate(ctx context.Context, value any) (any, []Issue, error) {
	return f(ctx, value)
}
