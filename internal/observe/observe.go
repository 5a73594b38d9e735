// Package observe is the sync core's hook into the app's observability
// pipeline. The engine and scheduler talk to the Sink interface; the
// OpenTelemetry implementation lives in otel.go and a no-op in this file.
package observe

import "context"

// Span is one unit of traced work. Finish must be called exactly once.
type Span interface {
	// StartChild opens a nested span.
	StartChild(ctx context.Context, operation string) (context.Context, Span)
	// SetData attaches a key/value to the span.
	SetData(key string, value any)
	// Finish closes the span, recording err when non-nil.
	Finish(err error)
}

// Sink receives structured events from the sync core.
type Sink interface {
	// StartTransaction opens a top-level span for one sync cycle.
	StartTransaction(ctx context.Context, name string) (context.Context, Span)
	// AddBreadcrumb records a low-cardinality progress marker.
	AddBreadcrumb(ctx context.Context, category, message string)
	// CaptureException reports an unexpected error outside span scope.
	CaptureException(ctx context.Context, err error)
}

// Nop discards everything. Used when observability is disabled.
type Nop struct{}

type nopSpan struct{}

func (Nop) StartTransaction(ctx context.Context, name string) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (Nop) AddBreadcrumb(ctx context.Context, category, message string) {}

func (Nop) CaptureException(ctx context.Context, err error) {}

func (nopSpan) StartChild(ctx context.Context, operation string) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopSpan) SetData(key string, value any) {}

func (nopSpan) Finish(err error) {}
