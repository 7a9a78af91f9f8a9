// Package tracing provides the engine's Span/Tracer abstraction: a
// narrow interface so hot paths never pay for an OpenTelemetry import
// unless a real tracer is installed.
package tracing

import "context"

// Span represents an in-flight tracing span. Implementations must be
// safe to call from hot paths.
type Span interface {
	End()
	SetAttr(key, val string)
	SetAttributes(attrs map[string]string)
}

// Tracer starts spans, optionally attaching them to ctx.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span)
}

type noopSpan struct{}

func (noopSpan) End()                                 {}
func (noopSpan) SetAttr(key, val string)              {}
func (noopSpan) SetAttributes(attrs map[string]string) {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	return ctx, noopSpan{}
}

var global Tracer = noopTracer{}

// SetTracer installs t as the global tracer. Passing nil is a no-op,
// leaving whatever tracer is already installed.
func SetTracer(t Tracer) {
	if t != nil {
		global = t
	}
}

// StartSpan starts a span using the installed global tracer,
// defaulting to a no-op tracer when none has been installed.
func StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	return global.StartSpan(ctx, name, attrs)
}
