package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSpan struct {
	ended bool
	attrs map[string]string
}

func (f *fakeSpan) End() { f.ended = true }
func (f *fakeSpan) SetAttr(key, val string) {
	if f.attrs == nil {
		f.attrs = map[string]string{}
	}
	f.attrs[key] = val
}
func (f *fakeSpan) SetAttributes(attrs map[string]string) {
	for k, v := range attrs {
		f.SetAttr(k, v)
	}
}

type fakeTracer struct{ last *fakeSpan }

func (f *fakeTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	sp := &fakeSpan{}
	sp.SetAttributes(attrs)
	f.last = sp
	return ctx, sp
}

func TestStartSpan_NoopByDefault(t *testing.T) {
	global = noopTracer{}
	_, sp := StartSpan(context.Background(), "test", nil)
	sp.End()
}

func TestSetTracer_InstallsCustomTracer(t *testing.T) {
	defer func() { global = noopTracer{} }()
	ft := &fakeTracer{}
	SetTracer(ft)

	_, sp := StartSpan(context.Background(), "kernel.finalize", map[string]string{"auction_id": "abc"})
	sp.End()

	assert.True(t, ft.last.ended)
	assert.Equal(t, "abc", ft.last.attrs["auction_id"])
}

func TestSetTracer_NilIsNoop(t *testing.T) {
	ft := &fakeTracer{}
	SetTracer(ft)
	SetTracer(nil)
	assert.Same(t, Tracer(ft), global)
}
