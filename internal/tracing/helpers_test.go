package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		table     string
		operation DBOperation
		wantName  string
	}{
		{"connection_requests", DBOperationInsert, "insert connection_requests"},
		{"messages", DBOperationQuery, "query messages"},
		{"presence", DBOperationUpsert, "upsert presence"},
		{"messages", DBOperationUpdate, "update messages"},
	}

	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			recorder := newRecorder(t)

			_, end := StartDBSpan(context.Background(), tt.table, tt.operation)
			end(nil)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.wantName {
				t.Errorf("expected span name %q, got %q", tt.wantName, span.Name())
			}
			if span.SpanKind() != trace.SpanKindClient {
				t.Errorf("expected client span, got %v", span.SpanKind())
			}
			if got := attrValue(span.Attributes(), "db.sql.table"); got != tt.table {
				t.Errorf("expected table attribute %q, got %q", tt.table, got)
			}
			if got := attrValue(span.Attributes(), "db.system"); got != "postgresql" {
				t.Errorf("expected db.system postgresql, got %q", got)
			}
		})
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	recorder := newRecorder(t)

	ctx, end := StartSpan(context.Background(), "matching.nearby", attribute.String("user_id", "u1"))
	SetAttributes(ctx, attribute.Int("candidates", 3))
	end(errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status().Code)
	}
	if got := attrValue(span.Attributes(), "user_id"); got != "u1" {
		t.Errorf("expected user_id attribute, got %q", got)
	}
	if got := attrValue(span.Attributes(), "candidates"); got != "3" {
		t.Errorf("expected candidates attribute 3, got %q", got)
	}
	if len(span.Events()) != 1 {
		t.Errorf("expected recorded error event, got %d events", len(span.Events()))
	}
}

func TestStartSpan_Nested(t *testing.T) {
	recorder := newRecorder(t)

	ctx, endOuter := StartSpan(context.Background(), "notify.feed")
	_, endInner := StartDBSpan(ctx, "messages", DBOperationQuery)
	endInner(nil)
	endOuter(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	inner, outer := spans[0], spans[1]
	if inner.Parent().SpanID() != outer.SpanContext().SpanID() {
		t.Error("expected db span to be a child of the service span")
	}
	if outer.Status().Code == codes.Error {
		t.Error("unexpected error status")
	}
}
