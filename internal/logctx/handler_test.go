package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func logLine(t *testing.T, ctx context.Context, decorate func(slog.Handler) slog.Handler) map[string]any {
	t.Helper()

	var buf bytes.Buffer

	handler := slog.Handler(NewHandler(slog.NewJSONHandler(&buf, nil)))
	if decorate != nil {
		handler = decorate(handler)
	}

	slog.New(handler).InfoContext(ctx, "transfer finished")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	return line
}

func spanContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11},
		TraceFlags: trace.FlagsSampled,
	})
	require.True(t, sc.IsValid())

	return trace.ContextWithSpanContext(context.Background(), sc), sc
}

func TestHandlerPassesPlainRecordsThrough(t *testing.T) {
	line := logLine(t, context.Background(), nil)

	assert.Equal(t, "transfer finished", line["msg"])
	assert.NotContains(t, line, "trace_id")
	assert.NotContains(t, line, "span_id")
	assert.NotContains(t, line, "request_id")
}

func TestHandlerStampsSpanIdentity(t *testing.T) {
	ctx, sc := spanContext(t)

	line := logLine(t, ctx, nil)

	assert.Equal(t, sc.TraceID().String(), line["trace_id"])
	assert.Equal(t, sc.SpanID().String(), line["span_id"])
}

func TestHandlerStampsRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")

	line := logLine(t, ctx, nil)

	assert.Equal(t, "req-42", line["request_id"])
}

func TestHandlerKeepsDecoratingAfterWithAttrs(t *testing.T) {
	ctx, sc := spanContext(t)

	line := logLine(t, ctx, func(h slog.Handler) slog.Handler {
		return h.WithAttrs([]slog.Attr{slog.String("component", "downloader")})
	})

	assert.Equal(t, "downloader", line["component"])
	assert.Equal(t, sc.TraceID().String(), line["trace_id"])
}

func TestHandlerKeepsDecoratingAfterWithGroup(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-7")

	var buf bytes.Buffer

	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)).WithGroup("http"))
	logger.InfoContext(ctx, "request handled", "status", 200)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	group, ok := line["http"].(map[string]any)
	require.True(t, ok, "grouped attrs must land under the group")
	assert.Equal(t, float64(200), group["status"])
	// Record attrs added by the handler are grouped like any others.
	assert.Equal(t, "req-7", group["request_id"])
}

func TestNewHandlerRejectsNilInner(t *testing.T) {
	assert.Panics(t, func() { NewHandler(nil) })
}

func TestRequestIDFromContextDefaultsToEmpty(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
