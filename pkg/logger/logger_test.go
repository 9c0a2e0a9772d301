package logger

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

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestNewWithWriter_JSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("parscade", "info", FormatJSON, &buf)
	l.Info("hello")

	out := decodeLine(t, &buf)
	assert.Equal(t, "parscade", out["service"])
	assert.Equal(t, "hello", out["msg"])
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("parscade", "info", FormatText, &buf)
	l.Info("hello")

	assert.Contains(t, buf.String(), "service=parscade")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("parscade", "warn", FormatJSON, &buf)
	l.Info("dropped")
	assert.Empty(t, buf.String())

	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestWithContext_RequestAndCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", FormatJSON, &buf)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithRequestID(ctx, "req_1700000000000_abc123xyz")
	ctx = WithUserID(ctx, "user-9")
	WithContext(ctx, l).Info("ids")

	out := decodeLine(t, &buf)
	assert.Equal(t, "corr-1", out["correlation_id"])
	assert.Equal(t, "req_1700000000000_abc123xyz", out["request_id"])
	assert.Equal(t, "user-9", out["user_id"])
}

func TestWithContext_NoFieldsWhenAbsent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", FormatJSON, &buf)

	WithContext(context.Background(), l).Info("bare")

	out := decodeLine(t, &buf)
	for _, k := range []string{"correlation_id", "request_id", "user_id", "trace_id", "span_id"} {
		_, ok := out[k]
		assert.False(t, ok, "%s should be absent", k)
	}
}

func TestWithContext_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", FormatJSON, &buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	WithContext(ctx, l).Info("with span")

	out := decodeLine(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", out["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", out["span_id"])
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", FormatJSON, &buf)

	assert.Same(t, l, FromContext(NewContext(context.Background(), l)))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
