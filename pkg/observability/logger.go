package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Log formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger creates a logrus logger writing to stdout with the given level
// and format ("text" or "json")
func NewLogger(level, format string) (*logrus.Logger, error) {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput is NewLogger with an explicit writer
func NewLoggerWithOutput(level, format string, output io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	if output != nil {
		logger.SetOutput(output)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return logger, nil
}

// WithTraceContext adds the trace and span ids of the active span
func WithTraceContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	entry := logrus.NewEntry(logger)
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return entry
	}

	spanCtx := span.SpanContext()
	return entry.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
