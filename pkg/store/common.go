package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// lastErrorLimit bounds the stored delivery error message.
const lastErrorLimit = 1000

func truncateError(msg string) string {
	if len(msg) > lastErrorLimit {
		return msg[:lastErrorLimit]
	}
	return msg
}

func addDBStatsToSpan(span trace.Span, system, statement string, rowCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowCount", rowCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
