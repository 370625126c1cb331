// Package audit records one structured entry per completed dispatch and
// delivers it to external sinks without blocking the dispatch caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/types"
)

// Record is the immutable audit entry for one dispatch.
type Record struct {
	ID             string          `json:"id"`
	DispatchID     string          `json:"dispatch_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Caller         string          `json:"caller,omitempty"`
	RequestingUser string          `json:"requesting_user"`
	Service        string          `json:"service"`
	Action         string          `json:"action"`
	Status         types.Status    `json:"status"`
	Attempts       int             `json:"attempts"`
	LatencyMS      int64           `json:"latency_ms"`
	ErrorKind      types.ErrorKind `json:"error_kind,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// LogAttrs returns the record as slog attributes.
func (r Record) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("audit_id", r.ID),
		slog.String("dispatch_id", r.DispatchID),
		slog.Time("timestamp", r.Timestamp),
		slog.String("requesting_user", r.RequestingUser),
		slog.String("service", r.Service),
		slog.String("action", r.Action),
		slog.String("status", string(r.Status)),
		slog.Int("attempts", r.Attempts),
		slog.Int64("latency_ms", r.LatencyMS),
	}
	if r.Caller != "" {
		attrs = append(attrs, slog.String("caller", r.Caller))
	}
	if r.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", string(r.ErrorKind)))
	}
	if r.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", r.TraceID))
	}
	return attrs
}

// Sink accepts audit records. Delivery is at-least-once: a sink may see the
// same record ID more than once.
type Sink interface {
	Append(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Append(ctx context.Context, r Record) error { return f(ctx, r) }
