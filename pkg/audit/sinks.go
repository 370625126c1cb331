package audit

import (
	"context"
	"errors"
	"log/slog"
)

// LogSink writes each record as a structured log line.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Append(ctx context.Context, r Record) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, "dispatch audited", r.LogAttrs()...)
	return nil
}

// FanoutSink appends to every sink and succeeds only if all do. Retrying a
// partially delivered record duplicates it on the sinks that already took it.
type FanoutSink []Sink

func (f FanoutSink) Append(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
