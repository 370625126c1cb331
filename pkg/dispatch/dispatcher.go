// Package dispatch runs one action request end to end: validation, adapter
// and credential resolution, retried invocation, the response envelope and
// the audit record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/audit"
	"github.com/bturcanu/OpenConduit/pkg/auth"
	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/retry"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxTimeout = 5 * time.Minute
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborators
// ──────────────────────────────────────────────────────────────────────────────

// AdapterResolver maps a service identifier to its adapter.
type AdapterResolver interface {
	Resolve(service string) (adapters.Adapter, error)
}

// CredentialResolver is satisfied by *credentials.Resolver.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID, service string) (credentials.Credential, error)
	Reresolve(ctx context.Context, userID, service string, rejected credentials.Credential) (credentials.Credential, error)
	Invalidate(userID, service string)
}

// AuditEmitter is satisfied by *audit.Emitter. Emit must not block.
type AuditEmitter interface {
	Emit(audit.Record)
}

// Config tunes a Dispatcher. Zero values take the defaults.
type Config struct {
	DefaultTimeout time.Duration // deadline when the request sets none
	MaxTimeout     time.Duration // upper bound on a requested deadline

	// Policy governs handler attempts.
	Policy retry.Policy
	// CredentialPolicy governs retries of an unavailable credential store,
	// both for the first resolution and for a forced re-resolution. Those
	// retries do not count as dispatch attempts.
	CredentialPolicy retry.Policy

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	Now   func() time.Time
	NewID func() string
}

// Dispatcher is safe for concurrent use. It holds no per-request state.
type Dispatcher struct {
	adapters AdapterResolver
	creds    CredentialResolver
	audit    AuditEmitter
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
}

// New builds a Dispatcher.
func New(reg AdapterResolver, creds CredentialResolver, emitter AuditEmitter, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.CredentialPolicy.MaxAttempts == 0 {
		cfg.CredentialPolicy = retry.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		adapters: reg,
		creds:    creds,
		audit:    emitter,
		cfg:      cfg,
		log:      log.With("component", "dispatch"),
		tracer:   otel.Tracer("github.com/bturcanu/OpenConduit/pkg/dispatch"),
		metrics:  newMetrics(cfg.Registerer),
	}
}

// Dispatch handles one request. It never returns a Go error: every outcome
// is a well-formed envelope, and exactly one audit record is emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.ActionRequest) types.ActionResponse {
	start := d.cfg.Now()
	id := d.cfg.NewID()

	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("conduit.dispatch_id", id),
		attribute.String("conduit.service", clip(req.Service, types.MaxIdentifierBytes)),
		attribute.String("conduit.action", clip(req.Action, types.MaxIdentifierBytes)),
	))
	defer span.End()
	ctx = adapters.WithDispatchID(ctx, id)

	resp, cause := d.run(ctx, &req)
	resp.DispatchID = id
	latency := d.cfg.Now().Sub(start)

	span.SetAttributes(attribute.Int("conduit.attempts", resp.Attempts))
	if resp.Status == types.StatusFailure {
		span.SetStatus(codes.Error, string(resp.Kind()))
		if cause != nil {
			span.RecordError(cause)
		}
	}

	traceID := clip(req.TraceID, types.MaxTraceIDBytes)
	if traceID == "" && span.SpanContext().HasTraceID() {
		traceID = span.SpanContext().TraceID().String()
	}

	rec := audit.Record{
		ID:             uuid.NewString(),
		DispatchID:     id,
		Timestamp:      start.UTC(),
		Caller:         auth.CallerFromContext(ctx),
		RequestingUser: clip(req.RequestingUser, types.MaxUserBytes),
		Service:        clip(req.Service, types.MaxIdentifierBytes),
		Action:         clip(req.Action, types.MaxIdentifierBytes),
		Status:         resp.Status,
		Attempts:       resp.Attempts,
		LatencyMS:      latency.Milliseconds(),
		ErrorKind:      resp.Kind(),
		TraceID:        traceID,
	}
	d.audit.Emit(rec)
	d.metrics.observe(rec, latency)

	if resp.Status == types.StatusSuccess {
		d.log.InfoContext(ctx, "dispatch completed",
			"dispatch_id", id, "service", rec.Service, "action", rec.Action,
			"attempts", resp.Attempts, "latency_ms", rec.LatencyMS)
	} else {
		d.log.WarnContext(ctx, "dispatch failed",
			"dispatch_id", id, "service", rec.Service, "action", rec.Action,
			"attempts", resp.Attempts, "latency_ms", rec.LatencyMS,
			"error_kind", resp.Kind(), "error", cause)
	}
	return resp
}

// run executes the dispatch steps in order and returns the envelope plus the
// underlying error for logs.
func (d *Dispatcher) run(ctx context.Context, req *types.ActionRequest) (types.ActionResponse, error) {
	// 1. Validate.
	if err := req.NormalizeAndValidate(); err != nil {
		return types.Failure(types.KindMalformedRequest, err.Error(), 0), err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout(req.TimeoutMS))
	defer cancel()

	// 2. Adapter.
	adapter, err := d.adapters.Resolve(req.Service)
	if err != nil {
		return types.Failure(types.KindUnknownService, err.Error(), 0), err
	}

	// 3. Credential.
	cred, err := d.resolveCredential(ctx, req)
	if err != nil {
		return d.failure(ctx, err, 0), err
	}

	// 4-6. Invoke under the retry policy.
	result, attempts, err := d.invoke(ctx, adapter, req, cred)
	if err != nil {
		return d.failure(ctx, err, attempts), err
	}
	return types.Success(result, attempts), nil
}

// clip bounds fields copied from a request that may have failed validation,
// cutting on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func (d *Dispatcher) timeout(requestedMS int) time.Duration {
	if requestedMS <= 0 {
		return d.cfg.DefaultTimeout
	}
	t := time.Duration(requestedMS) * time.Millisecond
	if t > d.cfg.MaxTimeout {
		return d.cfg.MaxTimeout
	}
	return t
}

// ──────────────────────────────────────────────────────────────────────────────
// Credential resolution
// ──────────────────────────────────────────────────────────────────────────────

func (d *Dispatcher) resolveCredential(ctx context.Context, req *types.ActionRequest) (credentials.Credential, error) {
	return d.withStoreRetries(ctx, func(ctx context.Context) (credentials.Credential, error) {
		return d.creds.Resolve(ctx, req.RequestingUser, req.Service)
	})
}

// reresolveCredential forces a fresh credential after the provider rejected
// the current one.
func (d *Dispatcher) reresolveCredential(ctx context.Context, req *types.ActionRequest, rejected credentials.Credential) (credentials.Credential, error) {
	return d.withStoreRetries(ctx, func(ctx context.Context) (credentials.Credential, error) {
		return d.creds.Reresolve(ctx, req.RequestingUser, req.Service, rejected)
	})
}

// withStoreRetries retries lookups whose dispatch kind is retryable, which
// is only an unavailable store, and maps the terminal error to its kind.
func (d *Dispatcher) withStoreRetries(ctx context.Context, lookup func(context.Context) (credentials.Credential, error)) (credentials.Credential, error) {
	cred, _, err := retry.Do(ctx, d.cfg.CredentialPolicy,
		func(ctx context.Context, _ int) (credentials.Credential, error) { return lookup(ctx) },
		func(err error) bool {
			k, ok := types.KindOf(credentialError(err))
			return ok && k.Retryable()
		},
	)
	if err != nil {
		return credentials.Credential{}, credentialError(err)
	}
	return cred, nil
}

// credentialError maps a resolver error to its dispatch kind. Context errors
// pass through so the caller reports the deadline.
func credentialError(err error) error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		err = ex.Last
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, credentials.ErrNotFound):
		return types.NewDispatchError(types.KindCredentialNotFound, "no credential stored for this user and service", err)
	case errors.Is(err, credentials.ErrExpired):
		return types.NewDispatchError(types.KindCredentialExpired, "credential expired and could not be refreshed", err)
	default:
		return types.NewDispatchError(types.KindCredentialStoreUnavailable, "credential store unavailable", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Invocation
// ──────────────────────────────────────────────────────────────────────────────

// invoke runs the handler under the retry policy. A credential rejected by
// the provider is dropped from the cache and re-resolved once, consuming an
// attempt; a rejection with no attempt or re-resolution left is terminal.
func (d *Dispatcher) invoke(ctx context.Context, a adapters.Adapter, req *types.ActionRequest, cred credentials.Credential) (any, int, error) {
	reresolved := false
	params := req.Params()

	return retry.Do(ctx, d.cfg.Policy, func(ctx context.Context, attempt int) (any, error) {
		v, err := d.attempt(ctx, a, req.Action, params, cred)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		f := adapters.Classify(err)
		d.log.DebugContext(ctx, "attempt failed",
			"service", req.Service, "action", req.Action,
			"attempt", attempt, "class", f.Class.String(), "error", f)
		if f.Class != adapters.ClassCredentialExpired {
			return nil, f
		}
		if reresolved || attempt >= d.cfg.Policy.MaxAttempts {
			d.creds.Invalidate(req.RequestingUser, req.Service)
			return nil, types.NewDispatchError(types.KindCredentialExpired, "credential rejected by provider", f)
		}

		reresolved = true
		fresh, rerr := d.reresolveCredential(ctx, req, cred)
		if rerr != nil {
			return nil, rerr
		}
		cred = fresh
		return nil, f
	}, retryable)
}

// retryable accepts failures whose kind is retryable plus a first credential
// rejection, which invoke has already re-resolved. Errors already mapped to a
// dispatch kind are terminal.
func retryable(err error) bool {
	if _, ok := types.KindOf(err); ok {
		return false
	}
	var f *adapters.Failure
	if !errors.As(err, &f) {
		return false
	}
	return f.Class == adapters.ClassCredentialExpired || failureKind(f).Retryable()
}

func failureKind(f *adapters.Failure) types.ErrorKind {
	switch f.Class {
	case adapters.ClassTransient:
		return types.KindAdapterTransient
	case adapters.ClassCredentialExpired:
		return types.KindCredentialExpired
	default:
		return types.KindAdapterPermanent
	}
}

// attempt calls the handler once. When ctx ends first the call is abandoned
// and left to observe its own cancelled context.
func (d *Dispatcher) attempt(ctx context.Context, a adapters.Adapter, action string, params types.Parameters, cred credentials.Credential) (any, error) {
	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: adapters.Permanent(fmt.Sprintf("handler panicked: %v", r), nil)}
			}
		}()
		v, err := a.Handle(ctx, action, params, cred)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failure maps a terminal error to the envelope.
func (d *Dispatcher) failure(ctx context.Context, err error, attempts int) types.ActionResponse {
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg := "dispatch deadline exceeded"
		if errors.Is(ctxErr, context.Canceled) {
			msg = "dispatch cancelled"
		}
		return types.Failure(types.KindDeadlineExceeded, msg, attempts)
	}

	if _, ok := types.KindOf(err); ok {
		return types.FailureFrom(err, attempts)
	}

	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return types.Failure(types.KindRetriesExhausted,
			fmt.Sprintf("retries exhausted after %d attempts: %v", ex.Attempts, ex.Last), attempts)
	}

	f := adapters.Classify(err)
	return types.Failure(failureKind(f), f.Error(), attempts)
}
