package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/audit"
	"github.com/bturcanu/OpenConduit/pkg/auth"
	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/retry"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type fakeCreds struct {
	mu             sync.Mutex
	resolveErrs    []error // consumed one per Resolve call; nil entries succeed
	resolveErr     error   // returned once resolveErrs is exhausted
	reresolveErrs  []error // consumed one per Reresolve call, like resolveErrs
	reresolveErr   error
	resolveCalls   int
	reresolveCalls int
	invalidations  int
	rejected       []string
}

func (f *fakeCreds) Resolve(_ context.Context, user, service string) (credentials.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	err := f.resolveErr
	if len(f.resolveErrs) > 0 {
		err, f.resolveErrs = f.resolveErrs[0], f.resolveErrs[1:]
	}
	if err != nil {
		return credentials.Credential{}, err
	}
	return credentials.Credential{AccessToken: "tok-" + user + "-" + service}, nil
}

func (f *fakeCreds) Reresolve(_ context.Context, user, service string, rejected credentials.Credential) (credentials.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reresolveCalls++
	f.rejected = append(f.rejected, rejected.AccessToken)
	err := f.reresolveErr
	if len(f.reresolveErrs) > 0 {
		err, f.reresolveErrs = f.reresolveErrs[0], f.reresolveErrs[1:]
	}
	if err != nil {
		return credentials.Credential{}, err
	}
	return credentials.Credential{AccessToken: "fresh-" + user + "-" + service}, nil
}

func (f *fakeCreds) Invalidate(string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeCreds) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls + f.reresolveCalls
}

type fakeEmitter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (f *fakeEmitter) Emit(r audit.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakeEmitter) Records() []audit.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Record(nil), f.records...)
}

type page struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Token string `json:"token"`
}

type harness struct {
	d      *Dispatcher
	reg    *adapters.Registry
	cfg    Config
	creds  *fakeCreds
	audit  *fakeEmitter
	calls  atomic.Int32
	mu     sync.Mutex
	delays []time.Duration
	tokens []string
}

func (h *harness) Delays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

// newHarness registers "notion" with a create_page action whose behaviour on
// call n (1-based) is given by step.
func newHarness(t *testing.T, step func(ctx context.Context, n int) error, mut ...func(*Config)) *harness {
	t.Helper()
	h := &harness{creds: &fakeCreds{}, audit: &fakeEmitter{}}

	notion := adapters.MustStatic(adapters.Action{
		Spec: adapters.ActionSpec{
			Name: "create_page",
			Params: []adapters.ParamSpec{
				{Name: "title", Type: adapters.ParamString, Required: true},
				{Name: "content", Type: adapters.ParamString},
			},
		},
		Handler: func(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
			n := int(h.calls.Add(1))
			h.mu.Lock()
			h.tokens = append(h.tokens, cred.AccessToken)
			h.mu.Unlock()
			if err := step(ctx, n); err != nil {
				return nil, err
			}
			title, _ := params.String("title")
			return page{ID: fmt.Sprintf("pg-%d", n), Title: title, Token: cred.AccessToken}, nil
		},
	})
	reg := adapters.NewRegistry()
	reg.MustRegister("notion", notion)
	reg.Seal()

	p := retry.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.OnDelay = func(_ int, d time.Duration) {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
	}
	cp := retry.DefaultPolicy()
	cp.BaseDelay = time.Millisecond

	cfg := Config{Policy: p, CredentialPolicy: cp}
	for _, m := range mut {
		m(&cfg)
	}
	h.reg, h.cfg = reg, cfg
	h.d = New(reg, h.creds, h.audit, cfg)
	return h
}

func succeed(context.Context, int) error { return nil }

func notionRequest() types.ActionRequest {
	return types.ActionRequest{
		RequestingUser: "u1",
		Service:        "notion",
		Action:         "create_page",
		Parameters:     json.RawMessage(`{"title":"T","content":"C"}`),
	}
}

func requireOneAudit(t *testing.T, h *harness, resp types.ActionResponse) audit.Record {
	t.Helper()
	recs := h.audit.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, resp.DispatchID, r.DispatchID)
	assert.Equal(t, resp.Status, r.Status)
	assert.Equal(t, resp.Attempts, r.Attempts)
	assert.Equal(t, resp.Kind(), r.ErrorKind)
	return r
}

// ──────────────────────────────────────────────────────────────────────────────
// Scenarios
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatch_SuccessFirstTry(t *testing.T) {
	h := newHarness(t, succeed)
	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.DispatchID)
	assert.Equal(t, page{ID: "pg-1", Title: "T", Token: "tok-u1-notion"}, resp.Result)
	assert.Equal(t, 1, h.creds.calls())

	r := requireOneAudit(t, h, resp)
	assert.Equal(t, "u1", r.RequestingUser)
	assert.Equal(t, "notion", r.Service)
	assert.Equal(t, "create_page", r.Action)
	assert.Empty(t, r.ErrorKind)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())
}

func TestDispatch_UnknownService(t *testing.T) {
	h := newHarness(t, succeed)
	req := notionRequest()
	req.Service = "dropbox"

	resp := h.d.Dispatch(context.Background(), req)

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindUnknownService, resp.Kind())
	assert.Equal(t, 0, resp.Attempts)
	assert.Zero(t, h.creds.calls(), "credential resolver must not be called")
	assert.Zero(t, h.calls.Load(), "no handler may run")
	requireOneAudit(t, h, resp)
}

func TestDispatch_CredentialNotFound(t *testing.T) {
	h := newHarness(t, succeed)
	h.creds.resolveErr = fmt.Errorf("lookup: %w", credentials.ErrNotFound)

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindCredentialNotFound, resp.Kind())
	assert.Equal(t, 0, resp.Attempts)
	assert.Equal(t, 1, h.creds.resolveCalls, "not-found is not retried")
	assert.Zero(t, h.calls.Load())
	requireOneAudit(t, h, resp)
}

func TestDispatch_TransientTwiceThenSuccess(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int) error {
		if n < 3 {
			return adapters.Transient("upstream timeout", context.DeadlineExceeded)
		}
		return nil
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, 3, resp.Attempts)
	assert.Len(t, h.Delays(), 2)
	requireOneAudit(t, h, resp)
}

func TestDispatch_DeadlineExceeded(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	req := notionRequest()
	req.TimeoutMS = 50

	start := time.Now()
	resp := h.d.Dispatch(context.Background(), req)

	assert.Less(t, time.Since(start), 400*time.Millisecond, "in-flight attempt must be abandoned")
	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindDeadlineExceeded, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
	r := requireOneAudit(t, h, resp)
	assert.Equal(t, types.KindDeadlineExceeded, r.ErrorKind)
}

func TestDispatch_DeadlineDuringRetry(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, n int) error {
		if n == 1 {
			return adapters.Throttled(20*time.Millisecond, nil)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	req := notionRequest()
	req.TimeoutMS = 200

	resp := h.d.Dispatch(context.Background(), req)

	assert.Equal(t, types.KindDeadlineExceeded, resp.Kind())
	assert.Equal(t, 2, resp.Attempts, "partial attempt count")
	assert.EqualValues(t, 2, h.calls.Load(), "no retry starts after the deadline")
	requireOneAudit(t, h, resp)
}

func TestDispatch_BackoffPastDeadlineFailsFast(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		return adapters.Throttled(time.Hour, nil)
	})
	req := notionRequest()
	req.TimeoutMS = 1500

	start := time.Now()
	resp := h.d.Dispatch(context.Background(), req)

	assert.Less(t, time.Since(start), 500*time.Millisecond, "must not wait out the deadline")
	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindAdapterTransient, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
	assert.EqualValues(t, 1, h.calls.Load())
	assert.Empty(t, h.Delays())
	requireOneAudit(t, h, resp)
}

func TestDispatch_CallerCancelled(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	resp := h.d.Dispatch(ctx, notionRequest())

	assert.Equal(t, types.KindDeadlineExceeded, resp.Kind())
	assert.Equal(t, "dispatch cancelled", resp.Error.Message)
	requireOneAudit(t, h, resp)
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry behaviour
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatch_AlwaysTransientExhaustsRetries(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		return adapters.Transient("502 from upstream", nil)
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindRetriesExhausted, resp.Kind())
	assert.Equal(t, 3, resp.Attempts)
	assert.Contains(t, resp.Error.Message, "502 from upstream")
	assert.EqualValues(t, 3, h.calls.Load())
	requireOneAudit(t, h, resp)
}

func TestDispatch_PermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		return adapters.Permanent("page not found", nil)
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindAdapterPermanent, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
	assert.Empty(t, h.Delays(), "no backoff after a permanent failure")
	assert.EqualValues(t, 1, h.calls.Load())
	requireOneAudit(t, h, resp)
}

func TestDispatch_UnclassifiedErrorIsPermanent(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error { return errors.New("boom") })
	resp := h.d.Dispatch(context.Background(), notionRequest())
	assert.Equal(t, types.KindAdapterPermanent, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
}

func TestDispatch_HandlerPanicIsPermanent(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error { panic("nil map") })
	resp := h.d.Dispatch(context.Background(), notionRequest())
	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindAdapterPermanent, resp.Kind())
	assert.Contains(t, resp.Error.Message, "nil map")
	requireOneAudit(t, h, resp)
}

func TestDispatch_ThrottleHintDrivesDelay(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int) error {
		if n == 1 {
			return adapters.Throttled(20*time.Millisecond, nil)
		}
		return nil
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())

	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, h.Delays())
}

func TestDispatch_InvalidParametersArePermanent(t *testing.T) {
	h := newHarness(t, succeed)
	req := notionRequest()
	req.Parameters = json.RawMessage(`{"content":"no title"}`)

	resp := h.d.Dispatch(context.Background(), req)

	assert.Equal(t, types.KindAdapterPermanent, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
	assert.Zero(t, h.calls.Load())
}

// ──────────────────────────────────────────────────────────────────────────────
// Credentials
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatch_CredentialExpiryReresolvesOnce(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int) error {
		if n == 1 {
			return adapters.CredentialExpired("401 from upstream", nil)
		}
		return nil
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.LessOrEqual(t, resp.Attempts, 3)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 2, h.creds.calls(), "resolver invoked exactly twice")
	assert.Equal(t, 1, h.creds.reresolveCalls)
	assert.Equal(t, []string{"tok-u1-notion"}, h.creds.rejected)
	assert.Equal(t, []string{"tok-u1-notion", "fresh-u1-notion"}, h.tokens)
	assert.Equal(t, []time.Duration{0}, h.Delays(), "retry after re-resolution is immediate")
	requireOneAudit(t, h, resp)
}

func TestDispatch_CredentialExpiredTwiceIsTerminal(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		return adapters.CredentialExpired("401 from upstream", nil)
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindCredentialExpired, resp.Kind())
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 1, h.creds.reresolveCalls)
	assert.Equal(t, 1, h.creds.invalidations, "second rejection drops the cached credential")
	requireOneAudit(t, h, resp)
}

// rotatingHarness dispatches against a real Resolver over a MemoryStore
// seeded with token "revoked".
func rotatingHarness(t *testing.T, step func(store *credentials.MemoryStore, n int) error) (*harness, *credentials.Resolver, *credentials.MemoryStore) {
	t.Helper()
	store := credentials.NewMemoryStore()
	store.Put("u1", "notion", credentials.Credential{AccessToken: "revoked"})
	resolver := credentials.NewResolver(store, credentials.WithTTL(time.Hour))

	h := newHarness(t, func(_ context.Context, n int) error { return step(store, n) })
	h.d = New(h.reg, resolver, h.audit, h.cfg)
	return h, resolver, store
}

func TestDispatch_RejectionOnLastAttemptDropsCachedCredential(t *testing.T) {
	h, resolver, store := rotatingHarness(t, func(_ *credentials.MemoryStore, n int) error {
		if n < 3 {
			return adapters.Transient("503", nil)
		}
		return adapters.CredentialExpired("401 from upstream", nil)
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())
	require.Equal(t, types.KindCredentialExpired, resp.Kind())
	require.Equal(t, 3, resp.Attempts)

	store.Put("u1", "notion", credentials.Credential{AccessToken: "rotated"})
	cred, err := resolver.Resolve(context.Background(), "u1", "notion")
	require.NoError(t, err)
	assert.Equal(t, "rotated", cred.AccessToken, "provider-rejected token must not be served from cache")
}

func TestDispatch_SecondRejectionDropsCachedCredential(t *testing.T) {
	h, resolver, _ := rotatingHarness(t, func(store *credentials.MemoryStore, n int) error {
		store.Put("u1", "notion", credentials.Credential{AccessToken: fmt.Sprintf("rotated-%d", n)})
		return adapters.CredentialExpired("401 from upstream", nil)
	})

	resp := h.d.Dispatch(context.Background(), notionRequest())
	require.Equal(t, types.KindCredentialExpired, resp.Kind())
	require.Equal(t, 2, resp.Attempts)
	assert.Equal(t, []string{"revoked", "rotated-1"}, h.tokens)

	cred, err := resolver.Resolve(context.Background(), "u1", "notion")
	require.NoError(t, err)
	assert.Equal(t, "rotated-2", cred.AccessToken)
}

func TestDispatch_ReresolveRetriesUnavailableStore(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int) error {
		if n == 1 {
			return adapters.CredentialExpired("401", nil)
		}
		return nil
	})
	h.creds.reresolveErrs = []error{credentials.ErrUnavailable, nil}

	resp := h.d.Dispatch(context.Background(), notionRequest())

	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, 2, resp.Attempts, "store retries are not handler attempts")
	assert.Equal(t, 2, h.creds.reresolveCalls)
}

func TestDispatch_ReresolveStoreDown(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		return adapters.CredentialExpired("401", nil)
	})
	h.creds.reresolveErr = credentials.ErrUnavailable

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindCredentialStoreUnavailable, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 3, h.creds.reresolveCalls)
	requireOneAudit(t, h, resp)
}

func TestDispatch_ReresolveFailureSurfaces(t *testing.T) {
	h := newHarness(t, func(context.Context, int) error {
		return adapters.CredentialExpired("401", nil)
	})
	h.creds.reresolveErr = credentials.ErrExpired

	resp := h.d.Dispatch(context.Background(), notionRequest())

	assert.Equal(t, types.KindCredentialExpired, resp.Kind())
	assert.Equal(t, 1, resp.Attempts)
}

func TestDispatch_CredentialStoreUnavailable(t *testing.T) {
	h := newHarness(t, succeed)
	h.creds.resolveErr = credentials.ErrUnavailable

	resp := h.d.Dispatch(context.Background(), notionRequest())

	require.NoError(t, resp.Check())
	assert.Equal(t, types.KindCredentialStoreUnavailable, resp.Kind())
	assert.Equal(t, 0, resp.Attempts, "store retries are not handler attempts")
	assert.Equal(t, 3, h.creds.resolveCalls)
	assert.Zero(t, h.calls.Load())
	requireOneAudit(t, h, resp)
}

func TestDispatch_CredentialStoreRecovers(t *testing.T) {
	h := newHarness(t, succeed)
	h.creds.resolveErrs = []error{credentials.ErrUnavailable, nil}

	resp := h.d.Dispatch(context.Background(), notionRequest())

	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 2, h.creds.resolveCalls)
}

func TestDispatch_StoredCredentialExpired(t *testing.T) {
	h := newHarness(t, succeed)
	h.creds.resolveErr = credentials.ErrExpired

	resp := h.d.Dispatch(context.Background(), notionRequest())

	assert.Equal(t, types.KindCredentialExpired, resp.Kind())
	assert.Equal(t, 0, resp.Attempts)
	assert.Zero(t, h.calls.Load())
}

// ──────────────────────────────────────────────────────────────────────────────
// Validation and envelope invariants
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatch_MalformedRequest(t *testing.T) {
	cases := map[string]func(*types.ActionRequest){
		"missing service":   func(r *types.ActionRequest) { r.Service = "" },
		"missing action":    func(r *types.ActionRequest) { r.Action = " " },
		"missing user":      func(r *types.ActionRequest) { r.RequestingUser = "" },
		"array parameters":  func(r *types.ActionRequest) { r.Parameters = json.RawMessage(`[1]`) },
		"duplicate keys":    func(r *types.ActionRequest) { r.Parameters = json.RawMessage(`{"title":"a","title":"b"}`) },
		"truncated json":    func(r *types.ActionRequest) { r.Parameters = json.RawMessage(`{"title":`) },
		"negative deadline": func(r *types.ActionRequest) { r.TimeoutMS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, succeed)
			req := notionRequest()
			mutate(&req)

			resp := h.d.Dispatch(context.Background(), req)

			require.NoError(t, resp.Check())
			assert.Equal(t, types.KindMalformedRequest, resp.Kind())
			assert.Equal(t, 0, resp.Attempts)
			assert.Zero(t, h.creds.calls())
			assert.Zero(t, h.calls.Load())
			requireOneAudit(t, h, resp)
		})
	}
}

func TestDispatch_MalformedAuditFieldsAreBounded(t *testing.T) {
	h := newHarness(t, succeed)
	req := notionRequest()
	req.RequestingUser = strings.Repeat("é", 1000)
	req.Service = strings.Repeat("s", 10000)
	req.Action = strings.Repeat("a", 10000)
	req.TraceID = strings.Repeat("t", 10000)

	resp := h.d.Dispatch(context.Background(), req)

	assert.Equal(t, types.KindMalformedRequest, resp.Kind())
	r := requireOneAudit(t, h, resp)
	assert.LessOrEqual(t, len(r.RequestingUser), types.MaxUserBytes)
	assert.True(t, utf8.ValidString(r.RequestingUser))
	assert.Equal(t, strings.Repeat("é", types.MaxUserBytes/2), r.RequestingUser)
	assert.Len(t, r.Service, types.MaxIdentifierBytes)
	assert.Len(t, r.Action, types.MaxIdentifierBytes)
	assert.Len(t, r.TraceID, types.MaxTraceIDBytes)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab", clip("abc", 2))
	assert.Equal(t, "", clip("é", 1), "never splits a rune")
	assert.Equal(t, "aé", clip("aéb", 3))
}

func TestDispatch_EnvelopeAndAuditForEveryOutcome(t *testing.T) {
	outcomes := map[string]func(context.Context, int) error{
		"success":   succeed,
		"transient": func(context.Context, int) error { return adapters.Transient("x", nil) },
		"permanent": func(context.Context, int) error { return adapters.Permanent("x", nil) },
		"expired":   func(context.Context, int) error { return adapters.CredentialExpired("x", nil) },
		"slow": func(ctx context.Context, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	for name, step := range outcomes {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, step)
			req := notionRequest()
			req.TimeoutMS = 100

			resp := h.d.Dispatch(context.Background(), req)

			require.NoError(t, resp.Check())
			assert.True(t, (resp.Result == nil) != (resp.Error == nil))
			requireOneAudit(t, h, resp)
		})
	}
}

func TestDispatch_ConcurrentDispatchesAreIndependent(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int) error {
		if n%3 == 0 {
			return adapters.Permanent("x", nil)
		}
		return nil
	})

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := notionRequest()
			req.RequestingUser = fmt.Sprintf("u%d", i)
			resp := h.d.Dispatch(context.Background(), req)
			assert.NoError(t, resp.Check())
			ids <- resp.DispatchID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate dispatch id %s", id)
		seen[id] = true
	}
	assert.Len(t, h.audit.Records(), n)
}

func TestDispatch_AuditCarriesCallerAndTrace(t *testing.T) {
	h := newHarness(t, succeed, func(c *Config) {
		c.NewID = func() string { return "fixed-id" }
	})
	req := notionRequest()
	req.TraceID = "trace-123"
	ctx := auth.WithCaller(context.Background(), "assistant")

	resp := h.d.Dispatch(ctx, req)

	assert.Equal(t, "fixed-id", resp.DispatchID)
	r := requireOneAudit(t, h, resp)
	assert.Equal(t, "assistant", r.Caller)
	assert.Equal(t, "trace-123", r.TraceID)
}

func TestDispatch_NormalizesIdentifiers(t *testing.T) {
	h := newHarness(t, succeed)
	req := notionRequest()
	req.Service = " Notion "
	req.Action = "CREATE_PAGE"

	resp := h.d.Dispatch(context.Background(), req)

	assert.Equal(t, types.StatusSuccess, resp.Status)
	assert.Equal(t, "notion", h.audit.Records()[0].Service)
}

func TestDispatcher_Timeout(t *testing.T) {
	d := New(adapters.NewRegistry(), &fakeCreds{}, &fakeEmitter{}, Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     time.Minute,
	})
	assert.Equal(t, 30*time.Second, d.timeout(0))
	assert.Equal(t, 50*time.Millisecond, d.timeout(50))
	assert.Equal(t, time.Minute, d.timeout(10*60*1000))
}

func TestDispatch_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(_ context.Context, n int) error {
		if n == 2 {
			return adapters.Permanent("x", nil)
		}
		return nil
	}, func(c *Config) { c.Registerer = reg })

	h.d.Dispatch(context.Background(), notionRequest())
	h.d.Dispatch(context.Background(), notionRequest())
	bad := notionRequest()
	bad.Service = "dropbox"
	h.d.Dispatch(context.Background(), bad)

	m := h.d.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues("notion", "create_page", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues("notion", "create_page", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues("_invalid", "_invalid", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues(string(types.KindAdapterPermanent))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues(string(types.KindUnknownService))))
}
