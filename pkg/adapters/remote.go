package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

const maxRemoteResponseBytes = 4 << 20

// Remote forwards actions to an out-of-process connector over JSON/HTTP
// (POST {baseURL}/exec). Its action table comes from configuration.
type Remote struct {
	service       string
	baseURL       string
	internalToken string
	specs         []ActionSpec
	httpClient    *http.Client
}

// NewRemote creates a remote adapter for service.
func NewRemote(service, baseURL string, specs []ActionSpec) *Remote {
	return &Remote{
		service: service,
		baseURL: baseURL,
		specs:   specs,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetTimeout overrides the default HTTP client timeout for connector calls.
func (r *Remote) SetTimeout(d time.Duration) {
	r.httpClient.Timeout = d
}

// SetInternalToken sets the shared secret sent as X-Internal-Token.
func (r *Remote) SetInternalToken(token string) {
	r.internalToken = token
}

func (r *Remote) Actions() []ActionSpec {
	out := make([]ActionSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Handle sends the action to the connector and maps its answer back into a
// result or a classified failure.
func (r *Remote) Handle(ctx context.Context, action string, params types.Parameters, cred credentials.Credential) (any, error) {
	spec, ok := r.spec(action)
	if !ok {
		return nil, Permanent(fmt.Sprintf("unsupported action %q", action), nil)
	}
	if err := spec.Validate(params); err != nil {
		return nil, Permanent("invalid parameters", err)
	}

	body, err := json.Marshal(ExecRequest{
		DispatchID: DispatchIDFrom(ctx),
		Service:    r.service,
		Action:     action,
		Params:     params,
		Credential: cred,
	})
	if err != nil {
		return nil, Permanent("connector marshal", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent("connector new request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.internalToken != "" {
		httpReq.Header.Set("X-Internal-Token", r.internalToken)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, Transient(fmt.Sprintf("connector request to %s", r.service), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return nil, Transient("connector read response", err)
	}
	if err := FromHTTPStatus(resp, respBody); err != nil {
		return nil, err
	}

	var execResp ExecResponse
	if err := json.Unmarshal(respBody, &execResp); err != nil {
		return nil, Permanent("connector decode response", err)
	}
	return decodeExecResponse(execResp)
}

func (r *Remote) spec(action string) (ActionSpec, bool) {
	for _, s := range r.specs {
		if s.Name == action {
			return s, true
		}
	}
	return ActionSpec{}, false
}

func decodeExecResponse(resp ExecResponse) (any, error) {
	if resp.Status != "success" {
		f := &Failure{
			Class:      ParseClass(resp.ErrorClass),
			Reason:     resp.Error,
			RetryAfter: time.Duration(resp.RetryAfterMS) * time.Millisecond,
		}
		if f.Reason == "" {
			f.Reason = "connector reported failure"
		}
		return nil, f
	}
	if len(resp.OutputJSON) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(resp.OutputJSON, &out); err != nil {
		return nil, Permanent("connector output is not JSON", err)
	}
	return out, nil
}

// EncodeExecResponse converts a handler outcome into the wire response.
func EncodeExecResponse(result any, err error) ExecResponse {
	if err != nil {
		f := Classify(err)
		msg := f.Reason
		if f.Cause != nil && !errors.Is(f.Cause, context.Canceled) {
			msg = f.Error()
		}
		return ExecResponse{
			Status:       "error",
			Error:        msg,
			ErrorClass:   f.Class.String(),
			RetryAfterMS: f.RetryAfter.Milliseconds(),
		}
	}
	out, mErr := json.Marshal(result)
	if mErr != nil {
		return ExecResponse{Status: "error", Error: "encode output: " + mErr.Error(), ErrorClass: ClassPermanent.String()}
	}
	return ExecResponse{Status: "success", OutputJSON: out}
}

type dispatchIDKey struct{}

// WithDispatchID attaches the dispatch id to ctx for propagation to connectors.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDKey{}, id)
}

// DispatchIDFrom returns the dispatch id carried by ctx, if any.
func DispatchIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(dispatchIDKey{}).(string)
	return id
}
