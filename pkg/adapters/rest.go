package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bturcanu/OpenConduit/pkg/credentials"
)

const maxUpstreamBodyBytes = 8 << 20

// NewJSONRequest builds a request with an optional JSON body.
func NewJSONRequest(ctx context.Context, method, url string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, Permanent("marshal request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, Permanent("new request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// DoJSON sends req with the credential attached and decodes a 2xx JSON body
// into out. Non-2xx answers and transport failures come back classified.
func DoJSON(client *http.Client, req *http.Request, cred credentials.Credential, out any) error {
	req.Header.Set("Authorization", cred.Authorization())

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return Transient(fmt.Sprintf("%s %s", req.Method, req.URL.Host), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return Transient("read upstream response", err)
	}
	if err := FromHTTPStatus(resp, body); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Permanent("decode upstream response", err)
	}
	return nil
}
