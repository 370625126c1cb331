package adapters

import (
	"encoding/json"

	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

// ExecRequest is the payload sent from the gateway to an out-of-process
// connector.
type ExecRequest struct {
	DispatchID string                 `json:"dispatch_id,omitempty"`
	Service    string                 `json:"service"`
	Action     string                 `json:"action"`
	Params     types.Parameters       `json:"params"`
	Credential credentials.Credential `json:"credential"`
}

// ExecResponse is what the connector returns.
type ExecResponse struct {
	Status       string          `json:"status"` // "success" | "error"
	OutputJSON   json.RawMessage `json:"output_json,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorClass   string          `json:"error_class,omitempty"`
	RetryAfterMS int64           `json:"retry_after_ms,omitempty"`
}
